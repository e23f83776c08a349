package agent

import (
	"errors"
	"os"
)

var errTest = errors.New("synthetic provider failure")

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o755)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
