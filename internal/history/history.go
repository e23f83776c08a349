// Package history appends user messages to the cross-session history file
// at <home>/history.jsonl.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/codexd/internal/config"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// FileName is the history file under the codexd home.
const FileName = "history.jsonl"

// Appender writes history entries, honoring the persistence setting and the
// max_bytes cap.
type Appender struct {
	mu   sync.Mutex
	path string
	cfg  config.History
}

// NewAppender creates an appender rooted at home.
func NewAppender(home string, cfg config.History) *Appender {
	return &Appender{path: filepath.Join(home, FileName), cfg: cfg}
}

// Append writes one entry. When the file would exceed max_bytes, the oldest
// entries are dropped until it fits.
func (a *Appender) Append(id protocol.ConversationID, text string) error {
	if a.cfg.Persistence == config.HistoryNone {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := protocol.HistoryEntry{
		ConversationID: string(id),
		Ts:             time.Now().Unix(),
		Text:           text,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	if a.cfg.MaxBytes > 0 {
		if err := a.trimFor(int64(len(line))); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Entries reads the whole history file.
func (a *Appender) Entries() ([]protocol.HistoryEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return readEntries(a.path)
}

func readEntries(path string) ([]protocol.HistoryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []protocol.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var entry protocol.HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// trimFor drops oldest entries until incoming bytes fit under MaxBytes.
func (a *Appender) trimFor(incoming int64) error {
	info, err := os.Stat(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size()+incoming <= a.cfg.MaxBytes {
		return nil
	}

	entries, err := readEntries(a.path)
	if err != nil {
		return err
	}

	budget := a.cfg.MaxBytes - incoming
	var kept [][]byte
	var total int64
	for i := len(entries) - 1; i >= 0; i-- {
		line, err := json.Marshal(entries[i])
		if err != nil {
			continue
		}
		line = append(line, '\n')
		if total+int64(len(line)) > budget {
			break
		}
		total += int64(len(line))
		kept = append([][]byte{line}, kept...)
	}

	tmp := a.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	for _, line := range kept {
		if _, err := f.Write(line); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, a.path)
}
