package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

// maxLineBytes bounds a single rollout record; items above this were never
// written by the recorder.
const maxLineBytes = 16 << 20

// LoadHistory reads a rollout file and returns the persisted transcript.
// Header and snapshot records are skipped. A torn final line (crash during
// append) is tolerated and ignored.
func LoadHistory(path string) ([]protocol.ResponseItem, error) {
	meta, items, err := read(path)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("rollout %s: missing session_meta header", path)
	}
	return items, nil
}

// ReadMeta returns the session_meta header of a rollout file.
func ReadMeta(path string) (*SessionMeta, error) {
	meta, _, err := read(path)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("rollout %s: missing session_meta header", path)
	}
	return meta, nil
}

func read(path string) (*SessionMeta, []protocol.ResponseItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open rollout: %w", err)
	}
	defer file.Close()

	var (
		meta  *SessionMeta
		items []protocol.ResponseItem
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe struct {
			Type string          `json:"type"`
			Item json.RawMessage `json:"item"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			// Torn trailing line from a crash mid-append.
			continue
		}
		switch probe.Type {
		case lineSessionMeta:
			var m SessionMeta
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				return nil, nil, fmt.Errorf("decode session meta: %w", err)
			}
			meta = &m
		case lineResponseItem:
			var item protocol.ResponseItem
			if err := json.Unmarshal(probe.Item, &item); err != nil {
				continue
			}
			items = append(items, item)
		case lineStateSnapshot:
			// Snapshots accelerate resume elsewhere; the transcript skips them.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan rollout: %w", err)
	}
	return meta, items, nil
}

// ListSessions walks <home>/sessions and returns rollout file paths, newest
// first by modification time.
func ListSessions(home string) ([]string, error) {
	root := filepath.Join(home, SessionsSubdir)
	type entry struct {
		path  string
		mtime int64
	}
	var found []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, entry{path: path, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walk sessions: %w", err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
	paths := make([]string, len(found))
	for i, e := range found {
		paths[i] = e.path
	}
	return paths, nil
}
