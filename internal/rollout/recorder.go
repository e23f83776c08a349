// Package rollout persists conversation transcripts as append-only JSONL
// files and reads them back for resume and fork.
package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/codexd/internal/events"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// SessionsSubdir is the directory under the codex home that holds rollouts.
const SessionsSubdir = "sessions"

const (
	lineSessionMeta   = "session_meta"
	lineResponseItem  = "response_item"
	lineStateSnapshot = "state_snapshot"

	queueDepth    = 256
	syncInterval  = 500 * time.Millisecond
	shutdownGrace = 5 * time.Second
)

// SessionMeta is the header record of every rollout file.
type SessionMeta struct {
	ConversationID   protocol.ConversationID `json:"conversation_id"`
	Cwd              string                  `json:"cwd"`
	Originator       string                  `json:"originator"`
	InstructionsHash string                  `json:"instructions_hash,omitempty"`
	Model            string                  `json:"model,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

type command struct {
	items    []protocol.ResponseItem
	snapshot *protocol.SessionStateSnapshot
	flush    chan struct{}
}

// Recorder appends transcript items to a rollout file through a single
// writer goroutine. Persistence is best-effort: I/O failures are logged and
// never surfaced to the turn loop.
type Recorder struct {
	Path string

	queue  chan command
	done   chan struct{}
	logger *slog.Logger
}

// New creates the rollout file under
// <home>/sessions/YYYY/MM/DD/<conversation-id>.jsonl, writes the session_meta
// header, and starts the writer.
func New(home string, meta SessionMeta) (*Recorder, error) {
	now := meta.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		meta.CreatedAt = now
	}
	dir := filepath.Join(home, SessionsSubdir,
		fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", now.Month()), fmt.Sprintf("%02d", now.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	path := filepath.Join(dir, string(meta.ConversationID)+".jsonl")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create rollout file: %w", err)
	}

	rec := &Recorder{
		Path:   path,
		queue:  make(chan command, queueDepth),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "rollout", "path", path),
	}

	header := struct {
		Type string `json:"type"`
		SessionMeta
	}{Type: lineSessionMeta, SessionMeta: meta}
	headerLine, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("encode session meta: %w", err)
	}

	go rec.writeLoop(file, headerLine)
	return rec, nil
}

// AddItems enqueues the persisted subset of items. Callers never block on
// disk; when the queue is full the call waits for the writer to drain, which
// bounds loss to the in-flight queue on crash.
func (r *Recorder) AddItems(items []protocol.ResponseItem) {
	persisted := make([]protocol.ResponseItem, 0, len(items))
	for _, item := range items {
		if events.IsPersisted(item) {
			persisted = append(persisted, item)
		}
	}
	if len(persisted) == 0 {
		return
	}
	select {
	case r.queue <- command{items: persisted}:
	case <-r.done:
	}
}

// Snapshot appends a state_snapshot record.
func (r *Recorder) Snapshot(state protocol.SessionStateSnapshot) {
	select {
	case r.queue <- command{snapshot: &state}:
	case <-r.done:
	}
}

// Flush blocks until everything queued so far has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case r.queue <- command{flush: flushed}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes and stops the writer. The recorder accepts no writes
// afterwards.
func (r *Recorder) Shutdown(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := r.Flush(flushCtx)
	close(r.done)
	return err
}

func (r *Recorder) writeLoop(file *os.File, headerLine []byte) {
	defer file.Close()

	w := bufio.NewWriter(file)
	writeLine := func(line []byte) {
		if _, err := w.Write(append(line, '\n')); err != nil {
			r.logger.Error("rollout write failed", "error", err)
		}
		if err := w.Flush(); err != nil {
			r.logger.Error("rollout flush failed", "error", err)
		}
	}
	writeLine(headerLine)

	// fsync runs on a timer rather than per record.
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case cmd := <-r.queue:
			switch {
			case cmd.flush != nil:
				if err := file.Sync(); err != nil {
					r.logger.Warn("rollout fsync failed", "error", err)
				}
				dirty = false
				close(cmd.flush)
			case cmd.snapshot != nil:
				line, err := json.Marshal(struct {
					Type  string                         `json:"type"`
					State *protocol.SessionStateSnapshot `json:"state"`
				}{lineStateSnapshot, cmd.snapshot})
				if err != nil {
					r.logger.Error("encode state snapshot failed", "error", err)
					continue
				}
				writeLine(line)
				dirty = true
			default:
				for _, item := range cmd.items {
					line, err := json.Marshal(struct {
						Type string                `json:"type"`
						Item protocol.ResponseItem `json:"item"`
					}{lineResponseItem, item})
					if err != nil {
						r.logger.Error("encode response item failed", "error", err, "item_type", item.Type)
						continue
					}
					writeLine(line)
				}
				dirty = true
			}
		case <-ticker.C:
			if dirty {
				if err := file.Sync(); err != nil {
					r.logger.Warn("rollout fsync failed", "error", err)
				}
				dirty = false
			}
		case <-r.done:
			if err := file.Sync(); err != nil {
				r.logger.Warn("rollout fsync failed", "error", err)
			}
			return
		}
	}
}
