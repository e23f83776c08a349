package rollout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	home := t.TempDir()
	rec, err := New(home, SessionMeta{
		ConversationID: protocol.ConversationID("11111111-2222-3333-4444-555555555555"),
		Cwd:            "/work",
		Originator:     "codexd_test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rec, home
}

func TestRecorderRoundTrip(t *testing.T) {
	rec, _ := newTestRecorder(t)

	items := []protocol.ResponseItem{
		protocol.UserMessage("hello"),
		{Type: protocol.ItemFunctionCall, FunctionCall: &protocol.FunctionCallItem{Name: "shell", Arguments: `{"command":["ls"]}`, CallID: "c1"}},
		protocol.FunctionOutput("c1", "ok"),
		protocol.AssistantMessage("done"),
	}
	rec.AddItems(items)
	rec.Snapshot(protocol.SessionStateSnapshot{Model: "gpt-5", RecordedAt: time.Now().UTC()})

	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	history, err := LoadHistory(rec.Path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(history))
	}
	if history[0].Message.Content[0].Text != "hello" {
		t.Errorf("user message did not round-trip: %+v", history[0])
	}
	if history[1].FunctionCall.CallID != "c1" || history[2].FunctionCallOutput.CallID != "c1" {
		t.Errorf("call pairing did not round-trip")
	}
}

func TestRecorderSkipsUnpersistedItems(t *testing.T) {
	rec, _ := newTestRecorder(t)

	rec.AddItems([]protocol.ResponseItem{
		{Type: protocol.ItemWebSearchCall, WebSearchCall: &protocol.WebSearchCallItem{Action: protocol.WebSearchAction{Type: "search", Query: "q"}}},
		{Type: protocol.ItemOther, Raw: json.RawMessage(`{"type":"mystery"}`)},
		protocol.AssistantMessage("kept"),
	})
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	history, err := LoadHistory(rec.Path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 1 || history[0].Type != protocol.ItemMessage {
		t.Fatalf("expected only the message to persist, got %+v", history)
	}
}

func TestRecorderFileLayout(t *testing.T) {
	rec, home := newTestRecorder(t)
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rel, err := filepath.Rel(home, rec.Path)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	// sessions/YYYY/MM/DD/<uuid>.jsonl
	if len(parts) != 5 || parts[0] != SessionsSubdir {
		t.Fatalf("unexpected layout: %v", parts)
	}
	if len(parts[1]) != 4 || len(parts[2]) != 2 || len(parts[3]) != 2 {
		t.Fatalf("unexpected date segments: %v", parts[1:4])
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatal(err)
	}
	firstLine := strings.SplitN(string(data), "\n", 2)[0]
	var header map[string]any
	if err := json.Unmarshal([]byte(firstLine), &header); err != nil {
		t.Fatalf("header is not JSON: %v", err)
	}
	if header["type"] != "session_meta" {
		t.Fatalf("first record must be session_meta, got %v", header["type"])
	}
	for _, key := range []string{"conversation_id", "cwd", "originator", "created_at"} {
		if _, ok := header[key]; !ok {
			t.Errorf("header missing %s", key)
		}
	}
}

func TestLoadHistoryToleratesTornTail(t *testing.T) {
	rec, _ := newTestRecorder(t)
	rec.AddItems([]protocol.ResponseItem{protocol.UserMessage("before crash")})
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	f, err := os.OpenFile(rec.Path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"response_item","item":{"type":"mess`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	history, err := LoadHistory(rec.Path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected the intact item only, got %d", len(history))
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	home := t.TempDir()
	var paths []string
	for i, id := range []string{"aaa", "bbb", "ccc"} {
		rec, err := New(home, SessionMeta{ConversationID: protocol.ConversationID(id)})
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
		// Distinct mtimes so ordering is deterministic.
		ts := time.Now().Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(rec.Path, ts, ts); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, rec.Path)
	}

	listed, err := ListSessions(home)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 rollouts, got %d", len(listed))
	}
	if listed[0] != paths[2] || listed[2] != paths[0] {
		t.Fatalf("not newest-first: %v", listed)
	}
}
