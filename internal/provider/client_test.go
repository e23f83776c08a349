package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

func sseBody(events ...[2]string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
	return b.String()
}

func serveSSE(t *testing.T, handler func(r *http.Request) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := handler(r)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func collect(t *testing.T, ch <-chan ResponseEvent) []ResponseEvent {
	t.Helper()
	var events []ResponseEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamParsesItemsAndUsage(t *testing.T) {
	server := serveSSE(t, func(*http.Request) string {
		return sseBody(
			[2]string{"response.created", `{}`},
			[2]string{"response.output_item.done", `{"item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]}}`},
			[2]string{"response.completed", `{"response":{"usage":{"input_tokens":7,"output_tokens":3,"total_tokens":10}}}`},
		)
	})
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[1].Kind != EventOutputItemDone || events[1].Item.Message.Content[0].Text != "hi" {
		t.Fatalf("item event: %+v", events[1])
	}
	if events[2].Kind != EventCompleted || events[2].Usage.TotalTokens != 10 {
		t.Fatalf("completed event: %+v", events[2])
	}
}

func TestStreamSendsHeadersAndSchema(t *testing.T) {
	var captured struct {
		headers http.Header
		body    map[string]any
	}
	server := serveSSE(t, func(r *http.Request) string {
		captured.headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&captured.body)
		return sseBody([2]string{"response.completed", `{"response":{}}`})
	})
	defer server.Close()

	client := NewClient(server.URL, "secret")
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}}}`)
	req := &Request{
		Model: "gpt-5",
		Input: []protocol.ResponseItem{protocol.UserMessage("hello")},
		Text: &TextControls{Format: &TextFormat{
			Name: OutputSchemaName, Type: "json_schema", Strict: true, Schema: schema,
		}},
		Reasoning: &ReasoningControls{Effort: "medium", Summary: "auto"},
	}
	ch, err := client.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)

	if got := captured.headers.Get("originator"); got != defaultOriginator {
		t.Errorf("originator header: %q", got)
	}
	ua := captured.headers.Get("User-Agent")
	if !strings.HasPrefix(ua, defaultOriginator+"/"+Version+" (") {
		t.Errorf("user agent: %q", ua)
	}
	if got := captured.headers.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("authorization header: %q", got)
	}

	text, ok := captured.body["text"].(map[string]any)
	if !ok {
		t.Fatalf("request body missing text: %v", captured.body)
	}
	format, _ := text["format"].(map[string]any)
	if format["name"] != OutputSchemaName || format["type"] != "json_schema" || format["strict"] != true {
		t.Fatalf("text.format: %v", format)
	}
	if _, ok := format["schema"].(map[string]any); !ok {
		t.Fatalf("text.format.schema missing: %v", format)
	}
}

func TestStreamSurfacesProviderError(t *testing.T) {
	server := serveSSE(t, func(*http.Request) string {
		return sseBody([2]string{"error", `{"message":"model melted"}`})
	})
	defer server.Close()

	client := NewClient(server.URL, "")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != EventError || last.Err == nil || !strings.Contains(last.Err.Error(), "model melted") {
		t.Fatalf("error event: %+v", last)
	}
}

func TestStreamIgnoresUnknownEvents(t *testing.T) {
	server := serveSSE(t, func(*http.Request) string {
		return sseBody(
			[2]string{"response.shiny.new", `{"whatever":true}`},
			[2]string{"response.completed", `{"response":{}}`},
		)
	})
	defer server.Close()

	client := NewClient(server.URL, "")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 1 || events[0].Kind != EventCompleted {
		t.Fatalf("expected only completed, got %+v", events)
	}
}

func TestStreamTruncationReportsError(t *testing.T) {
	server := serveSSE(t, func(*http.Request) string {
		return "event: response.created\ndata: {}\n\n"
	})
	defer server.Close()

	client := NewClient(server.URL, "")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != EventError || last.Err == nil {
		t.Fatalf("expected trailing error event, got %+v", events)
	}
}

func TestRateLimitHeadersParsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-codex-primary-used-percent", "42.5")
		w.Header().Set("x-codex-primary-window-minutes", "300")
		w.Header().Set("x-codex-secondary-used-percent", "10")
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody([2]string{"response.completed", `{"response":{}}`})))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, ch)

	limits := client.RateLimits()
	if limits == nil || limits.Primary == nil || limits.Primary.UsedPercent != 42.5 || limits.Primary.WindowMinutes != 300 {
		t.Fatalf("rate limits: %+v", limits)
	}
	if limits.Secondary == nil || limits.Secondary.UsedPercent != 10 {
		t.Fatalf("secondary: %+v", limits.Secondary)
	}
}

func TestRetryOn500(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseBody([2]string{"response.completed", `{"response":{}}`})))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	ch, err := client.Stream(context.Background(), &Request{Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if events[len(events)-1].Kind != EventCompleted {
		t.Fatalf("events: %+v", events)
	}
}

func TestNoRetryOn400(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Stream(context.Background(), &Request{Model: "gpt-5"}); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("400 must not retry, got %d attempts", attempts)
	}
}
