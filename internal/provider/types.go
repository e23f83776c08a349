// Package provider implements the model provider contract: a POST to
// /responses answered by an SSE stream of response events.
package provider

import (
	"encoding/json"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

// OutputSchemaName is the fixed name attached to a per-turn output schema.
const OutputSchemaName = "codex_output_schema"

// TextFormat constrains the model's final message to a JSON schema.
type TextFormat struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// TextControls is the text field of a request.
type TextControls struct {
	Format *TextFormat `json:"format,omitempty"`
}

// ReasoningControls selects reasoning effort and summary verbosity.
type ReasoningControls struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Request is the /responses request body.
type Request struct {
	Model     string                  `json:"model"`
	Input     []protocol.ResponseItem `json:"input"`
	Tools     []json.RawMessage       `json:"tools,omitempty"`
	Text      *TextControls           `json:"text,omitempty"`
	Reasoning *ReasoningControls      `json:"reasoning,omitempty"`
	Stream    bool                    `json:"stream"`
}

// EventKind identifies one SSE event from the provider.
type EventKind string

const (
	EventCreated        EventKind = "response.created"
	EventOutputItemDone EventKind = "response.output_item.done"
	EventCompleted      EventKind = "response.completed"
	EventFailed         EventKind = "response.failed"
	EventError          EventKind = "error"
)

// ResponseEvent is one parsed stream event. Err is set for transport and
// provider errors; the channel closes after the first terminal event.
type ResponseEvent struct {
	Kind  EventKind
	Item  *protocol.ResponseItem
	Usage *protocol.TokenUsage
	Err   error
}
