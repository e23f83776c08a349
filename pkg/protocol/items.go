// Package protocol defines the wire types shared between the codexd core and
// its clients: response items, submissions, events, and the policy enums that
// govern tool execution.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ItemType identifies the variant of a ResponseItem.
type ItemType string

const (
	ItemMessage              ItemType = "message"
	ItemReasoning            ItemType = "reasoning"
	ItemFunctionCall         ItemType = "function_call"
	ItemFunctionCallOutput   ItemType = "function_call_output"
	ItemLocalShellCall       ItemType = "local_shell_call"
	ItemCustomToolCall       ItemType = "custom_tool_call"
	ItemCustomToolCallOutput ItemType = "custom_tool_call_output"
	ItemWebSearchCall        ItemType = "web_search_call"

	// ItemOther is any unrecognized item. It is carried verbatim so it can be
	// re-submitted to the model, and it is never persisted.
	ItemOther ItemType = "other"
)

// ResponseItem is one atom of a conversation transcript. Exactly one payload
// pointer is non-nil for a given Type; Raw holds the original bytes for
// unrecognized items.
type ResponseItem struct {
	Type ItemType

	Message              *MessageItem
	Reasoning            *ReasoningItem
	FunctionCall         *FunctionCallItem
	FunctionCallOutput   *FunctionCallOutputItem
	LocalShellCall       *LocalShellCallItem
	CustomToolCall       *CustomToolCallItem
	CustomToolCallOutput *CustomToolCallOutputItem
	WebSearchCall        *WebSearchCallItem

	Raw json.RawMessage
}

// MessageItem is a user/assistant/system message.
type MessageItem struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role"`
	Content []ContentItem `json:"content"`
}

// ContentItem is one block of message content.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

const (
	ContentOutputText = "output_text"
	ContentInputText  = "input_text"
	ContentInputImage = "input_image"
)

// SummaryText is one entry of a reasoning summary.
type SummaryText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReasoningText is one block of raw reasoning content.
type ReasoningText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReasoningItem carries model reasoning. EncryptedContent is opaque and must
// be re-submitted to the model byte-for-byte.
type ReasoningItem struct {
	ID               string          `json:"id"`
	Summary          []SummaryText   `json:"summary"`
	Content          []ReasoningText `json:"content,omitempty"`
	EncryptedContent *string         `json:"encrypted_content,omitempty"`
}

// FunctionCallItem is a model-requested tool invocation.
type FunctionCallItem struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
}

// FunctionCallOutputItem is the result fed back for a FunctionCallItem.
type FunctionCallOutputItem struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// LocalShellCallItem is the provider-native shell call variant. The action
// payload is preserved as emitted.
type LocalShellCallItem struct {
	ID     string          `json:"id,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

// CustomToolCallItem is a freeform (non-JSON-arguments) tool invocation.
type CustomToolCallItem struct {
	ID     string `json:"id,omitempty"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Input  string `json:"input"`
}

// CustomToolCallOutputItem is the result for a CustomToolCallItem.
type CustomToolCallOutputItem struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// WebSearchAction describes what a web search call did.
type WebSearchAction struct {
	Type  string `json:"type"`
	Query string `json:"query,omitempty"`
}

const WebSearchActionSearch = "search"

// WebSearchCallItem is a provider-executed web search.
type WebSearchCallItem struct {
	ID     string          `json:"id,omitempty"`
	Action WebSearchAction `json:"action"`
}

// MarshalJSON renders the tagged wire form. Unrecognized items round-trip
// their original bytes.
func (it ResponseItem) MarshalJSON() ([]byte, error) {
	switch it.Type {
	case ItemMessage:
		return marshalTagged(string(ItemMessage), it.Message)
	case ItemReasoning:
		return marshalTagged(string(ItemReasoning), it.Reasoning)
	case ItemFunctionCall:
		return marshalTagged(string(ItemFunctionCall), it.FunctionCall)
	case ItemFunctionCallOutput:
		return marshalTagged(string(ItemFunctionCallOutput), it.FunctionCallOutput)
	case ItemLocalShellCall:
		return marshalTagged(string(ItemLocalShellCall), it.LocalShellCall)
	case ItemCustomToolCall:
		return marshalTagged(string(ItemCustomToolCall), it.CustomToolCall)
	case ItemCustomToolCallOutput:
		return marshalTagged(string(ItemCustomToolCallOutput), it.CustomToolCallOutput)
	case ItemWebSearchCall:
		return marshalTagged(string(ItemWebSearchCall), it.WebSearchCall)
	case ItemOther:
		if len(it.Raw) > 0 {
			return it.Raw, nil
		}
		return []byte(`{"type":"other"}`), nil
	default:
		return nil, fmt.Errorf("protocol: cannot marshal response item with type %q", it.Type)
	}
}

// UnmarshalJSON decodes the tagged wire form. Unknown type tags become
// ItemOther with the raw bytes preserved.
func (it *ResponseItem) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("protocol: decode response item: %w", err)
	}

	*it = ResponseItem{Type: ItemType(probe.Type)}
	switch it.Type {
	case ItemMessage:
		it.Message = &MessageItem{}
		return json.Unmarshal(data, it.Message)
	case ItemReasoning:
		it.Reasoning = &ReasoningItem{}
		return json.Unmarshal(data, it.Reasoning)
	case ItemFunctionCall:
		it.FunctionCall = &FunctionCallItem{}
		return json.Unmarshal(data, it.FunctionCall)
	case ItemFunctionCallOutput:
		it.FunctionCallOutput = &FunctionCallOutputItem{}
		return json.Unmarshal(data, it.FunctionCallOutput)
	case ItemLocalShellCall:
		it.LocalShellCall = &LocalShellCallItem{}
		return json.Unmarshal(data, it.LocalShellCall)
	case ItemCustomToolCall:
		it.CustomToolCall = &CustomToolCallItem{}
		return json.Unmarshal(data, it.CustomToolCall)
	case ItemCustomToolCallOutput:
		it.CustomToolCallOutput = &CustomToolCallOutputItem{}
		return json.Unmarshal(data, it.CustomToolCallOutput)
	case ItemWebSearchCall:
		it.WebSearchCall = &WebSearchCallItem{}
		return json.Unmarshal(data, it.WebSearchCall)
	default:
		it.Type = ItemOther
		it.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
}

func marshalTagged(tag string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if string(body) == "null" || string(body) == "{}" {
		return []byte(fmt.Sprintf(`{"type":%q}`, tag)), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, []byte(fmt.Sprintf(`{"type":%q,`, tag))...)
	out = append(out, body[1:]...)
	return out, nil
}

// UserMessage builds a user message item from plain text.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type: ItemMessage,
		Message: &MessageItem{
			Role:    "user",
			Content: []ContentItem{{Type: ContentInputText, Text: text}},
		},
	}
}

// AssistantMessage builds an assistant message item from plain text.
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type: ItemMessage,
		Message: &MessageItem{
			Role:    "assistant",
			Content: []ContentItem{{Type: ContentOutputText, Text: text}},
		},
	}
}

// FunctionOutput builds a function_call_output item for the given call.
func FunctionOutput(callID, output string) ResponseItem {
	return ResponseItem{
		Type:               ItemFunctionCallOutput,
		FunctionCallOutput: &FunctionCallOutputItem{CallID: callID, Output: output},
	}
}
