package protocol

import (
	"encoding/json"
	"testing"
)

func TestResponseItemTaggedForm(t *testing.T) {
	item := ResponseItem{
		Type: ItemFunctionCall,
		FunctionCall: &FunctionCallItem{
			Name:      "shell",
			Arguments: `{"command":["ls"]}`,
			CallID:    "c1",
		},
	}
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["type"] != "function_call" || wire["call_id"] != "c1" || wire["name"] != "shell" {
		t.Fatalf("wire form: %v", wire)
	}

	var back ResponseItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Type != ItemFunctionCall || back.FunctionCall.CallID != "c1" {
		t.Fatalf("round trip: %+v", back)
	}
}

func TestUnknownItemPreservedVerbatim(t *testing.T) {
	raw := []byte(`{"type":"shiny_new_item","payload":{"x":1}}`)
	var item ResponseItem
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if item.Type != ItemOther {
		t.Fatalf("type: %s", item.Type)
	}

	out, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != string(raw) {
		t.Fatalf("unknown item not preserved: %s", out)
	}
}

func TestEncryptedReasoningRoundTripsVerbatim(t *testing.T) {
	blob := "opaque-ciphertext=="
	item := ResponseItem{
		Type: ItemReasoning,
		Reasoning: &ReasoningItem{
			ID:               "r1",
			Summary:          []SummaryText{{Type: "summary_text", Text: "s"}},
			EncryptedContent: &blob,
		},
	}
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatal(err)
	}
	var back ResponseItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Reasoning.EncryptedContent == nil || *back.Reasoning.EncryptedContent != blob {
		t.Fatalf("encrypted content mutated: %+v", back.Reasoning)
	}
}

func TestPlanValidate(t *testing.T) {
	ok := UpdatePlanArgs{Plan: []PlanItem{
		{Step: "a", Status: StepCompleted},
		{Step: "b", Status: StepInProgress},
		{Step: "c", Status: StepPending},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	twoActive := UpdatePlanArgs{Plan: []PlanItem{
		{Step: "a", Status: StepInProgress},
		{Step: "b", Status: StepInProgress},
	}}
	if err := twoActive.Validate(); err == nil {
		t.Fatal("two in_progress steps must be rejected")
	}

	unknown := UpdatePlanArgs{Plan: []PlanItem{{Step: "a", Status: "paused"}}}
	if err := unknown.Validate(); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestEventMsgOmitsEmptyPayloads(t *testing.T) {
	msg := EventMsg{
		Type:         EventAgentMessage,
		AgentMessage: &AgentMessageEvent{Message: "hi"},
	}
	data, err := json.Marshal(Event{ID: "sub-1", Msg: msg})
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	body := wire["msg"].(map[string]any)
	if len(body) != 2 {
		t.Fatalf("expected type + one payload, got %v", body)
	}
}
