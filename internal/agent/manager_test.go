package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/codexd/internal/provider"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

func TestNewConversationFirstEventIsSessionConfigured(t *testing.T) {
	manager := NewConversationManager()
	model := &scriptedModel{}

	conv, err := manager.NewConversationWithModel(context.Background(), testConfig(t), model)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	defer manager.RemoveConversation(conv.ID)

	if conv.SessionConfigured.SessionID != conv.ID {
		t.Fatalf("session configured id mismatch: %+v", conv.SessionConfigured)
	}
	if conv.SessionConfigured.Model != "gpt-5" {
		t.Fatalf("session configured model: %+v", conv.SessionConfigured)
	}

	got, err := manager.GetConversation(conv.ID)
	if err != nil || got != conv.Session {
		t.Fatalf("GetConversation: %v", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	manager := NewConversationManager()
	_, err := manager.GetConversation("missing")
	var notFound *ConversationNotFoundError
	if !errors.As(err, &notFound) || notFound.ID != "missing" {
		t.Fatalf("expected ConversationNotFoundError, got %v", err)
	}
}

func TestRemoveConversation(t *testing.T) {
	manager := NewConversationManager()
	conv, err := manager.NewConversationWithModel(context.Background(), testConfig(t), &scriptedModel{})
	if err != nil {
		t.Fatal(err)
	}
	manager.RemoveConversation(conv.ID)
	if _, err := manager.GetConversation(conv.ID); err == nil {
		t.Fatal("removed conversation still resolvable")
	}
}

func TestResumeConversationFromRollout(t *testing.T) {
	manager := NewConversationManager()
	cfg := testConfig(t)

	// First session: one full turn, then shut down.
	model := &scriptedModel{scripts: [][]provider.ResponseEvent{
		{assistantEv("remembered"), completedEv()},
	}}
	conv, err := manager.NewConversationWithModel(context.Background(), cfg, model)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conv.Session.Submit(protocol.Op{
		Type:      protocol.OpUserInput,
		UserInput: &protocol.UserInputOp{Items: []protocol.InputItem{{Type: protocol.InputText, Text: "note this"}}},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, conv.Session, protocol.EventTaskComplete)
	path := conv.Session.RolloutPath()
	manager.RemoveConversation(conv.ID)

	// Resumed session starts from the persisted transcript.
	resumed, err := manager.ResumeConversationFromRollout(context.Background(), cfg, path, &scriptedModel{})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer manager.RemoveConversation(resumed.ID)

	if resumed.ID == conv.ID {
		t.Fatal("resumed conversation must have a fresh id")
	}
	history := resumed.Session.History()
	if len(history) != 2 || history[0].Message.Content[0].Text != "note this" {
		t.Fatalf("resumed history: %+v", history)
	}
}

func TestForkConversationLeavesOriginalUntouched(t *testing.T) {
	manager := NewConversationManager()
	cfg := testConfig(t)

	history := []protocol.ResponseItem{
		protocol.UserMessage("first"),
		protocol.AssistantMessage("a1"),
		protocol.UserMessage("second"),
		protocol.AssistantMessage("a2"),
	}

	fork, err := manager.ForkConversation(context.Background(), history, 1, cfg, &scriptedModel{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer manager.RemoveConversation(fork.ID)

	forked := fork.Session.History()
	if len(forked) != 2 || forked[1].Message.Content[0].Text != "a1" {
		t.Fatalf("forked history: %+v", forked)
	}
	if len(history) != 4 {
		t.Fatal("source history mutated")
	}
	if fork.Session.RolloutPath() == "" {
		t.Fatal("fork must get its own rollout")
	}
}
