package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/codexd/internal/config"
	"github.com/haasonsaas/codexd/internal/rollout"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// ErrSessionConfiguredNotFirstEvent reports a session whose event stream did
// not open with SessionConfigured. Fatal to the session.
var ErrSessionConfiguredNotFirstEvent = errors.New("expected SessionConfigured to be the first event")

// ConversationNotFoundError reports a lookup for an unknown conversation.
type ConversationNotFoundError struct {
	ID protocol.ConversationID
}

func (e *ConversationNotFoundError) Error() string {
	return fmt.Sprintf("conversation not found: %s", e.ID)
}

// NewConversation is the result of spawning, resuming, or forking.
type NewConversation struct {
	ID                protocol.ConversationID
	Session           *Session
	SessionConfigured protocol.SessionConfiguredEvent
}

// ConversationManager creates conversations and keeps them addressable by
// id.
type ConversationManager struct {
	mu            sync.RWMutex
	conversations map[protocol.ConversationID]*Session
}

// NewConversationManager returns an empty manager.
func NewConversationManager() *ConversationManager {
	return &ConversationManager{
		conversations: make(map[protocol.ConversationID]*Session),
	}
}

// NewConversation constructs a fresh session from the config.
func (m *ConversationManager) NewConversation(ctx context.Context, cfg config.Config) (*NewConversation, error) {
	return m.spawn(ctx, SpawnOptions{Config: cfg})
}

// NewConversationWithModel constructs a session with an explicit model
// client. Used by tests and embedders with custom providers.
func (m *ConversationManager) NewConversationWithModel(ctx context.Context, cfg config.Config, model ModelClient) (*NewConversation, error) {
	return m.spawn(ctx, SpawnOptions{Config: cfg, Model: model})
}

// ResumeConversationFromRollout reconstructs a session whose initial
// transcript is the persisted history at path.
func (m *ConversationManager) ResumeConversationFromRollout(ctx context.Context, cfg config.Config, path string, model ModelClient) (*NewConversation, error) {
	items, err := rollout.LoadHistory(path)
	if err != nil {
		return nil, err
	}
	return m.spawn(ctx, SpawnOptions{Config: cfg, InitialHistory: items, Model: model})
}

// ForkConversation creates a new conversation whose initial transcript is
// history with the last n user messages (and everything after them) dropped.
// The source session is untouched; the fork gets a fresh id and rollout.
func (m *ConversationManager) ForkConversation(ctx context.Context, history []protocol.ResponseItem, n int, cfg config.Config, model ModelClient) (*NewConversation, error) {
	truncated := TruncateAfterDroppingLastMessages(history, n)
	return m.spawn(ctx, SpawnOptions{Config: cfg, InitialHistory: truncated, Model: model})
}

func (m *ConversationManager) spawn(ctx context.Context, opts SpawnOptions) (*NewConversation, error) {
	session, err := Spawn(ctx, opts)
	if err != nil {
		return nil, err
	}
	return m.finalizeSpawn(ctx, session)
}

// finalizeSpawn validates that the first outbound event is SessionConfigured
// and registers the session.
func (m *ConversationManager) finalizeSpawn(ctx context.Context, session *Session) (*NewConversation, error) {
	event, err := session.NextEvent(ctx)
	if err != nil {
		session.Close()
		return nil, err
	}
	if event.ID != protocol.InitialSubmitID || event.Msg.Type != protocol.EventSessionConfigured {
		session.Close()
		return nil, ErrSessionConfiguredNotFirstEvent
	}

	m.mu.Lock()
	m.conversations[session.ID()] = session
	m.mu.Unlock()

	return &NewConversation{
		ID:                session.ID(),
		Session:           session,
		SessionConfigured: *event.Msg.SessionConfigured,
	}, nil
}

// GetConversation looks a session up by id.
func (m *ConversationManager) GetConversation(id protocol.ConversationID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.conversations[id]
	if !ok {
		return nil, &ConversationNotFoundError{ID: id}
	}
	return session, nil
}

// RemoveConversation drops a session from the registry and shuts it down.
func (m *ConversationManager) RemoveConversation(id protocol.ConversationID) {
	m.mu.Lock()
	session, ok := m.conversations[id]
	delete(m.conversations, id)
	m.mu.Unlock()
	if ok {
		session.Close()
	}
}

// TruncateAfterDroppingLastMessages returns the prefix of items obtained by
// dropping the last n user messages and all items after them. Only user
// Message items count toward n; when fewer than n exist the result is empty.
func TruncateAfterDroppingLastMessages(items []protocol.ResponseItem, n int) []protocol.ResponseItem {
	if n <= 0 {
		return append([]protocol.ResponseItem(nil), items...)
	}
	count := 0
	cut := 0
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Type == protocol.ItemMessage && item.Message.Role == "user" {
			count++
			if count == n {
				cut = i
				break
			}
		}
	}
	if cut == 0 {
		return nil
	}
	return append([]protocol.ResponseItem(nil), items[:cut]...)
}
