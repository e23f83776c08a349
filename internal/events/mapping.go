// Package events projects transcript items into user-visible events and
// decides which items are persisted to the rollout.
package events

import "github.com/haasonsaas/codexd/pkg/protocol"

// MapResponseItem converts one ResponseItem into zero or more EventMsg values
// the UI can render. Raw reasoning events are emitted only when
// showRawReasoning is set. The function is pure: it never mutates the item.
func MapResponseItem(item protocol.ResponseItem, showRawReasoning bool) []protocol.EventMsg {
	switch item.Type {
	case protocol.ItemMessage:
		var msgs []protocol.EventMsg
		for _, content := range item.Message.Content {
			if content.Type != protocol.ContentOutputText {
				continue
			}
			msgs = append(msgs, protocol.EventMsg{
				Type:         protocol.EventAgentMessage,
				AgentMessage: &protocol.AgentMessageEvent{Message: content.Text},
			})
		}
		return msgs

	case protocol.ItemReasoning:
		var msgs []protocol.EventMsg
		for _, summary := range item.Reasoning.Summary {
			msgs = append(msgs, protocol.EventMsg{
				Type:           protocol.EventAgentReasoning,
				AgentReasoning: &protocol.AgentReasoningEvent{Text: summary.Text},
			})
		}
		if showRawReasoning {
			for _, content := range item.Reasoning.Content {
				msgs = append(msgs, protocol.EventMsg{
					Type:                     protocol.EventAgentReasoningRawContent,
					AgentReasoningRawContent: &protocol.AgentReasoningRawContentEvent{Text: content.Text},
				})
			}
		}
		return msgs

	case protocol.ItemWebSearchCall:
		if item.WebSearchCall.Action.Type != protocol.WebSearchActionSearch {
			return nil
		}
		return []protocol.EventMsg{{
			Type: protocol.EventWebSearchEnd,
			WebSearchEnd: &protocol.WebSearchEndEvent{
				CallID: item.WebSearchCall.ID,
				Query:  item.WebSearchCall.Action.Query,
			},
		}}

	default:
		// Tool-call variants produce lifecycle events in the dispatch layer,
		// not here.
		return nil
	}
}
