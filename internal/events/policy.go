package events

import "github.com/haasonsaas/codexd/pkg/protocol"

// IsPersisted reports whether a ResponseItem belongs in the rollout file.
// Web search calls and unrecognized items are not persisted.
func IsPersisted(item protocol.ResponseItem) bool {
	switch item.Type {
	case protocol.ItemMessage,
		protocol.ItemReasoning,
		protocol.ItemLocalShellCall,
		protocol.ItemFunctionCall,
		protocol.ItemFunctionCallOutput,
		protocol.ItemCustomToolCall,
		protocol.ItemCustomToolCallOutput:
		return true
	default:
		return false
	}
}
