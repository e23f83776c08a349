package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/codexd/internal/mcp"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// runMcpTool proxies a qualified tool call to its MCP server and folds the
// result back as the function output.
func (r *Registry) runMcpTool(ctx context.Context, host Host, call protocol.FunctionCallItem) (string, bool) {
	server, tool, _ := mcp.ParseToolName(call.Name)

	var arguments json.RawMessage
	if call.Arguments != "" {
		if !json.Valid([]byte(call.Arguments)) {
			return parseFailure(fmt.Errorf("arguments are not valid JSON")), false
		}
		arguments = json.RawMessage(call.Arguments)
	}

	host.SendEvent(ctx, protocol.EventMsg{
		Type: protocol.EventMcpToolCallBegin,
		McpToolCallBegin: &protocol.McpToolCallBeginEvent{
			CallID: call.CallID,
			Server: server,
			Tool:   tool,
		},
	})

	result, err := r.mcpManager.CallTool(ctx, call.Name, arguments)

	end := &protocol.McpToolCallEndEvent{CallID: call.CallID, Server: server, Tool: tool}
	var output string
	var success bool
	switch {
	case err != nil:
		end.IsError = true
		output = fmt.Sprintf("mcp tool call failed: %v", err)
	case result.IsError:
		end.IsError = true
		end.Output = result.Text()
		output = result.Text()
	default:
		end.Output = result.Text()
		output = result.Text()
		success = true
	}
	host.SendEvent(ctx, protocol.EventMsg{Type: protocol.EventMcpToolCallEnd, McpToolCallEnd: end})
	return output, success
}
