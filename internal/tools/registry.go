// Package tools resolves model function calls to handlers, enforces argument
// parsing and the sandbox/approval gate, and folds tool results back into
// transcript items.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/codexd/internal/hooks"
	"github.com/haasonsaas/codexd/internal/mcp"
	"github.com/haasonsaas/codexd/internal/sandbox"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// Host is the session surface a tool handler needs: event emission and
// approval plumbing. The turn engine implements it.
type Host interface {
	// SendEvent emits a UI event attributed to the current submission.
	SendEvent(ctx context.Context, msg protocol.EventMsg)

	// RequestExecApproval emits the request event and blocks until the user
	// answers or the turn is interrupted (then ReviewAbort).
	RequestExecApproval(ctx context.Context, ev protocol.ExecApprovalRequestEvent) protocol.ReviewDecision

	// RequestPatchApproval is the patch counterpart of RequestExecApproval.
	RequestPatchApproval(ctx context.Context, ev protocol.PatchApprovalRequestEvent) protocol.ReviewDecision

	// IsCommandApprovedForSession reports whether this exact argv was
	// approved for the rest of the session.
	IsCommandApprovedForSession(command []string) bool

	// RememberSessionApproval caches an approved_for_session argv.
	RememberSessionApproval(command []string)
}

// TurnContext is the per-turn policy bundle dispatch runs under.
type TurnContext struct {
	Cwd            string
	ApprovalPolicy protocol.ApprovalPolicy
	SandboxPolicy  protocol.SandboxPolicy

	// Env is the subprocess environment derived from the shell environment
	// policy.
	Env []string
}

// Registry owns the built-in handlers and the dynamic MCP tool table.
type Registry struct {
	hooks           *hooks.Runner
	runner          sandbox.Runner
	mcpManager      *mcp.ConnectionManager
	enableWebSearch bool
	logger          *slog.Logger
}

// NewRegistry builds a registry. mcpManager may be nil when no servers are
// configured; hookRunner may be nil when no hooks are configured.
func NewRegistry(hookRunner *hooks.Runner, runner sandbox.Runner, mcpManager *mcp.ConnectionManager, enableWebSearch bool) *Registry {
	if runner == nil {
		runner = sandbox.NoneRunner{}
	}
	return &Registry{
		hooks:           hookRunner,
		runner:          runner,
		mcpManager:      mcpManager,
		enableWebSearch: enableWebSearch,
		logger:          slog.Default().With("component", "tools"),
	}
}

// parseFailure is the recoverable argument error fed back to the model.
func parseFailure(err error) string {
	return fmt.Sprintf("failed to parse function arguments: %v", err)
}

// Dispatch routes one function call. It always returns a
// function_call_output item; tool failures are messages for the model, not
// Go errors.
func (r *Registry) Dispatch(ctx context.Context, host Host, tc TurnContext, call protocol.FunctionCallItem) protocol.ResponseItem {
	if r.hooks != nil {
		if err := r.hooks.PreToolUse(ctx, call.Name, call.Arguments, tc.Cwd); err != nil {
			r.logger.Info("tool blocked by pre-tool-use hook", "tool", call.Name, "error", err)
			return protocol.FunctionOutput(call.CallID, fmt.Sprintf("tool call blocked: %v", err))
		}
	}

	output, success := r.execute(ctx, host, tc, call)

	if r.hooks != nil {
		r.hooks.PostToolUse(ctx, call.Name, call.Arguments, output, success, tc.Cwd)
	}
	return protocol.FunctionOutput(call.CallID, output)
}

func (r *Registry) execute(ctx context.Context, host Host, tc TurnContext, call protocol.FunctionCallItem) (output string, success bool) {
	switch call.Name {
	case "shell", "local_shell", "container.exec":
		return r.runShell(ctx, host, tc, call)
	case "update_plan":
		return r.runUpdatePlan(ctx, host, call)
	case "apply_patch":
		return r.runApplyPatch(ctx, host, tc, call)
	default:
		if _, _, ok := mcp.ParseToolName(call.Name); ok && r.mcpManager != nil {
			return r.runMcpTool(ctx, host, call)
		}
		r.logger.Warn("unknown tool requested", "tool", call.Name)
		return fmt.Sprintf("unsupported tool: %s", call.Name), false
	}
}

// ToolSpec is one entry of the catalog sent to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Strict      bool
}

func (s ToolSpec) declaration() json.RawMessage {
	decl := map[string]any{
		"type":        "function",
		"name":        s.Name,
		"description": s.Description,
		"strict":      s.Strict,
		"parameters":  json.RawMessage(s.Parameters),
	}
	body, err := json.Marshal(decl)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return body
}

// Specs produces the tool catalog: built-ins, the web search marker when
// enabled, and one function entry per connected MCP tool.
func (r *Registry) Specs() []json.RawMessage {
	out := []json.RawMessage{
		shellSpec.declaration(),
		planSpec.declaration(),
		patchSpec.declaration(),
	}
	if r.enableWebSearch {
		out = append(out, json.RawMessage(`{"type":"web_search"}`))
	}
	if r.mcpManager != nil {
		tools := r.mcpManager.Tools()
		for _, name := range r.mcpManager.ToolNames() {
			info := tools[name]
			params := info.InputSchema
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object"}`)
			}
			description := info.Description
			if description == "" {
				description = "MCP tool " + name
			}
			out = append(out, ToolSpec{
				Name:        name,
				Description: description,
				Parameters:  params,
			}.declaration())
		}
	}
	return out
}
