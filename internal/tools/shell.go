package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	codexec "github.com/haasonsaas/codexd/internal/exec"
	"github.com/haasonsaas/codexd/internal/sandbox"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

var shellSpec = ToolSpec{
	Name:        "shell",
	Description: "Runs a shell command and returns its output.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "array", "items": {"type": "string"}, "description": "The command to execute as an argv array."},
			"workdir": {"type": "string", "description": "Working directory for the command."},
			"timeout_ms": {"type": "integer", "description": "Timeout in milliseconds."},
			"with_escalated_permissions": {"type": "boolean", "description": "Request to run outside the sandbox."},
			"justification": {"type": "string", "description": "Why escalated permissions are needed."}
		},
		"required": ["command"],
		"additionalProperties": false
	}`),
}

// ShellToolCallParams are the shell tool arguments.
type ShellToolCallParams struct {
	Command                  []string `json:"command"`
	Workdir                  string   `json:"workdir,omitempty"`
	TimeoutMs                int64    `json:"timeout_ms,omitempty"`
	WithEscalatedPermissions bool     `json:"with_escalated_permissions,omitempty"`
	Justification            string   `json:"justification,omitempty"`
}

// execOutputPayload is the JSON body fed back to the model for exec calls.
type execOutputPayload struct {
	Output   string `json:"output"`
	Metadata struct {
		ExitCode        int     `json:"exit_code"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"metadata"`
}

func formatExecOutput(res *codexec.Result) string {
	payload := execOutputPayload{Output: res.Stdout}
	if res.Stderr != "" {
		if payload.Output != "" {
			payload.Output += "\n"
		}
		payload.Output += res.Stderr
	}
	if res.TimedOut {
		payload.Output = fmt.Sprintf("command timed out after %s\n%s", res.Duration.Round(time.Millisecond), payload.Output)
	}
	payload.Metadata.ExitCode = res.ExitCode
	payload.Metadata.DurationSeconds = res.Duration.Seconds()
	body, err := json.Marshal(payload)
	if err != nil {
		return res.Stdout
	}
	return string(body)
}

func (r *Registry) runShell(ctx context.Context, host Host, tc TurnContext, call protocol.FunctionCallItem) (string, bool) {
	var params ShellToolCallParams
	if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
		return parseFailure(err), false
	}
	if len(params.Command) == 0 {
		return parseFailure(fmt.Errorf("command must be a non-empty array")), false
	}

	cwd := params.Workdir
	if cwd == "" {
		cwd = tc.Cwd
	}

	assessment := sandbox.AssessCommand(
		params.Command, tc.ApprovalPolicy, tc.SandboxPolicy,
		params.WithEscalatedPermissions, host.IsCommandApprovedForSession)

	sandboxed := assessment.Sandboxed

	// A sandboxed verdict with no working jail on this platform degrades to
	// an approval request; with approvals disabled it is a tool failure.
	if sandboxed && !r.runner.Available() {
		if tc.ApprovalPolicy == protocol.ApprovalNever {
			return "command rejected: no sandbox available on this platform and approvals are disabled", false
		}
		assessment.Decision = sandbox.DecisionAsk
		assessment.Reason = "no sandbox available on this platform"
	}

	switch assessment.Decision {
	case sandbox.DecisionReject:
		return fmt.Sprintf("command rejected: %s", assessment.Reason), false
	case sandbox.DecisionAsk:
		decision := host.RequestExecApproval(ctx, protocol.ExecApprovalRequestEvent{
			CallID:  call.CallID,
			Command: params.Command,
			Cwd:     cwd,
			Reason:  params.Justification,
		})
		switch decision {
		case protocol.ReviewApprovedForSession:
			host.RememberSessionApproval(params.Command)
			sandboxed = false
		case protocol.ReviewApproved:
			sandboxed = false
		case protocol.ReviewAbort:
			return "command interrupted before execution", false
		default:
			return "exec command rejected: user denied the request", false
		}
	}

	res, ok := r.executeCommand(ctx, host, tc, params, cwd, sandboxed, call.CallID)
	if !ok {
		return "command interrupted", false
	}

	// A sandbox denial can be escalated to the user for an unsandboxed
	// retry, policy permitting.
	if sandboxed && res.ExitCode != 0 && !res.TimedOut &&
		sandbox.RetryAfterFailureAllowed(tc.ApprovalPolicy) {
		decision := host.RequestExecApproval(ctx, protocol.ExecApprovalRequestEvent{
			CallID:  call.CallID,
			Command: params.Command,
			Cwd:     cwd,
			Reason:  fmt.Sprintf("command failed in sandbox (exit %d); approve to retry without sandbox", res.ExitCode),
		})
		switch decision {
		case protocol.ReviewApproved, protocol.ReviewApprovedForSession:
			if decision == protocol.ReviewApprovedForSession {
				host.RememberSessionApproval(params.Command)
			}
			retry, ok := r.executeCommand(ctx, host, tc, params, cwd, false, call.CallID)
			if !ok {
				return "command interrupted", false
			}
			res = retry
		case protocol.ReviewAbort:
			return "command interrupted", false
		default:
			return fmt.Sprintf("sandboxed command failed (exit %d) and the user denied the unsandboxed retry", res.ExitCode), false
		}
	}

	return formatExecOutput(res), res.ExitCode == 0
}

// executeCommand emits the exec lifecycle events around one run. ok is false
// when the run was cut short by interrupt.
func (r *Registry) executeCommand(ctx context.Context, host Host, tc TurnContext, params ShellToolCallParams, cwd string, sandboxed bool, callID string) (*codexec.Result, bool) {
	host.SendEvent(ctx, protocol.EventMsg{
		Type: protocol.EventExecCommandBegin,
		ExecCommandBegin: &protocol.ExecCommandBeginEvent{
			CallID:  callID,
			Command: params.Command,
			Cwd:     cwd,
		},
	})

	execParams := codexec.Params{
		Command: params.Command,
		Cwd:     cwd,
		Env:     tc.Env,
		Timeout: time.Duration(params.TimeoutMs) * time.Millisecond,
	}

	var res *codexec.Result
	var err error
	if sandboxed {
		res, err = r.runner.Run(ctx, execParams, tc.SandboxPolicy)
	} else {
		res, err = sandbox.NoneRunner{}.Run(ctx, execParams, tc.SandboxPolicy)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		res = &codexec.Result{ExitCode: 127, Stderr: err.Error()}
	}
	if ctx.Err() != nil {
		return nil, false
	}

	host.SendEvent(ctx, protocol.EventMsg{
		Type: protocol.EventExecCommandEnd,
		ExecCommandEnd: &protocol.ExecCommandEndEvent{
			CallID:     callID,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ExitCode:   res.ExitCode,
			DurationMs: res.Duration.Milliseconds(),
		},
	})
	return res, true
}
