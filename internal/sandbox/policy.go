// Package sandbox decides how side-effecting tool calls run: unsandboxed,
// jailed, with user approval, or not at all, and provides per-OS jail
// strategies.
package sandbox

import (
	"github.com/haasonsaas/codexd/internal/safety"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// Decision is the gate's verdict for one command.
type Decision int

const (
	// DecisionRun executes the command now; Sandboxed says under which regime.
	DecisionRun Decision = iota
	// DecisionAsk suspends the call until the user answers an approval
	// request.
	DecisionAsk
	// DecisionReject refuses the call outright.
	DecisionReject
)

// Assessment is the full gate output for one command.
type Assessment struct {
	Decision  Decision
	Sandboxed bool
	Reason    string
}

// AssessCommand evaluates the decision procedure in order; the first match
// wins. approvedForSession reports whether the user previously approved this
// exact command for the rest of the session.
func AssessCommand(
	command []string,
	approval protocol.ApprovalPolicy,
	policy protocol.SandboxPolicy,
	withEscalatedPermissions bool,
	approvedForSession func([]string) bool,
) Assessment {
	// Curated read-only idioms bypass both the sandbox and approval.
	if safety.IsSafeCommand(command) {
		return Assessment{Decision: DecisionRun, Sandboxed: false, Reason: "known-safe command"}
	}

	if approvedForSession != nil && approvedForSession(command) {
		return Assessment{Decision: DecisionRun, Sandboxed: false, Reason: "approved for session"}
	}

	if policy.Mode == protocol.SandboxDangerFullAccess {
		return Assessment{Decision: DecisionRun, Sandboxed: false, Reason: "full access policy"}
	}

	if approval == protocol.ApprovalNever {
		// Never prompt; sandbox denials surface as tool failures.
		return Assessment{Decision: DecisionRun, Sandboxed: true, Reason: "sandboxed, approvals disabled"}
	}

	if withEscalatedPermissions {
		return Assessment{Decision: DecisionAsk, Reason: "escalated permissions requested"}
	}

	if approval == protocol.ApprovalUnlessTrusted {
		return Assessment{Decision: DecisionAsk, Reason: "command is not trusted"}
	}

	return Assessment{Decision: DecisionRun, Sandboxed: true, Reason: "sandboxed"}
}

// RetryAfterFailureAllowed reports whether a sandbox-denied command may be
// escalated to the user for an unsandboxed retry.
func RetryAfterFailureAllowed(approval protocol.ApprovalPolicy) bool {
	switch approval {
	case protocol.ApprovalOnFailure, protocol.ApprovalOnRequest, protocol.ApprovalUnlessTrusted:
		return true
	default:
		return false
	}
}
