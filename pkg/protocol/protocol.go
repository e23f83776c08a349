package protocol

import (
	"encoding/json"
	"time"
)

// ConversationID uniquely identifies a conversation across processes.
type ConversationID string

// InitialSubmitID is the submission id carried by the SessionConfigured event
// that opens every event stream.
const InitialSubmitID = ""

// OpType identifies the variant of an Op.
type OpType string

const (
	OpUserInput           OpType = "user_input"
	OpUserTurn            OpType = "user_turn"
	OpExecApproval        OpType = "exec_approval"
	OpPatchApproval       OpType = "patch_approval"
	OpInterrupt           OpType = "interrupt"
	OpGetHistory          OpType = "get_history"
	OpOverrideTurnContext OpType = "override_turn_context"
	OpAddToHistory        OpType = "add_to_history"
	OpCompact             OpType = "compact"
	OpShutdown            OpType = "shutdown"
)

// Op is a client operation submitted to a session. Exactly one payload
// pointer is non-nil for types that carry one.
type Op struct {
	Type OpType `json:"type"`

	UserInput           *UserInputOp           `json:"user_input,omitempty"`
	UserTurn            *UserTurnOp            `json:"user_turn,omitempty"`
	ExecApproval        *ApprovalOp            `json:"exec_approval,omitempty"`
	PatchApproval       *ApprovalOp            `json:"patch_approval,omitempty"`
	OverrideTurnContext *OverrideTurnContextOp `json:"override_turn_context,omitempty"`
	AddToHistory        *AddToHistoryOp        `json:"add_to_history,omitempty"`
}

// Submission pairs an Op with its client-chosen id; events produced while
// processing the op echo the id back.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// InputItem is one element of user input.
type InputItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

const (
	InputText  = "text"
	InputImage = "image"
)

// UserInputOp starts a turn using the session's current turn context.
type UserInputOp struct {
	Items []InputItem `json:"items"`
}

// UserTurnOp starts a turn with explicit per-turn context.
type UserTurnOp struct {
	Items                 []InputItem     `json:"items"`
	Cwd                   string          `json:"cwd"`
	ApprovalPolicy        ApprovalPolicy  `json:"approval_policy"`
	SandboxPolicy         SandboxPolicy   `json:"sandbox_policy"`
	Model                 string          `json:"model"`
	Effort                string          `json:"effort,omitempty"`
	Summary               string          `json:"summary,omitempty"`
	FinalOutputJSONSchema json.RawMessage `json:"final_output_json_schema,omitempty"`
}

// ApprovalOp resolves a pending exec or patch approval.
type ApprovalOp struct {
	CallID   string         `json:"call_id"`
	Decision ReviewDecision `json:"decision"`
}

// OverrideTurnContextOp changes session defaults for subsequent turns.
// Nil fields are left unchanged.
type OverrideTurnContextOp struct {
	Cwd            *string         `json:"cwd,omitempty"`
	ApprovalPolicy *ApprovalPolicy `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy  `json:"sandbox_policy,omitempty"`
	Model          *string         `json:"model,omitempty"`
	Effort         *string         `json:"effort,omitempty"`
	Summary        *string         `json:"summary,omitempty"`
}

// AddToHistoryOp appends a line to the cross-session message history.
type AddToHistoryOp struct {
	Text string `json:"text"`
}

// ApprovalPolicy determines when a potentially dangerous tool call asks the
// user before running.
type ApprovalPolicy string

const (
	// ApprovalUnlessTrusted asks for anything not on the trusted command list.
	ApprovalUnlessTrusted ApprovalPolicy = "untrusted"
	// ApprovalOnFailure runs sandboxed and asks only to retry outside the
	// sandbox after a failure.
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	// ApprovalOnRequest lets the model decide when to escalate.
	ApprovalOnRequest ApprovalPolicy = "on-request"
	// ApprovalNever never prompts; sandbox denials surface as tool failures.
	ApprovalNever ApprovalPolicy = "never"
)

// SandboxMode selects the sandbox regime for spawned processes.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

// SandboxPolicy is the file-system and network permission set granted to
// subprocesses spawned by tools.
type SandboxPolicy struct {
	Mode                SandboxMode `yaml:"mode" json:"mode"`
	WritableRoots       []string    `yaml:"writable_roots,omitempty" json:"writable_roots,omitempty"`
	NetworkAccess       bool        `yaml:"network_access,omitempty" json:"network_access,omitempty"`
	ExcludeTmpdirEnvVar bool        `yaml:"exclude_tmpdir_env_var,omitempty" json:"exclude_tmpdir_env_var,omitempty"`
	ExcludeSlashTmp     bool        `yaml:"exclude_slash_tmp,omitempty" json:"exclude_slash_tmp,omitempty"`
}

// ReadOnlyPolicy returns the default, most restrictive sandbox policy.
func ReadOnlyPolicy() SandboxPolicy {
	return SandboxPolicy{Mode: SandboxReadOnly}
}

// WorkspaceWritePolicy grants write access to the given roots.
func WorkspaceWritePolicy(roots ...string) SandboxPolicy {
	return SandboxPolicy{Mode: SandboxWorkspaceWrite, WritableRoots: roots}
}

// EffectiveWritableRoots resolves the full writable set for a command running
// in cwd: the configured roots, the cwd itself, and the system tmp locations
// unless excluded.
func (p SandboxPolicy) EffectiveWritableRoots(cwd, tmpdir string) []string {
	if p.Mode != SandboxWorkspaceWrite {
		return nil
	}
	roots := append([]string(nil), p.WritableRoots...)
	if cwd != "" {
		roots = append(roots, cwd)
	}
	if !p.ExcludeSlashTmp {
		roots = append(roots, "/tmp")
	}
	if !p.ExcludeTmpdirEnvVar && tmpdir != "" {
		roots = append(roots, tmpdir)
	}
	return roots
}

// ReviewDecision is the user's answer to an approval request.
type ReviewDecision string

const (
	ReviewApproved = ReviewDecision("approved")
	// ReviewApprovedForSession approves and remembers the exact command for
	// the rest of the session.
	ReviewApprovedForSession = ReviewDecision("approved_for_session")
	ReviewDenied             = ReviewDecision("denied")
	// ReviewAbort denies and aborts the whole turn.
	ReviewAbort = ReviewDecision("abort")
)

// TokenUsage is the token accounting from one completed model response.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ReasoningTokens   int64 `json:"reasoning_output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.TotalTokens += other.TotalTokens
}

// RateLimitWindow is one provider rate-limit window.
type RateLimitWindow struct {
	UsedPercent    float64 `json:"used_percent"`
	WindowMinutes  int64   `json:"window_minutes,omitempty"`
	ResetsInSecond int64   `json:"resets_in_seconds,omitempty"`
}

// RateLimitSnapshot is the most recent rate-limit reading from the provider.
type RateLimitSnapshot struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
}

// HistoryEntry is one line of the cross-session message history file.
type HistoryEntry struct {
	ConversationID string `json:"conversation_id"`
	Ts             int64  `json:"ts"`
	Text           string `json:"text"`
}

// SessionStateSnapshot is the resumable slice of session state written to the
// rollout at turn boundaries.
type SessionStateSnapshot struct {
	Model          string         `json:"model,omitempty"`
	Effort         string         `json:"effort,omitempty"`
	ApprovalPolicy ApprovalPolicy `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandbox_policy,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}
