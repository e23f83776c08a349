package protocol

// EventType identifies the kind of event.
type EventType string

const (
	EventSessionConfigured        EventType = "session_configured"
	EventAgentMessage             EventType = "agent_message"
	EventAgentReasoning           EventType = "agent_reasoning"
	EventAgentReasoningRawContent EventType = "agent_reasoning_raw_content"
	EventPlanUpdate               EventType = "plan_update"
	EventExecCommandBegin         EventType = "exec_command_begin"
	EventExecCommandEnd           EventType = "exec_command_end"
	EventPatchApplyBegin          EventType = "patch_apply_begin"
	EventPatchApplyEnd            EventType = "patch_apply_end"
	EventWebSearchEnd             EventType = "web_search_end"
	EventMcpToolCallBegin         EventType = "mcp_tool_call_begin"
	EventMcpToolCallEnd           EventType = "mcp_tool_call_end"
	EventExecApprovalRequest      EventType = "exec_approval_request"
	EventPatchApprovalRequest     EventType = "patch_approval_request"
	EventTaskComplete             EventType = "task_complete"
	EventTurnAborted              EventType = "turn_aborted"
	EventError                    EventType = "error"
	EventStreamError              EventType = "stream_error"
	EventTokenCount               EventType = "token_count"
	EventConversationHistory      EventType = "conversation_history"
)

// Event is one outbound event. ID echoes the submission that triggered it;
// the SessionConfigured event carries InitialSubmitID.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsg is the tagged event body. Exactly one payload pointer is non-nil
// for types that carry one.
type EventMsg struct {
	Type EventType `json:"type"`

	SessionConfigured        *SessionConfiguredEvent        `json:"session_configured,omitempty"`
	AgentMessage             *AgentMessageEvent             `json:"agent_message,omitempty"`
	AgentReasoning           *AgentReasoningEvent           `json:"agent_reasoning,omitempty"`
	AgentReasoningRawContent *AgentReasoningRawContentEvent `json:"agent_reasoning_raw_content,omitempty"`
	PlanUpdate               *UpdatePlanArgs                `json:"plan_update,omitempty"`
	ExecCommandBegin         *ExecCommandBeginEvent         `json:"exec_command_begin,omitempty"`
	ExecCommandEnd           *ExecCommandEndEvent           `json:"exec_command_end,omitempty"`
	PatchApplyBegin          *PatchApplyBeginEvent          `json:"patch_apply_begin,omitempty"`
	PatchApplyEnd            *PatchApplyEndEvent            `json:"patch_apply_end,omitempty"`
	WebSearchEnd             *WebSearchEndEvent             `json:"web_search_end,omitempty"`
	McpToolCallBegin         *McpToolCallBeginEvent         `json:"mcp_tool_call_begin,omitempty"`
	McpToolCallEnd           *McpToolCallEndEvent           `json:"mcp_tool_call_end,omitempty"`
	ExecApprovalRequest      *ExecApprovalRequestEvent      `json:"exec_approval_request,omitempty"`
	PatchApprovalRequest     *PatchApprovalRequestEvent     `json:"patch_approval_request,omitempty"`
	TaskComplete             *TaskCompleteEvent             `json:"task_complete,omitempty"`
	TurnAborted              *TurnAbortedEvent              `json:"turn_aborted,omitempty"`
	Error                    *ErrorEvent                    `json:"error,omitempty"`
	StreamError              *StreamErrorEvent              `json:"stream_error,omitempty"`
	TokenCount               *TokenCountEvent               `json:"token_count,omitempty"`
	ConversationHistory      *ConversationHistoryEvent      `json:"conversation_history,omitempty"`
}

// SessionConfiguredEvent is always the first event of a session.
type SessionConfiguredEvent struct {
	SessionID   ConversationID `json:"session_id"`
	Model       string         `json:"model"`
	RolloutPath string         `json:"rollout_path,omitempty"`
}

// AgentMessageEvent carries one assistant text block.
type AgentMessageEvent struct {
	Message string `json:"message"`
}

// AgentReasoningEvent carries one reasoning summary block.
type AgentReasoningEvent struct {
	Text string `json:"text"`
}

// AgentReasoningRawContentEvent carries one raw reasoning block. Emitted only
// when the session shows raw reasoning.
type AgentReasoningRawContentEvent struct {
	Text string `json:"text"`
}

// ExecCommandBeginEvent announces a shell command starting.
type ExecCommandBeginEvent struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
}

// ExecCommandEndEvent reports a finished shell command.
type ExecCommandEndEvent struct {
	CallID     string `json:"call_id"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// FileChangeKind is the kind of one patched file.
type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "add"
	FileChangeDelete FileChangeKind = "delete"
	FileChangeUpdate FileChangeKind = "update"
)

// FileChange describes one file mutation of a patch.
type FileChange struct {
	Kind FileChangeKind `json:"kind"`
	// Content is the full new file content for add/update.
	Content  string `json:"content,omitempty"`
	MovePath string `json:"move_path,omitempty"`
}

// PatchApplyBeginEvent announces a patch application.
type PatchApplyBeginEvent struct {
	CallID       string                `json:"call_id"`
	AutoApproved bool                  `json:"auto_approved"`
	Changes      map[string]FileChange `json:"changes"`
}

// PatchApplyEndEvent reports the outcome of a patch application.
type PatchApplyEndEvent struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// WebSearchEndEvent reports a provider-side web search.
type WebSearchEndEvent struct {
	CallID string `json:"call_id"`
	Query  string `json:"query"`
}

// McpToolCallBeginEvent announces an MCP tool invocation.
type McpToolCallBeginEvent struct {
	CallID string `json:"call_id"`
	Server string `json:"server"`
	Tool   string `json:"tool"`
}

// McpToolCallEndEvent reports a finished MCP tool invocation.
type McpToolCallEndEvent struct {
	CallID  string `json:"call_id"`
	Server  string `json:"server"`
	Tool    string `json:"tool"`
	IsError bool   `json:"is_error"`
	Output  string `json:"output,omitempty"`
}

// ExecApprovalRequestEvent asks the user to approve a shell command.
type ExecApprovalRequestEvent struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

// PatchApprovalRequestEvent asks the user to approve a patch.
type PatchApprovalRequestEvent struct {
	CallID  string                `json:"call_id"`
	Changes map[string]FileChange `json:"changes"`
	Reason  string                `json:"reason,omitempty"`
}

// TaskCompleteEvent marks the end of a turn.
type TaskCompleteEvent struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// TurnAbortedEvent marks an interrupted turn.
type TurnAbortedEvent struct {
	Reason string `json:"reason"`
}

// ErrorEvent is a fatal per-turn error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// StreamErrorEvent is a provider transport error; the session stays alive.
type StreamErrorEvent struct {
	Message string `json:"message"`
}

// TokenCountEvent reports usage after a completed model response, with the
// latest rate-limit reading when one is known.
type TokenCountEvent struct {
	Usage      *TokenUsage        `json:"usage,omitempty"`
	RateLimits *RateLimitSnapshot `json:"rate_limits,omitempty"`
}

// ConversationHistoryEvent carries the current transcript.
type ConversationHistoryEvent struct {
	ConversationID ConversationID `json:"conversation_id"`
	Entries        []ResponseItem `json:"entries"`
}
