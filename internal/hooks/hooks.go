// Package hooks invokes user-configured external commands at fixed points of
// the turn lifecycle: prompt submission and before/after tool use. Each hook
// receives a single JSON payload as its final argument.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultTimeoutMs bounds one hook invocation when the config does not say
// otherwise.
const DefaultTimeoutMs = 2000

// ToolMatcher restricts a hook rule to specific tools. An empty Tools list
// matches every tool.
type ToolMatcher struct {
	Tools []string `yaml:"tools" json:"tools,omitempty"`
}

// Matches reports whether the rule applies to the named tool.
func (m ToolMatcher) Matches(tool string) bool {
	if len(m.Tools) == 0 {
		return true
	}
	for _, t := range m.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Rule is one configured hook command.
type Rule struct {
	Argv    []string    `yaml:"argv" json:"argv"`
	Matcher ToolMatcher `yaml:"matcher" json:"matcher,omitempty"`
}

// Config is the hook configuration for a session.
type Config struct {
	// UserPromptSubmit runs once before each turn starts.
	UserPromptSubmit []string `yaml:"user_prompt_submit" json:"user_prompt_submit,omitempty"`

	// PreToolUse rules run before the sandbox/approval gate; a failure
	// blocks the tool.
	PreToolUse []Rule `yaml:"pre_tool_use" json:"pre_tool_use,omitempty"`

	// PostToolUse rules run after the tool output is produced; failures are
	// logged but never block.
	PostToolUse []Rule `yaml:"post_tool_use" json:"post_tool_use,omitempty"`

	TimeoutMs int64 `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
}

// Empty reports whether no hooks are configured.
func (c Config) Empty() bool {
	return len(c.UserPromptSubmit) == 0 && len(c.PreToolUse) == 0 && len(c.PostToolUse) == 0
}

// ErrBlocked is wrapped by the error returned when a pre-tool hook rejects a
// tool call.
var ErrBlocked = errors.New("blocked by pre-tool-use hook")

// Runner executes configured hooks sequentially, each under its timeout.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a hook runner for the given config.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: slog.Default().With("component", "hooks"),
	}
}

type userPromptPayload struct {
	Type   string   `json:"type"`
	Texts  []string `json:"texts"`
	Images []string `json:"images"`
	Cwd    string   `json:"cwd"`
}

type preToolPayload struct {
	Type      string `json:"type"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Cwd       string `json:"cwd"`
}

type postToolPayload struct {
	Type      string `json:"type"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
	Success   bool   `json:"success"`
	Cwd       string `json:"cwd"`
}

// UserPromptSubmit runs the prompt-submit hook, if configured. Failures are
// logged; prompt hooks never block the turn.
func (r *Runner) UserPromptSubmit(ctx context.Context, texts, images []string, cwd string) {
	if len(r.cfg.UserPromptSubmit) == 0 {
		return
	}
	if texts == nil {
		texts = []string{}
	}
	if images == nil {
		images = []string{}
	}
	payload := userPromptPayload{Type: "user-prompt-submit", Texts: texts, Images: images, Cwd: cwd}
	if err := r.invoke(ctx, r.cfg.UserPromptSubmit, payload); err != nil {
		r.logger.Warn("user-prompt-submit hook failed", "error", err)
	}
}

// PreToolUse runs every matching pre-tool rule in configuration order. The
// first failure (non-zero exit or timeout) stops the sequence and returns an
// error wrapping ErrBlocked; the tool call must not run.
func (r *Runner) PreToolUse(ctx context.Context, tool, arguments, cwd string) error {
	payload := preToolPayload{Type: "pre-tool-use", Tool: tool, Arguments: arguments, Cwd: cwd}
	for _, rule := range r.cfg.PreToolUse {
		if !rule.Matcher.Matches(tool) {
			continue
		}
		if err := r.invoke(ctx, rule.Argv, payload); err != nil {
			return fmt.Errorf("%w: %v", ErrBlocked, err)
		}
	}
	return nil
}

// PostToolUse runs every matching post-tool rule. Exit codes are logged and
// never block.
func (r *Runner) PostToolUse(ctx context.Context, tool, arguments, output string, success bool, cwd string) {
	payload := postToolPayload{Type: "post-tool-use", Tool: tool, Arguments: arguments, Output: output, Success: success, Cwd: cwd}
	for _, rule := range r.cfg.PostToolUse {
		if !rule.Matcher.Matches(tool) {
			continue
		}
		if err := r.invoke(ctx, rule.Argv, payload); err != nil {
			r.logger.Warn("post-tool-use hook failed", "tool", tool, "error", err)
		}
	}
}

func (r *Runner) invoke(ctx context.Context, argv []string, payload any) error {
	if len(argv) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode hook payload: %w", err)
	}

	timeout := time.Duration(r.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), argv[1:]...), string(body))
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("hook %s timed out after %s", argv[0], timeout)
		}
		return fmt.Errorf("hook %s: %w (output: %s)", argv[0], err, truncate(string(out), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
