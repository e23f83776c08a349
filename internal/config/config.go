// Package config defines the configuration consumed by the codexd core.
// Load and Parse decode a single YAML document, apply defaults and validate;
// merging several sources and parsing CLI arguments are left to the embedder.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/codexd/internal/hooks"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// McpServerConfig describes how to launch one MCP server.
type McpServerConfig struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// StartupTimeoutMs bounds the initialize handshake and first tools/list.
	StartupTimeoutMs int64 `yaml:"startup_timeout_ms" json:"startup_timeout_ms,omitempty"`
}

// Validate rejects unlaunchable server configs.
func (c McpServerConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("mcp server: command is required")
	}
	return nil
}

// HistoryPersistence controls the cross-session history file.
type HistoryPersistence string

const (
	HistorySaveAll HistoryPersistence = "save-all"
	HistoryNone    HistoryPersistence = "none"
)

// History governs what is written to <home>/history.jsonl.
type History struct {
	Persistence HistoryPersistence `yaml:"persistence" json:"persistence"`

	// MaxBytes caps the history file; oldest entries are dropped on overflow.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes,omitempty"`
}

// EnvInherit is the starting point when building a subprocess environment.
type EnvInherit string

const (
	// EnvInheritCore keeps only the platform's core variables (HOME, PATH, …).
	EnvInheritCore EnvInherit = "core"
	EnvInheritAll  EnvInherit = "all"
	EnvInheritNone EnvInherit = "none"
)

// ShellEnvironmentPolicy derives the env for tool subprocesses:
//  1. seed from Inherit;
//  2. unless IgnoreDefaultExcludes, strip names matching *KEY* / *TOKEN*;
//  3. strip names matching Exclude;
//  4. insert Set entries;
//  5. if IncludeOnly is non-empty, retain only matches.
//
// Patterns are case-insensitive wildcards with * and ?.
type ShellEnvironmentPolicy struct {
	Inherit               EnvInherit        `yaml:"inherit" json:"inherit"`
	IgnoreDefaultExcludes bool              `yaml:"ignore_default_excludes" json:"ignore_default_excludes"`
	Exclude               []string          `yaml:"exclude" json:"exclude,omitempty"`
	Set                   map[string]string `yaml:"set" json:"set,omitempty"`
	IncludeOnly           []string          `yaml:"include_only" json:"include_only,omitempty"`
}

// Config is the session configuration the core consumes.
type Config struct {
	// Home is the codexd state directory (rollouts, history).
	Home string `yaml:"home" json:"home"`
	Cwd  string `yaml:"cwd" json:"cwd"`

	Model  string `yaml:"model" json:"model"`
	Effort string `yaml:"effort" json:"effort,omitempty"`

	// Instructions is the base system prompt; only its hash is persisted.
	Instructions string `yaml:"instructions" json:"instructions,omitempty"`

	ApprovalPolicy protocol.ApprovalPolicy `yaml:"approval_policy" json:"approval_policy"`
	SandboxPolicy  protocol.SandboxPolicy  `yaml:"sandbox_policy" json:"sandbox_policy"`

	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"-" json:"-"`

	McpServers map[string]McpServerConfig `yaml:"mcp_servers" json:"mcp_servers,omitempty"`
	Hooks      hooks.Config               `yaml:"hooks" json:"hooks,omitempty"`
	History    History                    `yaml:"history" json:"history,omitempty"`
	ShellEnv   ShellEnvironmentPolicy     `yaml:"shell_environment_policy" json:"shell_environment_policy,omitempty"`

	// Notify is the argv prefix invoked with a JSON payload on turn
	// completion; empty disables notifications.
	Notify []string `yaml:"notify" json:"notify,omitempty"`

	// EnableWebSearch advertises the provider-side web search tool.
	EnableWebSearch bool `yaml:"enable_web_search" json:"enable_web_search,omitempty"`

	ShowRawAgentReasoning bool `yaml:"show_raw_agent_reasoning" json:"show_raw_agent_reasoning,omitempty"`
}

// WithDefaults fills unset fields with usable values.
func (c Config) WithDefaults() Config {
	if c.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Home = filepath.Join(home, ".codexd")
		} else {
			c.Home = ".codexd"
		}
	}
	if c.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Cwd = wd
		}
	}
	if c.Model == "" {
		c.Model = "gpt-5"
	}
	if c.ApprovalPolicy == "" {
		c.ApprovalPolicy = protocol.ApprovalOnRequest
	}
	if c.SandboxPolicy.Mode == "" {
		c.SandboxPolicy = protocol.ReadOnlyPolicy()
	}
	if c.History.Persistence == "" {
		c.History.Persistence = HistorySaveAll
	}
	if c.ShellEnv.Inherit == "" {
		c.ShellEnv.Inherit = EnvInheritAll
	}
	return c
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.ApprovalPolicy {
	case protocol.ApprovalUnlessTrusted, protocol.ApprovalOnFailure, protocol.ApprovalOnRequest, protocol.ApprovalNever:
	default:
		return fmt.Errorf("config: unknown approval policy %q", c.ApprovalPolicy)
	}
	switch c.SandboxPolicy.Mode {
	case protocol.SandboxReadOnly, protocol.SandboxWorkspaceWrite, protocol.SandboxDangerFullAccess:
	default:
		return fmt.Errorf("config: unknown sandbox mode %q", c.SandboxPolicy.Mode)
	}
	for name, server := range c.McpServers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("config: mcp server %q: %w", name, err)
		}
	}
	return nil
}
