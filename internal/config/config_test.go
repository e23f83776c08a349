package config

import (
	"testing"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("model: gpt-5\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ApprovalPolicy != protocol.ApprovalOnRequest {
		t.Errorf("default approval policy: got %q", cfg.ApprovalPolicy)
	}
	if cfg.SandboxPolicy.Mode != protocol.SandboxReadOnly {
		t.Errorf("default sandbox mode: got %q", cfg.SandboxPolicy.Mode)
	}
	if cfg.ShellEnv.Inherit != EnvInheritAll {
		t.Errorf("default env inherit: got %q", cfg.ShellEnv.Inherit)
	}
	if cfg.History.Persistence != HistorySaveAll {
		t.Errorf("default history persistence: got %q", cfg.History.Persistence)
	}
}

func TestParseFullConfig(t *testing.T) {
	raw := `
model: gpt-5
approval_policy: never
sandbox_policy:
  mode: workspace-write
  writable_roots: [/work]
  network_access: true
mcp_servers:
  docs:
    command: docs-server
    args: [--stdio]
    startup_timeout_ms: 4000
hooks:
  timeout_ms: 1500
  pre_tool_use:
    - argv: [/usr/local/bin/audit-hook]
      matcher:
        tools: [shell]
shell_environment_policy:
  inherit: core
  exclude: ["AWS_*"]
  set:
    CI: "1"
history:
  persistence: none
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ApprovalPolicy != protocol.ApprovalNever {
		t.Errorf("approval policy: got %q", cfg.ApprovalPolicy)
	}
	if cfg.SandboxPolicy.Mode != protocol.SandboxWorkspaceWrite || !cfg.SandboxPolicy.NetworkAccess {
		t.Errorf("sandbox policy: %+v", cfg.SandboxPolicy)
	}
	server, ok := cfg.McpServers["docs"]
	if !ok || server.Command != "docs-server" || server.StartupTimeoutMs != 4000 {
		t.Errorf("mcp server: %+v", cfg.McpServers)
	}
	if cfg.Hooks.TimeoutMs != 1500 || len(cfg.Hooks.PreToolUse) != 1 {
		t.Errorf("hooks: %+v", cfg.Hooks)
	}
	if got := cfg.Hooks.PreToolUse[0].Matcher.Tools; len(got) != 1 || got[0] != "shell" {
		t.Errorf("hook matcher: %+v", got)
	}
	if cfg.ShellEnv.Inherit != EnvInheritCore || cfg.ShellEnv.Set["CI"] != "1" {
		t.Errorf("shell env: %+v", cfg.ShellEnv)
	}
	if cfg.History.Persistence != HistoryNone {
		t.Errorf("history: %+v", cfg.History)
	}
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	if _, err := Parse([]byte("approval_policy: sometimes\n")); err == nil {
		t.Error("expected error for unknown approval policy")
	}
	if _, err := Parse([]byte("sandbox_policy:\n  mode: yolo\n")); err == nil {
		t.Error("expected error for unknown sandbox mode")
	}
	if _, err := Parse([]byte("mcp_servers:\n  bad: {}\n")); err == nil {
		t.Error("expected error for mcp server without command")
	}
}
