package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/codexd/internal/hooks"
	"github.com/haasonsaas/codexd/internal/sandbox"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// fakeHost records events and answers approvals from a script.
type fakeHost struct {
	mu        sync.Mutex
	events    []protocol.EventMsg
	execAns   protocol.ReviewDecision
	patchAns  protocol.ReviewDecision
	execAsked int
	approved  map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		execAns:  protocol.ReviewDenied,
		patchAns: protocol.ReviewDenied,
		approved: make(map[string]bool),
	}
}

func (h *fakeHost) SendEvent(_ context.Context, msg protocol.EventMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msg)
}

func (h *fakeHost) RequestExecApproval(_ context.Context, ev protocol.ExecApprovalRequestEvent) protocol.ReviewDecision {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execAsked++
	h.events = append(h.events, protocol.EventMsg{Type: protocol.EventExecApprovalRequest, ExecApprovalRequest: &ev})
	return h.execAns
}

func (h *fakeHost) RequestPatchApproval(_ context.Context, ev protocol.PatchApprovalRequestEvent) protocol.ReviewDecision {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, protocol.EventMsg{Type: protocol.EventPatchApprovalRequest, PatchApprovalRequest: &ev})
	return h.patchAns
}

func (h *fakeHost) IsCommandApprovedForSession(command []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.approved[strings.Join(command, "\x00")]
}

func (h *fakeHost) RememberSessionApproval(command []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approved[strings.Join(command, "\x00")] = true
}

func (h *fakeHost) eventTypes() []protocol.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]protocol.EventType, len(h.events))
	for i, ev := range h.events {
		types[i] = ev.Type
	}
	return types
}

func testRegistry() *Registry {
	return NewRegistry(nil, sandbox.NoneRunner{}, nil, false)
}

func dispatch(t *testing.T, r *Registry, host *fakeHost, tc TurnContext, name, arguments string) string {
	t.Helper()
	item := r.Dispatch(context.Background(), host, tc, protocol.FunctionCallItem{
		Name: name, Arguments: arguments, CallID: "call-1",
	})
	if item.Type != protocol.ItemFunctionCallOutput || item.FunctionCallOutput.CallID != "call-1" {
		t.Fatalf("dispatch must return a matching function_call_output, got %+v", item)
	}
	return item.FunctionCallOutput.Output
}

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
}

func TestDispatchParseFailureIsRecoverable(t *testing.T) {
	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, TurnContext{}, "shell", `{not json`)
	if !strings.HasPrefix(out, "failed to parse function arguments:") {
		t.Fatalf("output: %q", out)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, TurnContext{}, "teleport", `{}`)
	if !strings.Contains(out, "unsupported tool") {
		t.Fatalf("output: %q", out)
	}
}

func TestShellSafeCommandRuns(t *testing.T) {
	requirePosix(t)
	host := newFakeHost()
	tc := TurnContext{
		Cwd:            t.TempDir(),
		ApprovalPolicy: protocol.ApprovalUnlessTrusted,
		SandboxPolicy:  protocol.ReadOnlyPolicy(),
		Env:            []string{"PATH=/usr/bin:/bin"},
	}
	out := dispatch(t, testRegistry(), host, tc, "shell", `{"command":["echo","hello"]}`)

	var payload execOutputPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output is not the exec payload: %q", out)
	}
	if payload.Metadata.ExitCode != 0 || !strings.Contains(payload.Output, "hello") {
		t.Fatalf("payload: %+v", payload)
	}
	types := host.eventTypes()
	if len(types) != 2 || types[0] != protocol.EventExecCommandBegin || types[1] != protocol.EventExecCommandEnd {
		t.Fatalf("events: %v", types)
	}
	if host.execAsked != 0 {
		t.Fatal("safe command must not ask for approval")
	}
}

func TestShellApprovalDenied(t *testing.T) {
	host := newFakeHost()
	host.execAns = protocol.ReviewDenied
	tc := TurnContext{
		Cwd:            "/",
		ApprovalPolicy: protocol.ApprovalOnRequest,
		SandboxPolicy:  protocol.ReadOnlyPolicy(),
	}
	out := dispatch(t, testRegistry(), host, tc, "shell",
		`{"command":["rm","-rf","/"],"with_escalated_permissions":true}`)

	if !strings.Contains(out, "denied") {
		t.Fatalf("denial output must mention denied: %q", out)
	}
	if host.execAsked != 1 {
		t.Fatalf("expected one approval request, got %d", host.execAsked)
	}
	for _, typ := range host.eventTypes() {
		if typ == protocol.EventExecCommandBegin {
			t.Fatal("denied command must not start executing")
		}
	}
}

func TestShellApprovedForSessionIsCached(t *testing.T) {
	requirePosix(t)
	host := newFakeHost()
	host.execAns = protocol.ReviewApprovedForSession
	tc := TurnContext{
		Cwd:            t.TempDir(),
		ApprovalPolicy: protocol.ApprovalUnlessTrusted,
		SandboxPolicy:  protocol.ReadOnlyPolicy(),
		Env:            []string{"PATH=/usr/bin:/bin"},
	}
	reg := testRegistry()

	dispatch(t, reg, host, tc, "shell", `{"command":["sh","-c","true"]}`)
	if host.execAsked != 1 {
		t.Fatalf("first run should ask, got %d", host.execAsked)
	}

	dispatch(t, reg, host, tc, "shell", `{"command":["sh","-c","true"]}`)
	if host.execAsked != 1 {
		t.Fatalf("second run must use the session cache, asked %d times", host.execAsked)
	}
}

func TestUpdatePlanEmitsEvent(t *testing.T) {
	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, TurnContext{}, "update_plan",
		`{"explanation":"go","plan":[{"step":"a","status":"completed"},{"step":"b","status":"in_progress"}]}`)
	if out != "Plan updated" {
		t.Fatalf("output: %q", out)
	}
	types := host.eventTypes()
	if len(types) != 1 || types[0] != protocol.EventPlanUpdate {
		t.Fatalf("events: %v", types)
	}
}

func TestUpdatePlanRejectsTwoInProgress(t *testing.T) {
	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, TurnContext{}, "update_plan",
		`{"plan":[{"step":"a","status":"in_progress"},{"step":"b","status":"in_progress"}]}`)
	if !strings.HasPrefix(out, "failed to parse function arguments:") {
		t.Fatalf("output: %q", out)
	}
	if len(host.eventTypes()) != 0 {
		t.Fatal("invalid plan must not emit events")
	}
}

func patchTC(cwd string) TurnContext {
	return TurnContext{
		Cwd:            cwd,
		ApprovalPolicy: protocol.ApprovalOnRequest,
		SandboxPolicy:  protocol.WorkspaceWritePolicy(cwd),
	}
}

func TestApplyPatchAddUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gone.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	args := ApplyPatchArgs{Changes: map[string]protocol.FileChange{
		"new.txt":  {Kind: protocol.FileChangeAdd, Content: "fresh"},
		"old.txt":  {Kind: protocol.FileChangeUpdate, Content: "newer"},
		"gone.txt": {Kind: protocol.FileChangeDelete},
	}}
	body, _ := json.Marshal(args)

	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, patchTC(dir), "apply_patch", string(body))
	if strings.Contains(out, "failed") {
		t.Fatalf("patch failed: %q", out)
	}

	if data, _ := os.ReadFile(filepath.Join(dir, "new.txt")); string(data) != "fresh" {
		t.Error("add not applied")
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "old.txt")); string(data) != "newer" {
		t.Error("update not applied")
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Error("delete not applied")
	}

	types := host.eventTypes()
	if len(types) != 2 || types[0] != protocol.EventPatchApplyBegin || types[1] != protocol.EventPatchApplyEnd {
		t.Fatalf("events: %v", types)
	}
}

func TestApplyPatchIsAtomic(t *testing.T) {
	dir := t.TempDir()

	// The delete target is missing, so validation fails and the add must
	// not land either.
	args := ApplyPatchArgs{Changes: map[string]protocol.FileChange{
		"created.txt": {Kind: protocol.FileChangeAdd, Content: "x"},
		"missing.txt": {Kind: protocol.FileChangeDelete},
	}}
	body, _ := json.Marshal(args)

	host := newFakeHost()
	out := dispatch(t, testRegistry(), host, patchTC(dir), "apply_patch", string(body))
	if !strings.Contains(out, "failed") {
		t.Fatalf("expected failure output, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "created.txt")); !os.IsNotExist(err) {
		t.Fatal("partial patch was committed")
	}
}

func TestApplyPatchOutsideRootsAsksAndDenies(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()

	args := ApplyPatchArgs{Changes: map[string]protocol.FileChange{
		filepath.Join(outside, "escape.txt"): {Kind: protocol.FileChangeAdd, Content: "x"},
	}}
	body, _ := json.Marshal(args)

	tc := TurnContext{
		Cwd:            dir,
		ApprovalPolicy: protocol.ApprovalOnRequest,
		SandboxPolicy: protocol.SandboxPolicy{
			Mode:            protocol.SandboxWorkspaceWrite,
			WritableRoots:   []string{dir},
			ExcludeSlashTmp: true, ExcludeTmpdirEnvVar: true,
		},
	}
	host := newFakeHost()
	host.patchAns = protocol.ReviewDenied
	out := dispatch(t, testRegistry(), host, tc, "apply_patch", string(body))
	if !strings.Contains(out, "denied") {
		t.Fatalf("expected denial, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(outside, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("denied patch was applied")
	}
	types := host.eventTypes()
	if len(types) != 1 || types[0] != protocol.EventPatchApprovalRequest {
		t.Fatalf("events: %v", types)
	}
}

func TestPreToolUseHookBlocksExecution(t *testing.T) {
	requirePosix(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "deny.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 42\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "x")

	hookRunner := hooks.NewRunner(hooks.Config{PreToolUse: []hooks.Rule{{Argv: []string{script}}}})
	reg := NewRegistry(hookRunner, sandbox.NoneRunner{}, nil, false)

	host := newFakeHost()
	tc := TurnContext{
		Cwd:            dir,
		ApprovalPolicy: protocol.ApprovalNever,
		SandboxPolicy:  protocol.SandboxPolicy{Mode: protocol.SandboxDangerFullAccess},
		Env:            []string{"PATH=/usr/bin:/bin"},
	}
	out := dispatch(t, reg, host, tc, "shell",
		`{"command":["sh","-c","echo ran > `+marker+`"]}`)

	if !strings.Contains(out, "blocked") {
		t.Fatalf("expected hook-block output, got %q", out)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("blocked command still ran")
	}
	if len(host.eventTypes()) != 0 {
		t.Fatalf("blocked call must not emit exec events: %v", host.eventTypes())
	}
}

func TestSpecsCatalog(t *testing.T) {
	reg := NewRegistry(nil, sandbox.NoneRunner{}, nil, true)
	specs := reg.Specs()
	if len(specs) != 4 {
		t.Fatalf("expected shell, update_plan, apply_patch, web_search; got %d entries", len(specs))
	}
	var names []string
	for _, raw := range specs {
		var decl struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &decl); err != nil {
			t.Fatalf("spec is not JSON: %v", err)
		}
		if decl.Type == "function" {
			names = append(names, decl.Name)
		} else if decl.Type != "web_search" {
			t.Fatalf("unexpected tool type %q", decl.Type)
		}
	}
	want := []string{"shell", "update_plan", "apply_patch"}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("catalog order: %v", names)
		}
	}
}
