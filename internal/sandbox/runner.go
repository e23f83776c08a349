package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	codexec "github.com/haasonsaas/codexd/internal/exec"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

// Runner launches a command under one sandboxing mechanism. Callers know
// only the capability set (writable roots, network switch), never the
// mechanism.
type Runner interface {
	Name() string

	// Available reports whether the runner actually contains the command.
	// The fallback runner returns false so callers can escalate to approval
	// instead of running a "sandboxed" command with no containment.
	Available() bool

	Run(ctx context.Context, p codexec.Params, policy protocol.SandboxPolicy) (*codexec.Result, error)
}

// Select picks the jail strategy for the current platform. linuxHelper is
// the path to the landlock/seccomp helper executable; when it is missing on
// Linux the unsandboxed runner is returned and the caller must rely on
// approvals.
func Select(linuxHelper string) Runner {
	switch runtime.GOOS {
	case "darwin":
		return &SeatbeltRunner{}
	case "linux":
		if linuxHelper != "" {
			if _, err := os.Stat(linuxHelper); err == nil {
				return &LandlockRunner{Helper: linuxHelper}
			}
		}
		slog.Default().Warn("no linux sandbox helper configured, commands run unsandboxed",
			"component", "sandbox")
		return NoneRunner{}
	default:
		return NoneRunner{}
	}
}

// NoneRunner runs commands directly.
type NoneRunner struct{}

func (NoneRunner) Name() string { return "none" }

func (NoneRunner) Available() bool { return false }

func (NoneRunner) Run(ctx context.Context, p codexec.Params, _ protocol.SandboxPolicy) (*codexec.Result, error) {
	return codexec.Run(ctx, p)
}

// SeatbeltRunner jails commands with macOS sandbox-exec.
type SeatbeltRunner struct{}

func (*SeatbeltRunner) Name() string { return "seatbelt" }

func (*SeatbeltRunner) Available() bool { return true }

func (*SeatbeltRunner) Run(ctx context.Context, p codexec.Params, policy protocol.SandboxPolicy) (*codexec.Result, error) {
	profile := seatbeltProfile(policy, p.Cwd)
	wrapped := p
	wrapped.Command = append([]string{"/usr/bin/sandbox-exec", "-p", profile, "--"}, p.Command...)
	return codexec.Run(ctx, wrapped)
}

func seatbeltProfile(policy protocol.SandboxPolicy, cwd string) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n(allow process-exec)\n(allow process-fork)\n(allow file-read*)\n")
	for _, root := range policy.EffectiveWritableRoots(cwd, os.Getenv("TMPDIR")) {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", root)
	}
	if policy.Mode == protocol.SandboxWorkspaceWrite && policy.NetworkAccess {
		b.WriteString("(allow network*)\n")
	}
	return b.String()
}

// LandlockRunner jails commands through the Linux helper executable, which
// applies landlock+seccomp before exec'ing the target.
type LandlockRunner struct {
	Helper string
}

func (*LandlockRunner) Name() string { return "landlock" }

func (*LandlockRunner) Available() bool { return true }

func (r *LandlockRunner) Run(ctx context.Context, p codexec.Params, policy protocol.SandboxPolicy) (*codexec.Result, error) {
	args := []string{r.Helper}
	for _, root := range policy.EffectiveWritableRoots(p.Cwd, os.Getenv("TMPDIR")) {
		args = append(args, "--writable-root", root)
	}
	if policy.Mode == protocol.SandboxWorkspaceWrite && policy.NetworkAccess {
		args = append(args, "--allow-network")
	}
	args = append(args, "--")
	wrapped := p
	wrapped.Command = append(args, p.Command...)
	return codexec.Run(ctx, wrapped)
}
