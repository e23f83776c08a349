package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

var patchSpec = ToolSpec{
	Name:        "apply_patch",
	Description: "Applies a set of file changes (add, delete, update) atomically: if any change fails, none are committed.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"changes": {
				"type": "object",
				"description": "Map of file path to change.",
				"additionalProperties": {
					"type": "object",
					"properties": {
						"kind": {"type": "string", "description": "One of: add, delete, update"},
						"content": {"type": "string", "description": "Full new file content for add/update."},
						"move_path": {"type": "string", "description": "New path when an update renames the file."}
					},
					"required": ["kind"],
					"additionalProperties": false
				}
			}
		},
		"required": ["changes"],
		"additionalProperties": false
	}`),
}

// ApplyPatchArgs are the apply_patch tool arguments.
type ApplyPatchArgs struct {
	Changes map[string]protocol.FileChange `json:"changes"`
}

func (r *Registry) runApplyPatch(ctx context.Context, host Host, tc TurnContext, call protocol.FunctionCallItem) (string, bool) {
	var args ApplyPatchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return parseFailure(err), false
	}
	if len(args.Changes) == 0 {
		return parseFailure(fmt.Errorf("changes must not be empty")), false
	}

	autoApproved := patchAutoApproved(tc, args)
	if !autoApproved {
		if tc.ApprovalPolicy == protocol.ApprovalNever {
			return "patch rejected: touches paths outside the writable roots and approvals are disabled", false
		}
		decision := host.RequestPatchApproval(ctx, protocol.PatchApprovalRequestEvent{
			CallID:  call.CallID,
			Changes: args.Changes,
			Reason:  "patch touches paths outside the writable roots",
		})
		switch decision {
		case protocol.ReviewApproved, protocol.ReviewApprovedForSession:
		case protocol.ReviewAbort:
			return "patch interrupted before application", false
		default:
			return "patch rejected: user denied the request", false
		}
	}

	host.SendEvent(ctx, protocol.EventMsg{
		Type: protocol.EventPatchApplyBegin,
		PatchApplyBegin: &protocol.PatchApplyBeginEvent{
			CallID:       call.CallID,
			AutoApproved: autoApproved,
			Changes:      args.Changes,
		},
	})

	summary, err := applyChanges(tc.Cwd, args.Changes)

	end := &protocol.PatchApplyEndEvent{CallID: call.CallID, Success: err == nil}
	if err == nil {
		end.Stdout = summary
	} else {
		end.Stderr = err.Error()
	}
	host.SendEvent(ctx, protocol.EventMsg{Type: protocol.EventPatchApplyEnd, PatchApplyEnd: end})

	if err != nil {
		return fmt.Sprintf("apply_patch failed: %v", err), false
	}
	return summary, true
}

// patchAutoApproved reports whether every touched path falls inside the
// sandbox policy's writable roots.
func patchAutoApproved(tc TurnContext, args ApplyPatchArgs) bool {
	switch tc.SandboxPolicy.Mode {
	case protocol.SandboxDangerFullAccess:
		return true
	case protocol.SandboxReadOnly:
		return false
	}
	roots := tc.SandboxPolicy.EffectiveWritableRoots(tc.Cwd, os.Getenv("TMPDIR"))
	for path, change := range args.Changes {
		if !underAnyRoot(resolvePath(tc.Cwd, path), roots) {
			return false
		}
		if change.MovePath != "" && !underAnyRoot(resolvePath(tc.Cwd, change.MovePath), roots) {
			return false
		}
	}
	return true
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// applyChanges validates every change, then commits. A failure mid-commit
// rolls back the files written so far, so either all changes land or none.
func applyChanges(cwd string, changes map[string]protocol.FileChange) (string, error) {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	// Validate everything before touching the tree.
	originals := make(map[string][]byte)
	for _, path := range paths {
		change := changes[path]
		abs := resolvePath(cwd, path)
		switch change.Kind {
		case protocol.FileChangeAdd:
			if _, err := os.Stat(abs); err == nil {
				return "", fmt.Errorf("add %s: file already exists", path)
			}
		case protocol.FileChangeDelete, protocol.FileChangeUpdate:
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", fmt.Errorf("%s %s: %w", change.Kind, path, err)
			}
			originals[abs] = data
		default:
			return "", fmt.Errorf("%s: unknown change kind %q", path, change.Kind)
		}
	}

	var committed []string
	rollback := func() {
		for _, abs := range committed {
			if data, ok := originals[abs]; ok {
				os.WriteFile(abs, data, 0o644)
			} else {
				os.Remove(abs)
			}
		}
	}

	var summary strings.Builder
	for _, path := range paths {
		change := changes[path]
		abs := resolvePath(cwd, path)
		switch change.Kind {
		case protocol.FileChangeAdd:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				rollback()
				return "", fmt.Errorf("add %s: %w", path, err)
			}
			if err := os.WriteFile(abs, []byte(change.Content), 0o644); err != nil {
				rollback()
				return "", fmt.Errorf("add %s: %w", path, err)
			}
			committed = append(committed, abs)
			fmt.Fprintf(&summary, "A %s\n", path)
		case protocol.FileChangeDelete:
			if err := os.Remove(abs); err != nil {
				rollback()
				return "", fmt.Errorf("delete %s: %w", path, err)
			}
			committed = append(committed, abs)
			fmt.Fprintf(&summary, "D %s\n", path)
		case protocol.FileChangeUpdate:
			target := abs
			if change.MovePath != "" {
				target = resolvePath(cwd, change.MovePath)
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					rollback()
					return "", fmt.Errorf("update %s: %w", path, err)
				}
			}
			if err := os.WriteFile(target, []byte(change.Content), 0o644); err != nil {
				rollback()
				return "", fmt.Errorf("update %s: %w", path, err)
			}
			if target != abs {
				if err := os.Remove(abs); err != nil {
					os.Remove(target)
					rollback()
					return "", fmt.Errorf("update %s: %w", path, err)
				}
				committed = append(committed, target, abs)
				fmt.Fprintf(&summary, "R %s -> %s\n", path, change.MovePath)
			} else {
				committed = append(committed, abs)
				fmt.Fprintf(&summary, "M %s\n", path)
			}
		}
	}
	return strings.TrimSpace(summary.String()), nil
}
