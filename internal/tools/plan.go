package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

var planSpec = ToolSpec{
	Name: "update_plan",
	Description: "Updates the task plan.\n" +
		"Provide an optional explanation and a list of plan items, each with a step and status.\n" +
		"At most one step can be in_progress at a time.\n",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"explanation": {"type": "string"},
			"plan": {
				"type": "array",
				"description": "The list of steps",
				"items": {
					"type": "object",
					"properties": {
						"step": {"type": "string"},
						"status": {"type": "string", "description": "One of: pending, in_progress, completed"}
					},
					"required": ["step", "status"],
					"additionalProperties": false
				}
			}
		},
		"required": ["plan"],
		"additionalProperties": false
	}`),
}

// runUpdatePlan has no side effect beyond the PlanUpdate event; the
// arguments are the payload clients render.
func (r *Registry) runUpdatePlan(ctx context.Context, host Host, call protocol.FunctionCallItem) (string, bool) {
	var args protocol.UpdatePlanArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return parseFailure(err), false
	}
	if err := args.Validate(); err != nil {
		return parseFailure(fmt.Errorf("invalid plan: %w", err)), false
	}
	host.SendEvent(ctx, protocol.EventMsg{
		Type:       protocol.EventPlanUpdate,
		PlanUpdate: &args,
	})
	return "Plan updated", true
}
