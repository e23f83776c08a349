package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	codexec "github.com/haasonsaas/codexd/internal/exec"
	"github.com/haasonsaas/codexd/internal/events"
	"github.com/haasonsaas/codexd/internal/observability"
	"github.com/haasonsaas/codexd/internal/provider"
	"github.com/haasonsaas/codexd/internal/tools"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func instructionsHash(instructions string) string {
	if instructions == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(instructions))
	return hex.EncodeToString(sum[:])
}

// inputToItem converts user input items to a user message transcript item.
func inputToItem(items []protocol.InputItem) protocol.ResponseItem {
	content := make([]protocol.ContentItem, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case protocol.InputImage:
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputImage, ImageURL: item.ImageURL})
		default:
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputText, Text: item.Text})
		}
	}
	return protocol.ResponseItem{
		Type:    protocol.ItemMessage,
		Message: &protocol.MessageItem{Role: "user", Content: content},
	}
}

func inputTexts(items []protocol.InputItem) (texts, images []string) {
	for _, item := range items {
		switch item.Type {
		case protocol.InputImage:
			images = append(images, item.ImageURL)
		default:
			texts = append(texts, item.Text)
		}
	}
	return texts, images
}

// runTurn drives one user turn to completion: stream the model, dispatch
// tool calls, loop until a response with no tool calls, then report
// TaskComplete. Returns the outcome label.
func (s *Session) runTurn(ctx context.Context, turn queuedTurn) string {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "codexd.turn",
		attribute.String("conversation_id", string(s.id)),
		attribute.String("model", turn.tc.model))
	s.metrics.TurnsStarted.WithLabelValues(turn.tc.model).Inc()
	outcome := s.runTurnInner(ctx, turn)
	span.SetAttributes(attribute.String("outcome", outcome))
	observability.EndSpan(span, nil)
	s.metrics.TurnsFinished.WithLabelValues(outcome).Inc()
	s.metrics.TurnDuration.Observe(time.Since(started).Seconds())
	return outcome
}

func (s *Session) runTurnInner(ctx context.Context, turn queuedTurn) string {
	var schema *jsonschema.Schema
	if len(turn.schema) > 0 {
		compiled, err := compileOutputSchema(turn.schema)
		if err != nil {
			s.sendError(turn.subID, fmt.Sprintf("invalid output schema: %v", err))
			return "errored"
		}
		schema = compiled
	}

	texts, images := inputTexts(turn.items)
	if s.hookRunner != nil {
		s.hookRunner.UserPromptSubmit(ctx, texts, images, turn.tc.cwd)
	}

	s.appendItems(inputToItem(turn.items))

	toolCtx := tools.TurnContext{
		Cwd:            turn.tc.cwd,
		ApprovalPolicy: turn.tc.approval,
		SandboxPolicy:  turn.tc.sandbox,
		Env:            codexec.BuildEnv(s.cfg.ShellEnv, os.Environ()),
	}

	var lastAgentMessage string

	for {
		req := s.buildRequest(turn)

		stream, err := s.model.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return s.abortTurn(turn.subID, nil)
			}
			s.metrics.Errors.WithLabelValues("provider").Inc()
			s.sendEvent(turn.subID, protocol.EventMsg{
				Type:        protocol.EventStreamError,
				StreamError: &protocol.StreamErrorEvent{Message: err.Error()},
			})
			return "errored"
		}

		var calls []protocol.FunctionCallItem
		var streamErr error
		completed := false

		for ev := range stream {
			switch ev.Kind {
			case provider.EventOutputItemDone:
				item := *ev.Item
				if msg := lastAssistantText(item); msg != "" {
					lastAgentMessage = msg
				}
				for _, msg := range events.MapResponseItem(item, s.cfg.ShowRawAgentReasoning) {
					s.sendEvent(turn.subID, msg)
				}
				if events.IsPersisted(item) {
					s.appendItems(item)
				}
				if call, ok := extractCall(item); ok {
					calls = append(calls, call)
				}
			case provider.EventCompleted:
				completed = true
				s.recordUsage(turn.subID, ev.Usage)
			case provider.EventError:
				streamErr = ev.Err
			}
		}

		if ctx.Err() != nil {
			return s.abortTurn(turn.subID, calls)
		}
		if streamErr != nil || !completed {
			message := "stream ended unexpectedly"
			if streamErr != nil {
				message = streamErr.Error()
			}
			s.metrics.Errors.WithLabelValues("provider").Inc()
			s.sendEvent(turn.subID, protocol.EventMsg{
				Type:        protocol.EventStreamError,
				StreamError: &protocol.StreamErrorEvent{Message: message},
			})
			return "errored"
		}

		if len(calls) == 0 {
			if schema != nil {
				validateFinalOutput(s, schema, lastAgentMessage)
			}
			s.sendEvent(turn.subID, protocol.EventMsg{
				Type:         protocol.EventTaskComplete,
				TaskComplete: &protocol.TaskCompleteEvent{LastAgentMessage: lastAgentMessage},
			})
			s.snapshotState(turn.tc)
			s.notifier.TurnComplete(turn.subID, texts, lastAgentMessage)
			return "complete"
		}

		// Tool calls are batched per streamed response and dispatched in
		// emission order.
		for i, call := range calls {
			if ctx.Err() != nil {
				return s.abortTurn(turn.subID, calls[i:])
			}
			started := time.Now()
			callCtx, callSpan := observability.StartSpan(ctx, "codexd.tool",
				attribute.String("tool", call.Name))
			output := s.registry.Dispatch(callCtx, s, toolCtx, call)
			observability.EndSpan(callSpan, nil)
			s.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
			status := "ok"
			if ctx.Err() != nil {
				status = "interrupted"
			}
			s.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
			s.appendItems(output)
			if ctx.Err() != nil {
				return s.abortTurn(turn.subID, calls[i+1:])
			}
		}
	}
}

// abortTurn emits TurnAborted and pairs any dangling calls with synthetic
// "interrupted" outputs so the transcript invariant holds.
func (s *Session) abortTurn(subID string, dangling []protocol.FunctionCallItem) string {
	outstanding := unmatchedCalls(s.History(), dangling)
	for _, call := range outstanding {
		s.appendItems(protocol.FunctionOutput(call.CallID, "interrupted"))
	}
	s.sendEvent(subID, protocol.EventMsg{
		Type:        protocol.EventTurnAborted,
		TurnAborted: &protocol.TurnAbortedEvent{Reason: "interrupted"},
	})
	return "aborted"
}

// unmatchedCalls returns transcript function calls without outputs, plus any
// dangling calls not yet in the transcript.
func unmatchedCalls(transcript []protocol.ResponseItem, dangling []protocol.FunctionCallItem) []protocol.FunctionCallItem {
	outputs := make(map[string]bool)
	for _, item := range transcript {
		if item.Type == protocol.ItemFunctionCallOutput {
			outputs[item.FunctionCallOutput.CallID] = true
		}
	}
	var calls []protocol.FunctionCallItem
	seen := make(map[string]bool)
	for _, item := range transcript {
		if item.Type == protocol.ItemFunctionCall && !outputs[item.FunctionCall.CallID] && !seen[item.FunctionCall.CallID] {
			calls = append(calls, *item.FunctionCall)
			seen[item.FunctionCall.CallID] = true
		}
	}
	for _, call := range dangling {
		if !outputs[call.CallID] && !seen[call.CallID] {
			calls = append(calls, call)
			seen[call.CallID] = true
		}
	}
	return calls
}

// extractCall pulls a dispatchable function call out of a streamed item.
// local_shell_call items are rewritten as shell calls.
func extractCall(item protocol.ResponseItem) (protocol.FunctionCallItem, bool) {
	switch item.Type {
	case protocol.ItemFunctionCall:
		return *item.FunctionCall, true
	case protocol.ItemLocalShellCall:
		callID := item.LocalShellCall.CallID
		if callID == "" {
			callID = item.LocalShellCall.ID
		}
		var action struct {
			Type      string   `json:"type"`
			Command   []string `json:"command"`
			TimeoutMs int64    `json:"timeout_ms"`
			WorkDir   string   `json:"working_directory"`
		}
		if err := json.Unmarshal(item.LocalShellCall.Action, &action); err != nil || action.Type != "exec" {
			return protocol.FunctionCallItem{}, false
		}
		args, err := json.Marshal(tools.ShellToolCallParams{
			Command:   action.Command,
			Workdir:   action.WorkDir,
			TimeoutMs: action.TimeoutMs,
		})
		if err != nil {
			return protocol.FunctionCallItem{}, false
		}
		return protocol.FunctionCallItem{Name: "shell", Arguments: string(args), CallID: callID}, true
	default:
		return protocol.FunctionCallItem{}, false
	}
}

func lastAssistantText(item protocol.ResponseItem) string {
	if item.Type != protocol.ItemMessage || item.Message.Role != "assistant" {
		return ""
	}
	var texts []string
	for _, content := range item.Message.Content {
		if content.Type == protocol.ContentOutputText {
			texts = append(texts, content.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// buildRequest assembles the provider request from the transcript snapshot.
func (s *Session) buildRequest(turn queuedTurn) *provider.Request {
	req := &provider.Request{
		Model: turn.tc.model,
		Input: s.History(),
		Tools: s.registry.Specs(),
	}
	if turn.tc.effort != "" || turn.tc.summary != "" {
		req.Reasoning = &provider.ReasoningControls{Effort: turn.tc.effort, Summary: turn.tc.summary}
	}
	if len(turn.schema) > 0 {
		req.Text = &provider.TextControls{Format: &provider.TextFormat{
			Name:   provider.OutputSchemaName,
			Type:   "json_schema",
			Strict: true,
			Schema: json.RawMessage(turn.schema),
		}}
	}
	return req
}

func (s *Session) recordUsage(subID string, usage *protocol.TokenUsage) {
	limits := s.model.RateLimits()
	s.mu.Lock()
	if usage != nil {
		s.usage.Add(*usage)
	}
	if limits != nil {
		s.rateLimits = limits
	}
	s.mu.Unlock()

	if usage != nil {
		s.metrics.ProviderTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
		s.metrics.ProviderTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
	}
	s.sendEvent(subID, protocol.EventMsg{
		Type:       protocol.EventTokenCount,
		TokenCount: &protocol.TokenCountEvent{Usage: usage, RateLimits: limits},
	})
}

func (s *Session) snapshotState(tc turnDefaults) {
	if s.recorder == nil {
		return
	}
	sandboxPolicy := tc.sandbox
	s.recorder.Snapshot(protocol.SessionStateSnapshot{
		Model:          tc.model,
		Effort:         tc.effort,
		ApprovalPolicy: tc.approval,
		SandboxPolicy:  &sandboxPolicy,
		Cwd:            tc.cwd,
		RecordedAt:     time.Now().UTC(),
	})
}

func compileOutputSchema(raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output_schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("output_schema.json")
}

// validateFinalOutput checks the last agent message against the turn's
// output schema; mismatches are logged, the provider owns enforcement.
func validateFinalOutput(s *Session, schema *jsonschema.Schema, message string) {
	var value any
	if err := json.Unmarshal([]byte(message), &value); err != nil {
		s.logger.Warn("final message is not JSON despite output schema", "error", err)
		return
	}
	if err := schema.Validate(value); err != nil {
		s.logger.Warn("final message does not match output schema", "error", err)
	}
}
