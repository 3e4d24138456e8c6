// Package agent contains the conversation engine: the driver loop that
// turns a user prompt into backend requests, streams the response,
// executes approved tool calls and feeds the results back until the
// model stops.
package agent

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
	"github.com/m4xw311/qagent/telemetry"
	"github.com/m4xw311/qagent/tools"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryFactor    = 2
	retryJitter    = 0.2
	maxRetries     = 3
)

// Callbacks let the interaction mode (terminal, non-interactive) render
// engine events its own way.
type Callbacks struct {
	// OnAssistantText receives streamed prose chunks.
	OnAssistantText func(chunk string)

	// OnToolUse is called when a tool call has been staged.
	OnToolUse func(use session.ToolUse)

	// ConfirmTool blocks for user confirmation of one tool call.
	// Returning false declines the call.
	ConfirmTool func(use session.ToolUse) bool

	// OnToolResult receives the outcome of one executed tool call.
	OnToolResult func(use session.ToolUse, out *tools.Output)

	// OnWarning receives non-fatal diagnostics.
	OnWarning func(message string)
}

func (c Callbacks) warn(msg string) {
	if c.OnWarning != nil {
		c.OnWarning(msg)
	}
}

// Agent owns one chat session: the conversation state, the effective
// tool registry and the backend client.
type Agent struct {
	Manifest  *config.AgentManifest
	State     *session.State
	Client    llm.Client
	Registry  *tools.Registry
	Assembler *Assembler
	Telemetry *telemetry.Emitter
	Logger    *slog.Logger

	// AcceptAll approves every PromptUser decision for the rest of the
	// session (the /acceptall toggle).
	AcceptAll bool

	// ContextCeiling overrides the default token budget when positive.
	ContextCeiling int
}

// pendingCall is a staged tool invocation awaiting permission.
type pendingCall struct {
	use      session.ToolUse
	readOnly bool
}

// ProcessUserInput runs one user turn: prompt to assistant stop with no
// pending tool uses. Cancellation via ctx interrupts streaming and all
// running executors; partial output is retained.
func (a *Agent) ProcessUserInput(ctx context.Context, prompt string, cb Callbacks) error {
	if err := a.State.PushUser(prompt, nil); err != nil {
		return err
	}

	trigger := llm.TriggerManual
	compacted := false
	for {
		if a.State.NeedsCompaction(a.ContextCeiling) {
			a.State.Compact(a.ContextCeiling)
			compacted = true
		}

		text, calls, err := a.streamOnce(ctx, trigger, cb)
		if err != nil {
			if errors.KindOf(err) == errors.KindBackendContextLimit && !compacted {
				// One automatic compaction; a second overflow surfaces.
				a.State.Compact(0)
				compacted = true
				continue
			}
			// Keep the partial assistant text for history fidelity so
			// the tool-use/result invariant still holds.
			if text != "" {
				if perr := a.State.PushAssistant(text, nil); perr != nil {
					a.Logger.Debug("could not record partial assistant text", "error", perr)
				}
			}
			a.Telemetry.EmitError(errors.ReasonOf(err), err.Error())
			return err
		}

		uses := make([]session.ToolUse, len(calls))
		for i, c := range calls {
			uses[i] = c.use
		}
		if err := a.State.PushAssistant(text, uses); err != nil {
			return err
		}

		if len(calls) == 0 {
			a.Telemetry.Emit(telemetry.EventUserTurnCompletion, map[string]any{
				"conversationId": a.State.ConversationID,
				"agent":          a.State.AgentID,
			})
			return nil
		}

		a.runToolCalls(ctx, calls, cb)
		trigger = llm.TriggerAuto
	}
}

// streamOnce sends one request and consumes the stream, retrying
// transient transport errors with exponential backoff. It returns the
// accumulated assistant text and the staged tool calls.
func (a *Agent) streamOnce(ctx context.Context, trigger llm.Trigger, cb Callbacks) (string, []pendingCall, error) {
	var text string
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if !errors.IsTransient(lastErr) {
				break
			}
			select {
			case <-ctx.Done():
				return text, nil, errors.Typedf(errors.KindCancelled, "cancelled", ctx.Err(), "interrupted")
			case <-time.After(backoffDelay(attempt - 1)):
			}
			cb.warn("retrying after a transient backend error")
		}

		env := a.Assembler.BuildEnvelope(ctx, a.State, trigger)
		stream, err := a.Client.SendMessage(ctx, env)
		if err != nil {
			lastErr = err
			continue
		}

		calls, streamErr := a.consumeStream(stream, &text, cb)
		if streamErr == nil {
			return text, calls, nil
		}
		// Partial tool calls were rolled back by the parser; the text
		// collected so far is kept and the request is retried.
		lastErr = streamErr
	}
	return text, nil, lastErr
}

// consumeStream drains one response stream, appending prose to text and
// staging completed tool calls.
func (a *Agent) consumeStream(stream *llm.Stream, text *string, cb Callbacks) ([]pendingCall, error) {
	var calls []pendingCall
	for event := range stream.Events() {
		switch {
		case event.Text != "":
			*text += event.Text
			if cb.OnAssistantText != nil {
				cb.OnAssistantText(event.Text)
			}
		case event.ToolUse != nil:
			use := *event.ToolUse
			calls = append(calls, pendingCall{
				use:      use,
				readOnly: a.Registry.IsReadOnly(use.Name, use.Input),
			})
		case event.Err != nil:
			return nil, event.Err
		case event.Stop:
			return calls, nil
		}
	}
	return calls, nil
}

// runToolCalls decides, confirms and executes the staged calls.
// When every call is read-only they run concurrently; otherwise all
// calls run sequentially in declaration order. Results append in
// declaration order either way.
func (a *Agent) runToolCalls(ctx context.Context, calls []pendingCall, cb Callbacks) {
	allReadOnly := true
	for _, c := range calls {
		if !c.readOnly {
			allReadOnly = false
			break
		}
	}

	outputs := make([]*tools.Output, len(calls))
	if allReadOnly && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, c := range calls {
			approved := a.approve(c, cb)
			if !approved.run {
				outputs[i] = approved.output
				continue
			}
			wg.Add(1)
			go func(i int, c pendingCall) {
				defer wg.Done()
				outputs[i] = a.execute(ctx, c, cb)
			}(i, c)
		}
		wg.Wait()
	} else {
		for i, c := range calls {
			approved := a.approve(c, cb)
			if !approved.run {
				outputs[i] = approved.output
				continue
			}
			outputs[i] = a.execute(ctx, c, cb)
		}
	}

	for i, c := range calls {
		out := outputs[i]
		if cb.OnToolResult != nil {
			cb.OnToolResult(c.use, out)
		}
		if err := a.State.PushToolResult(session.ToolResult{
			ToolUseID: c.use.ID,
			Status:    out.Status,
			Content:   out.Blocks,
		}); err != nil {
			a.Logger.Error("could not record tool result", "tool", c.use.Name, "error", err)
		}
	}
}

type approval struct {
	run    bool
	output *tools.Output
}

// approve applies the permission decision for one staged call.
func (a *Agent) approve(c pendingCall, cb Callbacks) approval {
	if cb.OnToolUse != nil {
		cb.OnToolUse(c.use)
	}
	switch a.Registry.Decide(c.use.Name, c.use.Input) {
	case tools.AutoDeny:
		a.Telemetry.Emit(telemetry.EventToolUse, map[string]any{
			"tool": c.use.Name, "decision": "deny",
		})
		return approval{output: tools.ErrorOutput("denied by the agent's permission settings")}
	case tools.AutoAllow:
		return approval{run: true}
	default:
		if a.AcceptAll {
			return approval{run: true}
		}
		if cb.ConfirmTool != nil && cb.ConfirmTool(c.use) {
			return approval{run: true}
		}
		return approval{output: tools.ErrorOutput("user declined")}
	}
}

// execute runs one approved call.
func (a *Agent) execute(ctx context.Context, c pendingCall, cb Callbacks) *tools.Output {
	tool, ok := a.Registry.Lookup(c.use.Name)
	if !ok {
		return tools.ErrorOutput("no tool named " + c.use.Name)
	}
	start := time.Now()
	out, err := tool.Invoke(ctx, c.use.Input)
	a.Telemetry.Emit(telemetry.EventToolUse, map[string]any{
		"tool":       c.use.Name,
		"durationMs": time.Since(start).Milliseconds(),
		"error":      err != nil,
	})
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorOutput("cancelled")
		}
		return tools.ErrorOutput(err.Error())
	}
	if out == nil {
		return tools.ErrorOutput("tool returned no output")
	}
	out.Clamp()
	return out
}

// backoffDelay computes the n-th retry delay with ±20% jitter.
func backoffDelay(n int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < n; i++ {
		delay *= retryFactor
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
