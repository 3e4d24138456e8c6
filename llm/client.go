// Package llm abstracts the model backends behind a single streaming
// contract. Each provider variant converts the normalized request
// envelope to its wire format and demultiplexes the raw response stream
// into a common event sequence.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

// Prompt sentinels are part of the external interface: the
// OpenAI-compatible adapter flattens structured context into the system
// prompt and relies on these markers to delimit it.
const (
	UserMessageBegin  = "--- USER MESSAGE BEGIN ---\n"
	UserMessageEnd    = "\n--- USER MESSAGE END ---\n\n"
	ContextEntryBegin = "--- CONTEXT ENTRY BEGIN ---\n"
	ContextEntryEnd   = "\n--- CONTEXT ENTRY END ---\n\n"
)

// WrapUserMessage wraps raw prompt text in the user-message sentinels.
func WrapUserMessage(content string) string {
	return UserMessageBegin + content + UserMessageEnd
}

// WrapContextEntry wraps one context file excerpt in entry sentinels.
func WrapContextEntry(path, content string) string {
	return ContextEntryBegin + fmt.Sprintf("path: %s\n\n%s", path, content) + ContextEntryEnd
}

// ToolOrigin records where a tool spec came from.
type ToolOrigin struct {
	Builtin   bool   `json:"builtin"`
	McpServer string `json:"mcpServer,omitempty"`
}

// ToolSpec is the declared shape of a tool as sent to the backend.
type ToolSpec struct {
	Name        string          `json:"name"`
	Origin      ToolOrigin      `json:"origin"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Trigger distinguishes user-typed prompts from engine-driven follow-ups.
type Trigger string

const (
	TriggerManual Trigger = "MANUAL"
	TriggerAuto   Trigger = "AUTO"
)

// UserInputMessage is the current message of an envelope on the wire.
type UserInputMessage struct {
	Content                 string                    `json:"content"`
	UserInputMessageContext *session.UserInputContext `json:"userInputMessageContext,omitempty"`
}

// CurrentMessage wraps the user input message on the wire.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// Envelope is the normalized request object accepted by every provider
// variant. The OpenAI-compatible variant serializes the current-message
// context (environment state, tool results, context entries) into the
// system prompt. The Bedrock, Anthropic and Gemini variants send the
// system prompt, tool specs, history, current text and tool results;
// they do not forward the environment state or the context entries.
type Envelope struct {
	ConversationID string            `json:"conversationId"`
	AgentName      string            `json:"agentName,omitempty"`
	SystemPrompt   string            `json:"systemPrompt,omitempty"`
	ToolSpecs      []ToolSpec        `json:"tools,omitempty"`
	History        []session.Message `json:"history"`
	CurrentMessage CurrentMessage    `json:"currentMessage"`
	Trigger        Trigger           `json:"chatTriggerType"`
}

// Event is one normalized element of a response stream. Exactly one
// field group is populated per event.
type Event struct {
	// Text is a chunk of assistant prose.
	Text string

	// ToolUseStart announces a tool invocation whose input is still
	// streaming in.
	ToolUseStart *ToolUseStart

	// ToolUseDelta carries an input JSON fragment for a started tool use.
	ToolUseDelta *ToolUseDelta

	// ToolUse is the completed invocation, emitted at tool-use stop
	// once the buffered input parsed as JSON.
	ToolUse *session.ToolUse

	// Stop marks the end of the assistant message.
	Stop bool

	// Err reports a stream failure. The partial assistant message
	// observed so far remains valid for history fidelity.
	Err error
}

// ToolUseStart identifies a tool invocation at the start of its block.
type ToolUseStart struct {
	ID   string
	Name string
}

// ToolUseDelta is an incremental input fragment keyed by tool-use id.
type ToolUseDelta struct {
	ID       string
	Fragment string
}

// Stream is a finite, non-restartable pull sequence of events.
type Stream struct {
	events chan Event
}

// NewStream creates a stream with a small event buffer.
func NewStream() *Stream {
	return &Stream{events: make(chan Event, 16)}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event { return s.events }

// Client is the backend transport contract shared by all variants.
type Client interface {
	// SendMessage opens a streaming request for the envelope. Errors
	// after the stream is established arrive as Event.Err.
	SendMessage(ctx context.Context, env *Envelope) (*Stream, error)
}

// Backend failure classification, shared by the provider variants.

// ClassifyHTTPStatus maps a response status to the backend error
// taxonomy: Unauthenticated, QuotaExceeded, ContextOverflow, Transport.
func ClassifyHTTPStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Typedf(errors.KindAuth, "unauthenticated", err,
			"the backend rejected the stored credentials; run `login` again")
	case status == http.StatusTooManyRequests:
		return errors.Typedf(errors.KindBackendTransient, "quota_exceeded", err,
			"request quota exceeded, the request will be retried")
	case status == http.StatusRequestEntityTooLarge:
		return errors.Typedf(errors.KindBackendContextLimit, "context_overflow", err,
			"the request exceeded the model context window")
	case status >= 500:
		return errors.Typedf(errors.KindBackendTransient, "transport", err,
			"the backend returned a server error (%d)", status)
	default:
		return errors.Typedf(errors.KindBackendFatal, "backend_error", err,
			"the backend rejected the request (%d)", status)
	}
}

// TransportErr wraps a connection-level failure as transient.
func TransportErr(err error) error {
	return errors.Typedf(errors.KindBackendTransient, "transport", err,
		"connection to the backend failed")
}

// ContextOverflowErr marks a request that exceeded the context window.
func ContextOverflowErr(err error) error {
	return errors.Typedf(errors.KindBackendContextLimit, "context_overflow", err,
		"the request exceeded the model context window")
}
