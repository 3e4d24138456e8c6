package llm

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

// ErrMalformedToolInput is emitted when the buffered tool input is not
// valid JSON at tool-use stop.
var ErrMalformedToolInput = errors.New("malformed tool input")

// Assembler normalizes a provider's raw events into the common Event
// sequence. Tool input arrives as incremental JSON fragments keyed by
// tool-use id; the assembler concatenates per id and parses at stop.
// It is owned by the provider's stream task and is not safe for
// concurrent use.
type Assembler struct {
	out     chan<- Event
	buffers map[string]*toolBuffer
	stopped bool
}

type toolBuffer struct {
	name  string
	input strings.Builder
}

// NewAssembler creates an assembler feeding the given stream.
func NewAssembler(s *Stream) *Assembler {
	return &Assembler{out: s.events, buffers: make(map[string]*toolBuffer)}
}

// Text emits an assistant text chunk.
func (a *Assembler) Text(chunk string) {
	if a.stopped || chunk == "" {
		return
	}
	a.out <- Event{Text: chunk}
}

// ToolStart opens an input buffer for a tool use and emits the start
// event.
func (a *Assembler) ToolStart(id, name string) {
	if a.stopped {
		return
	}
	a.buffers[id] = &toolBuffer{name: name}
	a.out <- Event{ToolUseStart: &ToolUseStart{ID: id, Name: name}}
}

// ToolDelta appends an input fragment to the buffer for id. Fragments
// for unknown ids are dropped; the provider signals block boundaries.
func (a *Assembler) ToolDelta(id, fragment string) {
	if a.stopped || fragment == "" {
		return
	}
	buf, ok := a.buffers[id]
	if !ok {
		return
	}
	buf.input.WriteString(fragment)
	a.out <- Event{ToolUseDelta: &ToolUseDelta{ID: id, Fragment: fragment}}
}

// ToolStop parses the buffered input and emits the completed tool use.
// The buffered JSON is handed off as an owned value; the buffer is
// released. An empty buffer parses as an empty object.
func (a *Assembler) ToolStop(id string) {
	if a.stopped {
		return
	}
	buf, ok := a.buffers[id]
	if !ok {
		return
	}
	delete(a.buffers, id)

	raw := buf.input.String()
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		a.Fail(errors.Typedf(errors.KindParse, "malformed_tool_input",
			ErrMalformedToolInput, "input for tool %s did not parse as JSON", buf.name))
		return
	}
	a.out <- Event{ToolUse: &session.ToolUse{
		ID:    id,
		Name:  buf.name,
		Input: json.RawMessage(raw),
	}}
}

// Stop marks the assistant message complete and closes the stream. Any
// unterminated tool-use buffers are discarded: an interrupted tool use
// never surfaces as a partial call.
func (a *Assembler) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.out <- Event{Stop: true}
	close(a.out)
}

// Fail emits a stream error and closes the stream. Text already emitted
// stays valid; buffered partial tool uses are rolled back silently.
func (a *Assembler) Fail(err error) {
	if a.stopped {
		return
	}
	a.stopped = true
	a.buffers = make(map[string]*toolBuffer)
	a.out <- Event{Err: err}
	close(a.out)
}
