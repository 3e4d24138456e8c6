package llm

import (
	"testing"

	"github.com/m4xw311/qagent/errors"
)

func drain(s *Stream) []Event {
	var events []Event
	for e := range s.Events() {
		events = append(events, e)
	}
	return events
}

func TestAssemblerTextAndToolSequence(t *testing.T) {
	s := NewStream()
	go func() {
		asm := NewAssembler(s)
		asm.Text("Hello ")
		asm.Text("world.")
		asm.ToolStart("tu-1", "fs_read")
		asm.ToolDelta("tu-1", `{"operations":`)
		asm.ToolDelta("tu-1", `[{"mode":"Line","path":"README.md"}]}`)
		asm.ToolStop("tu-1")
		asm.Stop()
	}()

	events := drain(s)
	var text string
	var toolUses int
	var sawStop bool
	for _, e := range events {
		switch {
		case e.Text != "":
			text += e.Text
		case e.ToolUse != nil:
			toolUses++
			if e.ToolUse.ID != "tu-1" || e.ToolUse.Name != "fs_read" {
				t.Errorf("unexpected tool use %+v", e.ToolUse)
			}
			if string(e.ToolUse.Input) != `{"operations":[{"mode":"Line","path":"README.md"}]}` {
				t.Errorf("input not reassembled: %s", e.ToolUse.Input)
			}
		case e.Stop:
			sawStop = true
		case e.Err != nil:
			t.Fatalf("unexpected error: %v", e.Err)
		}
	}
	if text != "Hello world." {
		t.Errorf("text = %q", text)
	}
	if toolUses != 1 || !sawStop {
		t.Errorf("toolUses=%d sawStop=%v", toolUses, sawStop)
	}
}

func TestAssemblerMalformedToolInput(t *testing.T) {
	s := NewStream()
	go func() {
		asm := NewAssembler(s)
		asm.ToolStart("tu-1", "fs_read")
		asm.ToolDelta("tu-1", `{"operations": [`)
		asm.ToolStop("tu-1") // buffer is not valid JSON
	}()

	events := drain(s)
	last := events[len(events)-1]
	if last.Err == nil {
		t.Fatal("expected an error event")
	}
	if !errors.Is(last.Err, ErrMalformedToolInput) {
		t.Fatalf("error = %v, want ErrMalformedToolInput", last.Err)
	}
	for _, e := range events {
		if e.ToolUse != nil {
			t.Fatal("no tool use may be emitted from a malformed buffer")
		}
	}
}

func TestAssemblerFailureRollsBackPartialToolUse(t *testing.T) {
	s := NewStream()
	go func() {
		asm := NewAssembler(s)
		asm.Text("partial answer")
		asm.ToolStart("tu-1", "fs_write")
		asm.ToolDelta("tu-1", `{"command":"crea`)
		// Connection dropped mid-delta.
		asm.Fail(TransportErr(errors.New("connection reset")))
	}()

	events := drain(s)
	var sawText, sawErr bool
	for _, e := range events {
		if e.Text != "" {
			sawText = true
		}
		if e.ToolUse != nil {
			t.Fatal("partial tool use must not surface")
		}
		if e.Err != nil {
			sawErr = true
			if errors.KindOf(e.Err) != errors.KindBackendTransient {
				t.Errorf("error kind = %v, want transient", errors.KindOf(e.Err))
			}
		}
	}
	if !sawText || !sawErr {
		t.Fatalf("sawText=%v sawErr=%v", sawText, sawErr)
	}
}

func TestAssemblerEmptyInputParsesAsEmptyObject(t *testing.T) {
	s := NewStream()
	go func() {
		asm := NewAssembler(s)
		asm.ToolStart("tu-1", "thinking")
		asm.ToolStop("tu-1")
		asm.Stop()
	}()
	for _, e := range drain(s) {
		if e.ToolUse != nil && string(e.ToolUse.Input) != "{}" {
			t.Fatalf("empty buffer should parse as {}, got %s", e.ToolUse.Input)
		}
		if e.Err != nil {
			t.Fatalf("unexpected error: %v", e.Err)
		}
	}
}

func TestWrapUserMessageSentinels(t *testing.T) {
	wrapped := WrapUserMessage("hello")
	want := "--- USER MESSAGE BEGIN ---\nhello\n--- USER MESSAGE END ---\n\n"
	if wrapped != want {
		t.Fatalf("wrapped = %q, want %q", wrapped, want)
	}
}
