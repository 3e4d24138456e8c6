package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/hooks"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
	"github.com/m4xw311/qagent/tools"
)

// scriptedClient plays back canned streams, one per SendMessage call.
type scriptedClient struct {
	scripts   []func(asm *llm.Assembler)
	calls     int
	envelopes []*llm.Envelope
}

func (c *scriptedClient) SendMessage(ctx context.Context, env *llm.Envelope) (*llm.Stream, error) {
	c.envelopes = append(c.envelopes, env)
	if c.calls >= len(c.scripts) {
		return nil, errors.Typedf(errors.KindBackendFatal, "backend_error", nil, "no more scripted responses")
	}
	script := c.scripts[c.calls]
	c.calls++
	s := llm.NewStream()
	go script(llm.NewAssembler(s))
	return s, nil
}

func newTestAgent(t *testing.T, manifest *config.AgentManifest, client llm.Client) *Agent {
	t.Helper()
	registry, err := tools.NewRegistry(manifest, []tools.Tool{
		&tools.FsReadTool{},
		&tools.FsWriteTool{},
		&tools.ExecuteBashTool{},
		&tools.ThinkingTool{},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &Agent{
		Manifest:  manifest,
		State:     session.New(manifest.Name),
		Client:    client,
		Registry:  registry,
		Assembler: NewAssembler(manifest, hooks.NewRunner(manifest, nil), registry.List()),
		Logger:    slog.Default(),
	}
}

func emitToolUse(asm *llm.Assembler, id, name, input string) {
	asm.ToolStart(id, name)
	asm.ToolDelta(id, input)
	asm.ToolStop(id)
}

func TestReadOnlyToolAutoApproved(t *testing.T) {
	dir := t.TempDir()
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# qagent\nhello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			asm.Text("Reading the file.")
			emitToolUse(asm, "tu-1", "fs_read",
				fmt.Sprintf(`{"operations":[{"mode":"Line","path":%q}]}`, readme))
			asm.Stop()
		},
		func(asm *llm.Assembler) {
			asm.Text("The file greets you.")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)

	confirmCalled := false
	err := eng.ProcessUserInput(context.Background(), "read README.md", Callbacks{
		ConfirmTool: func(session.ToolUse) bool {
			confirmCalled = true
			return false
		},
	})
	if err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	if confirmCalled {
		t.Error("fs_read must not prompt under the default agent")
	}
	if client.calls != 2 {
		t.Fatalf("backend calls = %d, want 2", client.calls)
	}

	// The tool result carries the file content and the follow-up request
	// delivered it in the current message context.
	var sawResult bool
	for _, m := range eng.State.Messages {
		if m.Role == session.RoleToolResult && m.ToolResult.ToolUseID == "tu-1" {
			sawResult = true
			if m.ToolResult.Status != session.ToolResultSuccess {
				t.Errorf("tool result status = %s", m.ToolResult.Status)
			}
			if !strings.Contains(m.ToolResult.Content[0].Text, "hello") {
				t.Errorf("tool result misses file content: %+v", m.ToolResult.Content)
			}
		}
	}
	if !sawResult {
		t.Fatal("no tool result recorded")
	}
	second := client.envelopes[1]
	results := second.CurrentMessage.UserInputMessage.UserInputMessageContext.ToolResults
	if len(results) != 1 || results[0].ToolUseID != "tu-1" {
		t.Fatalf("follow-up request misses the tool result: %+v", results)
	}
	if second.Trigger != llm.TriggerAuto {
		t.Errorf("follow-up trigger = %s, want AUTO", second.Trigger)
	}
}

func TestWriteDeclinedSynthesizesErrorResult(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "hello.txt")

	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			emitToolUse(asm, "tu-1", "fs_write",
				fmt.Sprintf(`{"command":"create","path":%q,"content":"hi"}`, target))
			asm.Stop()
		},
		func(asm *llm.Assembler) {
			asm.Text("Understood, not writing the file.")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)

	prompted := false
	err := eng.ProcessUserInput(context.Background(), "create hello.txt with 'hi'", Callbacks{
		ConfirmTool: func(use session.ToolUse) bool {
			prompted = true
			if use.Name != "fs_write" {
				t.Errorf("prompted for %s", use.Name)
			}
			return false
		},
	})
	if err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	if !prompted {
		t.Fatal("fs_write must require confirmation")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("declined write must not create the file")
	}

	var sawDecline bool
	for _, m := range eng.State.Messages {
		if m.Role == session.RoleToolResult {
			sawDecline = true
			if m.ToolResult.Status != session.ToolResultError {
				t.Errorf("result status = %s, want error", m.ToolResult.Status)
			}
			if !strings.Contains(m.ToolResult.Content[0].Text, "user declined") {
				t.Errorf("result text = %q", m.ToolResult.Content[0].Text)
			}
		}
	}
	if !sawDecline {
		t.Fatal("no synthesized result for the declined call")
	}
}

func TestWriteApprovedExecutes(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "hello.txt")

	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			emitToolUse(asm, "tu-1", "fs_write",
				fmt.Sprintf(`{"command":"create","path":%q,"content":"hi"}`, target))
			asm.Stop()
		},
		func(asm *llm.Assembler) {
			asm.Text("Created the file.")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)

	err := eng.ProcessUserInput(context.Background(), "create hello.txt", Callbacks{
		ConfirmTool: func(session.ToolUse) bool { return true },
	})
	if err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "hi" {
		t.Fatalf("file content = %q, err = %v", data, err)
	}
}

func TestTransientErrorRetried(t *testing.T) {
	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			asm.Text("par")
			asm.Fail(llm.TransportErr(errors.New("connection reset")))
		},
		func(asm *llm.Assembler) {
			asm.Text("full answer")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)

	err := eng.ProcessUserInput(context.Background(), "hello", Callbacks{})
	if err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("backend calls = %d, want 2 (one retry)", client.calls)
	}
	last := eng.State.Messages[len(eng.State.Messages)-1]
	if last.Role != session.RoleAssistant || !strings.Contains(last.Content, "full answer") {
		t.Fatalf("final assistant message = %+v", last)
	}
}

func TestFatalErrorSurfacesWithPartialText(t *testing.T) {
	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			asm.Text("partial")
			asm.Fail(errors.Typedf(errors.KindAuth, "unauthenticated", nil, "token expired"))
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)

	err := eng.ProcessUserInput(context.Background(), "hello", Callbacks{})
	if err == nil {
		t.Fatal("expected the auth error to surface")
	}
	if errors.KindOf(err) != errors.KindAuth {
		t.Fatalf("error kind = %v, want auth", errors.KindOf(err))
	}
	if client.calls != 1 {
		t.Fatalf("auth errors must not be retried, calls = %d", client.calls)
	}
	// Partial text is retained for history fidelity.
	last := eng.State.Messages[len(eng.State.Messages)-1]
	if last.Role != session.RoleAssistant || last.Content != "partial" {
		t.Fatalf("final message = %+v", last)
	}
}

func TestEnvelopeWrapsPromptWithSentinels(t *testing.T) {
	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			asm.Text("hi")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)
	if err := eng.ProcessUserInput(context.Background(), "what time is it", Callbacks{}); err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	content := client.envelopes[0].CurrentMessage.UserInputMessage.Content
	if !strings.HasPrefix(content, llm.UserMessageBegin) || !strings.Contains(content, "what time is it") {
		t.Fatalf("current message not wrapped: %q", content)
	}
	envState := client.envelopes[0].CurrentMessage.UserInputMessage.UserInputMessageContext.EnvState
	if envState == nil || envState.OperatingSystem == "" {
		t.Fatal("environment snapshot missing")
	}
	if client.envelopes[0].Trigger != llm.TriggerManual {
		t.Errorf("trigger = %s, want MANUAL", client.envelopes[0].Trigger)
	}
}

func TestAcceptAllSkipsConfirmation(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "x.txt")
	client := &scriptedClient{scripts: []func(*llm.Assembler){
		func(asm *llm.Assembler) {
			emitToolUse(asm, "tu-1", "fs_write",
				fmt.Sprintf(`{"command":"create","path":%q,"content":"y"}`, target))
			asm.Stop()
		},
		func(asm *llm.Assembler) {
			asm.Text("done")
			asm.Stop()
		},
	}}
	eng := newTestAgent(t, config.DefaultAgent(), client)
	eng.AcceptAll = true

	err := eng.ProcessUserInput(context.Background(), "write it", Callbacks{
		ConfirmTool: func(session.ToolUse) bool {
			t.Error("acceptall must bypass confirmation")
			return false
		},
	})
	if err != nil {
		t.Fatalf("ProcessUserInput: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("file was not written")
	}
}
