package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/hooks"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
)

func TestSystemPromptIncludesResources(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	os.Chdir(dir)
	t.Cleanup(func() { os.Chdir(old) })

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("project readme text"), 0o644); err != nil {
		t.Fatal(err)
	}
	rulesDir := filepath.Join(dir, ".amazonq", "rules")
	os.MkdirAll(rulesDir, 0o755)
	os.WriteFile(filepath.Join(rulesDir, "style.md"), []byte("always use tabs"), 0o644)

	manifest := config.DefaultAgent()
	manifest.Description = "A test agent persona."
	asm := NewAssembler(manifest, hooks.NewRunner(manifest, nil), nil)

	state := session.New(manifest.Name)
	state.PushUser("hello", nil)
	env := asm.BuildEnvelope(context.Background(), state, llm.TriggerManual)

	if !strings.Contains(env.SystemPrompt, "project readme text") {
		t.Error("README resource missing from system prompt")
	}
	if !strings.Contains(env.SystemPrompt, "always use tabs") {
		t.Error("rules glob missing from system prompt")
	}
	if !strings.Contains(env.SystemPrompt, "A test agent persona.") {
		t.Error("agent description missing from system prompt")
	}
	if !strings.Contains(env.SystemPrompt, llm.ContextEntryBegin) {
		t.Error("resources must be wrapped in context sentinels")
	}
}

func TestAgentSpawnHookInjectedIntoSystemPrompt(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.Resources = nil
	manifest.Hooks = map[config.HookTrigger][]config.HookSpec{
		config.HookAgentSpawn: {{Command: "echo spawn-marker-xyz"}},
	}
	asm := NewAssembler(manifest, hooks.NewRunner(manifest, nil), nil)

	state := session.New(manifest.Name)
	state.PushUser("hi", nil)
	env := asm.BuildEnvelope(context.Background(), state, llm.TriggerManual)
	if !strings.Contains(env.SystemPrompt, "spawn-marker-xyz") {
		t.Error("agentSpawn output missing from system prompt")
	}

	// Captured once: a second envelope reuses the same section.
	env2 := asm.BuildEnvelope(context.Background(), state, llm.TriggerManual)
	if env.SystemPrompt != env2.SystemPrompt {
		t.Error("agentSpawn section must be stable for the session")
	}
}

func TestPromptSubmitHookInjectedIntoContext(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.Resources = nil
	manifest.Hooks = map[config.HookTrigger][]config.HookSpec{
		config.HookUserPromptSubmit: {{Command: "echo submit-marker-abc"}},
	}
	asm := NewAssembler(manifest, hooks.NewRunner(manifest, nil), nil)

	state := session.New(manifest.Name)
	state.PushUser("hi", nil)
	env := asm.BuildEnvelope(context.Background(), state, llm.TriggerManual)

	ctx := env.CurrentMessage.UserInputMessage.UserInputMessageContext
	found := false
	for _, entry := range ctx.ContextFiles {
		if strings.Contains(entry.Content, "submit-marker-abc") {
			found = true
		}
	}
	if !found {
		t.Fatalf("userPromptSubmit output missing from context: %+v", ctx.ContextFiles)
	}
}

func TestHistoryUserMessagesWrapped(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.Resources = nil
	asm := NewAssembler(manifest, hooks.NewRunner(manifest, nil), nil)

	state := session.New(manifest.Name)
	state.PushUser("first question", nil)
	state.PushAssistant("first answer", nil)
	state.PushUser("second question", nil)

	env := asm.BuildEnvelope(context.Background(), state, llm.TriggerManual)
	if len(env.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(env.History))
	}
	if !strings.HasPrefix(env.History[0].Content, llm.UserMessageBegin) {
		t.Error("history user message not wrapped")
	}
	if env.History[1].Content != "first answer" {
		t.Error("assistant messages must map 1:1")
	}
	if !strings.Contains(env.CurrentMessage.UserInputMessage.Content, "second question") {
		t.Error("current message should be the trailing user message")
	}
}
