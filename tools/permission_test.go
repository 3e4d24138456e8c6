package tools

import (
	"encoding/json"
	"testing"

	"github.com/m4xw311/qagent/config"
)

func newTestRegistry(t *testing.T, manifest *config.AgentManifest) *Registry {
	t.Helper()
	builtins := []Tool{
		&FsReadTool{},
		&FsWriteTool{},
		&ExecuteBashTool{},
		&UseAwsTool{},
		&ReportIssueTool{Headless: true},
		&ThinkingTool{},
	}
	r, err := NewRegistry(manifest, builtins, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestDefaultAgentAutoAllowsFsRead(t *testing.T) {
	r := newTestRegistry(t, config.DefaultAgent())
	input := json.RawMessage(`{"operations":[{"mode":"Line","path":"README.md"}]}`)
	if d := r.Decide("fs_read", input); d != AutoAllow {
		t.Fatalf("fs_read decision = %v, want AutoAllow", d)
	}
	if d := r.Decide("report_issue", json.RawMessage(`{"title":"x"}`)); d != AutoAllow {
		t.Fatalf("report_issue decision = %v, want AutoAllow", d)
	}
}

func TestWriteRequiresConfirmationByDefault(t *testing.T) {
	r := newTestRegistry(t, config.DefaultAgent())
	input := json.RawMessage(`{"command":"create","path":"hello.txt","content":"hi"}`)
	if d := r.Decide("fs_write", input); d != PromptUser {
		t.Fatalf("fs_write decision = %v, want PromptUser", d)
	}
	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"rm -rf /"}`)); d != PromptUser {
		t.Fatalf("execute_bash decision = %v, want PromptUser", d)
	}
}

func TestDeniedPathWinsOverAllowedPaths(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.AllowedTools = append(manifest.AllowedTools, "fs_write")
	manifest.ToolsSettings = map[string]json.RawMessage{
		"fs_write": json.RawMessage(`{"deniedPaths":["/etc/**"],"allowedPaths":["/**"]}`),
	}
	r := newTestRegistry(t, manifest)

	denied := json.RawMessage(`{"command":"overwrite","path":"/etc/hosts","content":"x"}`)
	if d := r.Decide("fs_write", denied); d != AutoDeny {
		t.Fatalf("denied path decision = %v, want AutoDeny", d)
	}
	allowed := json.RawMessage(`{"command":"create","path":"/home/user/notes.txt","content":"x"}`)
	if d := r.Decide("fs_write", allowed); d != AutoAllow {
		t.Fatalf("allowed path decision = %v, want AutoAllow", d)
	}
}

func TestAllowedToolsSkipPrompt(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.AllowedTools = []string{"fs_write", "execute_bash"}
	r := newTestRegistry(t, manifest)

	if d := r.Decide("fs_write", json.RawMessage(`{"command":"create","path":"a.txt"}`)); d != AutoAllow {
		t.Fatalf("allow-listed fs_write = %v, want AutoAllow", d)
	}
	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"make deploy"}`)); d != AutoAllow {
		t.Fatalf("allow-listed execute_bash = %v, want AutoAllow", d)
	}
}

func TestBashDeniedCommandsWin(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.AllowedTools = append(manifest.AllowedTools, "execute_bash")
	manifest.ToolsSettings = map[string]json.RawMessage{
		"execute_bash": json.RawMessage(`{"deniedCommands":["rm .*"],"allowedCommands":[".*"]}`),
	}
	r := newTestRegistry(t, manifest)

	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"rm -rf build"}`)); d != AutoDeny {
		t.Fatalf("denied command = %v, want AutoDeny", d)
	}
	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"make build"}`)); d != AutoAllow {
		t.Fatalf("allowed command = %v, want AutoAllow", d)
	}
}

func TestBashAllowReadOnlyClassification(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.ToolsSettings = map[string]json.RawMessage{
		"execute_bash": json.RawMessage(`{"allowReadOnly":true}`),
	}
	r := newTestRegistry(t, manifest)

	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"ls -la"}`)); d != AutoAllow {
		t.Fatalf("read-only command = %v, want AutoAllow", d)
	}
	if d := r.Decide("execute_bash", json.RawMessage(`{"command":"touch file"}`)); d != PromptUser {
		t.Fatalf("mutating command = %v, want PromptUser", d)
	}
}
