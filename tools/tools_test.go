package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/session"
)

// fakeTool stands in for an MCP-discovered tool in registry tests.
type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "fake tool" }
func (f *fakeTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	return TextOutput("ok"), nil
}

func TestRegistryWildcardSelectsEverything(t *testing.T) {
	manifest := config.DefaultAgent()
	mcpTool := &fakeTool{name: "@git/status"}
	r, err := NewRegistry(manifest,
		[]Tool{&FsReadTool{}, &ThinkingTool{}},
		[]Tool{mcpTool},
		map[string]string{"@git/status": "git"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(r.List()) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(r.List()))
	}
	if _, ok := r.Lookup("@git/status"); !ok {
		t.Fatal("MCP tool missing from registry")
	}
}

func TestRegistryServerWildcard(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.Tools = []string{"fs_read", "@git"}
	r, err := NewRegistry(manifest,
		[]Tool{&FsReadTool{}, &FsWriteTool{}},
		[]Tool{&fakeTool{name: "@git/status"}, &fakeTool{name: "@jira/search"}},
		map[string]string{"@git/status": "git", "@jira/search": "jira"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Lookup("fs_write"); ok {
		t.Fatal("fs_write was not listed and must be excluded")
	}
	if _, ok := r.Lookup("@git/status"); !ok {
		t.Fatal("@git wildcard should include @git/status")
	}
	if _, ok := r.Lookup("@jira/search"); ok {
		t.Fatal("@jira/search must be excluded")
	}
}

func TestRegistryAliases(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.ToolAliases = map[string]string{"@git/status": "git_status"}
	r, err := NewRegistry(manifest,
		[]Tool{&FsReadTool{}},
		[]Tool{&fakeTool{name: "@git/status"}},
		map[string]string{"@git/status": "git"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Lookup("git_status"); !ok {
		t.Fatal("alias not applied")
	}
	if _, ok := r.Lookup("@git/status"); ok {
		t.Fatal("original name must disappear after aliasing")
	}
}

func TestRegistryAliasConflictFatal(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.ToolAliases = map[string]string{"@git/status": "fs_read"}
	_, err := NewRegistry(manifest,
		[]Tool{&FsReadTool{}},
		[]Tool{&fakeTool{name: "@git/status"}},
		map[string]string{"@git/status": "git"})
	if err == nil {
		t.Fatal("expected an alias collision to be fatal")
	}
}

func TestRegistryUnknownToolFatal(t *testing.T) {
	manifest := config.DefaultAgent()
	manifest.Tools = []string{"no_such_tool"}
	if _, err := NewRegistry(manifest, []Tool{&FsReadTool{}}, nil, nil); err == nil {
		t.Fatal("expected unknown tool to be a load error")
	}
}

func TestOutputClampRespectsCap(t *testing.T) {
	out := &Output{
		Status: session.ToolResultSuccess,
		Blocks: []session.ContentBlock{
			{Text: strings.Repeat("a", 10*1024)},
			{Text: strings.Repeat("b", 40*1024)},
			{Text: "never reached"},
		},
	}
	out.Clamp()
	total := 0
	for _, b := range out.Blocks {
		total += len(b.Text)
	}
	if total > MaxOutputBytes+100 {
		t.Fatalf("clamped size %d exceeds cap", total)
	}
	if len(out.Blocks) != 2 {
		t.Fatalf("blocks after clamp = %d, want 2", len(out.Blocks))
	}
	if !strings.HasSuffix(out.Blocks[1].Text, "...") && !strings.Contains(out.Blocks[1].Text, "truncated") {
		t.Error("missing truncation marker")
	}
}

func TestReadOnlyCertification(t *testing.T) {
	r := newTestRegistry(t, config.DefaultAgent())
	if !r.IsReadOnly("fs_read", json.RawMessage(`{"operations":[]}`)) {
		t.Error("fs_read must be read-only")
	}
	if r.IsReadOnly("fs_write", json.RawMessage(`{}`)) {
		t.Error("fs_write must not be read-only")
	}
	if !r.IsReadOnly("execute_bash", json.RawMessage(`{"command":"ls"}`)) {
		t.Error("ls must classify read-only")
	}
	if r.IsReadOnly("execute_bash", json.RawMessage(`{"command":"rm x"}`)) {
		t.Error("rm must not classify read-only")
	}
}
