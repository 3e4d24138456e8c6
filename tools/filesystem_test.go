package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFsReadLineMode(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "notes.txt", "one\ntwo\nthree\nfour\n")

	tool := &FsReadTool{}
	input := fmt.Sprintf(`{"operations":[{"mode":"Line","path":%q,"start_line":2,"end_line":3}]}`, path)
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.Blocks[0].Text; got != "two\nthree" {
		t.Fatalf("line slice = %q, want %q", got, "two\nthree")
	}
}

func TestFsReadSearchMode(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "a.go", "package a\n\nfunc Target() {}\n")
	writeFixture(t, dir, "sub/b.go", "package b\n\n// Target is mentioned here\n")

	tool := &FsReadTool{}
	input := fmt.Sprintf(`{"operations":[{"mode":"Search","path":%q,"pattern":"Target"}]}`, dir)
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text := out.Blocks[0].Text
	if !strings.Contains(text, "a.go:3") || !strings.Contains(text, "b.go:3") {
		t.Fatalf("search misses matches:\n%s", text)
	}
}

func TestFsReadWorkspaceScope(t *testing.T) {
	dir := t.TempDir()
	tool := &FsReadTool{WorkspaceRoot: dir}
	input := `{"operations":[{"mode":"Line","path":"/etc/hostname"}]}`
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Status != "error" || !strings.Contains(out.Blocks[0].Text, "outside the workspace") {
		t.Fatalf("expected a workspace escape error, got %+v", out)
	}
	// Traversal through the workspace must be caught after cleaning.
	input = fmt.Sprintf(`{"operations":[{"mode":"Line","path":%q}]}`, filepath.Join(dir, "..", "..", "etc", "hostname"))
	out, err = tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Status != "error" {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestFsWriteCreateAndAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	tool := &FsWriteTool{}

	input := fmt.Sprintf(`{"command":"create","path":%q,"content":"hi"}`, path)
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil || out.Status != "success" {
		t.Fatalf("create failed: %v %+v", err, out)
	}
	// create refuses to clobber
	out, _ = tool.Invoke(context.Background(), json.RawMessage(input))
	if out.Status != "error" {
		t.Fatal("create over an existing file must fail")
	}

	input = fmt.Sprintf(`{"command":"append","path":%q,"content":" there"}`, path)
	if out, err = tool.Invoke(context.Background(), json.RawMessage(input)); err != nil || out.Status != "success" {
		t.Fatalf("append failed: %v %+v", err, out)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hi there" {
		t.Fatalf("content = %q", data)
	}
}

func TestFsWritePatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "code.go", "a\nb\na\n")
	tool := &FsWriteTool{}

	// Ambiguous without occurrence.
	input := fmt.Sprintf(`{"command":"patch","path":%q,"oldStr":"a","newStr":"c"}`, path)
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Status != "error" || !strings.Contains(out.Blocks[0].Text, "occurrence") {
		t.Fatalf("expected ambiguity error, got %+v", out)
	}

	// Second occurrence patched.
	input = fmt.Sprintf(`{"command":"patch","path":%q,"oldStr":"a","newStr":"c","occurrence":2}`, path)
	if out, err = tool.Invoke(context.Background(), json.RawMessage(input)); err != nil || out.Status != "success" {
		t.Fatalf("patch failed: %v %+v", err, out)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a\nb\nc\n" {
		t.Fatalf("content = %q", data)
	}

	// Missing target.
	input = fmt.Sprintf(`{"command":"patch","path":%q,"oldStr":"zzz","newStr":"c"}`, path)
	out, _ = tool.Invoke(context.Background(), json.RawMessage(input))
	if out.Status != "error" || !strings.Contains(out.Blocks[0].Text, "not found") {
		t.Fatalf("expected not-found error, got %+v", out)
	}
}

func TestFsWriteDeniedOutsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := &FsWriteTool{WorkspaceRoot: dir}
	input := `{"command":"create","path":"/tmp/elsewhere.txt","content":"x"}`
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Status != "error" {
		t.Fatal("expected write outside workspace to fail")
	}
}
