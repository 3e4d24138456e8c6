package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	old, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func todoFromOutput(t *testing.T, out *Output) *TodoList {
	t.Helper()
	list := &TodoList{}
	if err := json.Unmarshal(out.Blocks[0].JSON, list); err != nil {
		t.Fatalf("output is not a todo list: %v", err)
	}
	return list
}

func TestTodoLifecycle(t *testing.T) {
	chdirTemp(t)
	tool := &TodoListTool{}
	ctx := context.Background()

	out, err := tool.Invoke(ctx, json.RawMessage(`{"operation":"create","description":"release prep","tasks":["write changelog","tag release"]}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := todoFromOutput(t, out)
	if len(created.Tasks) != 2 || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	out, err = tool.Invoke(ctx, json.RawMessage(fmt.Sprintf(`{"operation":"complete","id":%q,"index":0}`, created.ID)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	updated := todoFromOutput(t, out)
	if !updated.Tasks[0].Completed || updated.Tasks[1].Completed {
		t.Fatalf("completion state wrong: %+v", updated.Tasks)
	}

	out, err = tool.Invoke(ctx, json.RawMessage(`{"operation":"search","query":"changelog"}`))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var found []*TodoList
	if err := json.Unmarshal(out.Blocks[0].JSON, &found); err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("search found %d lists", len(found))
	}

	out, _ = tool.Invoke(ctx, json.RawMessage(`{"operation":"get","id":"missing"}`))
	if out.Status != "error" {
		t.Fatal("get of a missing list must fail")
	}

	out, _ = tool.Invoke(ctx, json.RawMessage(fmt.Sprintf(`{"operation":"complete","id":%q,"index":9}`, created.ID)))
	if out.Status != "error" {
		t.Fatal("out-of-range index must fail")
	}
}
