package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

const todoListDir = ".amazonq/cli-todo-lists"

// TodoTask is one entry of a todo list.
type TodoTask struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// TodoList is the on-disk format of one list.
type TodoList struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Tasks       []TodoTask `json:"tasks"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TodoListTool manages todo lists stored as JSON files in the
// workspace.
type TodoListTool struct{}

func (t *TodoListTool) Name() string { return "todo_list" }

func (t *TodoListTool) Description() string {
	return "Manage todo lists. Operations: create, get, update, complete, list, search."
}

func (t *TodoListTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "enum": ["create", "get", "update", "complete", "list", "search"]},
			"id": {"type": "string"},
			"description": {"type": "string"},
			"tasks": {"type": "array", "items": {"type": "string"}},
			"index": {"type": "integer"},
			"query": {"type": "string"}
		},
		"required": ["operation"]
	}`)
}

func (t *TodoListTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Operation   string   `json:"operation"`
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Tasks       []string `json:"tasks"`
		Index       int      `json:"index"`
		Query       string   `json:"query"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"todo_list requires an 'operation'")
	}

	switch in.Operation {
	case "create":
		list := &TodoList{
			ID:          uuid.NewString(),
			Description: in.Description,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		for _, task := range in.Tasks {
			list.Tasks = append(list.Tasks, TodoTask{Description: task})
		}
		if err := saveTodoList(list); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(list)
	case "get":
		list, err := loadTodoList(in.ID)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(list)
	case "update":
		list, err := loadTodoList(in.ID)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		list.Tasks = nil
		for _, task := range in.Tasks {
			list.Tasks = append(list.Tasks, TodoTask{Description: task})
		}
		if in.Description != "" {
			list.Description = in.Description
		}
		list.UpdatedAt = time.Now().UTC()
		if err := saveTodoList(list); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(list)
	case "complete":
		list, err := loadTodoList(in.ID)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		if in.Index < 0 || in.Index >= len(list.Tasks) {
			return ErrorOutput(fmt.Sprintf("task index %d out of range (%d tasks)", in.Index, len(list.Tasks))), nil
		}
		list.Tasks[in.Index].Completed = true
		list.UpdatedAt = time.Now().UTC()
		if err := saveTodoList(list); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(list)
	case "list":
		lists, err := loadAllTodoLists()
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(lists)
	case "search":
		lists, err := loadAllTodoLists()
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		query := strings.ToLower(in.Query)
		var matches []*TodoList
		for _, list := range lists {
			if todoListMatches(list, query) {
				matches = append(matches, list)
			}
		}
		return jsonOutput(matches)
	default:
		return ErrorOutput(fmt.Sprintf("unknown todo_list operation %q", in.Operation)), nil
	}
}

func todoListMatches(list *TodoList, query string) bool {
	if strings.Contains(strings.ToLower(list.Description), query) {
		return true
	}
	for _, task := range list.Tasks {
		if strings.Contains(strings.ToLower(task.Description), query) {
			return true
		}
	}
	return false
}

func jsonOutput(v interface{}) (*Output, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "could not serialize todo list")
	}
	out := &Output{Blocks: []session.ContentBlock{{JSON: data}}, Status: session.ToolResultSuccess}
	out.Clamp()
	return out, nil
}

func saveTodoList(list *TodoList) error {
	if err := os.MkdirAll(todoListDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create %s", todoListDir)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "could not serialize todo list %s", list.ID)
	}
	return os.WriteFile(filepath.Join(todoListDir, list.ID+".json"), data, 0o644)
}

func loadTodoList(id string) (*TodoList, error) {
	if id == "" {
		return nil, errors.New("todo_list operation requires an 'id'")
	}
	data, err := os.ReadFile(filepath.Join(todoListDir, id+".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "no todo list with id %s", id)
	}
	list := &TodoList{}
	if err := json.Unmarshal(data, list); err != nil {
		return nil, errors.Wrapf(err, "todo list %s is corrupt", id)
	}
	return list, nil
}

func loadAllTodoLists() ([]*TodoList, error) {
	entries, err := os.ReadDir(todoListDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read %s", todoListDir)
	}
	var lists []*TodoList
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		list, err := loadTodoList(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		lists = append(lists, list)
	}
	return lists, nil
}
