package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/knowledge"
)

// KnowledgeTool exposes the semantic-search store to the model. Long
// running operations return an operation id immediately; progress is
// queried with the status operation.
type KnowledgeTool struct {
	Store *knowledge.Store
}

func (t *KnowledgeTool) Name() string { return "knowledge" }

func (t *KnowledgeTool) Description() string {
	return "Manage and query the knowledge base. Operations: add, remove, update, show, search, status, cancel."
}

func (t *KnowledgeTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "enum": ["add", "remove", "update", "show", "search", "status", "cancel"]},
			"name": {"type": "string"},
			"path": {"type": "string"},
			"query": {"type": "string"},
			"operation_id": {"type": "string"}
		},
		"required": ["operation"]
	}`)
}

func (t *KnowledgeTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Operation   string `json:"operation"`
		Name        string `json:"name"`
		Path        string `json:"path"`
		Query       string `json:"query"`
		OperationID string `json:"operation_id"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"knowledge requires an 'operation'")
	}
	if t.Store == nil {
		return ErrorOutput("the knowledge store is not available"), nil
	}

	switch in.Operation {
	case "add":
		opID, err := t.Store.Add(in.Name, in.Path)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("indexing started, operation id: %s", opID)), nil
	case "update":
		opID, err := t.Store.Update(in.Name)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("re-indexing started, operation id: %s", opID)), nil
	case "remove":
		if err := t.Store.Remove(in.Name); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("removed knowledge context %q", in.Name)), nil
	case "show":
		return jsonOutput(t.Store.Show())
	case "search":
		matches, err := t.Store.Search(in.Query)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return jsonOutput(matches)
	case "status":
		return jsonOutput(t.Store.Status())
	case "cancel":
		if err := t.Store.Cancel(in.OperationID); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("operation %s cancelled", in.OperationID)), nil
	default:
		return ErrorOutput(fmt.Sprintf("unknown knowledge operation %q", in.Operation)), nil
	}
}
