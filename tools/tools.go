// Package tools implements the built-in tool executors, the tool
// registry assembled at session start, and the permission policy that
// decides whether an invocation runs, is denied, or needs confirmation.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
)

// MaxOutputBytes caps the serialized size of one tool result.
const MaxOutputBytes = 30 * 1024

const truncationMarker = "\n... output truncated, size limit reached ..."

// Output is the result of one tool invocation.
type Output struct {
	Status session.ToolResultStatus
	Blocks []session.ContentBlock
}

// TextOutput builds a success output with one text block.
func TextOutput(text string) *Output {
	return &Output{
		Status: session.ToolResultSuccess,
		Blocks: []session.ContentBlock{{Text: text}},
	}
}

// ErrorOutput builds an error output with one text block. Tool errors
// flow back to the model as results, not up the call stack.
func ErrorOutput(text string) *Output {
	return &Output{
		Status: session.ToolResultError,
		Blocks: []session.ContentBlock{{Text: text}},
	}
}

// Clamp trims the output in place so its serialized size stays within
// MaxOutputBytes, appending a truncation marker to the cut block.
func (o *Output) Clamp() {
	budget := MaxOutputBytes
	for i := range o.Blocks {
		b := &o.Blocks[i]
		size := len(b.Text) + len(b.JSON)
		if b.Image != nil {
			size += len(b.Image.Data)
		}
		if size <= budget {
			budget -= size
			continue
		}
		switch {
		case b.Text != "":
			cut := budget
			if cut > len(b.Text) {
				cut = len(b.Text)
			}
			b.Text = b.Text[:cut] + truncationMarker
			b.Image = nil
		case b.JSON != nil:
			text := string(b.JSON)
			if budget < len(text) {
				text = text[:budget]
			}
			b.JSON = nil
			b.Text = text + truncationMarker
		case b.Image != nil:
			b.Image = nil
			b.Text = "[image dropped, size limit reached]"
		}
		o.Blocks = o.Blocks[:i+1]
		return
	}
}

// Tool is one capability invocable by the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage

	// Invoke runs the tool. Cancellation arrives via ctx; executors must
	// terminate subprocesses and return a partial output when cancelled.
	Invoke(ctx context.Context, input json.RawMessage) (*Output, error)
}

// ReadOnlyChecker is implemented by tools whose invocations may be
// classified read-only per input; read-only calls can run concurrently
// and may be auto-approved by settings.
type ReadOnlyChecker interface {
	IsReadOnly(input json.RawMessage) bool
}

// Registry holds the effective tool set for one session. It is built
// once at session start and read-only thereafter.
type Registry struct {
	tools   map[string]Tool
	origins map[string]llm.ToolOrigin
	policy  *Policy
}

// entry pairs a discovered tool with its origin before filtering.
type entry struct {
	tool   Tool
	origin llm.ToolOrigin
}

// NewRegistry resolves the manifest's tool list against the built-in
// tools and the MCP-discovered tools, applies aliases, and attaches the
// permission policy. Alias collisions are a fatal load error.
func NewRegistry(manifest *config.AgentManifest, builtins []Tool, mcpTools []Tool, mcpOrigins map[string]string) (*Registry, error) {
	discovered := map[string]entry{}
	for _, t := range builtins {
		discovered[t.Name()] = entry{tool: t, origin: llm.ToolOrigin{Builtin: true}}
	}
	for _, t := range mcpTools {
		discovered[t.Name()] = entry{tool: t, origin: llm.ToolOrigin{McpServer: mcpOrigins[t.Name()]}}
	}

	selected := map[string]entry{}
	for _, want := range manifest.Tools {
		switch {
		case want == "*":
			for name, e := range discovered {
				selected[name] = e
			}
		case strings.HasPrefix(want, "@") && !strings.Contains(want, "/"):
			server := strings.TrimPrefix(want, "@")
			for name, e := range discovered {
				if e.origin.McpServer == server {
					selected[name] = e
				}
			}
		default:
			e, ok := discovered[want]
			if !ok {
				return nil, errors.Typedf(errors.KindConfig, "unknown_tool", nil,
					"agent %s lists tool %q which is neither built-in nor provided by an MCP server",
					manifest.Name, want)
			}
			selected[want] = e
		}
	}

	r := &Registry{
		tools:   make(map[string]Tool, len(selected)),
		origins: make(map[string]llm.ToolOrigin, len(selected)),
	}
	for name, e := range selected {
		finalName := name
		if alias, ok := manifest.ToolAliases[name]; ok {
			finalName = alias
		}
		if _, dup := r.tools[finalName]; dup {
			return nil, errors.Typedf(errors.KindConfig, "alias_conflict", nil,
				"tool alias %q collides with another tool name", finalName)
		}
		r.tools[finalName] = aliasedTool{Tool: e.tool, name: finalName}
		r.origins[finalName] = e.origin
	}

	policy, err := NewPolicy(manifest, r)
	if err != nil {
		return nil, err
	}
	r.policy = policy
	return r, nil
}

// aliasedTool renames a tool without touching its behavior.
type aliasedTool struct {
	Tool
	name string
}

func (a aliasedTool) Name() string { return a.name }

// List returns the tool specs in the effective set.
func (r *Registry) List() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for name, t := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Origin:      r.origins[name],
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return specs
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Decide computes the permission decision for one invocation.
func (r *Registry) Decide(name string, input json.RawMessage) Decision {
	return r.policy.Decide(name, input)
}

// IsReadOnly reports whether the named invocation is certified
// order-independent and side-effect free.
func (r *Registry) IsReadOnly(name string, input json.RawMessage) bool {
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	if a, ok := t.(aliasedTool); ok {
		t = a.Tool
	}
	if rc, ok := t.(ReadOnlyChecker); ok {
		return rc.IsReadOnly(input)
	}
	return false
}
