package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is the alternative-provider variant for OpenAI-compatible
// endpoints. The envelope's structured context (environment state, tool
// specs, prior tool results, context entries) has no native slot in the chat-completions
// API, so it is serialized into the system prompt between the context
// sentinels; nothing is discarded.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAIClient. It requires the
// OPENAI_API_KEY environment variable and honors OPENAI_BASE_URL for
// OpenAI-compatible endpoints.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.Typedf(errors.KindAuth, "unauthenticated", nil,
			"OPENAI_API_KEY environment variable not set")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(options...)
	return &OpenAIClient{client: &c, model: model}, nil
}

// SendMessage opens a streaming request for the envelope.
func (o *OpenAIClient) SendMessage(ctx context.Context, env *Envelope) (*Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertEnvelopeToOpenAIMessages(env),
		Tools:    convertToolSpecsToOpenAITools(env.ToolSpecs),
	}

	stream := NewStream()
	raw := o.client.Chat.Completions.NewStreaming(ctx, params)
	go func() {
		asm := NewAssembler(stream)
		// The chat-completions stream keys tool calls by index, not id;
		// track both so deltas route to the right buffer.
		toolIDs := map[int64]string{}
		var openIndexes []int64
		closeAll := func() {
			for _, idx := range openIndexes {
				asm.ToolStop(toolIDs[idx])
			}
			openIndexes = nil
		}
		for raw.Next() {
			chunk := raw.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			asm.Text(choice.Delta.Content)
			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID != "" {
					toolIDs[tc.Index] = tc.ID
					openIndexes = append(openIndexes, tc.Index)
					asm.ToolStart(tc.ID, tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					if id, ok := toolIDs[tc.Index]; ok {
						asm.ToolDelta(id, tc.Function.Arguments)
					}
				}
			}
			if choice.FinishReason != "" {
				closeAll()
				asm.Stop()
				return
			}
		}
		if err := raw.Err(); err != nil {
			asm.Fail(classifyOpenAIErr(err))
			return
		}
		closeAll()
		asm.Stop()
	}()
	return stream, nil
}

func classifyOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 400 && strings.Contains(strings.ToLower(apierr.Message), "context") {
			return ContextOverflowErr(err)
		}
		return ClassifyHTTPStatus(apierr.StatusCode, err)
	}
	return TransportErr(err)
}

// convertEnvelopeToOpenAIMessages maps history 1:1 and folds the
// structured context into the system prompt.
func convertEnvelopeToOpenAIMessages(env *Envelope) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	out = append(out, openai.SystemMessage(buildOpenAISystemPrompt(env)))

	for _, msg := range env.History {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{Role: "assistant", Content: msg.Content}
			for _, use := range msg.ToolUses {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   use.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      use.Name,
						Arguments: string(use.Input),
					},
				})
			}
			out = append(out, assistant.ToParam())
		case session.RoleToolResult:
			out = append(out, openai.ToolMessage(flattenToolResult(msg.ToolResult), msg.ToolResult.ToolUseID))
		}
	}

	current := env.CurrentMessage.UserInputMessage
	hasResults := false
	if ctx := current.UserInputMessageContext; ctx != nil {
		for i := range ctx.ToolResults {
			r := &ctx.ToolResults[i]
			out = append(out, openai.ToolMessage(flattenToolResult(r), r.ToolUseID))
			hasResults = true
		}
	}
	if current.Content != "" || !hasResults {
		out = append(out, openai.UserMessage(current.Content))
	}
	return out
}

// buildOpenAISystemPrompt appends the tool-spec schemas, environment
// snapshot, prior tool results and context entries to the base system
// prompt, delimited by context sentinels.
func buildOpenAISystemPrompt(env *Envelope) string {
	var b strings.Builder
	b.WriteString(env.SystemPrompt)

	if len(env.ToolSpecs) > 0 {
		specs, err := json.MarshalIndent(env.ToolSpecs, "", "  ")
		if err == nil {
			b.WriteString("\n\n")
			b.WriteString(WrapContextEntry("tool-specifications.json", string(specs)))
		}
	}
	if ctx := env.CurrentMessage.UserInputMessage.UserInputMessageContext; ctx != nil && ctx.EnvState != nil {
		envJSON, err := json.MarshalIndent(ctx.EnvState, "", "  ")
		if err == nil {
			b.WriteString(WrapContextEntry("environment-state.json", string(envJSON)))
		}
	}
	if ctx := env.CurrentMessage.UserInputMessage.UserInputMessageContext; ctx != nil {
		if len(ctx.ToolResults) > 0 {
			resultsJSON, err := json.MarshalIndent(ctx.ToolResults, "", "  ")
			if err == nil {
				b.WriteString(WrapContextEntry("tool-results.json", string(resultsJSON)))
			}
		}
		for _, entry := range ctx.ContextFiles {
			b.WriteString(WrapContextEntry(entry.Path, entry.Content))
		}
	}
	return b.String()
}

func flattenToolResult(r *session.ToolResult) string {
	var parts []string
	for _, c := range r.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.JSON != nil:
			parts = append(parts, string(c.JSON))
		case c.Image != nil:
			parts = append(parts, fmt.Sprintf("[inline %s image omitted]", c.Image.Format))
		}
	}
	if r.Status == session.ToolResultError {
		return "ERROR: " + strings.Join(parts, "\n")
	}
	return strings.Join(parts, "\n")
}

// convertToolSpecsToOpenAITools declares the tools natively as well, so
// OpenAI-compatible models emit structured tool calls.
func convertToolSpecsToOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, spec := range specs {
		var params openai.FunctionParameters
		if err := json.Unmarshal(spec.InputSchema, &params); err != nil || params == nil {
			params = openai.FunctionParameters{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  params,
		}))
	}
	return out
}
