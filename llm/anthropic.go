package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

const anthropicMaxTokens = 4096

// AnthropicClient streams responses from the Anthropic API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new AnthropicClient. It requires the
// ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicClient(model string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.Typedf(errors.KindAuth, "unauthenticated", nil,
			"ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{client: &client, model: model}, nil
}

// SendMessage opens a streaming request for the envelope.
func (a *AnthropicClient) SendMessage(ctx context.Context, env *Envelope) (*Stream, error) {
	messages, err := convertEnvelopeToAnthropicMessages(env)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if env.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: env.SystemPrompt}}
	}
	for _, spec := range env.ToolSpecs {
		var schema struct {
			Properties map[string]interface{} `json:"properties"`
		}
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil || schema.Properties == nil {
			schema.Properties = map[string]interface{}{}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema.Properties},
		}})
	}

	stream := NewStream()
	raw := a.client.Messages.NewStreaming(ctx, params)
	go func() {
		asm := NewAssembler(stream)
		// Map content-block indexes to tool-use ids for delta routing.
		toolIDs := map[int64]string{}
		for raw.Next() {
			event := raw.Current()
			switch event.Type {
			case "content_block_start":
				start := event.AsContentBlockStart()
				if start.ContentBlock.Type == "tool_use" {
					use := start.ContentBlock.AsToolUse()
					toolIDs[start.Index] = use.ID
					asm.ToolStart(use.ID, use.Name)
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta()
				switch delta.Delta.Type {
				case "text_delta":
					asm.Text(delta.Delta.Text)
				case "input_json_delta":
					if id, ok := toolIDs[delta.Index]; ok {
						asm.ToolDelta(id, delta.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				stop := event.AsContentBlockStop()
				if id, ok := toolIDs[stop.Index]; ok {
					delete(toolIDs, stop.Index)
					asm.ToolStop(id)
				}
			case "message_stop":
				asm.Stop()
				return
			}
		}
		if err := raw.Err(); err != nil {
			asm.Fail(classifyAnthropicErr(err))
			return
		}
		asm.Stop()
	}()
	return stream, nil
}

func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return ClassifyHTTPStatus(apierr.StatusCode, err)
	}
	return TransportErr(err)
}

// convertEnvelopeToAnthropicMessages maps history plus the current
// message 1:1 into the Anthropic wire format.
func convertEnvelopeToAnthropicMessages(env *Envelope) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range env.History {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, use := range msg.ToolUses {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    use.ID,
						Name:  use.Name,
						Input: use.Input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case session.RoleToolResult:
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{toolResultBlock(msg.ToolResult)},
			})
		}
	}

	current := env.CurrentMessage.UserInputMessage
	var blocks []anthropic.ContentBlockParamUnion
	if ctx := current.UserInputMessageContext; ctx != nil {
		for _, r := range ctx.ToolResults {
			rc := r
			blocks = append(blocks, toolResultBlock(&rc))
		}
	}
	if current.Content != "" || len(blocks) == 0 {
		if current.Content == "" {
			return nil, errors.New("current message has no content")
		}
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: current.Content},
		})
	}
	out = append(out, anthropic.MessageParam{
		Role:    anthropic.MessageParamRoleUser,
		Content: blocks,
	})
	return out, nil
}

func toolResultBlock(r *session.ToolResult) anthropic.ContentBlockParamUnion {
	var content []anthropic.ToolResultBlockParamContentUnion
	for _, c := range r.Content {
		switch {
		case c.Text != "":
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: c.Text},
			})
		case c.JSON != nil:
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: string(c.JSON)},
			})
		case c.Image != nil:
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							MediaType: anthropic.Base64ImageSourceMediaType(fmt.Sprintf("image/%s", c.Image.Format)),
							Data:      c.Image.Data,
						},
					},
				},
			})
		}
	}
	return anthropic.ContentBlockParamUnion{
		OfToolResult: &anthropic.ToolResultBlockParam{
			ToolUseID: r.ToolUseID,
			IsError:   anthropic.Bool(r.Status == session.ToolResultError),
			Content:   content,
		},
	}
}
