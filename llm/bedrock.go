package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

// BedrockClient is the primary backend variant: a streaming RPC to the
// hosted Anthropic models on AWS Bedrock.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient creates a new BedrockClient. It requires AWS
// credentials to be configured in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Typedf(errors.KindAuth, "unauthenticated", err, "failed to load AWS config")
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// bedrockStreamEvent is the Anthropic stream event payload carried in
// each response-stream chunk.
type bedrockStreamEvent struct {
	Type         string `json:"type"`
	Index        int64  `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

// SendMessage opens a streaming request for the envelope.
func (b *BedrockClient) SendMessage(ctx context.Context, env *Envelope) (*Stream, error) {
	body, err := buildBedrockRequest(env)
	if err != nil {
		return nil, err
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockErr(err)
	}

	stream := NewStream()
	go func() {
		asm := NewAssembler(stream)
		raw := out.GetStream()
		defer raw.Close()

		toolIDs := map[int64]string{}
		for member := range raw.Events() {
			chunk, ok := member.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var event bedrockStreamEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &event); err != nil {
				asm.Fail(errors.Typedf(errors.KindParse, "malformed_stream_event", err,
					"could not decode a response stream chunk"))
				return
			}
			switch event.Type {
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					toolIDs[event.Index] = event.ContentBlock.ID
					asm.ToolStart(event.ContentBlock.ID, event.ContentBlock.Name)
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					asm.Text(event.Delta.Text)
				case "input_json_delta":
					if id, ok := toolIDs[event.Index]; ok {
						asm.ToolDelta(id, event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if id, ok := toolIDs[event.Index]; ok {
					delete(toolIDs, event.Index)
					asm.ToolStop(id)
				}
			case "message_stop":
				asm.Stop()
				return
			}
		}
		if err := raw.Err(); err != nil {
			asm.Fail(classifyBedrockErr(err))
			return
		}
		asm.Stop()
	}()
	return stream, nil
}

// buildBedrockRequest creates the Anthropic-on-Bedrock request body.
func buildBedrockRequest(env *Envelope) ([]byte, error) {
	messages := convertEnvelopeToBedrockMessages(env)

	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        anthropicMaxTokens,
		"messages":          messages,
	}
	if env.SystemPrompt != "" {
		request["system"] = env.SystemPrompt
	}
	if len(env.ToolSpecs) > 0 {
		var specs []map[string]interface{}
		for _, t := range env.ToolSpecs {
			var schema map[string]interface{}
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil || schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			specs = append(specs, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = specs
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request body")
	}
	return body, nil
}

func convertEnvelopeToBedrockMessages(env *Envelope) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range env.History {
		switch msg.Role {
		case session.RoleUser:
			out = append(out, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{{"type": "text", "text": msg.Content}},
			})
		case session.RoleAssistant:
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, use := range msg.ToolUses {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    use.ID,
					"name":  use.Name,
					"input": use.Input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, map[string]interface{}{"role": "assistant", "content": blocks})
		case session.RoleToolResult:
			out = append(out, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{bedrockToolResult(msg.ToolResult)},
			})
		}
	}

	current := env.CurrentMessage.UserInputMessage
	var blocks []map[string]interface{}
	if ctx := current.UserInputMessageContext; ctx != nil {
		for i := range ctx.ToolResults {
			blocks = append(blocks, bedrockToolResult(&ctx.ToolResults[i]))
		}
	}
	if current.Content != "" || len(blocks) == 0 {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": current.Content})
	}
	out = append(out, map[string]interface{}{"role": "user", "content": blocks})
	return out
}

func bedrockToolResult(r *session.ToolResult) map[string]interface{} {
	var content []map[string]interface{}
	for _, c := range r.Content {
		switch {
		case c.Text != "":
			content = append(content, map[string]interface{}{"type": "text", "text": c.Text})
		case c.JSON != nil:
			content = append(content, map[string]interface{}{"type": "text", "text": string(c.JSON)})
		case c.Image != nil:
			content = append(content, map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": "image/" + c.Image.Format,
					"data":       c.Image.Data,
				},
			})
		}
	}
	return map[string]interface{}{
		"type":        "tool_result",
		"tool_use_id": r.ToolUseID,
		"is_error":    r.Status == session.ToolResultError,
		"content":     content,
	}
}

func classifyBedrockErr(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return errors.Typedf(errors.KindBackendTransient, "quota_exceeded", err,
			"request quota exceeded, the request will be retried")
	}
	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return errors.Typedf(errors.KindAuth, "unauthenticated", err,
			"AWS credentials were rejected; check the active profile")
	}
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		msg := validation.ErrorMessage()
		if strings.Contains(msg, "too long") || strings.Contains(msg, "context") {
			return ContextOverflowErr(err)
		}
		return errors.Typedf(errors.KindBackendFatal, "backend_error", err,
			"the backend rejected the request")
	}
	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return TransportErr(err)
	}
	return TransportErr(err)
}
