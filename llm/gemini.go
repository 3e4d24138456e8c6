package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient streams responses from the Google Gemini API. Gemini
// delivers a function call as one complete part rather than incremental
// JSON fragments, so each call surfaces as a start/delta/stop triple
// with a single delta.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient creates a new GeminiClient. It requires the
// GEMINI_API_KEY environment variable to be set.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.Typedf(errors.KindAuth, "unauthenticated", nil,
			"GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{model: client.GenerativeModel(modelName)}, nil
}

// SendMessage opens a streaming request for the envelope.
func (g *GeminiClient) SendMessage(ctx context.Context, env *Envelope) (*Stream, error) {
	history, prompt := convertEnvelopeToGeminiContent(env)

	g.model.Tools = convertToolSpecsToGeminiTools(env.ToolSpecs)
	system := env.SystemPrompt
	if len(env.ToolSpecs) > 0 {
		if specs, err := json.MarshalIndent(env.ToolSpecs, "", "  "); err == nil {
			system += "\n\n" + WrapContextEntry("tool-specifications.json", string(specs))
		}
	}
	if system != "" {
		g.model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	chat := g.model.StartChat()
	chat.History = history

	stream := NewStream()
	iter := chat.SendMessageStream(ctx, prompt...)
	go func() {
		asm := NewAssembler(stream)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				asm.Stop()
				return
			}
			if err != nil {
				asm.Fail(TransportErr(err))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					asm.Text(string(v))
				case genai.FunctionCall:
					args := v.Args
					// The declaration nests everything under "args".
					if inner, ok := args["args"].(map[string]any); ok && len(args) == 1 {
						args = inner
					}
					input, err := json.Marshal(args)
					if err != nil {
						input = []byte("{}")
					}
					// Gemini does not assign call ids; mint one so the
					// result can be correlated.
					id := fmt.Sprintf("gemini-%s", uuid.NewString())
					asm.ToolStart(id, v.Name)
					asm.ToolDelta(id, string(input))
					asm.ToolStop(id)
				}
			}
		}
	}()
	return stream, nil
}

// convertEnvelopeToGeminiContent maps history into Gemini content and
// returns the current message parts separately.
func convertEnvelopeToGeminiContent(env *Envelope) ([]*genai.Content, []genai.Part) {
	var contents []*genai.Content
	for _, msg := range env.History {
		switch msg.Role {
		case session.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case session.RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, use := range msg.ToolUses {
				var args map[string]any
				if err := json.Unmarshal(use.Input, &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, genai.FunctionCall{Name: use.Name, Args: args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleToolResult:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{geminiFunctionResponse(msg.ToolResult)},
			})
		}
	}

	current := env.CurrentMessage.UserInputMessage
	var parts []genai.Part
	if ctx := current.UserInputMessageContext; ctx != nil {
		for i := range ctx.ToolResults {
			parts = append(parts, geminiFunctionResponse(&ctx.ToolResults[i]))
		}
	}
	if current.Content != "" || len(parts) == 0 {
		parts = append(parts, genai.Text(current.Content))
	}
	return contents, parts
}

func geminiFunctionResponse(r *session.ToolResult) genai.Part {
	return genai.FunctionResponse{
		Name: r.ToolUseID,
		Response: map[string]any{
			"status": string(r.Status),
			"output": flattenToolResult(r),
		},
	}
}

// convertToolSpecsToGeminiTools converts tool specs into Gemini
// function declarations. The declared schemas are generic objects; the
// full JSON schemas travel in the system prompt for the model to read.
func convertToolSpecsToGeminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {
						Type:        genai.TypeObject,
						Description: "Arguments for the function call, as a map.",
					},
				},
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
