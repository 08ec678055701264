package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/agidotai/memini/internal/session"
	"github.com/agidotai/memini/internal/toolsvc"
)

const defaultMaxOutputTokens = 4096

// systemPreamble tells the model how to signal each decision kind. The
// needs-input contract matters most: without the marker a blocked model
// would produce a useless final answer instead of parking the session.
const systemPreamble = `You are an orchestrated worker session.
When you have the final answer, reply with it directly.
When you cannot proceed without the human operator, reply with a single line
starting with ` + NeedsInputMarker + ` followed by your question.
When tools are available and needed, call them instead of describing them.`

// OpenAIReasoner drives the OpenAI Responses API.
type OpenAIReasoner struct {
	client openai.Client
	model  string
}

// NewOpenAIReasoner creates a reasoner for model. baseURL may be empty for
// the official endpoint.
func NewOpenAIReasoner(apiKey, baseURL, model string) (*OpenAIReasoner, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai reasoner: missing api key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai reasoner: missing model")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAIReasoner{client: openai.NewClient(opts...), model: model}, nil
}

// Decide implements Reasoner.
func (r *OpenAIReasoner) Decide(ctx context.Context, req Request) (Decision, error) {
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(r.model),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
		Instructions:    openai.String(buildInstructions(req)),
		Input:           oresponses.ResponseNewParamsInputUnion{OfInputItemList: buildInput(req.Transcript)},
	}
	if tools := buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := r.client.Responses.New(ctx, params)
	if err != nil {
		return Decision{}, fmt.Errorf("openai reasoner: %w", err)
	}

	var calls []ToolCall
	var text strings.Builder
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return Decision{}, fmt.Errorf("openai reasoner: decoding arguments for %s: %w", item.Name, err)
				}
			}
			calls = append(calls, ToolCall{ID: callID, Name: strings.TrimSpace(item.Name), Args: args})
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(strings.TrimSpace(part.Text))
			}
		}
	}
	return Classify(text.String(), calls), nil
}

func buildInstructions(req Request) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if strings.TrimSpace(req.Persona) != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(req.Persona))
	}
	if len(req.Memories) > 0 {
		b.WriteString("\n\nRelevant memory:\n")
		for _, e := range req.Memories {
			fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Content)
		}
	}
	return b.String()
}

func buildInput(transcript []session.Turn) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(transcript))
	for _, turn := range transcript {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := oresponses.EasyInputMessageRoleUser
		switch turn.Role {
		case session.RoleAssistant:
			role = oresponses.EasyInputMessageRoleAssistant
		case session.RoleSystem:
			role = oresponses.EasyInputMessageRoleSystem
		case session.RoleTool:
			content = "Tool result:\n" + content
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(content, role))
	}
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	return items
}

func buildTools(tools []toolsvc.Tool) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(t.FullName(), schema, false))
	}
	return out
}
