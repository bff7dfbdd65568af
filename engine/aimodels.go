package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

// InferBody is the provider-neutral request shape user code hands to
// ai.Infer. A model's OnCall hook reshapes it into the provider's native
// wire format before submission.
type InferBody struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system,omitempty"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
}

const defaultInferMaxTokens = 4096

// AnthropicModel builds an AIModel targeting Anthropic's Messages API. Its
// OnCall hook translates an InferBody into anthropic-sdk-go request params.
func AnthropicModel(modelName string) AIModel {
	return AIModel{
		Name: modelName,
		OnCall: func(model *AIModel, body json.RawMessage) (json.RawMessage, error) {
			var in InferBody
			if err := json.Unmarshal(body, &in); err != nil {
				return nil, fmt.Errorf("engine: anthropic infer body: %w", err)
			}
			if in.MaxTokens == 0 {
				in.MaxTokens = defaultInferMaxTokens
			}
			params := anthropicsdk.MessageNewParams{
				Model:     anthropicsdk.Model(model.Name),
				MaxTokens: in.MaxTokens,
				Messages: []anthropicsdk.MessageParam{
					anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(in.Prompt)),
				},
			}
			if in.System != "" {
				params.System = []anthropicsdk.TextBlockParam{{Text: in.System}}
			}
			return json.Marshal(params)
		},
	}
}

// OpenAIModel builds an AIModel targeting OpenAI's chat-completions API.
func OpenAIModel(modelName string) AIModel {
	return AIModel{
		Name: modelName,
		OnCall: func(model *AIModel, body json.RawMessage) (json.RawMessage, error) {
			var in InferBody
			if err := json.Unmarshal(body, &in); err != nil {
				return nil, fmt.Errorf("engine: openai infer body: %w", err)
			}
			messages := []openaisdk.ChatCompletionMessageParamUnion{}
			if in.System != "" {
				messages = append(messages, openaisdk.SystemMessage(in.System))
			}
			messages = append(messages, openaisdk.UserMessage(in.Prompt))
			params := openaisdk.ChatCompletionNewParams{
				Model:    openaisdk.ChatModel(model.Name),
				Messages: messages,
			}
			return json.Marshal(params)
		},
	}
}

// wireInferRequest is the subset of a provider-native infer body the direct
// backend needs: the model plus the flattened message texts. Both providers'
// wire formats share this shape.
type wireInferRequest struct {
	Model    string `json:"model"`
	System   any    `json:"system,omitempty"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	MaxTokens int64 `json:"max_tokens,omitempty"`
}

// flattenContent extracts plain text from either a bare JSON string or an
// array of {type:"text", text} blocks.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// DirectAIBackend performs inference against the provider APIs directly,
// standing in for the AI gateway in dev mode. The gateway path is
// HTTPDeps.AIInfer; this backend lets examples run with nothing but an API
// key. Provider selection is by the model name the infer step carries.
type DirectAIBackend struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// Infer dispatches req to the provider owning req.Model and returns the
// provider's response JSON verbatim; the result shape is model-specific.
func (b *DirectAIBackend) Infer(ctx context.Context, req AIInferRequest) ([]byte, error) {
	var wire wireInferRequest
	if err := json.Unmarshal(req.Body, &wire); err != nil {
		return nil, fmt.Errorf("engine: ai infer body: %w", err)
	}
	if wire.Model == "" {
		wire.Model = req.Model
	}

	if strings.HasPrefix(wire.Model, "claude") && b.AnthropicAPIKey != "" {
		return b.inferAnthropic(ctx, wire)
	}
	if b.OpenAIAPIKey != "" {
		return b.inferOpenAI(ctx, wire)
	}
	return nil, fmt.Errorf("engine: no AI backend configured for model %q", wire.Model)
}

func (b *DirectAIBackend) inferAnthropic(ctx context.Context, wire wireInferRequest) ([]byte, error) {
	client := anthropicsdk.NewClient(anthropicoption.WithAPIKey(b.AnthropicAPIKey))

	maxTokens := wire.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultInferMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(wire.Model),
		MaxTokens: maxTokens,
	}
	for _, m := range wire.Messages {
		text := flattenContent(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(text)))
		} else {
			params.Messages = append(params.Messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)))
		}
	}
	if sys, ok := wire.System.(string); ok && sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("engine: anthropic infer: %w", err)
	}
	return json.Marshal(resp)
}

func (b *DirectAIBackend) inferOpenAI(ctx context.Context, wire wireInferRequest) ([]byte, error) {
	client := openaisdk.NewClient(openaioption.WithAPIKey(b.OpenAIAPIKey))

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(wire.Model),
	}
	for _, m := range wire.Messages {
		text := flattenContent(m.Content)
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openaisdk.SystemMessage(text))
		case "assistant":
			params.Messages = append(params.Messages, openaisdk.AssistantMessage(text))
		default:
			params.Messages = append(params.Messages, openaisdk.UserMessage(text))
		}
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("engine: openai infer: %w", err)
	}
	return json.Marshal(resp)
}
