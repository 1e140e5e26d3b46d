package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible endpoint (local or hosted).
// Only deterministic params are forwarded; the response must be a single
// JSON object, enforced downstream by the contracts.
type OpenAIProvider struct {
	client  *openai.Client
	modelID string
}

// NewOpenAIProvider builds a provider against baseURL (empty for the default
// endpoint).
func NewOpenAIProvider(apiKey, baseURL, modelID string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), modelID: modelID}
}

func (p *OpenAIProvider) ModelID() string { return p.modelID }

func (p *OpenAIProvider) Infer(ctx context.Context, prompt string, params Params) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.modelID,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
		MaxTokens:   params.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
