package llm

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAICompatible covers every vendor speaking the chat completions API.
type openAICompatible struct {
	typ     string
	baseURL string
	http    *http.Client
}

func newOpenAICompatible(typ, baseURL string, hc *http.Client) *openAICompatible {
	return &openAICompatible{typ: typ, baseURL: baseURL, http: hc}
}

func (p *openAICompatible) Type() string { return p.typ }

func (p *openAICompatible) Complete(ctx context.Context, req Request) (string, error) {
	cfg := openai.DefaultConfig(req.APIKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = p.http
	client := openai.NewClientWithConfig(cfg)

	creq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Content},
		},
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}

	resp, err := client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
