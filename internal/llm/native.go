package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SafetyBlocked is returned as the summary when Gemini withholds an answer.
const SafetyBlocked = "The generated summary was withheld by the provider's safety filters."

type geminiProvider struct {
	base string
	http *http.Client
}

func (p *geminiProvider) Type() string { return TypeGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		FinishReason string        `json:"finishReason"`
		Content      geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *geminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.base, url.PathEscape(req.Model), url.QueryEscape(req.APIKey))

	body := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Content}}}}}
	gen := map[string]any{}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.MaxTokens
	}
	if len(gen) > 0 {
		body.GenerationConfig = gen
	}

	var out geminiResponse
	if err := postJSON(ctx, p.http, endpoint, nil, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	c := out.Candidates[0]
	if c.FinishReason == "SAFETY" {
		return SafetyBlocked, nil
	}
	if len(c.Content.Parts) == 0 || strings.TrimSpace(c.Content.Parts[0].Text) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(c.Content.Parts[0].Text), nil
}

type claudeProvider struct {
	base string
	http *http.Client
}

func (p *claudeProvider) Type() string { return TypeClaude }

type claudeResponse struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Completion string `json:"completion"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const claudeDefaultMaxTokens = 4096

func (p *claudeProvider) Complete(ctx context.Context, req Request) (string, error) {
	body := map[string]any{
		"model":      req.Model,
		"messages":   []map[string]string{{"role": "user", "content": req.Content}},
		"max_tokens": claudeDefaultMaxTokens,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	headers := map[string]string{"x-api-key": req.APIKey, "anthropic-version": "2023-06-01"}

	var out claudeResponse
	if err := postJSON(ctx, p.http, p.base+"/v1/messages", headers, body, &out); err != nil {
		return "", err
	}
	switch {
	case out.Error != nil:
		return "", fmt.Errorf("claude %s: %s", out.Error.Type, out.Error.Message)
	case out.Type == "message":
		var parts []string
		for _, b := range out.Content {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		if text := strings.TrimSpace(strings.Join(parts, "\n")); text != "" {
			return text, nil
		}
	case out.Completion != "":
		return strings.TrimSpace(out.Completion), nil
	}
	return "", ErrEmptyResponse
}

type baiduProvider struct {
	base string
	http *http.Client
}

func (p *baiduProvider) Type() string { return TypeBaidu }

type baiduResponse struct {
	Result    string `json:"result"`
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

func (p *baiduProvider) Complete(ctx context.Context, req Request) (string, error) {
	endpoint := fmt.Sprintf("%s/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/%s?access_token=%s", p.base, url.PathEscape(req.Model), url.QueryEscape(req.APIKey))
	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": req.Content}},
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	var out baiduResponse
	if err := postJSON(ctx, p.http, endpoint, nil, body, &out); err != nil {
		return "", err
	}
	if out.ErrorCode != 0 {
		return "", fmt.Errorf("baidu error %d: %s", out.ErrorCode, out.ErrorMsg)
	}
	if strings.TrimSpace(out.Result) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(out.Result), nil
}
