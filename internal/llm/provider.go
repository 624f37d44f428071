package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Provider types.
const (
	TypeOpenAI       = "openai"
	TypeGemini       = "gemini"
	TypeGeminiOpenAI = "gemini_openai"
	TypeClaude       = "claude"
	TypeBaidu        = "baidu"
	TypeDeepSeek     = "deepseek"
	TypeQwen         = "qwen"
	TypeZhipu        = "zhipu"
	TypeMistral      = "mistral"
	TypeXunfei       = "xunfei"
	TypeGeneral      = "general"
)

// Request is one completion call.
type Request struct {
	Model       string
	APIKey      string
	Content     string
	Temperature *float64
	MaxTokens   int
}

// Provider sends one request to a vendor API and returns the text answer.
type Provider interface {
	Type() string
	Complete(ctx context.Context, req Request) (string, error)
}

var modelPrefixes = []struct{ prefix, typ string }{
	{"gemini", TypeGemini},
	{"palm", TypeGemini},
	{"gpt", TypeOpenAI},
	{"text-davinci", TypeOpenAI},
	{"claude", TypeClaude},
	{"deepseek", TypeDeepSeek},
	{"mistral", TypeMistral},
	{"open-mistral", TypeMistral},
	{"mixtral", TypeMistral},
	{"llama", TypeOpenAI},
	{"qwen", TypeQwen},
	{"ernie", TypeBaidu},
	{"wenxin", TypeBaidu},
	{"spark", TypeXunfei},
	{"chatglm", TypeZhipu},
	{"glm", TypeZhipu},
}

// DetectType infers the provider type from a model name, defaulting to general.
func DetectType(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, p := range modelPrefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.typ
		}
	}
	return TypeGeneral
}

// resolveType applies an explicit type, prefix detection and openai_compat.
func resolveType(explicit, model string, openAICompat bool) string {
	typ := strings.ToLower(strings.TrimSpace(explicit))
	if typ == "" {
		typ = DetectType(model)
	}
	if openAICompat && typ == TypeGemini {
		typ = TypeGeminiOpenAI
	}
	return typ
}

func newProvider(typ, base string, hc *http.Client) Provider {
	base = strings.TrimRight(base, "/")
	switch typ {
	case TypeGemini:
		return &geminiProvider{base: base, http: hc}
	case TypeClaude:
		return &claudeProvider{base: base, http: hc}
	case TypeBaidu:
		return &baiduProvider{base: base, http: hc}
	case TypeOpenAI:
		return newOpenAICompatible(typ, base, hc)
	case TypeZhipu:
		return newOpenAICompatible(typ, base+"/v4", hc)
	case TypeGeminiOpenAI:
		return newOpenAICompatible(typ, base+"/v1beta/openai", hc)
	default:
		return newOpenAICompatible(typ, base+"/v1", hc)
	}
}

// postJSON posts body and decodes a 2xx answer into out. Other statuses
// become *StatusError with a trimmed body.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

const userAgent = "groupsummary/1.0"
