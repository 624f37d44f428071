// Package llm turns processed chat lines into a summary through one of the
// configured model providers, rotating API keys by their recorded health.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupsummary/internal/config"
	"groupsummary/internal/summary"
	"groupsummary/internal/summary/keystatus"
	logx "groupsummary/pkg/logx"
)

// KeyPicker chooses keys and records their outcomes.
type KeyPicker interface {
	GetAvailableKeys(ctx context.Context, keys []string) []string
	RecordSuccess(ctx context.Context, key string) error
	RecordFailure(ctx context.Context, key string, statusCode int, message string) error
}

// Settings is the runtime view of config.LLMConfig.
type Settings struct {
	Providers    []config.ProviderConfig
	CurrentModel string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Proxy        string
	RatePerSec   int
}

// SettingsFromConfig converts the file config, applying defaults.
func SettingsFromConfig(c config.LLMConfig) (Settings, error) {
	s := Settings{
		Providers:    c.Providers,
		CurrentModel: strings.TrimSpace(c.CurrentModel),
		DefaultModel: strings.TrimSpace(c.DefaultModel),
		MaxRetries:   c.MaxRetries,
		Proxy:        strings.TrimSpace(c.Proxy),
		RatePerSec:   c.RatePerSec,
	}
	var err error
	if s.Timeout, err = config.ParseDurationOrDefault("llm.timeout", c.Timeout, config.DefaultLLMTimeout); err != nil {
		return Settings{}, err
	}
	if s.RetryDelay, err = config.ParseDurationOrDefault("llm.retry_delay", c.RetryDelay, config.DefaultLLMRetryDelay); err != nil {
		return Settings{}, err
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = config.DefaultLLMMaxRetries
	}
	if s.DefaultModel == "" {
		s.DefaultModel = config.DefaultModel
	}
	return s, nil
}

// target is one resolved "Provider/model".
type target struct {
	name        string
	model       string
	provider    Provider
	keys        []string
	temperature *float64
	maxTokens   int
}

type state struct {
	s       Settings
	http    *http.Client
	limiter *rate.Limiter
	// models maps "Provider/model" to its target, in config order.
	models map[string]target
	order  []string
	// override is the model chosen at runtime with SetCurrentModel.
	override string
}

func buildState(s Settings) (*state, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if s.Proxy != "" {
		u, err := url.Parse(s.Proxy)
		if err != nil {
			return nil, fmt.Errorf("llm.proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	st := &state{
		s:       s,
		http:    &http.Client{Transport: transport},
		limiter: rate.NewLimiter(rate.Inf, 1),
		models:  map[string]target{},
	}
	if s.RatePerSec > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(s.RatePerSec), max(1, s.RatePerSec))
	}
	for _, p := range s.Providers {
		for _, m := range p.Models {
			name := p.Name + "/" + m.Name
			t := target{
				name:        name,
				model:       m.Name,
				provider:    newProvider(resolveType(p.Type, m.Name, p.OpenAICompat), p.APIBase, st.http),
				keys:        nonEmpty(p.APIKeys),
				temperature: p.Temperature,
				maxTokens:   p.MaxTokens,
			}
			if m.Temperature != nil {
				t.temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				t.maxTokens = m.MaxTokens
			}
			if _, dup := st.models[name]; !dup {
				st.order = append(st.order, name)
			}
			st.models[name] = t
		}
	}
	return st, nil
}

func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// resolve picks name, then the runtime choice, then the current model, then
// the default model, then the first configured model. Names match
// case-insensitively.
func (st *state) resolve(name string) (target, error) {
	for _, cand := range []string{name, st.override, st.s.CurrentModel, st.s.DefaultModel} {
		if cand == "" {
			continue
		}
		if t, ok := st.lookup(cand); ok {
			return t, nil
		}
	}
	if len(st.order) > 0 {
		return st.models[st.order[0]], nil
	}
	return target{}, ErrNoModel
}

func (st *state) lookup(name string) (target, bool) {
	if t, ok := st.models[name]; ok {
		return t, true
	}
	for _, n := range st.order {
		if strings.EqualFold(n, name) {
			return st.models[n], true
		}
	}
	return target{}, false
}

type Client struct {
	keys KeyPicker
	log  logx.Logger

	mu sync.RWMutex
	st *state

	sleep func(ctx context.Context, d time.Duration) error
}

func New(s Settings, keys KeyPicker, log logx.Logger) (*Client, error) {
	st, err := buildState(s)
	if err != nil {
		return nil, err
	}
	return &Client{keys: keys, log: log, st: st, sleep: sleepCtx}, nil
}

// Apply swaps providers and limits. In-flight calls finish on the old set.
// A model chosen with SetCurrentModel is kept while the new set still has it.
func (c *Client) Apply(s Settings) error {
	st, err := buildState(s)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev := c.st.override; prev != "" {
		if t, ok := st.lookup(prev); ok {
			st.override = t.name
		} else {
			c.log.Warn("switched model no longer configured", logx.String("model", prev))
		}
	}
	c.st = st
	return nil
}

// SetCurrentModel makes name the model used when a request names none and
// returns its configured spelling. name must be "Provider/model".
func (c *Client) SetCurrentModel(name string) (string, error) {
	prov, model, ok := strings.Cut(strings.TrimSpace(name), "/")
	prov, model = strings.TrimSpace(prov), strings.TrimSpace(model)
	if !ok || prov == "" || model == "" {
		return "", fmt.Errorf("%w: %q", ErrModelFormat, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, found := c.st.lookup(prov + "/" + model)
	if !found {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownModel, prov, model)
	}
	next := *c.st
	next.override = t.name
	c.st = &next
	c.log.Info("current model switched", logx.String("model", t.name))
	return t.name, nil
}

func (c *Client) state() *state {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st
}

// Models lists the configured "Provider/model" names and the one used by default.
func (c *Client) Models() (names []string, active string) {
	st := c.state()
	if t, err := st.resolve(""); err == nil {
		active = t.name
	}
	return append([]string(nil), st.order...), active
}

// BuildContent joins the prompt and the chat lines into the user message.
func BuildContent(prompt string, lines []summary.Line) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nChat log:\n\n")
	first := true
	for _, l := range lines {
		if l.Name == "" || l.Content == "" {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		first = false
		b.WriteString(l.Name)
		b.WriteString(": ")
		b.WriteString(l.Content)
	}
	return b.String()
}

// Summarize sends lines with prompt to model ("" for the default) and
// retries with exponential backoff, picking a key on every attempt.
func (c *Client) Summarize(ctx context.Context, lines []summary.Line, prompt, model string) (string, error) {
	st := c.state()
	t, err := st.resolve(model)
	if err != nil {
		return "", err
	}
	if len(t.keys) == 0 {
		return "", fmt.Errorf("%s: %w", t.name, ErrNoAPIKeys)
	}
	if model != "" && !strings.EqualFold(model, t.name) {
		c.log.Warn("model not configured; using fallback", logx.String("requested", model), logx.String("model", t.name))
	}
	content := BuildContent(prompt, lines)
	log := c.log.With(logx.String("model", t.name), logx.String("provider", t.provider.Type()))

	var lastErr error
	for attempt := 1; attempt <= st.s.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := st.s.RetryDelay << (attempt - 2)
			log.Warn("llm retry", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		if err := st.limiter.Wait(ctx); err != nil {
			return "", err
		}

		key := t.keys[0]
		if c.keys != nil {
			if avail := c.keys.GetAvailableKeys(ctx, t.keys); len(avail) > 0 {
				key = avail[0]
			}
		}
		text, err := c.call(ctx, st, t, key, content)
		if err == nil {
			if c.keys != nil {
				if rerr := c.keys.RecordSuccess(ctx, key); rerr != nil {
					log.Warn("key status not saved", logx.Err(rerr))
				}
			}
			log.Debug("llm request ok", logx.String("key", keystatus.Fingerprint(key)), logx.Int("attempt", attempt))
			return text, nil
		}

		code := StatusCode(err)
		if c.keys != nil {
			if rerr := c.keys.RecordFailure(ctx, key, code, err.Error()); rerr != nil {
				log.Warn("key status not saved", logx.Err(rerr))
			}
		}
		log.Warn("llm request failed",
			logx.String("key", keystatus.Fingerprint(key)),
			logx.Int("status", code),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		lastErr = classify(err)
		if IsNoRetry(lastErr) || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("summarize with %s: %w", t.name, lastErr)
}

func (c *Client) call(ctx context.Context, st *state, t target, key, content string) (string, error) {
	rctx := ctx
	if st.s.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, st.s.Timeout)
		defer cancel()
	}
	text, err := t.provider.Complete(rctx, Request{
		Model:       t.model,
		APIKey:      key,
		Content:     content,
		Temperature: t.temperature,
		MaxTokens:   t.maxTokens,
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("request timed out after %s: %w", st.s.Timeout, err)
	}
	return text, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
