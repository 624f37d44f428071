package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "groupsummary/pkg/logx"
)

const sampleYAML = `
telegram:
  token: ${GS_TEST_TOKEN}
  group_log: "-100123"
summary:
  min_length: 20
  max_length: 500
scheduler:
  timezone: Asia/Shanghai
llm:
  providers:
    - name: DeepSeek
      api_base: https://api.deepseek.com
      api_keys: ["sk-1"]
      models:
        - name: deepseek-chat
`

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("GS_TEST_TOKEN", "123:abc")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q, want %q", cfg.Telegram.Token, "123:abc")
	}
	if got := cfg.Telegram.GroupLogChatID(); got != -100123 {
		t.Fatalf("GroupLogChatID = %d, want -100123", got)
	}
	if lo, hi := cfg.Summary.LengthBounds(); lo != 20 || hi != 500 {
		t.Fatalf("LengthBounds = (%d, %d), want (20, 500)", lo, hi)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		raw  string
	}{
		{"unknown field json", "c.json", `{"telegram":{"token":"x"},"nope":1}`},
		{"unknown field yaml", "c.yml", "telegram:\n  token: x\nnope: 1\n"},
		{"trailing data", "c.json", `{"telegram":{"token":"x"}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.raw)); err == nil {
				t.Fatalf("Decode(%s) = nil error, want failure", tt.path)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			LLM: LLMConfig{Providers: []ProviderConfig{{
				Name: "p", APIBase: "http://x", Models: []ModelConfig{{Name: "m"}},
			}}},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"min above max", func(c *Config) { c.Summary.MinLength, c.Summary.MaxLength = 10, 5 }, "min_length"},
		{"bad duration", func(c *Config) { c.Queue.PollTimeout = "soon" }, "queue.poll_timeout"},
		{"redis without url", func(c *Config) { c.KeyStatus.Driver = "redis" }, "key_status.redis_url"},
		{"short jwt secret", func(c *Config) { c.HTTP = &HTTPConfig{Addr: ":8080", JWTSecret: "x"} }, "http.jwt_secret"},
		{"duplicate provider", func(c *Config) { c.LLM.Providers = append(c.LLM.Providers, c.LLM.Providers[0]) }, "duplicate"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}, HTTP: &HTTPConfig{JWTSecret: "jwt-old"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "new-secret"}, HTTP: &HTTPConfig{JWTSecret: "jwt-new"},
		LLM: LLMConfig{Providers: []ProviderConfig{{Name: "p", APIKeys: []string{"sk-live"}}}}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"telegram", "llm", "http"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	for _, secret := range []string{"old-secret", "new-secret", "jwt-new", "sk-live"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log output leaks %q: %s", secret, out)
		}
	}
}

func TestManagerPublishesNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}}
	m.publish(a)
	m.publish(b)

	select {
	case got := <-ch:
		if got != b {
			t.Fatalf("received token %q, want %q", got.Telegram.Token, "b")
		}
	default:
		t.Fatalf("no config published")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(token string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(`{"telegram":{"token":"`+token+`"}}`), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("first")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if got.Telegram.Token != "second" {
				t.Fatalf("reloaded token = %q, want %q", got.Telegram.Token, "second")
			}
			if m.Get().Telegram.Token != "second" {
				t.Fatalf("Get token = %q, want committed reload", m.Get().Telegram.Token)
			}
			return
		case <-tick.C:
			// The watcher may not be registered yet; keep rewriting.
			write("second")
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
