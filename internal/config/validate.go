package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMinLength       = 50
	DefaultMaxLength       = 1000
	DefaultCoolDown        = 60 * time.Second
	DefaultDataDir         = "./data"
	DefaultTimezone        = "Asia/Shanghai"
	DefaultHealthInterval  = 600 * time.Second
	DefaultKeyCleanup      = 10 * time.Minute
	DefaultConcurrentTasks = 2
	DefaultQueuePoll       = 60 * time.Second
	DefaultRestartGrace    = 2 * time.Second
	DefaultLLMTimeout      = 120 * time.Second
	DefaultLLMMaxRetries   = 3
	DefaultLLMRetryDelay   = 2 * time.Second
	DefaultModel           = "DeepSeek/deepseek-chat"
	DefaultPollTimeout     = 10 * time.Second
)

// LengthBounds returns (min, max) message counts with defaults applied.
// max is raised to min when misconfigured.
func (c SummaryConfig) LengthBounds() (int, int) {
	lo, hi := c.MinLength, c.MaxLength
	if lo <= 0 {
		lo = DefaultMinLength
	}
	if hi <= 0 {
		hi = DefaultMaxLength
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (c SummaryConfig) Dir() string {
	if s := strings.TrimSpace(c.DataDir); s != "" {
		return s
	}
	return DefaultDataDir
}

func (c QueueConfig) Concurrency() int {
	if c.ConcurrentTasks <= 0 {
		return DefaultConcurrentTasks
	}
	return c.ConcurrentTasks
}

// Active reports whether scheduled summaries run. Unset means active.
func (g GateConfig) Active() bool { return g.BotActive == nil || *g.BotActive }

// GroupLogChatID parses telegram.group_log. Zero means unset.
func (c TelegramConfig) GroupLogChatID() int64 {
	s := strings.TrimSpace(c.GroupLog)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Validate checks a decoded config before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	if s := strings.TrimSpace(cfg.Telegram.GroupLog); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: not a chat id: %q", s))
		}
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Summary.MinLength < 0 || cfg.Summary.MaxLength < 0 {
		add(errors.New("summary: min_length/max_length must be >= 0"))
	}
	if cfg.Summary.MinLength > 0 && cfg.Summary.MaxLength > 0 && cfg.Summary.MinLength > cfg.Summary.MaxLength {
		add(fmt.Errorf("summary: min_length %d > max_length %d", cfg.Summary.MinLength, cfg.Summary.MaxLength))
	}
	dur("summary.cool_down", cfg.Summary.CoolDown)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.health_interval", cfg.Scheduler.HealthInterval)
	dur("scheduler.key_cleanup_interval", cfg.Scheduler.KeyCleanupInterval)

	if cfg.Queue.ConcurrentTasks < 0 {
		add(errors.New("queue.concurrent_tasks: must be >= 0"))
	}
	dur("queue.poll_timeout", cfg.Queue.PollTimeout)
	dur("queue.restart_grace", cfg.Queue.RestartGrace)
	dur("queue.task_timeout", cfg.Queue.TaskTimeout)

	seen := map[string]bool{}
	for i, p := range cfg.LLM.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			add(fmt.Errorf("llm.providers[%d].name: required", i))
			continue
		}
		if seen[strings.ToLower(name)] {
			add(fmt.Errorf("llm.providers[%d].name: duplicate %q", i, name))
		}
		seen[strings.ToLower(name)] = true
		if strings.TrimSpace(p.APIBase) == "" {
			add(fmt.Errorf("llm.providers[%d].api_base: required", i))
		}
		if len(p.Models) == 0 {
			add(fmt.Errorf("llm.providers[%d].models: at least one model required", i))
		}
	}
	if cfg.LLM.MaxRetries < 0 {
		add(errors.New("llm.max_retries: must be >= 0"))
	}
	dur("llm.timeout", cfg.LLM.Timeout)
	dur("llm.retry_delay", cfg.LLM.RetryDelay)

	switch strings.ToLower(strings.TrimSpace(cfg.KeyStatus.Driver)) {
	case "", "file":
	case "redis":
		if strings.TrimSpace(cfg.KeyStatus.RedisURL) == "" {
			add(errors.New("key_status.redis_url: required for redis driver"))
		}
	default:
		add(fmt.Errorf("key_status.driver: unknown %q", cfg.KeyStatus.Driver))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}
	if h := cfg.HTTP; h != nil && strings.TrimSpace(h.Addr) != "" && len(strings.TrimSpace(h.JWTSecret)) < 16 {
		add(errors.New("http.jwt_secret: at least 16 characters required when http.addr is set"))
	}

	return errors.Join(errs...)
}
