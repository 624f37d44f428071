package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"groupsummary/internal/config"
	"groupsummary/internal/httpapi"
	"groupsummary/internal/llm"
	"groupsummary/internal/storage"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/keystatus"
	"groupsummary/internal/summary/queue"
	logx "groupsummary/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     cfg.Telegram.GroupLogChatID(),
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = filepath.Join(cfg.Summary.Dir(), "summary_stats.jsonl")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapWorkerConfig(cfg *config.Config) (queue.WorkerConfig, error) {
	q := cfg.Queue
	poll, err := config.ParseDurationOrDefault("queue.poll_timeout", q.PollTimeout, config.DefaultQueuePoll)
	if err != nil {
		return queue.WorkerConfig{}, err
	}
	grace, err := config.ParseDurationOrDefault("queue.restart_grace", q.RestartGrace, config.DefaultRestartGrace)
	if err != nil {
		return queue.WorkerConfig{}, err
	}
	taskTimeout, err := config.ParseDurationField("queue.task_timeout", q.TaskTimeout)
	if err != nil {
		return queue.WorkerConfig{}, err
	}
	return queue.WorkerConfig{
		Concurrency:  q.Concurrency(),
		PollTimeout:  poll,
		RestartGrace: grace,
		TaskTimeout:  taskTimeout,
	}, nil
}

func mapPipelineConfig(cfg *config.Config, botID int64) queue.PipelineConfig {
	lo, _ := cfg.Summary.LengthBounds()
	return queue.PipelineConfig{
		BotID:        botID,
		MinLength:    lo,
		DefaultStyle: strings.TrimSpace(cfg.Summary.DefaultStyle),
	}
}

func mapJobsConfig(cfg *config.Config) jobs.Config {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = config.DefaultTimezone
	}
	_, hi := cfg.Summary.LengthBounds()
	return jobs.Config{Timezone: tz, DefaultLeast: hi}
}

// maintenanceIntervals returns the health check and key cleanup periods.
func maintenanceIntervals(cfg *config.Config) (healthEvery, cleanupEvery time.Duration, err error) {
	s := cfg.Scheduler
	if healthEvery, err = config.ParseDurationOrDefault("scheduler.health_interval", s.HealthInterval, config.DefaultHealthInterval); err != nil {
		return 0, 0, err
	}
	if cleanupEvery, err = config.ParseDurationOrDefault("scheduler.key_cleanup_interval", s.KeyCleanupInterval, config.DefaultKeyCleanup); err != nil {
		return 0, 0, err
	}
	return healthEvery, cleanupEvery, nil
}

// mapHTTPConfig reports enabled=false when no listen address is configured.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	if cfg.HTTP == nil || strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return httpapi.Config{}, false, nil
	}
	if strings.TrimSpace(cfg.HTTP.JWTSecret) == "" {
		return httpapi.Config{}, false, fmt.Errorf("http.jwt_secret is required when http.addr is set")
	}
	cool, err := config.ParseDurationOrDefault("summary.cool_down", cfg.Summary.CoolDown, config.DefaultCoolDown)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	_, hi := cfg.Summary.LengthBounds()
	return httpapi.Config{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		JWTSecret:    cfg.HTTP.JWTSecret,
		CoolDown:     cool,
		DefaultLeast: hi,
		MaxLeast:     hi,
	}, true, nil
}

// openKeyBackend builds the key status backend. The returned close func is
// never nil.
func openKeyBackend(ctx context.Context, cfg *config.Config, log logx.Logger) (keystatus.Backend, func() error, error) {
	ks := cfg.KeyStatus
	switch strings.ToLower(strings.TrimSpace(ks.Driver)) {
	case "", "file":
		path := strings.TrimSpace(ks.Path)
		if path == "" {
			path = filepath.Join(cfg.Summary.Dir(), "key_status.json")
		}
		return &keystatus.FileBackend{Path: path, Log: log}, func() error { return nil }, nil
	case "redis":
		b, err := keystatus.NewRedisBackend(ks.RedisURL, ks.Prefix)
		if err != nil {
			return nil, nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.Ping(pctx); err != nil {
			_ = b.Close()
			return nil, nil, fmt.Errorf("key_status redis: %w", err)
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown key_status.driver: %s", ks.Driver)
	}
}

// validate rejects a reload that could not be applied.
func validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := maintenanceIntervals(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := llm.SettingsFromConfig(cfg.LLM); err != nil {
		return err
	}
	return nil
}
