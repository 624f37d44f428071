package config

import (
	"reflect"
	"strings"

	logx "groupsummary/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing the new values. Secrets (bot token, API keys, Redis
// URL, JWT secret) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		ot.Token != nt.Token || trimNE(ot.GroupLog, nt.GroupLog) ||
			trimNE(ot.PollTimeout, nt.PollTimeout) || ot.ParseMode != nt.ParseMode,
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
	)

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
	)

	lo, hi := newCfg.Summary.LengthBounds()
	section("summary", oldCfg.Summary != newCfg.Summary,
		logx.Int("summary.min_length", lo),
		logx.Int("summary.max_length", hi),
		logx.String("summary.cool_down", newCfg.Summary.CoolDown),
		logx.String("summary.default_style", newCfg.Summary.DefaultStyle),
	)

	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.String("scheduler.health_interval", newCfg.Scheduler.HealthInterval),
	)

	section("queue", oldCfg.Queue != newCfg.Queue,
		logx.Int("queue.concurrent_tasks", newCfg.Queue.Concurrency()),
		logx.String("queue.poll_timeout", newCfg.Queue.PollTimeout),
	)

	section("gate", !reflect.DeepEqual(oldCfg.Gate, newCfg.Gate),
		logx.Bool("gate.bot_active", newCfg.Gate.Active()),
		logx.Int("gate.blocked_groups", len(newCfg.Gate.BlockedGroups)+len(newCfg.Gate.BannedGroups)),
		logx.Int("gate.banned_users", len(newCfg.Gate.BannedUsers)),
	)

	section("llm", !reflect.DeepEqual(oldCfg.LLM, newCfg.LLM),
		logx.Int("llm.providers", len(newCfg.LLM.Providers)),
		logx.Int("llm.api_keys", countKeys(newCfg.LLM.Providers)),
		logx.String("llm.current_model", newCfg.LLM.CurrentModel),
		logx.Bool("llm.proxy_set", strings.TrimSpace(newCfg.LLM.Proxy) != ""),
	)

	ok, nk := oldCfg.KeyStatus, newCfg.KeyStatus
	section("key_status", ok != nk,
		logx.String("key_status.driver", nk.Driver),
		logx.Bool("key_status.redis_url_set", strings.TrimSpace(nk.RedisURL) != ""),
	)

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	section("storage", (oldCfg.Storage != nil) != (newCfg.Storage != nil) || ost != nst,
		logx.Bool("storage.present", newCfg.Storage != nil),
		logx.String("storage.driver", nst.Driver),
	)

	oh, nh := derefHTTP(oldCfg.HTTP), derefHTTP(newCfg.HTTP)
	section("http", (oldCfg.HTTP != nil) != (newCfg.HTTP != nil) || oh != nh,
		logx.String("http.addr", nh.Addr),
		logx.Bool("http.jwt_secret_changed", oh.JWTSecret != nh.JWTSecret),
	)

	return changed, attrs
}

func trimNE(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }

func countKeys(ps []ProviderConfig) int {
	n := 0
	for _, p := range ps {
		n += len(p.APIKeys)
	}
	return n
}

func derefStorage(c *StorageConfig) StorageConfig {
	if c == nil {
		return StorageConfig{}
	}
	return *c
}

func derefHTTP(c *HTTPConfig) HTTPConfig {
	if c == nil {
		return HTTPConfig{}
	}
	return *c
}
