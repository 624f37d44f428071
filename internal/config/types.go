package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Summary   SummaryConfig   `json:"summary"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	Gate      GateConfig      `json:"gate"`
	LLM       LLMConfig       `json:"llm"`
	KeyStatus KeyStatusConfig `json:"key_status"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    *HTTPConfig    `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id that receives mirrored warnings/errors.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
	// ParseMode for delivered summaries: "", "Markdown" or "HTML".
	ParseMode string `json:"parse_mode,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SummaryConfig holds the summary behaviour shared by scheduled and ad-hoc runs.
//
// Defaults: min_length 50, max_length 1000, cool_down "60s",
// data_dir "./data".
type SummaryConfig struct {
	DataDir      string `json:"data_dir,omitempty"`
	MinLength    int    `json:"min_length,omitempty"`
	MaxLength    int    `json:"max_length,omitempty"`
	CoolDown     string `json:"cool_down,omitempty"`
	DefaultStyle string `json:"default_style,omitempty"`
}

// SchedulerConfig controls the cron engine.
//
// Defaults: timezone "Asia/Shanghai", health_interval "600s",
// key_cleanup_interval "10m".
type SchedulerConfig struct {
	Timezone           string `json:"timezone,omitempty"`
	HealthInterval     string `json:"health_interval,omitempty"`
	KeyCleanupInterval string `json:"key_cleanup_interval,omitempty"`
}

// QueueConfig controls the summary worker.
type QueueConfig struct {
	ConcurrentTasks int    `json:"concurrent_tasks,omitempty"`
	PollTimeout     string `json:"poll_timeout,omitempty"`
	RestartGrace    string `json:"restart_grace,omitempty"`
	// TaskTimeout bounds one pipeline run. "0s" disables it.
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// GateConfig is the administrative allow/deny policy consulted before any run.
type GateConfig struct {
	// BotActive=false pauses every scheduled summary.
	BotActive     *bool   `json:"bot_active,omitempty"`
	BlockedBots   []int64 `json:"blocked_bots,omitempty"`
	BlockedGroups []int64 `json:"blocked_groups,omitempty"`
	BannedGroups  []int64 `json:"banned_groups,omitempty"`
	BannedUsers   []int64 `json:"banned_users,omitempty"`
}

type LLMConfig struct {
	Providers []ProviderConfig `json:"providers"`
	// CurrentModel and DefaultModel use "Provider/model" names.
	CurrentModel string `json:"current_model,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
	Proxy        string `json:"proxy,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

type ProviderConfig struct {
	Name         string        `json:"name"`
	Type         string        `json:"type,omitempty"`
	APIBase      string        `json:"api_base"`
	APIKeys      []string      `json:"api_keys"`
	OpenAICompat bool          `json:"openai_compat,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Models       []ModelConfig `json:"models"`
}

type ModelConfig struct {
	Name        string   `json:"name"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// KeyStatusConfig selects where API key health is persisted.
//
// Example:
//
//	"key_status": { "driver": "redis", "redis_url": "${REDIS_URL}", "prefix": "groupsummary" }
type KeyStatusConfig struct {
	Driver           string `json:"driver,omitempty"` // "file" (default) or "redis"
	Path             string `json:"path,omitempty"`
	RedisURL         string `json:"redis_url,omitempty"`
	Prefix           string `json:"prefix,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
}

// StorageConfig controls the statistics/audit store.
//
//	"storage": { "driver": "sqlite", "path": "./data/stats.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HTTPConfig controls the operator API. An empty addr disables it.
// Prefer binding to localhost.
type HTTPConfig struct {
	Addr      string `json:"addr"`
	JWTSecret string `json:"jwt_secret"` // do not log
}
