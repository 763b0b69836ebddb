package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls trigger behavior (daily/interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired triggers.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Forwarding ForwardingConfig `json:"forwarding"`
	Lock       LockConfig       `json:"lock"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tracing    TracingConfig    `json:"tracing"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives log alerts ("-100...").
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Trigger timezone (IANA). Defaults to Asia/Kolkata.
	Timezone string `json:"timezone,omitempty"`
	// MisfireGrace is how late a fire may start before it is dropped, and
	// how far back boot catch-up looks. Default "300s".
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - history_size: 200
type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// StorageConfig selects the queue store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fwdbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ForwardingConfig struct {
	BatchSize        int           `json:"batch_size,omitempty"`
	PaceEvery        int           `json:"pace_every,omitempty"`
	PacePause        string        `json:"pace_pause,omitempty"`
	MaxAttempts      int           `json:"max_attempts,omitempty"`
	BackoffBase      string        `json:"backoff_base,omitempty"`
	BackoffMax       string        `json:"backoff_max,omitempty"`
	WatchdogInterval string        `json:"watchdog_interval,omitempty"`
	MaxDestinations  int           `json:"max_destinations,omitempty"`
	MaxTimes         int           `json:"max_times,omitempty"`
	Groups           []GroupConfig `json:"groups,omitempty"`
}

type GroupConfig struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// LockConfig selects the per-group run lock. "local" serializes runs inside
// one process; "redis" across instances sharing the same store.
type LockConfig struct {
	Driver        string `json:"driver,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	TTL           string `json:"ttl,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	// Pprof exposes /debug/pprof on the metrics listener. Keep addr on loopback.
	Pprof bool `json:"pprof,omitempty"`
}

type TracingConfig struct {
	Enabled    bool    `json:"enabled"`
	SampleRate float64 `json:"sample_rate,omitempty"`
}
