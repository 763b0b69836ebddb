package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides, e.g. FWDBOT_TELEGRAM_TOKEN.
const EnvPrefix = "FWDBOT"

// envOverrides are secrets and deployment knobs that may come from the
// environment instead of the file. Unset variables leave the file value.
type envOverrides struct {
	TelegramToken string  `envconfig:"TELEGRAM_TOKEN"`
	OwnerUserIDs  []int64 `envconfig:"TELEGRAM_OWNER_USER_IDS"`
	GroupLog      string  `envconfig:"TELEGRAM_GROUP_LOG"`
	LogLevel      string  `envconfig:"LOG_LEVEL"`
	Timezone      string  `envconfig:"TIMEZONE"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`

	LockDriver    string `envconfig:"LOCK_DRIVER"`
	RedisAddr     string `envconfig:"LOCK_REDIS_ADDR"`
	RedisPassword string `envconfig:"LOCK_REDIS_PASSWORD"`

	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// ApplyEnv overlays FWDBOT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Telegram.GroupLog, env.GroupLog)
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Scheduler.Timezone, env.Timezone)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.Storage.DSN, env.StorageDSN)
	set(&cfg.Lock.Driver, env.LockDriver)
	set(&cfg.Lock.RedisAddr, env.RedisAddr)
	set(&cfg.Lock.RedisPassword, env.RedisPassword)
	if env.MetricsAddr != "" {
		cfg.Metrics.Addr = strings.TrimSpace(env.MetricsAddr)
		cfg.Metrics.Enabled = true
	}
	if len(env.OwnerUserIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = env.OwnerUserIDs
	}
	return nil
}
