package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks values that cannot be fixed by defaults. It never
// mutates cfg.
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

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: %q is not a chat id", gl))
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Driver)) {
	case "", "local":
	case "redis":
		if strings.TrimSpace(cfg.Lock.RedisAddr) == "" {
			add(errors.New("lock.redis_addr is required for redis"))
		}
	default:
		add(fmt.Errorf("lock.driver: unknown driver %q", cfg.Lock.Driver))
	}

	seen := map[string]bool{}
	for i, g := range cfg.Forwarding.Groups {
		id := strings.TrimSpace(g.ID)
		switch {
		case id == "":
			add(fmt.Errorf("forwarding.groups[%d].id is required", i))
		case strings.ContainsAny(id, "/: \n"):
			add(fmt.Errorf("forwarding.groups[%d].id %q must not contain '/', ':' or spaces", i, id))
		case seen[id]:
			add(fmt.Errorf("forwarding.groups[%d].id %q is duplicated", i, id))
		}
		seen[id] = true
	}

	if r := cfg.Tracing.SampleRate; r < 0 || r > 1 {
		add(fmt.Errorf("tracing.sample_rate must be within [0,1], got %v", r))
	}

	for path, raw := range durationFields(cfg) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	return errors.Join(errs...)
}

func durationFields(cfg *Config) map[string]string {
	m := map[string]string{
		"telegram.poll_timeout":        cfg.Telegram.PollTimeout,
		"scheduler.misfire_grace":      cfg.Scheduler.MisfireGrace,
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"forwarding.pace_pause":        cfg.Forwarding.PacePause,
		"forwarding.backoff_base":      cfg.Forwarding.BackoffBase,
		"forwarding.backoff_max":       cfg.Forwarding.BackoffMax,
		"forwarding.watchdog_interval": cfg.Forwarding.WatchdogInterval,
		"lock.ttl":                     cfg.Lock.TTL,
	}
	if n := cfg.Notifier; n != nil {
		m["notifier.retry_base"] = n.RetryBase
		m["notifier.retry_max_delay"] = n.RetryMaxDelay
		m["notifier.dedup_window"] = n.DedupWindow
	}
	return m
}
