package app

import (
	"strconv"
	"strings"
	"time"

	"fwdbot/internal/config"
	"fwdbot/internal/forward"
	"fwdbot/internal/metrics"
	"fwdbot/internal/notifier"
	"fwdbot/internal/runlock"
	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	"fwdbot/internal/tracing"
	telegram "fwdbot/internal/transport/telegram/adapter"
	logx "fwdbot/pkg/logx"
)

// Mapping runs after config.Validate, so malformed durations never reach
// here; config.Duration falls back to the default for empty values.

func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     groupLogChat(cfg),
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
		APIURL:      cfg.Telegram.APIURL,
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./fwdbot.db"
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        path,
		DSN:         sc.DSN,
		BusyTimeout: config.Duration(sc.BusyTimeout, 5*time.Second),
	}
}

func mapLockConfig(cfg *config.Config) runlock.Config {
	return runlock.Config{
		Driver:    cfg.Lock.Driver,
		RedisAddr: cfg.Lock.RedisAddr,
		RedisDB:   cfg.Lock.RedisDB,
		Password:  cfg.Lock.RedisPassword,
		TTL:       config.Duration(cfg.Lock.TTL, 10*time.Minute),
	}
}

func misfireGrace(cfg *config.Config) time.Duration {
	return config.Duration(cfg.Scheduler.MisfireGrace, 300*time.Second)
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		// A fire handed over later than the grace window is a misfire.
		MisfireGrace: misfireGrace(cfg),
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers > 0 {
			ec.Workers = te.Workers
		}
		if te.QueueSize > 0 {
			ec.QueueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			ec.HistorySize = te.HistorySize
		}
	}
	// One run and one watchdog per group can be in flight at once, so a slow
	// group never holds back another group's fire.
	ec.Workers = max(ec.Workers, 2*len(cfg.Forwarding.Groups))
	return ec
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := notifier.Config{
		Workers:       1,
		QueueSize:     256,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		DedupWindow:   0,
	}
	n := cfg.Notifier
	if n == nil {
		return nc
	}
	if n.Workers > 0 {
		nc.Workers = n.Workers
	}
	if n.QueueSize > 0 {
		nc.QueueSize = n.QueueSize
	}
	if n.RatePerSec > 0 {
		nc.RatePerSec = n.RatePerSec
	}
	if n.RetryMax > 0 {
		nc.RetryMax = n.RetryMax
	}
	nc.RetryBase = config.Duration(n.RetryBase, nc.RetryBase)
	nc.RetryMaxDelay = config.Duration(n.RetryMaxDelay, nc.RetryMaxDelay)
	nc.DedupWindow = config.Duration(n.DedupWindow, 0)
	return nc
}

func mapForwardConfig(cfg *config.Config) forward.Config {
	fc := cfg.Forwarding
	out := forward.Config{
		BatchSize: fc.BatchSize,
		PaceEvery: fc.PaceEvery,
		PacePause: config.Duration(fc.PacePause, 0),
		Sender: forward.SenderConfig{
			MaxAttempts: fc.MaxAttempts,
			BackoffBase: config.Duration(fc.BackoffBase, 0),
			BackoffMax:  config.Duration(fc.BackoffMax, 0),
		},
		WatchdogInterval: config.Duration(fc.WatchdogInterval, 0),
		MisfireGrace:     misfireGrace(cfg),
		MaxDestinations:  fc.MaxDestinations,
		MaxTimes:         fc.MaxTimes,
	}
	for _, g := range fc.Groups {
		out.Groups = append(out.Groups, forward.Group{ID: strings.TrimSpace(g.ID), Title: g.Title})
	}
	return out
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled:      cfg.Metrics.Enabled,
		Addr:         cfg.Metrics.Addr,
		Pprof:        cfg.Metrics.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func mapTracingConfig(cfg *config.Config, version string) tracing.Config {
	return tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    version,
	}
}
