package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "fwdbot/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchRetryBase  = 250 * time.Millisecond
	watchRetryLimit = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the config whenever its file changes, until ctx ends.
// Editors that replace the file are handled by watching the directory. A
// broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	reload := m.debouncedReload(ctx)
	backoff := watchRetryBase
	for ctx.Err() == nil {
		started := time.Now()
		err := m.watchOnce(ctx, reload)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = watchRetryBase
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchRetryLimit)
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return nil
}

func (m *ConfigManager) watchOnce(ctx context.Context, reload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may be lost; reload once to resync.
				m.log.Warn("config watch overflow", logx.String("dir", dir))
				reload()
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}

// debouncedReload coalesces bursts of writes (partial saves, rename dances)
// into one Reload.
func (m *ConfigManager) debouncedReload(ctx context.Context) func() {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		})
	}
}
