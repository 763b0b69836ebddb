package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42, 43]
  group_log: "-1001234"
logging:
  level: info
  console: true
scheduler:
  timezone: Asia/Kolkata
  misfire_grace: 300s
storage:
  driver: sqlite
  path: ./fwdbot.db
forwarding:
  batch_size: 30
  pace_pause: 1s
  groups:
    - id: group1
      title: News
    - id: group2
lock:
  driver: local
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42, 43}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "Asia/Kolkata", cfg.Scheduler.Timezone)
	assert.Equal(t, 30, cfg.Forwarding.BatchSize)
	require.Len(t, cfg.Forwarding.Groups, 2)
	assert.Equal(t, GroupConfig{ID: "group1", Title: "News"}, cfg.Forwarding.Groups[0])
	assert.Same(t, cfg, m.Get())
	assert.NoError(t, Validate(cfg))
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugins")
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"}} {}`))
	_, err := m.Parse()
	assert.ErrorContains(t, err, "trailing data")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FWDBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("FWDBOT_STORAGE_DRIVER", "postgres")
	t.Setenv("FWDBOT_STORAGE_DSN", "postgres://fwd@localhost/fwd")
	t.Setenv("FWDBOT_TELEGRAM_OWNER_USER_IDS", "7,8")

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://fwd@localhost/fwd", cfg.Storage.DSN)
	assert.Equal(t, []int64{7, 8}, cfg.Telegram.OwnerUserIDs)
	// untouched
	assert.Equal(t, "./fwdbot.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
		}
	}
	require.NoError(t, Validate(valid()))

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "@logs" }, "group_log"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "file" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Lock.Driver = "redis" }, "lock.redis_addr"},
		{"bad duration", func(c *Config) { c.Forwarding.PacePause = "soon" }, "forwarding.pace_pause"},
		{"negative duration", func(c *Config) { c.Scheduler.MisfireGrace = "-1s" }, "scheduler.misfire_grace"},
		{"group with slash", func(c *Config) { c.Forwarding.Groups = []GroupConfig{{ID: "a/b"}} }, "must not contain"},
		{"duplicate group", func(c *Config) { c.Forwarding.Groups = []GroupConfig{{ID: "a"}, {ID: "a"}} }, "duplicated"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tc.mutate(c)
			assert.ErrorContains(t, Validate(c), tc.want)
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5*time.Minute, Duration("", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, Duration("0s", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, Duration("garbage", 5*time.Minute))
	assert.Equal(t, 90*time.Second, Duration("90s", 5*time.Minute))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, c *Config) error { return Validate(c) })

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"metrics:\n  enabled: true\n"), 0o600))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	select {
	case c := <-sub:
		assert.True(t, c.Metrics.Enabled)
	default:
		t.Fatal("no config published")
	}

	// Invalid content is rejected and not committed.
	bad := strings.Replace(sampleYAML, "driver: local", "driver: zookeeper", 1) + "metrics:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, m.Get().Metrics.Enabled)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Driver: "sqlite"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Storage: StorageConfig{Driver: "postgres", DSN: "secret"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, RestartRequired(oldCfg, newCfg))
	assert.Empty(t, RestartRequired(oldCfg, oldCfg))
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	m := NewConfigManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// The watcher starts asynchronously; keep writing new content until a
	// reload lands.
	n := 0
	require.Eventually(t, func() bool {
		n++
		body := strings.Replace(sampleYAML, "batch_size: 30", "batch_size: "+strconv.Itoa(30+n), 1)
		_ = os.WriteFile(path, []byte(body), 0o600)
		select {
		case c := <-sub:
			return c.Forwarding.BatchSize > 30
		default:
			return false
		}
	}, 5*time.Second, 400*time.Millisecond)

	cancel()
	<-done
}
