package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/nudge/internal/signal"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Signals.Urgent.Interval)
	assert.Equal(t, 50, cfg.Signals.Urgent.MaxSignals)
	assert.Equal(t, 30*time.Minute, cfg.Signals.Window.Interval)
	assert.Equal(t, 3*time.Hour, cfg.Signals.Batch.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Signals.UserTimeout)
	assert.Equal(t, 120*time.Second, cfg.Signals.LeaseDuration)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Signals, cfg.Signals)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/nudge.db
signals:
  urgent:
    interval: 10s
  batch:
    enabled: false
llm:
  timeout: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/nudge.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Signals.Urgent.Interval)
	assert.Equal(t, 50, cfg.Signals.Urgent.MaxSignals, "unset keys keep their defaults")
	assert.False(t, cfg.Signals.Batch.Enabled)
	assert.Equal(t, time.Minute, cfg.LLM.Timeout)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
	t.Setenv("NUDGE_LOG_LEVEL", "debug")
	t.Setenv("NUDGE_SIGNALS_URGENT_INTERVAL", "5s")
	t.Setenv("NUDGE_OUTBOX_ENABLED", "false")
	t.Setenv("NUDGE_OUTBOX_BATCH_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Signals.Urgent.Interval)
	assert.False(t, cfg.Outbox.Enabled)
	assert.Equal(t, 100, cfg.Outbox.BatchSize, "malformed values are ignored")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signals: [oops"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"zero outbox batch", func(c *Config) { c.Outbox.BatchSize = 0 }, "outbox.batch_size"},
		{"zero urgent interval", func(c *Config) { c.Signals.Urgent.Interval = 0 }, "signals.urgent.interval"},
		{"zero user timeout", func(c *Config) { c.Signals.UserTimeout = 0 }, "signals.user_timeout"},
		{"retries below one", func(c *Config) { c.Signals.MaxRetries = 0 }, "signals.max_retries"},
		{"hour out of range", func(c *Config) { c.Signals.Schedule.EveningHour = 24 }, "evening_hour"},
		{"unknown zone", func(c *Config) { c.Signals.Schedule.Location = "Mars/Olympus" }, "location"},
		{"min score above one", func(c *Config) { c.RAG.MinScore = 1.5 }, "rag.min_score"},
		{"unknown llm", func(c *Config) { c.LLM.Provider = "eliza" }, "unknown llm provider"},
		{"disabled worker is not validated", func(c *Config) {
			c.Outbox.Enabled = false
			c.Outbox.BatchSize = 0
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestSignalOptions(t *testing.T) {
	cfg := Default()
	cfg.Signals.TTL.Urgent = 30 * time.Minute
	cfg.Signals.Schedule.Location = "Europe/Berlin"

	opts, err := cfg.Signals.SignalOptions()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, opts.TTLs.For(signal.PriorityUrgent))
	assert.Equal(t, "Europe/Berlin", opts.Windows.Location.String())

	// 10:00 UTC is 11:00 in Berlin in March; the evening window opens at
	// 19:00 Berlin, 18:00 UTC.
	from := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC), opts.Windows.NextStart(signal.WindowEvening, from))
}

func TestHolder(t *testing.T) {
	h := NewHolder(Default())
	cfg := h.Get()
	cfg.Outbox.Enabled = false
	assert.True(t, h.Get().Outbox.Enabled, "Get returns a copy")

	h.Set(cfg)
	assert.False(t, h.Get().Outbox.Enabled)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nudge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signals:\n  urgent:\n    interval: 10s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, h, nil) }()

	// The watcher may not be registered yet; keep rewriting until the
	// reload is observed.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("signals:\n  urgent:\n    interval: 20s\n"), 0o600)
		return h.Get().Signals.Urgent.Interval == 20*time.Second
	}, 5*time.Second, 50*time.Millisecond)

	// An invalid rewrite keeps the previous config.
	require.NoError(t, os.WriteFile(path, []byte("signals:\n  urgent:\n    interval: 0s\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 20*time.Second, h.Get().Signals.Urgent.Interval)

	cancel()
	require.NoError(t, <-done)
}
