// Package config loads worker configuration from an optional YAML file,
// NUDGE_* environment variables and built-in defaults, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/llm"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Signals    SignalsConfig    `yaml:"signals"`
	Assessment AssessmentConfig `yaml:"assessment"`
	RAG        RAGConfig        `yaml:"rag"`
	Learning   LearningConfig   `yaml:"learning"`
	Embedding  embedding.Config `yaml:"embedding"`
	LLM        llm.Config       `yaml:"llm"`
}

type DatabaseConfig struct {
	// Path is the SQLite file. Empty selects the per-user data directory.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// OutboxConfig tunes the embedding outbox worker.
type OutboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxRetries    int           `yaml:"max_retries"`

	// EmbedTimeout bounds one embedding provider call.
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
}

// SignalsConfig tunes the three signal sub-workers and what they share.
type SignalsConfig struct {
	Enabled bool `yaml:"enabled"`

	Urgent UrgentConfig `yaml:"urgent"`
	Window WindowConfig `yaml:"window"`
	Batch  BatchConfig  `yaml:"batch"`

	UserTimeout   time.Duration `yaml:"user_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// UserParallelism bounds how many users one cycle assesses at once.
	UserParallelism int `yaml:"user_parallelism"`

	// MaxDeferrals caps how often a signal waits for pending embeddings
	// before it is assessed without retrieval.
	MaxDeferrals  int           `yaml:"max_deferrals"`
	DeferralDelay time.Duration `yaml:"deferral_delay"`

	TTL      TTLConfig      `yaml:"ttl"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

type UrgentConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxSignals int           `yaml:"max_signals"`
}

type WindowConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxUsers int           `yaml:"max_users"`
}

type BatchConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	MaxUsers          int           `yaml:"max_users"`
	MaxSignalsPerUser int           `yaml:"max_signals_per_user"`
}

// TTLConfig is the signal time-to-live per priority.
type TTLConfig struct {
	Urgent        time.Duration `yaml:"urgent"`
	WindowAligned time.Duration `yaml:"window_aligned"`
	Standard      time.Duration `yaml:"standard"`
	Low           time.Duration `yaml:"low"`
}

// ScheduleConfig places the processing windows. Location is an IANA zone
// name.
type ScheduleConfig struct {
	MorningHour int    `yaml:"morning_hour"`
	EveningHour int    `yaml:"evening_hour"`
	BatchHour   int    `yaml:"batch_hour"`
	Location    string `yaml:"location"`
}

type AssessmentConfig struct {
	RecommendationTTL time.Duration `yaml:"recommendation_ttl"`
	Lookback          time.Duration `yaml:"lookback"`
	MaxCandidates     int           `yaml:"max_candidates"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
}

type RAGConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TopK         int           `yaml:"top_k"`
	MinScore     float64       `yaml:"min_score"`
	MaxItemChars int           `yaml:"max_item_chars"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LearningConfig struct {
	// ExpirySweep is how often open recommendations past their expiry are
	// expired.
	ExpirySweep time.Duration `yaml:"expiry_sweep"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info"},
		Outbox: OutboxConfig{
			Enabled:       true,
			PollInterval:  5 * time.Second,
			BatchSize:     100,
			LeaseDuration: 5 * time.Minute,
			MaxRetries:    3,
			EmbedTimeout:  30 * time.Second,
		},
		Signals: SignalsConfig{
			Enabled:         true,
			Urgent:          UrgentConfig{Enabled: true, Interval: 30 * time.Second, MaxSignals: 50},
			Window:          WindowConfig{Enabled: true, Interval: 30 * time.Minute, MaxUsers: 100},
			Batch:           BatchConfig{Enabled: true, Interval: 3 * time.Hour, MaxUsers: 200, MaxSignalsPerUser: 50},
			UserTimeout:     2 * time.Minute,
			MaxRetries:      3,
			LeaseDuration:   120 * time.Second,
			UserParallelism: 4,
			MaxDeferrals:    3,
			DeferralDelay:   2 * time.Minute,
			TTL: TTLConfig{
				Urgent:        time.Hour,
				WindowAligned: 24 * time.Hour,
				Standard:      48 * time.Hour,
				Low:           72 * time.Hour,
			},
			Schedule: ScheduleConfig{MorningHour: 7, EveningHour: 19, BatchHour: 2, Location: "UTC"},
		},
		Assessment: AssessmentConfig{
			RecommendationTTL: 72 * time.Hour,
			Lookback:          24 * time.Hour,
			MaxCandidates:     5,
			MaxTokens:         1024,
			Temperature:       0.3,
		},
		RAG: RAGConfig{
			Enabled:      true,
			TopK:         5,
			MinScore:     0.3,
			MaxItemChars: 400,
			Timeout:      3 * time.Second,
		},
		Learning:  LearningConfig{ExpirySweep: 15 * time.Minute},
		Embedding: embedding.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error; an empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides c with NUDGE_* variables. Malformed values are
// ignored.
func (c *Config) ApplyEnv() {
	setString(&c.Database.Path, "NUDGE_DB")
	setString(&c.Log.Level, "NUDGE_LOG_LEVEL")

	setBool(&c.Outbox.Enabled, "NUDGE_OUTBOX_ENABLED")
	setDuration(&c.Outbox.PollInterval, "NUDGE_OUTBOX_POLL_INTERVAL")
	setInt(&c.Outbox.BatchSize, "NUDGE_OUTBOX_BATCH_SIZE")

	setBool(&c.Signals.Enabled, "NUDGE_SIGNALS_ENABLED")
	setBool(&c.Signals.Urgent.Enabled, "NUDGE_SIGNALS_URGENT_ENABLED")
	setDuration(&c.Signals.Urgent.Interval, "NUDGE_SIGNALS_URGENT_INTERVAL")
	setBool(&c.Signals.Window.Enabled, "NUDGE_SIGNALS_WINDOW_ENABLED")
	setDuration(&c.Signals.Window.Interval, "NUDGE_SIGNALS_WINDOW_INTERVAL")
	setBool(&c.Signals.Batch.Enabled, "NUDGE_SIGNALS_BATCH_ENABLED")
	setDuration(&c.Signals.Batch.Interval, "NUDGE_SIGNALS_BATCH_INTERVAL")
	setDuration(&c.Signals.UserTimeout, "NUDGE_SIGNALS_USER_TIMEOUT")

	setBool(&c.RAG.Enabled, "NUDGE_RAG_ENABLED")

	c.Embedding.ApplyEnv()
	c.LLM.ApplyEnv()
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if b, err := strconv.ParseBool(os.Getenv(env)); err == nil {
		*dst = b
	}
}

func setInt(dst *int, env string) {
	if n, err := strconv.Atoi(os.Getenv(env)); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, env string) {
	if d, err := time.ParseDuration(os.Getenv(env)); err == nil {
		*dst = d
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	if c.Outbox.Enabled {
		if err := positive("outbox.poll_interval", c.Outbox.PollInterval); err != nil {
			return err
		}
		if err := positive("outbox.lease_duration", c.Outbox.LeaseDuration); err != nil {
			return err
		}
		if c.Outbox.BatchSize <= 0 {
			return fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
		}
		if c.Outbox.MaxRetries < 1 {
			return fmt.Errorf("outbox.max_retries must be at least 1, got %d", c.Outbox.MaxRetries)
		}
	}

	s := c.Signals
	if s.Enabled {
		if s.Urgent.Enabled {
			if err := positive("signals.urgent.interval", s.Urgent.Interval); err != nil {
				return err
			}
			if s.Urgent.MaxSignals <= 0 {
				return fmt.Errorf("signals.urgent.max_signals must be positive, got %d", s.Urgent.MaxSignals)
			}
		}
		if s.Window.Enabled {
			if err := positive("signals.window.interval", s.Window.Interval); err != nil {
				return err
			}
			if s.Window.MaxUsers <= 0 {
				return fmt.Errorf("signals.window.max_users must be positive, got %d", s.Window.MaxUsers)
			}
		}
		if s.Batch.Enabled {
			if err := positive("signals.batch.interval", s.Batch.Interval); err != nil {
				return err
			}
			if s.Batch.MaxUsers <= 0 || s.Batch.MaxSignalsPerUser <= 0 {
				return errors.New("signals.batch.max_users and max_signals_per_user must be positive")
			}
		}
		if err := positive("signals.user_timeout", s.UserTimeout); err != nil {
			return err
		}
		if err := positive("signals.lease_duration", s.LeaseDuration); err != nil {
			return err
		}
		if s.MaxRetries < 1 {
			return fmt.Errorf("signals.max_retries must be at least 1, got %d", s.MaxRetries)
		}
		if s.UserParallelism < 1 {
			return fmt.Errorf("signals.user_parallelism must be at least 1, got %d", s.UserParallelism)
		}
		if s.MaxDeferrals < 0 {
			return fmt.Errorf("signals.max_deferrals must not be negative, got %d", s.MaxDeferrals)
		}
	}
	for name, h := range map[string]int{
		"morning_hour": s.Schedule.MorningHour,
		"evening_hour": s.Schedule.EveningHour,
		"batch_hour":   s.Schedule.BatchHour,
	} {
		if h < 0 || h > 23 {
			return fmt.Errorf("signals.schedule.%s must be 0-23, got %d", name, h)
		}
	}
	if _, err := s.Schedule.Loc(); err != nil {
		return err
	}

	if c.RAG.MinScore < 0 || c.RAG.MinScore > 1 {
		return fmt.Errorf("rag.min_score must be in [0, 1], got %v", c.RAG.MinScore)
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	return c.LLM.Validate()
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Loc resolves the schedule's time zone.
func (s ScheduleConfig) Loc() (*time.Location, error) {
	if s.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return nil, fmt.Errorf("signals.schedule.location: %w", err)
	}
	return loc, nil
}
