package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/abhisek/nudge/internal/signal"
)

// Holder publishes the current configuration to long-running workers,
// which read it once per cycle.
type Holder struct {
	cur atomic.Pointer[Config]
}

func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.Set(cfg)
	return h
}

func (h *Holder) Get() Config {
	return *h.cur.Load()
}

func (h *Holder) Set(cfg Config) {
	h.cur.Store(&cfg)
}

// Watch reloads path into h whenever the file is written, until ctx is
// done. An invalid file is logged and the previous configuration kept.
// The parent directory is watched so that editors replacing the file by
// rename are noticed.
func Watch(ctx context.Context, path string, h *Holder, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected; keeping previous config", "path", path, "error", err)
				continue
			}
			h.Set(cfg)
			logger.Info("config reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// SignalOptions converts the TTL and window settings for signal creation.
func (s SignalsConfig) SignalOptions() (signal.Options, error) {
	loc, err := s.Schedule.Loc()
	if err != nil {
		return signal.Options{}, err
	}
	return signal.Options{
		TTLs: signal.TTLs{
			signal.PriorityUrgent:        s.TTL.Urgent,
			signal.PriorityWindowAligned: s.TTL.WindowAligned,
			signal.PriorityStandard:      s.TTL.Standard,
			signal.PriorityLow:           s.TTL.Low,
		},
		Windows: signal.WindowSchedule{
			MorningHour: s.Schedule.MorningHour,
			EveningHour: s.Schedule.EveningHour,
			BatchHour:   s.Schedule.BatchHour,
			Location:    loc,
		},
	}, nil
}
