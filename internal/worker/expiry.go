package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/config"
)

// Expirer expires open recommendations past their expiry or snooze.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// ExpiryLoop sweeps due recommendations on the learning.expiry_sweep
// cadence.
func ExpiryLoop(e Expirer, cfg *config.Holder, clk clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		Name:     "recommendation-expiry",
		Interval: func() time.Duration { return cfg.Get().Learning.ExpirySweep },
		Enabled:  func() bool { return cfg.Get().Learning.ExpirySweep > 0 },
		Cycle: func(ctx context.Context) error {
			_, err := e.ExpireDue(ctx)
			return err
		},
		Clock:  clk,
		Logger: logger,
	}
}
