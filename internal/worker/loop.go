// Package worker runs the long-lived poll loops: the embedding outbox
// drain, the three signal sub-workers and the recommendation expiry sweep.
// Every loop reads the current configuration at the start of each cycle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abhisek/nudge/internal/clock"
)

// idleInterval is the sleep used when a loop has no positive interval,
// typically because it is disabled.
const idleInterval = time.Minute

// Loop calls Cycle, sleeps for Interval and repeats until its context is
// done. A failing or panicking cycle is logged and the loop continues.
type Loop struct {
	Name     string
	Interval func() time.Duration
	Enabled  func() bool // nil means always enabled
	Cycle    func(ctx context.Context) error
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Run blocks until ctx is done. Cancellation interrupts the sleep at once;
// a cycle already running is left to observe ctx itself.
func (l *Loop) Run(ctx context.Context) error {
	clk := l.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("worker", l.Name)
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return nil
		}
		if l.Enabled == nil || l.Enabled() {
			l.runOnce(ctx, logger)
		}
		wait := l.Interval()
		if wait <= 0 {
			wait = idleInterval
		}
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		case <-clk.After(wait):
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker cycle panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := l.Cycle(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker cycle failed", "error", err)
	}
}

// RunAll runs every loop concurrently until ctx is done.
func RunAll(ctx context.Context, loops ...*Loop) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}
	return g.Wait()
}
