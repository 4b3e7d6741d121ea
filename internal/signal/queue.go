package signal

import (
	"context"
	"time"

	"github.com/abhisek/nudge/internal/lease"
)

// Filter narrows which pending signals a worker may acquire.
type Filter struct {
	Priorities []Priority
	Windows    []WindowType
	UserID     string
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s *Signal) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, s.Priority) {
		return false
	}
	if len(f.Windows) > 0 && !contains(f.Windows, s.WindowType) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Queue is the lease queue of signals with window-aware acquisition.
type Queue interface {
	lease.Queue[*Signal]
	Store

	// AcquireReady leases signals matching f that are ready for their
	// window and not expired.
	AcquireReady(ctx context.Context, req lease.AcquireRequest, f Filter) ([]*Signal, error)

	// ReadyUsers lists up to limit users that have ready signals matching f,
	// oldest first.
	ReadyUsers(ctx context.Context, f Filter, limit int) ([]string, error)

	// ExpireStale marks every unresolved signal past its TTL as Expired.
	ExpireStale(ctx context.Context) (int, error)

	MarkProcessedWithTier(ctx context.Context, holder string, tier ProcessingTier, ids ...string) error
	MarkSkipped(ctx context.Context, holder, reason string, ids ...string) error

	// Defer releases holder's lease and postpones the signal until the
	// given time.
	Defer(ctx context.Context, holder, id string, until time.Time) error
}
