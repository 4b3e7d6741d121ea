package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/google/uuid"
)

// Event is a domain event as reported by the CRUD layer.
type Event struct {
	UserID     string
	Type       string
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	OccurredAt time.Time

	// TTL overrides the priority default when positive.
	TTL time.Duration
}

// Validate checks the fields every signal needs.
func (e Event) Validate() error {
	switch {
	case e.UserID == "":
		return errors.New("signal: event user id is required")
	case e.Type == "":
		return errors.New("signal: event type is required")
	case (e.EntityType == "") != (e.EntityID == ""):
		return errors.New("signal: entity type and id must be set together")
	}
	return nil
}

// Options controls how events become signals.
type Options struct {
	TTLs    TTLs
	Windows WindowSchedule
}

// DefaultOptions returns default TTLs and window schedule.
func DefaultOptions() Options {
	return Options{TTLs: DefaultTTLs(), Windows: DefaultWindowSchedule()}
}

// New builds a pending signal for ev at now.
func New(ev Event, now time.Time, opts Options) (*Signal, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	class := Classify(ev.Type)

	ttl := ev.TTL
	if ttl <= 0 {
		ttl = opts.TTLs.For(class.Priority)
	}

	s := &Signal{
		State:            lease.NewState(now),
		ID:               uuid.NewString(),
		UserID:           ev.UserID,
		EventType:        ev.Type,
		Payload:          ev.Payload,
		Priority:         class.Priority,
		WindowType:       class.Window,
		TargetEntityType: ev.EntityType,
		TargetEntityID:   ev.EntityID,
	}
	s.ExpiresAt = now.Add(ttl)
	s.ScheduledWindowStart = opts.Windows.NextStart(class.Window, now)
	return s, nil
}

// Store persists newly created signals.
type Store interface {
	Enqueue(ctx context.Context, s *Signal) error
}

// EntityChangeRecorder is notified when an event mutates an entity whose
// embedding must be refreshed.
type EntityChangeRecorder interface {
	RecordChange(ctx context.Context, entityType, entityID string) error
}

// Ingestor turns domain events into queued signals and embedding outbox
// entries.
type Ingestor struct {
	store   Store
	changes EntityChangeRecorder
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor. changes may be nil when no embedding
// pipeline is configured.
func NewIngestor(store Store, changes EntityChangeRecorder, clk clock.Clock, opts Options, logger *slog.Logger) *Ingestor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingestor{store: store, changes: changes, clock: clk, opts: opts, logger: logger}
}

// Ingest records ev. Entity-mutating events also enqueue a re-embedding
// marker; a failure there is logged and does not reject the signal.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (*Signal, error) {
	s, err := New(ev, i.clock.Now(), i.opts)
	if err != nil {
		return nil, err
	}
	if err := i.store.Enqueue(ctx, s); err != nil {
		return nil, fmt.Errorf("enqueue signal: %w", err)
	}

	if i.changes != nil && s.HasTarget() && Classify(ev.Type).MutatesEntity {
		if err := i.changes.RecordChange(ctx, ev.EntityType, ev.EntityID); err != nil {
			i.logger.Warn("record entity change failed",
				"entity_type", ev.EntityType,
				"entity_id", ev.EntityID,
				"error", err,
			)
		}
	}

	i.logger.Debug("signal ingested",
		"signal_id", s.ID,
		"user_id", s.UserID,
		"event_type", s.EventType,
		"priority", s.Priority,
		"window", s.WindowType,
	)
	return s, nil
}
