package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/abhisek/nudge/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingProcessor struct {
	mu    sync.Mutex
	calls [][]*Entry
	err   error
}

func (p *recordingProcessor) Process(_ context.Context, entries []*Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, entries)
	return p.err
}

type auditLog struct{ records []CycleRecord }

func (a *auditLog) AppendOutboxCycle(_ context.Context, rec CycleRecord) error {
	a.records = append(a.records, rec)
	return nil
}

func settings() Settings {
	return Settings{WorkerID: "w1", BatchSize: 100, LeaseDuration: 5 * time.Minute, MaxRetries: 3}
}

func TestDedupe_KeepsLatestPerEntity(t *testing.T) {
	var entries []*Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, NewEntry("task", "t1", t0.Add(time.Duration(i)*time.Second)))
	}
	other := NewEntry("habit", "h1", t0)
	entries = append(entries, other)

	got := Dedupe(entries)
	require.Len(t, got, 2)
	assert.Equal(t, other.ID, got[0].ID)
	assert.Equal(t, entries[4].ID, got[1].ID)
}

func TestRunCycle_FiveDuplicatesEmbeddedOnceAllProcessed(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewMemoryQueue(clk)
	var latest *Entry
	for i := 0; i < 5; i++ {
		latest = NewEntry("task", "t1", t0.Add(time.Duration(i)*time.Minute))
		q.Add(latest)
	}
	proc := &recordingProcessor{}
	audit := &auditLog{}

	rec, err := NewDispatcher(q, proc, audit, clk, settings(), nil).RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, proc.calls, 1)
	require.Len(t, proc.calls[0], 1)
	assert.Equal(t, latest.ID, proc.calls[0][0].ID)

	for _, e := range q.All() {
		assert.Equal(t, lease.StatusProcessed, e.Status, "entry %s", e.ID)
		assert.Empty(t, e.LeaseHolder)
	}
	assert.Equal(t, 5, rec.Leased)
	assert.Equal(t, 1, rec.Unique)
	assert.Equal(t, 5, rec.Processed)
	require.Len(t, audit.records, 1)
}

// Superseded entries are resolved together with the survivor even though
// they were never handed to the processor.
func TestRunCycle_SupersededEntriesAreNotLeftBehind(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewMemoryQueue(clk)
	q.Add(NewEntry("goal", "g1", t0))
	q.Add(NewEntry("goal", "g1", t0.Add(time.Second)))

	_, err := NewDispatcher(q, &recordingProcessor{}, nil, clk, settings(), nil).RunCycle(context.Background())
	require.NoError(t, err)

	rec, err := NewDispatcher(q, &recordingProcessor{}, nil, clk, settings(), nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.Leased, "nothing should remain to lease")
}

func TestRunCycle_ProcessorFailureFailsWholeBatch(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewMemoryQueue(clk)
	for i := 0; i < 3; i++ {
		q.Add(NewEntry("task", "t1", t0.Add(time.Duration(i)*time.Second)))
	}
	q.Add(NewEntry("task", "t2", t0))
	proc := &recordingProcessor{err: errors.New("embedding provider down")}

	rec, err := NewDispatcher(q, proc, nil, clk, settings(), nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Failed)
	assert.Contains(t, rec.Error, "embedding provider down")

	for _, e := range q.All() {
		assert.Equal(t, lease.StatusPending, e.Status)
		assert.Equal(t, 1, e.RetryCount)
		assert.Equal(t, "embedding provider down", e.LastError)
	}
}

// slowProcessor outlives the lease; meanwhile another worker releases the
// lapsed lease and takes the entries over.
type slowProcessor struct {
	clock *clock.Fake
	queue *MemoryQueue
	err   error
	taken []*Entry
}

func (p *slowProcessor) Process(ctx context.Context, _ []*Entry) error {
	p.clock.Advance(10 * time.Minute)
	if _, err := p.queue.ReleaseExpiredLeases(ctx); err != nil {
		return err
	}
	taken, err := p.queue.AcquireBatch(ctx, lease.AcquireRequest{WorkerID: "w2", LeaseDuration: 5 * time.Minute, BatchSize: 100, MaxRetries: 3})
	p.taken = taken
	if err != nil {
		return err
	}
	return p.err
}

func TestRunCycle_LostLeaseLeavesEntriesToNewHolder(t *testing.T) {
	for _, procErr := range []error{nil, errors.New("embedding provider down")} {
		t.Run(fmt.Sprintf("err=%v", procErr), func(t *testing.T) {
			clk := clock.NewFake(t0)
			q := NewMemoryQueue(clk)
			q.Add(NewEntry("task", "t1", t0))
			q.Add(NewEntry("task", "t2", t0))
			proc := &slowProcessor{clock: clk, queue: q, err: procErr}

			rec, err := NewDispatcher(q, proc, nil, clk, settings(), nil).RunCycle(context.Background())
			require.NoError(t, err)
			assert.Zero(t, rec.Processed)
			assert.Zero(t, rec.Failed)

			require.Len(t, proc.taken, 2)
			for _, e := range q.All() {
				assert.Equal(t, lease.StatusProcessing, e.Status)
				assert.Equal(t, "w2", e.LeaseHolder)
				assert.Zero(t, e.RetryCount)
			}
		})
	}
}

func TestRunCycle_RetriesExhaustToFailed(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewMemoryQueue(clk)
	q.Add(NewEntry("task", "t1", t0))
	proc := &recordingProcessor{err: errors.New("still down")}
	d := NewDispatcher(q, proc, nil, clk, settings(), nil)

	for i := 0; i < 3; i++ {
		_, err := d.RunCycle(context.Background())
		require.NoError(t, err)
	}
	for _, e := range q.All() {
		assert.Equal(t, lease.StatusFailed, e.Status)
	}

	rec, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.Leased)
}

type cancellingProcessor struct{ cancel context.CancelFunc }

func (p *cancellingProcessor) Process(ctx context.Context, _ []*Entry) error {
	p.cancel()
	return ctx.Err()
}

func TestRunCycle_ShutdownLeavesLeases(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewMemoryQueue(clk)
	q.Add(NewEntry("task", "t1", t0))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := NewDispatcher(q, &cancellingProcessor{cancel: cancel}, nil, clk, settings(), nil).RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)

	for _, e := range q.All() {
		assert.Equal(t, lease.StatusProcessing, e.Status)
		assert.Zero(t, e.RetryCount)
	}
}

type texts map[string]EntityText

func (m texts) EntityText(_ context.Context, entityType, entityID string) (EntityText, bool, error) {
	t, ok := m[entityType+"/"+entityID]
	return t, ok, nil
}

type vectorLog struct {
	upserts []vectorstore.Document
	deletes []string
}

func (v *vectorLog) Upsert(_ context.Context, docs ...vectorstore.Document) error {
	v.upserts = append(v.upserts, docs...)
	return nil
}

func (v *vectorLog) Delete(_ context.Context, entityType, entityID string) error {
	v.deletes = append(v.deletes, entityType+"/"+entityID)
	return nil
}

type countingEmbedder struct {
	*embedding.HashProvider
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, in []string) ([][]float32, error) {
	c.calls++
	return c.HashProvider.Embed(ctx, in)
}

func TestEmbeddingProcessor_EmbedsAndDeletes(t *testing.T) {
	src := texts{
		"task/t1": {UserID: "u1", Text: "write quarterly report"},
		"goal/g1": {UserID: "u1", Text: "run a half marathon"},
	}
	vectors := &vectorLog{}
	emb := &countingEmbedder{HashProvider: embedding.NewHashProvider(32)}
	p := NewEmbeddingProcessor(src, emb, vectors, time.Second, nil)

	err := p.Process(context.Background(), []*Entry{
		NewEntry("task", "t1", t0),
		NewEntry("goal", "g1", t0),
		NewEntry("habit", "gone", t0),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
	require.Len(t, vectors.upserts, 2)
	for _, d := range vectors.upserts {
		assert.Len(t, d.Vector, 32)
		assert.Equal(t, "u1", d.UserID)
	}
	assert.Equal(t, []string{"habit/gone"}, vectors.deletes)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("quota exceeded")
}
func (failingEmbedder) ModelID() string { return "failing" }

func TestEmbeddingProcessor_ProviderErrorPropagates(t *testing.T) {
	src := texts{"task/t1": {UserID: "u1", Text: "x"}}
	p := NewEmbeddingProcessor(src, failingEmbedder{}, &vectorLog{}, 0, nil)
	err := p.Process(context.Background(), []*Entry{NewEntry("task", "t1", t0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
