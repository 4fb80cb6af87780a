package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, int, string, string) {}

type failingSource struct{}

func (failingSource) Count(context.Context, models.Parameters) (int64, error) { return 0, nil }
func (failingSource) Fetch(context.Context, models.Parameters) (models.Dataset, error) {
	return models.Dataset{}, errors.New("declarations table unavailable")
}

type heldLock struct{}

func (heldLock) TryAcquire(context.Context) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

type listFailStore struct {
	store.Store
}

func (listFailStore) ListQueued(context.Context, int) ([]models.Job, error) {
	return nil, errors.New("connection reset")
}

var params = models.Parameters{Type: "expenses", Format: models.FormatJSON}

func staticSource() datasource.DataSource {
	return datasource.NewStatic(map[string][]map[string]any{
		"expenses": {
			{"declaration_number": "24/0000001-1", "category": "freight", "description": "Ocean freight", "amount": 1200.0, "registered_at": "2024-02-01"},
			{"declaration_number": "24/0000001-1", "category": "storage", "description": "Port storage", "amount": 310.5, "registered_at": "2024-02-03"},
		},
	})
}

type fixture struct {
	st    *store.Memory
	clock *clock
	dir   string
	proc  *Processor
}

func newFixture(t *testing.T, st store.Store, src datasource.DataSource) fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(c.Now)
	if st == nil {
		st = mem
	}
	dir := t.TempDir()
	pipe := export.NewPipeline(st, src, render.Default(), noopPublisher{}, dir, 10*time.Minute, nil)
	proc := NewProcessor(Options{
		MaxConcurrent: 3,
		Workers:       2,
		Lease:         10 * time.Minute,
		Retention:     72 * time.Hour,
		ExportDir:     dir,
		WorkerID:      "test",
	}, st, pipe, nil)
	proc.now = c.Now
	return fixture{st: mem, clock: c, dir: dir, proc: proc}
}

func statuses(t *testing.T, st *store.Memory, ids []string) map[string]int {
	t.Helper()
	out := map[string]int{}
	for _, id := range ids {
		job, err := st.GetJob(context.Background(), id)
		require.NoError(t, err)
		out[job.Status]++
	}
	return out
}

func TestSweepRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, staticSource())

	for i := 0; i < 2; i++ {
		_, _, err := f.st.CreateJob(ctx, store.CreateJobParams{
			Parameters: params,
			Status:     models.StatusProcessing,
			LeaseOwner: "other",
			Lease:      10 * time.Minute,
		})
		require.NoError(t, err)
	}
	var ids []string
	for i := 0; i < 10; i++ {
		job, _, err := f.st.CreateJob(ctx, store.CreateJobParams{Parameters: params})
		require.NoError(t, err)
		ids = append(ids, job.ExportID)
	}

	require.NoError(t, f.proc.Sweep(ctx))

	got := statuses(t, f.st, ids)
	require.Equal(t, 1, got[models.StatusCompleted])
	require.Equal(t, 9, got[models.StatusQueued])

	// FIFO: the oldest queued job is the one that ran.
	first, err := f.st.GetJob(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)
	require.Equal(t, 100, first.Progress)
}

func TestSweepIgnoresExpiredLeases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, staticSource())

	for i := 0; i < 3; i++ {
		_, _, err := f.st.CreateJob(ctx, store.CreateJobParams{
			Parameters: params,
			Status:     models.StatusProcessing,
			LeaseOwner: "silent",
			Lease:      10 * time.Minute,
		})
		require.NoError(t, err)
	}
	var ids []string
	for i := 0; i < 4; i++ {
		job, _, err := f.st.CreateJob(ctx, store.CreateJobParams{Parameters: params})
		require.NoError(t, err)
		ids = append(ids, job.ExportID)
	}

	require.NoError(t, f.proc.Sweep(ctx))
	require.Equal(t, 4, statuses(t, f.st, ids)[models.StatusQueued])

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.proc.Sweep(ctx))
	got := statuses(t, f.st, ids)
	require.Equal(t, 3, got[models.StatusCompleted])
	require.Equal(t, 1, got[models.StatusQueued])
}

func TestSweepRecordsJobFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, failingSource{})

	job, _, err := f.st.CreateJob(ctx, store.CreateJobParams{Parameters: params})
	require.NoError(t, err)

	require.NoError(t, f.proc.Sweep(ctx))

	got, err := f.st.GetJob(ctx, job.ExportID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Contains(t, *got.ErrorMessage, "declarations table unavailable")

	var events []string
	for _, a := range f.st.Audits(job.ExportID) {
		events = append(events, a.Event)
	}
	require.Contains(t, events, "claimed")
	require.Contains(t, events, models.StatusFailed)
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, staticSource())

	job, _, err := f.st.CreateJob(ctx, store.CreateJobParams{Parameters: params})
	require.NoError(t, err)
	require.NoError(t, f.proc.Sweep(ctx))

	done, err := f.st.GetJob(ctx, job.ExportID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.Result)

	orphan := filepath.Join(f.dir, "taxes_orphan.pdf")
	require.NoError(t, os.WriteFile(orphan, []byte("%PDF"), 0o644))
	fresh := filepath.Join(f.dir, "taxes_fresh.pdf")
	require.NoError(t, os.WriteFile(fresh, []byte("%PDF"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "nested"), 0o755))

	f.clock.Advance(73 * time.Hour)
	old := f.clock.Now().Add(-73 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))
	require.NoError(t, os.Chtimes(done.Result.FilePath, old, old))
	recent := f.clock.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(fresh, recent, recent))

	require.NoError(t, f.proc.Sweep(ctx))

	_, err = f.st.GetJob(ctx, job.ExportID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(orphan)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(done.Result.FilePath)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.dir, "nested"))
	require.NoError(t, err)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, staticSource())
	f.proc.WithLocker(heldLock{})

	job, _, err := f.st.CreateJob(ctx, store.CreateJobParams{Parameters: params})
	require.NoError(t, err)

	require.NoError(t, f.proc.Sweep(ctx))
	got, err := f.st.GetJob(ctx, job.ExportID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
}

func TestSweepListFailureStillCleansUp(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, listFailStore{Store: store.NewMemory(c.Now)}, staticSource())
	f.proc.now = c.Now

	stale := filepath.Join(f.dir, "declarations_stale.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))
	old := c.Now().Add(-100 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	err := f.proc.Sweep(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "list queued exports")

	_, statErr := os.Stat(stale)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}
