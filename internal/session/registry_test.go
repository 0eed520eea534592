package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore wraps the in-memory store with a switchable save failure.
type flakyStore struct {
	*store.InMemoryStore
	mu    sync.Mutex
	fail  bool
	saves int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: store.NewInMemoryStore()}
}

func (s *flakyStore) SaveGraph(g *memory.Graph) error {
	s.mu.Lock()
	fail := s.fail
	s.saves++
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.InMemoryStore.SaveGraph(g)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func completedEntry(indicator, timeString string) models.IndicatorEntry {
	e := models.NewIndicatorEntry()
	e.Indicator = indicator
	e.SetFormula("F-" + indicator)
	e.SetTime(models.TimeSlot{TimeString: timeString, TimeType: models.TimeTypeDay})
	e.Status = models.EntryStatusCompleted
	return e
}

func storedNodes(t *testing.T, st store.Store, userID string) int {
	t.Helper()
	g, err := st.GetGraph(userID)
	require.NoError(t, err)
	if g == nil {
		return -1
	}
	return len(g.Nodes)
}

func TestAcquireLoadsStoredGraph(t *testing.T) {
	st := store.NewInMemoryStore()
	seed := memory.New("alice")
	seed.AddNode(completedEntry("yield", "2025-10-01"))
	require.NoError(t, st.SaveGraph(seed))

	r := NewRegistry(st)
	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer release()

	assert.Len(t, g.Nodes, 1)
	assert.Equal(t, 1, r.Len())
}

func TestAcquireCreatesEmptyGraph(t *testing.T) {
	r := NewRegistry(store.NewInMemoryStore(), WithGraphOptions(memory.WithHistoryLimit(3)))
	g, release, err := r.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, "bob", g.UserID)
	assert.Empty(t, g.Nodes)
	for i := 0; i < 5; i++ {
		g.AppendHistory("q", "a")
	}
	assert.Len(t, g.History, 3)
}

func TestAcquireBlocksWhileUserIsBusy(t *testing.T) {
	r := NewRegistry(store.NewInMemoryStore())
	_, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other users are not affected.
	_, releaseBob, err := r.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	releaseBob()

	release()
	release() // idempotent
	_, release, err = r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
}

func TestConcurrentTurnsSerialize(t *testing.T) {
	r := NewRegistry(store.NewInMemoryStore())
	const turns = 25

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, release, err := r.Acquire(context.Background(), "alice")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			g.AppendHistory("q", "a")
			r.Persist("alice", g)
		}()
	}
	wg.Wait()

	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, g.History, turns)
	release()
	require.NoError(t, r.Close(context.Background()))
}

func TestPersistWritesInBackground(t *testing.T) {
	st := newFlakyStore()
	r := NewRegistry(st)

	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	g.AddNode(completedEntry("yield", "2025-10-01"))
	r.Persist("alice", g)
	// Later mutations do not leak into the snapshot already taken.
	g.AddNode(completedEntry("output", "2025-10-01"))
	release()

	r.writes.Wait()
	assert.Equal(t, 1, storedNodes(t, st, "alice"))
	require.NoError(t, r.Close(context.Background()))
}

func TestFlushAllRetriesFailedWrites(t *testing.T) {
	st := newFlakyStore()
	r := NewRegistry(st)

	st.setFail(true)
	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	g.AddNode(completedEntry("yield", "2025-10-01"))
	r.Persist("alice", g)
	release()
	r.writes.Wait()
	assert.Equal(t, -1, storedNodes(t, st, "alice"))

	_, err = r.FlushAll(context.Background())
	require.Error(t, err)

	st.setFail(false)
	n, err := r.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, storedNodes(t, st, "alice"))

	n, err = r.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "clean sessions are not rewritten")
}

func TestFlushAllSkipsBusySessions(t *testing.T) {
	st := newFlakyStore()
	r := NewRegistry(st)

	st.setFail(true)
	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	r.Persist("alice", g)
	r.writes.Wait()
	st.setFail(false)

	n, err := r.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	release()
	n, err = r.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEvictIdle(t *testing.T) {
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := newFlakyStore()
	r := NewRegistry(st, WithClock(clock))

	_, release, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	release()

	_, releaseBusy, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, releaseFresh, err := r.Acquire(context.Background(), "fresh")
	require.NoError(t, err)
	releaseFresh()

	assert.Equal(t, 1, r.EvictIdle(30*time.Minute))
	assert.Equal(t, []string{"busy", "fresh"}, r.Users())

	releaseBusy()
	now = now.Add(time.Hour)
	assert.Equal(t, 2, r.EvictIdle(30*time.Minute))
	assert.Empty(t, r.Users())
}

func TestEvictIdleKeepsUnsavedSessions(t *testing.T) {
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)
	st := newFlakyStore()
	r := NewRegistry(st, WithClock(func() time.Time { return now }))

	st.setFail(true)
	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	g.AddNode(completedEntry("yield", "2025-10-01"))
	r.Persist("alice", g)
	release()
	r.writes.Wait()

	now = now.Add(time.Hour)
	assert.Zero(t, r.EvictIdle(time.Minute))

	st.setFail(false)
	assert.Equal(t, 1, r.EvictIdle(time.Minute))
	assert.Equal(t, 1, storedNodes(t, st, "alice"))
	assert.Zero(t, r.Len())

	// A reloaded session sees the saved state.
	g, release, err = r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
	release()
}

func TestLookupAndDelete(t *testing.T) {
	st := newFlakyStore()
	r := NewRegistry(st)

	_, err := r.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	g.AddNode(completedEntry("yield", "2025-10-01"))
	r.Persist("alice", g)
	release()

	snap, err := r.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
	snap.AddNode(completedEntry("output", "2025-10-01"))

	g, release, err = r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1, "lookup returns a copy")
	release()

	require.NoError(t, r.Delete(context.Background(), "alice"))
	r.writes.Wait()
	assert.Zero(t, r.Len())
	assert.Equal(t, -1, storedNodes(t, st, "alice"))
	_, err = r.Lookup(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireAfterClose(t *testing.T) {
	r := NewRegistry(store.NewInMemoryStore())
	require.NoError(t, r.Close(context.Background()))
	_, _, err := r.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeScheduler struct {
	jobs map[string]time.Duration
	fns  map[string]func()
}

func (f *fakeScheduler) Every(name string, interval time.Duration, task func()) error {
	if f.jobs == nil {
		f.jobs = map[string]time.Duration{}
		f.fns = map[string]func(){}
	}
	f.jobs[name] = interval
	f.fns[name] = task
	return nil
}

func TestScheduleSweeps(t *testing.T) {
	now := time.Date(2025, 10, 15, 8, 0, 0, 0, time.UTC)
	st := newFlakyStore()
	r := NewRegistry(st, WithClock(func() time.Time { return now }))
	sched := &fakeScheduler{}

	require.NoError(t, ScheduleSweeps(context.Background(), sched, r, 5*time.Minute, 30*time.Minute))
	assert.Equal(t, map[string]time.Duration{
		"session-flush": 5 * time.Minute,
		"session-evict": 15 * time.Minute,
	}, sched.jobs)

	st.setFail(true)
	g, release, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	g.AddNode(completedEntry("yield", "2025-10-01"))
	r.Persist("alice", g)
	release()
	r.writes.Wait()
	st.setFail(false)

	sched.fns["session-flush"]()
	assert.Equal(t, 1, storedNodes(t, st, "alice"))

	now = now.Add(time.Hour)
	sched.fns["session-evict"]()
	assert.Zero(t, r.Len())
}
