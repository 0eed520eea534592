// Package session keeps the live conversation graphs of active users.
//
// The Registry loads a user's graph from the store on first use, serializes
// turns for the same user, writes graphs back in the background after every
// turn, and supports periodic flush and idle-eviction sweeps that never wait
// on a user who is mid-turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
)

// DefaultFlushConcurrency bounds concurrent store writes during FlushAll.
const DefaultFlushConcurrency = 4

// ErrNotFound is returned by Lookup when the user has no graph.
var ErrNotFound = errors.New("session not found")

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("session registry closed")

type entry struct {
	// lock is a one-slot semaphore held for the duration of a turn.
	lock chan struct{}

	// Guarded by lock.
	graph    *memory.Graph
	lastUsed time.Time
	evicted  bool

	// Guarded by Registry.mu.
	seq   uint64
	dirty bool

	// Serializes background writes of this user's snapshots.
	writeMu sync.Mutex
}

func newEntry() *entry {
	return &entry{lock: make(chan struct{}, 1)}
}

func (e *entry) tryLock() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) unlock() {
	<-e.lock
}

// Registry is the keyed store of live user sessions.
type Registry struct {
	store       store.Store
	graphOpts   []memory.Option
	metrics     *metrics.Collector
	concurrency int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	writes sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithGraphOptions sets the options applied to every loaded or created graph.
func WithGraphOptions(opts ...memory.Option) Option {
	return func(r *Registry) {
		r.graphOpts = append(r.graphOpts, opts...)
	}
}

// WithMetrics attaches a metrics collector that tracks the live session count.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = c
	}
}

// WithFlushConcurrency bounds concurrent writes during FlushAll.
func WithFlushConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the idle-time clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a Registry backed by st.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:       st,
		concurrency: DefaultFlushConcurrency,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns userID's graph, loading it from the store or creating an
// empty one, and blocks until no other turn for the same user is running.
// The caller must call release exactly once when the turn is over.
func (r *Registry) Acquire(ctx context.Context, userID string) (*memory.Graph, func(), error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, ErrClosed
		}
		e, ok := r.sessions[userID]
		if !ok {
			e = newEntry()
			r.sessions[userID] = e
			r.metrics.SetSessions(len(r.sessions))
		}
		r.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		// Evicted while we waited; start over with a fresh entry.
		if e.evicted {
			e.unlock()
			continue
		}

		if e.graph == nil {
			g, err := r.load(userID)
			if err != nil {
				e.unlock()
				return nil, nil, err
			}
			e.graph = g
		}
		e.lastUsed = r.now()

		var once sync.Once
		release := func() {
			once.Do(func() {
				e.lastUsed = r.now()
				e.unlock()
			})
		}
		return e.graph, release, nil
	}
}

func (r *Registry) load(userID string) (*memory.Graph, error) {
	g, err := r.store.GetGraph(userID, r.graphOpts...)
	if err != nil {
		slog.Error("Registry.load: failed to load graph", "userID", userID, "error", err)
		return nil, fmt.Errorf("failed to load graph for %s: %w", userID, err)
	}
	if g == nil {
		slog.Debug("Registry.load: no stored graph, starting fresh", "userID", userID)
		return memory.New(userID, r.graphOpts...), nil
	}
	slog.Debug("Registry.load: graph loaded", "userID", userID, "nodes", len(g.Nodes))
	return g, nil
}

// Persist snapshots g now and writes the snapshot in the background. Write
// failures leave the session dirty for the next flush sweep.
func (r *Registry) Persist(userID string, g *memory.Graph) {
	snap, err := r.snapshot(g)
	if err != nil {
		slog.Error("Registry.Persist: failed to snapshot graph", "userID", userID, "error", err)
		return
	}

	r.mu.Lock()
	e := r.sessions[userID]
	var seq uint64
	if e != nil {
		e.seq++
		e.dirty = true
		seq = e.seq
	}
	r.mu.Unlock()

	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		if e == nil {
			if err := r.store.SaveGraph(snap); err != nil {
				slog.Error("Registry.Persist: background save failed", "userID", userID, "error", err)
			}
			return
		}
		r.write(userID, e, snap, seq)
	}()
}

// write saves snap unless a newer snapshot of the same session superseded it.
func (r *Registry) write(userID string, e *entry, snap *memory.Graph, seq uint64) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	r.mu.Lock()
	stale := e.seq != seq
	r.mu.Unlock()
	if stale {
		slog.Debug("Registry.write: snapshot superseded", "userID", userID, "seq", seq)
		return nil
	}

	if err := r.store.SaveGraph(snap); err != nil {
		slog.Error("Registry.write: save failed", "userID", userID, "error", err)
		return err
	}

	r.mu.Lock()
	if e.seq == seq {
		e.dirty = false
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) snapshot(g *memory.Graph) (*memory.Graph, error) {
	data, err := g.Marshal()
	if err != nil {
		return nil, err
	}
	return memory.Unmarshal(data, r.graphOpts...)
}

// Lookup returns a copy of userID's graph, from the live session when there
// is one and from the store otherwise.
func (r *Registry) Lookup(ctx context.Context, userID string) (*memory.Graph, error) {
	r.mu.Lock()
	_, live := r.sessions[userID]
	r.mu.Unlock()

	if live {
		g, release, err := r.Acquire(ctx, userID)
		if err != nil {
			return nil, err
		}
		defer release()
		return r.snapshot(g)
	}

	g, err := r.store.GetGraph(userID, r.graphOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph for %s: %w", userID, err)
	}
	if g == nil {
		return nil, ErrNotFound
	}
	return g, nil
}

// Delete drops userID's live session and stored graph once any running turn is over.
func (r *Registry) Delete(ctx context.Context, userID string) error {
	_, release, err := r.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	e := r.sessions[userID]
	delete(r.sessions, userID)
	if e != nil {
		e.seq++
		e.dirty = false
		e.evicted = true
	}
	r.metrics.SetSessions(len(r.sessions))
	r.mu.Unlock()

	// Pending background writes for this user now see a newer seq and skip.
	if e != nil {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
	}
	if err := r.store.DeleteGraph(userID); err != nil {
		slog.Error("Registry.Delete: failed to delete stored graph", "userID", userID, "error", err)
		return fmt.Errorf("failed to delete graph for %s: %w", userID, err)
	}
	slog.Info("Registry.Delete: session removed", "userID", userID)
	return nil
}

// Users returns the ids of live sessions, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type sessionRef struct {
	userID string
	e      *entry
}

func (r *Registry) dirtySessions() []sessionRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sessionRef
	for id, e := range r.sessions {
		if e.dirty {
			out = append(out, sessionRef{userID: id, e: e})
		}
	}
	return out
}

// FlushAll writes every dirty session to the store. Sessions held by a
// running turn are skipped; their turn will persist them. It returns the
// number of sessions written.
func (r *Registry) FlushAll(ctx context.Context) (int, error) {
	refs := r.dirtySessions()
	if len(refs) == 0 {
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var mu sync.Mutex
	flushed := 0
	for _, ref := range refs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := r.flushOne(ref)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				flushed++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	slog.Debug("Registry.FlushAll: sweep done", "dirty", len(refs), "flushed", flushed, "error", err)
	return flushed, err
}

func (r *Registry) flushOne(ref sessionRef) (bool, error) {
	if !ref.e.tryLock() {
		slog.Debug("Registry.flushOne: session busy, skipping", "userID", ref.userID)
		return false, nil
	}
	if ref.e.evicted || ref.e.graph == nil {
		ref.e.unlock()
		return false, nil
	}
	snap, err := r.snapshot(ref.e.graph)
	r.mu.Lock()
	ref.e.seq++
	seq := ref.e.seq
	r.mu.Unlock()
	ref.e.unlock()
	if err != nil {
		return false, fmt.Errorf("failed to snapshot graph for %s: %w", ref.userID, err)
	}

	if err := r.write(ref.userID, ref.e, snap, seq); err != nil {
		return false, fmt.Errorf("failed to flush graph for %s: %w", ref.userID, err)
	}
	return true, nil
}

// EvictIdle drops sessions unused for longer than ttl. Busy sessions and
// sessions whose latest state could not be written are kept. It returns the
// number of sessions evicted.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	r.mu.Lock()
	refs := make([]sessionRef, 0, len(r.sessions))
	for id, e := range r.sessions {
		refs = append(refs, sessionRef{userID: id, e: e})
	}
	r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	evicted := 0
	for _, ref := range refs {
		if !ref.e.tryLock() {
			continue
		}
		if ref.e.lastUsed.After(cutoff) {
			ref.e.unlock()
			continue
		}

		r.mu.Lock()
		dirty := ref.e.dirty
		r.mu.Unlock()
		if dirty && ref.e.graph != nil {
			ref.e.writeMu.Lock()
			err := r.store.SaveGraph(ref.e.graph)
			ref.e.writeMu.Unlock()
			if err != nil {
				slog.Error("Registry.EvictIdle: failed to save before eviction", "userID", ref.userID, "error", err)
				ref.e.unlock()
				continue
			}
		}

		r.mu.Lock()
		if r.sessions[ref.userID] == ref.e {
			delete(r.sessions, ref.userID)
		}
		ref.e.seq++
		ref.e.dirty = false
		r.mu.Unlock()
		ref.e.evicted = true
		ref.e.unlock()
		evicted++
		slog.Debug("Registry.EvictIdle: session evicted", "userID", ref.userID)
	}

	if evicted > 0 {
		r.mu.Lock()
		r.metrics.SetSessions(len(r.sessions))
		r.mu.Unlock()
		slog.Info("Registry.EvictIdle: idle sessions evicted", "count", evicted, "ttl", ttl)
	}
	return evicted
}

// Close rejects new turns, waits for background writes and flushes what is left.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.writes.Wait()
	_, err := r.FlushAll(ctx)
	return err
}
