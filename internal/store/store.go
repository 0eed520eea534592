// Package store provides storage backends for IndicatorPipe.
//
// It persists one conversation graph per user, deduplicates inbound webhook
// messages, and keeps a durable outbox of replies waiting to be delivered.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// Store persists conversation graphs.
type Store interface {
	// SaveGraph stores or replaces the graph of g.UserID.
	SaveGraph(g *memory.Graph) error
	// GetGraph returns the stored graph for userID, or nil when none exists.
	GetGraph(userID string, opts ...memory.Option) (*memory.Graph, error)
	// DeleteGraph removes the graph for userID. Missing graphs are not an error.
	DeleteGraph(userID string) error
	// ListGraphUsers returns the ids of every user with a stored graph, sorted.
	ListGraphUsers() ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a functional option for configuring SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports which driver a DSN is meant for. URLs and key=value
// connection strings are Postgres; anything else is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// InMemoryStore keeps graphs and dedup records in process memory. Graphs are
// stored serialized so callers never share state with the store.
type InMemoryStore struct {
	mu     sync.RWMutex
	graphs map[string][]byte
	seen   map[string]inbound
}

type inbound struct {
	at        time.Time
	processed bool
}

// Compile-time checks that InMemoryStore implements Store and DedupRepo.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		graphs: map[string][]byte{},
		seen:   map[string]inbound{},
	}
}

func (s *InMemoryStore) SaveGraph(g *memory.Graph) error {
	if g == nil || g.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.UserID] = data
	slog.Debug("InMemoryStore SaveGraph succeeded", "userID", g.UserID, "nodes", len(g.Nodes))
	return nil
}

func (s *InMemoryStore) GetGraph(userID string, opts ...memory.Option) (*memory.Graph, error) {
	s.mu.RLock()
	data, ok := s.graphs[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	g, err := memory.Unmarshal(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to decode graph for %s: %w", userID, err)
	}
	return g, nil
}

func (s *InMemoryStore) DeleteGraph(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, userID)
	return nil
}

func (s *InMemoryStore) ListGraphUsers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[messageID]; ok {
		return false, nil
	}
	s.seen[messageID] = inbound{at: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.seen[messageID]; ok {
		rec.processed = true
		s.seen[messageID] = rec
	}
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.seen[messageID]; ok && !rec.processed {
		delete(s.seen, messageID)
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.seen {
		if rec.at.Before(cutoff) {
			delete(s.seen, id)
			n++
		}
	}
	return n, nil
}
