// Package store provides storage backends for IndicatorPipe.
//
// This file implements a PostgreSQL-backed graph store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	return newPostgresStoreFromDB(db)
}

// newPostgresStoreFromDB runs migrations on an open connection.
func newPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}

// SaveGraph stores or updates the graph of g.UserID.
func (s *PostgresStore) SaveGraph(g *memory.Graph) error {
	if g == nil || g.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := g.Marshal()
	if err != nil {
		slog.Error("PostgresStore SaveGraph marshal failed", "error", err, "userID", g.UserID)
		return err
	}
	query := `
		INSERT INTO user_graphs (user_id, graph_json, node_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET
			graph_json = EXCLUDED.graph_json,
			node_count = EXCLUDED.node_count,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(query, g.UserID, string(data), len(g.Nodes), time.Now()); err != nil {
		slog.Error("PostgresStore SaveGraph failed", "error", err, "userID", g.UserID)
		return fmt.Errorf("failed to save graph for %s: %w", g.UserID, err)
	}
	slog.Debug("PostgresStore SaveGraph succeeded", "userID", g.UserID, "nodes", len(g.Nodes))
	return nil
}

// GetGraph retrieves the graph for userID, or nil when none exists.
func (s *PostgresStore) GetGraph(userID string, opts ...memory.Option) (*memory.Graph, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT graph_json FROM user_graphs WHERE user_id = $1`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetGraph not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetGraph failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load graph for %s: %w", userID, err)
	}
	g, err := memory.Unmarshal(data, opts...)
	if err != nil {
		slog.Error("PostgresStore GetGraph decode failed", "error", err, "userID", userID)
		return nil, err
	}
	slog.Debug("PostgresStore GetGraph found", "userID", userID, "nodes", len(g.Nodes))
	return g, nil
}

// DeleteGraph removes the graph for userID.
func (s *PostgresStore) DeleteGraph(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM user_graphs WHERE user_id = $1`, userID); err != nil {
		slog.Error("PostgresStore DeleteGraph failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete graph for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore DeleteGraph succeeded", "userID", userID)
	return nil
}

// ListGraphUsers returns every user id with a stored graph.
func (s *PostgresStore) ListGraphUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM user_graphs ORDER BY user_id`)
	if err != nil {
		slog.Error("PostgresStore ListGraphUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to list graph users: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}
