// Package store provides storage backends for IndicatorPipe.
//
// This file implements an SQLite-backed graph store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// go-sqlite3 serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

// SaveGraph stores or replaces the serialized graph of g.UserID.
func (s *SQLiteStore) SaveGraph(g *memory.Graph) error {
	if g == nil || g.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := g.Marshal()
	if err != nil {
		slog.Error("SQLiteStore SaveGraph marshal failed", "error", err, "userID", g.UserID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO user_graphs (user_id, graph_json, node_count, updated_at) VALUES (?, ?, ?, ?)`,
		g.UserID, string(data), len(g.Nodes), time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveGraph failed", "error", err, "userID", g.UserID)
		return fmt.Errorf("failed to save graph for %s: %w", g.UserID, err)
	}
	slog.Debug("SQLiteStore SaveGraph succeeded", "userID", g.UserID, "nodes", len(g.Nodes))
	return nil
}

// GetGraph returns the stored graph for userID, or nil when none exists.
func (s *SQLiteStore) GetGraph(userID string, opts ...memory.Option) (*memory.Graph, error) {
	var data string
	err := s.db.QueryRow(`SELECT graph_json FROM user_graphs WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetGraph not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetGraph failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load graph for %s: %w", userID, err)
	}
	g, err := memory.Unmarshal([]byte(data), opts...)
	if err != nil {
		slog.Error("SQLiteStore GetGraph decode failed", "error", err, "userID", userID)
		return nil, err
	}
	return g, nil
}

// DeleteGraph removes the stored graph for userID.
func (s *SQLiteStore) DeleteGraph(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM user_graphs WHERE user_id = ?`, userID); err != nil {
		slog.Error("SQLiteStore DeleteGraph failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete graph for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore DeleteGraph succeeded", "userID", userID)
	return nil
}

// ListGraphUsers returns every user id with a stored graph.
func (s *SQLiteStore) ListGraphUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM user_graphs ORDER BY user_id`)
	if err != nil {
		slog.Error("SQLiteStore ListGraphUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to list graph users: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func scanUserIDs(rows *sql.Rows) ([]string, error) {
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user ids: %w", err)
	}
	return users, nil
}
