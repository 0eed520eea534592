package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// MirrorStore decorates a Store by writing a YAML snapshot of every saved
// graph to dir, one file per user. Snapshots are for inspection only; reads
// always go to the wrapped store.
type MirrorStore struct {
	Store
	dir string
}

// NewMirrorStore wraps inner, creating dir if needed.
func NewMirrorStore(inner Store, dir string) (*MirrorStore, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &MirrorStore{Store: inner, dir: dir}, nil
}

// SaveGraph saves to the wrapped store, then writes the snapshot. Snapshot
// failures are logged and do not fail the save.
func (m *MirrorStore) SaveGraph(g *memory.Graph) error {
	if err := m.Store.SaveGraph(g); err != nil {
		return err
	}
	data, err := yaml.Marshal(g)
	if err != nil {
		slog.Warn("MirrorStore.SaveGraph: yaml marshal failed", "userID", g.UserID, "error", err)
		return nil
	}
	if err := os.WriteFile(m.path(g.UserID), data, 0o644); err != nil {
		slog.Warn("MirrorStore.SaveGraph: snapshot write failed", "userID", g.UserID, "error", err)
	}
	return nil
}

// DeleteGraph deletes from the wrapped store and removes the snapshot.
func (m *MirrorStore) DeleteGraph(userID string) error {
	if err := m.Store.DeleteGraph(userID); err != nil {
		return err
	}
	if err := os.Remove(m.path(userID)); err != nil && !os.IsNotExist(err) {
		slog.Warn("MirrorStore.DeleteGraph: snapshot remove failed", "userID", userID, "error", err)
	}
	return nil
}

// ReadSnapshot decodes the YAML snapshot for userID.
func (m *MirrorStore) ReadSnapshot(userID string) (*memory.Graph, error) {
	data, err := os.ReadFile(m.path(userID))
	if err != nil {
		return nil, err
	}
	g := memory.New(userID)
	if err := yaml.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return g, nil
}

func (m *MirrorStore) path(userID string) string {
	return filepath.Join(m.dir, unsafeFileChars.ReplaceAllString(userID, "_")+".yaml")
}
