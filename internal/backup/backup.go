// Package backup writes xz-compressed snapshots of the queue persistence
// file and prunes old snapshots down to a retention count.
package backup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// snapshotTimeFormat orders snapshot names lexicographically by creation time.
const snapshotTimeFormat = "20060102T150405.000000000"

const (
	snapshotPrefix = "tasks-"
	snapshotSuffix = ".json.xz"
)

// Manager snapshots one source file into a backups directory.
type Manager struct {
	source    string
	dir       string
	retention int
	logger    *slog.Logger
}

// New creates a manager. retention is the number of snapshots kept; values
// below 1 keep a single snapshot.
func New(source, dir string, retention int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if retention < 1 {
		retention = 1
	}
	return &Manager{
		source:    source,
		dir:       dir,
		retention: retention,
		logger:    logger,
	}
}

// Snapshot compresses the current source file into the backups directory and
// prunes old snapshots. A missing source file is not an error; the snapshot
// is simply skipped.
func (m *Manager) Snapshot() (string, error) {
	data, err := os.ReadFile(m.source)
	if os.IsNotExist(err) {
		m.logger.Debug("no queue file to snapshot", slog.String("source", m.source))
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", m.source, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", m.dir, err)
	}

	name := snapshotPrefix + time.Now().UTC().Format(snapshotTimeFormat) + snapshotSuffix
	path := filepath.Join(m.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating snapshot %s: %w", path, err)
	}

	w, err := xz.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("initialising xz writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing snapshot %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("finalising snapshot %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing snapshot %s: %w", path, err)
	}

	m.logger.Info("queue snapshot written",
		slog.String("snapshot", name),
		slog.Int("source_bytes", len(data)))

	if err := m.prune(); err != nil {
		m.logger.Warn("pruning snapshots", slog.String("error", err.Error()))
	}
	return path, nil
}

// Restore decompresses the named snapshot and returns its contents.
func (m *Manager) Restore(name string) ([]byte, error) {
	f, err := os.Open(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("initialising xz reader: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	return data, nil
}

// List returns snapshot names, newest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix) {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// prune removes snapshots beyond the retention count, oldest first.
func (m *Manager) prune() error {
	names, err := m.List()
	if err != nil {
		return err
	}
	if len(names) <= m.retention {
		return nil
	}
	for _, name := range names[m.retention:] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
		m.logger.Debug("pruned snapshot", slog.String("snapshot", name))
	}
	return nil
}
