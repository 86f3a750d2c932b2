package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, retention int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "tasks.json")
	return New(source, filepath.Join(dir, "backups"), retention, nil), source
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, source := newManager(t, 5)
	payload := []byte(`{"abcd1234": {"id": "abcd1234"}}`)
	require.NoError(t, os.WriteFile(source, payload, 0o644))

	path, err := m.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, path)

	names, err := m.List()
	require.NoError(t, err)
	require.Len(t, names, 1)

	restored, err := m.Restore(names[0])
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestSnapshotMissingSource(t *testing.T) {
	m, _ := newManager(t, 5)

	path, err := m.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, path, "missing queue file skips the snapshot")

	names, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSnapshotPrunesToRetention(t *testing.T) {
	m, source := newManager(t, 3)
	require.NoError(t, os.WriteFile(source, []byte(`{}`), 0o644))

	var newest string
	for i := 0; i < 6; i++ {
		path, err := m.Snapshot()
		require.NoError(t, err)
		newest = filepath.Base(path)
	}

	names, err := m.List()
	require.NoError(t, err)
	require.Len(t, names, 3)
	assert.Equal(t, newest, names[0], "newest snapshot survives pruning")
}

func TestListEmptyDir(t *testing.T) {
	m, _ := newManager(t, 5)
	names, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRestoreMissing(t *testing.T) {
	m, _ := newManager(t, 5)
	_, err := m.Restore("tasks-nope.json.xz")
	assert.Error(t, err)
}
