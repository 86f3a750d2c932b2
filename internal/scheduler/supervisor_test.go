package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dstrelkov/vidveil/internal/archive"
	"github.com/dstrelkov/vidveil/internal/backup"
	"github.com/dstrelkov/vidveil/internal/config"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	supervisor *Supervisor
	store      *store.Store
	layout     *storage.Layout
	archive    *archive.Repository
	backups    *backup.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	layout := storage.NewLayout(config.StorageConfig{
		BaseDir:   t.TempDir(),
		InputDir:  "videos_input",
		OutputDir: "videos_output",
		TempDir:   "videos_temp",
		LogDir:    "server_logs",
		QueueDir:  "queue_db",
	})
	require.NoError(t, layout.Bootstrap())

	st := store.New(layout.TasksFile(), nil)
	require.NoError(t, st.Load())

	repo, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	backups := backup.New(layout.TasksFile(), layout.BackupsDir(), 3, nil)

	return &fixture{
		supervisor: NewSupervisor(st, layout, repo, backups),
		store:      st,
		layout:     layout,
		archive:    repo,
		backups:    backups,
	}
}

// agedTask creates a COMPLETED task whose completion time is backdated.
func agedTask(t *testing.T, fx *fixture, age time.Duration) *models.Task {
	t.Helper()

	task := models.NewTask(models.TaskKindStripMetadata, "a1b2c3d4_clip.mp4", models.TaskParams{})
	require.NoError(t, fx.store.Create(task))

	finished, err := fx.store.Update(task.ID, func(tk *models.Task) error {
		tk.MarkProcessing()
		tk.MarkCompleted(task.ID+"_clip_cleaned.mp4", 1.5)
		past := time.Now().UTC().Add(-age)
		tk.CompletedAt = &past
		return nil
	})
	require.NoError(t, err)
	return finished
}

func TestCleanupArchivesAndRemovesFiles(t *testing.T) {
	fx := newFixture(t)

	old := agedTask(t, fx, 48*time.Hour)
	fresh := agedTask(t, fx, time.Hour)

	outputPath := fx.layout.OutputPath(old.OutputName)
	require.NoError(t, os.WriteFile(outputPath, []byte("video"), 0o644))

	removed, err := fx.supervisor.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = fx.store.Get(old.ID)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
	_, err = fx.store.Get(fresh.ID)
	assert.NoError(t, err, "recent task survives")

	_, err = os.Stat(outputPath)
	assert.True(t, os.IsNotExist(err), "output file removed")

	records, err := fx.archive.List(archive.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, old.ID, records[0].TaskID)
}

func TestCleanupNothingToDo(t *testing.T) {
	fx := newFixture(t)
	removed, err := fx.supervisor.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanupWithoutArchive(t *testing.T) {
	fx := newFixture(t)
	fx.supervisor.archive = nil

	agedTask(t, fx, 48*time.Hour)

	removed, err := fx.supervisor.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweepTimeouts(t *testing.T) {
	fx := newFixture(t)
	fx.supervisor.WithConfig(SupervisorConfig{TaskTimeout: time.Hour})

	task := models.NewTask(models.TaskKindProtect, "a1b2c3d4_clip.mp4", models.TaskParams{
		Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: models.AudioLevelWeak,
	})
	require.NoError(t, fx.store.Create(task))
	claimed, err := fx.store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = fx.store.Update(task.ID, func(tk *models.Task) error {
		past := time.Now().UTC().Add(-2 * time.Hour)
		tk.StartedAt = &past
		return nil
	})
	require.NoError(t, err)

	fx.supervisor.sweepTimeouts()

	swept, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, swept.Status)
	assert.Contains(t, swept.ErrorMessage, "timed out")
}

func TestMaintainSnapshotsQueue(t *testing.T) {
	fx := newFixture(t)
	agedTask(t, fx, 10*24*time.Hour)

	fx.supervisor.maintain()

	names, err := fx.backups.List()
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.supervisor.Start())
	assert.Error(t, fx.supervisor.Start(), "double start rejected")
	fx.supervisor.Stop()

	// Stop after Stop is a no-op.
	fx.supervisor.Stop()
}

func TestStartRejectsBadSpec(t *testing.T) {
	fx := newFixture(t)
	fx.supervisor.WithConfig(SupervisorConfig{BackupSpec: "not a cron spec"})
	assert.Error(t, fx.supervisor.Start())
}
