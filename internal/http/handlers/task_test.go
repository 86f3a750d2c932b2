package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstrelkov/vidveil/internal/archive"
	"github.com/dstrelkov/vidveil/internal/backup"
	"github.com/dstrelkov/vidveil/internal/config"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/scheduler"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
)

func testLayout(t *testing.T) *storage.Layout {
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
	return layout
}

func testStore(t *testing.T, layout *storage.Layout) *store.Store {
	t.Helper()
	st := store.New(layout.TasksFile(), nil)
	require.NoError(t, st.Load())
	return st
}

func newTaskHandler(t *testing.T) (*TaskHandler, *store.Store) {
	t.Helper()
	layout := testLayout(t)
	st := testStore(t, layout)

	repo, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	backups := backup.New(layout.TasksFile(), layout.BackupsDir(), 3, nil)
	supervisor := scheduler.NewSupervisor(st, layout, repo, backups)

	return NewTaskHandler(st, supervisor, repo), st
}

func newProtectTask(t *testing.T, st *store.Store, userID string) *models.Task {
	t.Helper()
	task := models.NewTask(models.TaskKindProtect, "a1b2c3d4_clip.mp4", models.TaskParams{
		Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: models.AudioLevelWeak,
	})
	task.UserID = userID
	require.NoError(t, st.Create(task))
	return task
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	return se.GetStatus()
}

func TestTaskHandlerGet(t *testing.T) {
	handler, st := newTaskHandler(t)
	ctx := context.Background()

	task := newProtectTask(t, st, "alice")

	resp, err := handler.Get(ctx, &GetTaskInput{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, task.ID, resp.Body.ID)
	assert.Equal(t, models.TaskStatusPending, resp.Body.Status)
	assert.Equal(t, "Queued", resp.Body.StatusText)

	_, err = handler.Get(ctx, &GetTaskInput{ID: "ffffffff"})
	assert.Equal(t, 404, statusOf(t, err))
}

func TestTaskHandlerList(t *testing.T) {
	handler, st := newTaskHandler(t)
	ctx := context.Background()

	first := newProtectTask(t, st, "alice")
	_, err := st.Update(first.ID, func(tk *models.Task) error {
		tk.CreatedAt = tk.CreatedAt.Add(-time.Minute)
		return nil
	})
	require.NoError(t, err)
	second := newProtectTask(t, st, "bob")

	resp, err := handler.List(ctx, &ListTasksInput{Limit: 50})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Body.Count)
	assert.Equal(t, second.ID, resp.Body.Tasks[0].ID, "newest first")

	byUser, err := handler.List(ctx, &ListTasksInput{UserID: "alice", Limit: 50})
	require.NoError(t, err)
	require.Equal(t, 1, byUser.Body.Count)
	assert.Equal(t, first.ID, byUser.Body.Tasks[0].ID)

	byStatus, err := handler.List(ctx, &ListTasksInput{Status: "PROCESSING", Limit: 50})
	require.NoError(t, err)
	assert.Zero(t, byStatus.Body.Count)
}

func TestTaskHandlerCancel(t *testing.T) {
	handler, st := newTaskHandler(t)
	ctx := context.Background()

	pending := newProtectTask(t, st, "")
	resp, err := handler.Cancel(ctx, &CancelTaskInput{ID: pending.ID})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Body.Status)
	assert.Equal(t, models.TaskStatusCancelled, resp.Body.Task.Status)

	// Cancelling again hits a terminal task.
	_, err = handler.Cancel(ctx, &CancelTaskInput{ID: pending.ID})
	assert.Equal(t, 400, statusOf(t, err))

	_, err = handler.Cancel(ctx, &CancelTaskInput{ID: "ffffffff"})
	assert.Equal(t, 404, statusOf(t, err))
}

func TestTaskHandlerCancelProcessing(t *testing.T) {
	handler, st := newTaskHandler(t)
	ctx := context.Background()

	newProtectTask(t, st, "")
	claimed, err := st.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	resp, err := handler.Cancel(ctx, &CancelTaskInput{ID: claimed.ID})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, resp.Body.Task.Status,
		"processing tasks stay PROCESSING until the worker's next checkpoint")
	assert.True(t, st.CancelRequested(claimed.ID))
}

func TestTaskHandlerCleanup(t *testing.T) {
	handler, st := newTaskHandler(t)
	ctx := context.Background()

	task := newProtectTask(t, st, "")
	_, err := st.Update(task.ID, func(tk *models.Task) error {
		tk.MarkProcessing()
		tk.MarkCompleted("out.mp4", 1.0)
		past := time.Now().UTC().Add(-30 * 24 * time.Hour)
		tk.CompletedAt = &past
		return nil
	})
	require.NoError(t, err)

	resp, err := handler.Cleanup(ctx, &CleanupInput{Days: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Body.DeletedTasks)

	_, err = st.Get(task.ID)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	// Cleaned-up tasks land in the archive.
	archived, err := handler.ListArchive(ctx, &ListArchiveInput{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, archived.Body.Count)
	assert.Equal(t, task.ID, archived.Body.Tasks[0].TaskID)
}

func TestTaskHandlerListArchiveWithoutRepo(t *testing.T) {
	layout := testLayout(t)
	st := testStore(t, layout)
	backups := backup.New(layout.TasksFile(), layout.BackupsDir(), 3, nil)
	supervisor := scheduler.NewSupervisor(st, layout, nil, backups)
	handler := NewTaskHandler(st, supervisor, nil)

	resp, err := handler.ListArchive(context.Background(), &ListArchiveInput{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, resp.Body.Count)
}

func TestSystemHandler(t *testing.T) {
	layout := testLayout(t)
	st := testStore(t, layout)
	handler := NewSystemHandler(st, "1.2.3", 3, 2<<30)
	ctx := context.Background()

	newProtectTask(t, st, "")

	info, err := handler.GetInfo(ctx, &InfoInput{})
	require.NoError(t, err)
	assert.Equal(t, "vidveil", info.Body.Service)
	assert.Equal(t, "1.2.3", info.Body.Version)
	assert.Equal(t, 1, info.Body.Queue.Pending)
	assert.Contains(t, info.Body.Endpoints, "upload")

	health, err := handler.GetHealth(ctx, &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Body.Status)
	assert.Equal(t, 1, health.Body.QueueSize)
	assert.Zero(t, health.Body.Processing)

	stats, err := handler.GetStats(ctx, &StatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Body.Limits.MaxConcurrentTasks)
	assert.EqualValues(t, 2<<30, stats.Body.Limits.MaxUploadBytes)
	assert.Equal(t, 1, stats.Body.Queue.Total)
	assert.Greater(t, stats.Body.System.CPUCores, 0)
}

func TestNewAPIErrorShape(t *testing.T) {
	err := NewAPIError(400, "epsilon out of range")
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "error", apiErr.Status)
	assert.Equal(t, "epsilon out of range", apiErr.Detail)
	assert.Equal(t, 400, apiErr.GetStatus())
}
