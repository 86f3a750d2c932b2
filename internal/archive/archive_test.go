package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func completedTask(userID string) *models.Task {
	task := models.NewTask(models.TaskKindProtect, "a1b2c3d4_clip.mp4", models.TaskParams{
		Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: models.AudioLevelWeak,
	})
	task.UserID = userID
	task.MarkProcessing()
	task.MarkCompleted(task.ID+"_clip_protected.mp4", 12.5)
	return task
}

func TestSaveAndList(t *testing.T) {
	repo := openTestRepo(t)

	tasks := []*models.Task{completedTask("alice"), completedTask("bob")}
	saved, err := repo.Save(tasks)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	records, err := repo.List(Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, rec := range records {
		assert.False(t, rec.ID.IsZero(), "ULID assigned on create")
		assert.Equal(t, models.TaskStatusCompleted, rec.Status)
		assert.Len(t, rec.TaskID, 8)
		assert.WithinDuration(t, time.Now(), rec.ArchivedAt, time.Minute)
	}
}

func TestListFilters(t *testing.T) {
	repo := openTestRepo(t)

	failed := completedTask("alice")
	failed.Status = models.TaskStatusFailed
	failed.ErrorMessage = "muxing output: exit 1"

	_, err := repo.Save([]*models.Task{completedTask("alice"), completedTask("bob"), failed})
	require.NoError(t, err)

	byUser, err := repo.List(Filter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byStatus, err := repo.List(Filter{Status: models.TaskStatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "muxing output: exit 1", byStatus[0].ErrorMessage)

	limited, err := repo.List(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCount(t *testing.T) {
	repo := openTestRepo(t)

	n, err := repo.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.Save([]*models.Task{completedTask("alice")})
	require.NoError(t, err)

	n, err = repo.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSaveEmpty(t *testing.T) {
	repo := openTestRepo(t)
	saved, err := repo.Save(nil)
	require.NoError(t, err)
	assert.Zero(t, saved)
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "archive.db")

	repo, err := Open(dsn, nil)
	require.NoError(t, err)
	_, err = repo.Save([]*models.Task{completedTask("alice")})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := Open(dsn, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
