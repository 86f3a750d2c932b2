package models

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID(t *testing.T) {
	seen := make(map[string]bool)
	hex := regexp.MustCompile(`^[0-9a-f]{8}$`)

	for i := 0; i < 100; i++ {
		id := NewTaskID()
		assert.Regexp(t, hex, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTaskLifecycle(t *testing.T) {
	task := NewTask(TaskKindProtect, "abc123_video.mp4", TaskParams{
		Epsilon:    0.12,
		Strength:   1.0,
		EveryN:     10,
		AudioLevel: AudioLevelWeak,
	})

	assert.Equal(t, TaskStatusPending, task.Status)
	assert.False(t, task.IsTerminal())
	assert.True(t, task.CanCancel())
	assert.Nil(t, task.StartedAt)

	task.MarkProcessing()
	assert.Equal(t, TaskStatusProcessing, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.CanCancel())

	task.SetProgress(50)
	assert.Equal(t, 50, task.Progress)

	// Progress never regresses.
	task.SetProgress(10)
	assert.Equal(t, 50, task.Progress)

	task.MarkCompleted("out_protected.mp4", 12.5)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "out_protected.mp4", task.OutputName)
	require.NotNil(t, task.CompletedAt)
	assert.True(t, task.IsTerminal())
	assert.False(t, task.CanCancel())
}

func TestTaskMarkFailedFreezesProgress(t *testing.T) {
	task := NewTask(TaskKindStripMetadata, "in.mp4", TaskParams{})
	task.MarkProcessing()
	task.SetProgress(20)

	task.MarkFailed(errors.New("mux exploded"))

	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, 20, task.Progress)
	assert.Equal(t, "mux exploded", task.ErrorMessage)
	assert.Empty(t, task.OutputName)
	require.NotNil(t, task.CompletedAt)
}

func TestTaskMarkCancelled(t *testing.T) {
	task := NewTask(TaskKindCompress, "in.mp4", TaskParams{TargetMB: 25})
	task.MarkProcessing()
	task.CancelRequested = true

	task.MarkCancelled()

	assert.Equal(t, TaskStatusCancelled, task.Status)
	assert.False(t, task.CancelRequested)
	require.NotNil(t, task.CompletedAt)
}

func TestTaskParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    TaskKind
		params  TaskParams
		wantErr bool
	}{
		{"protect valid", TaskKindProtect, TaskParams{Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: AudioLevelWeak}, false},
		{"protect epsilon low", TaskKindProtect, TaskParams{Epsilon: 0.005, Strength: 1.0, EveryN: 10, AudioLevel: AudioLevelWeak}, true},
		{"protect epsilon high", TaskKindProtect, TaskParams{Epsilon: 0.6, Strength: 1.0, EveryN: 10, AudioLevel: AudioLevelWeak}, true},
		{"protect strength out of range", TaskKindProtect, TaskParams{Epsilon: 0.12, Strength: 2.5, EveryN: 10, AudioLevel: AudioLevelWeak}, true},
		{"protect every_n out of range", TaskKindProtect, TaskParams{Epsilon: 0.12, Strength: 1.0, EveryN: 31, AudioLevel: AudioLevelWeak}, true},
		{"protect bad audio level", TaskKindProtect, TaskParams{Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: "loud"}, true},
		{"protect audio none ok", TaskKindProtect, TaskParams{Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: AudioLevelNone}, false},
		{"compress valid", TaskKindCompress, TaskParams{TargetMB: 25}, false},
		{"compress too small", TaskKindCompress, TaskParams{TargetMB: 1}, true},
		{"compress too large", TaskKindCompress, TaskParams{TargetMB: 900}, true},
		{"strip ignores params", TaskKindStripMetadata, TaskParams{}, false},
		{"unknown kind", TaskKind("TRANSMUTE"), TaskParams{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAudioLevelSigma(t *testing.T) {
	assert.InDelta(t, 0.0035, AudioLevelWeak.Sigma(), 1e-9)
	assert.InDelta(t, 0.0050, AudioLevelMedium.Sigma(), 1e-9)
	assert.InDelta(t, 0.0080, AudioLevelStrong.Sigma(), 1e-9)
	assert.Zero(t, AudioLevelNone.Sigma())
	assert.False(t, AudioLevel("loud").Valid())
}

func TestTaskValidate(t *testing.T) {
	task := NewTask(TaskKindProtect, "in.mp4", TaskParams{})
	assert.NoError(t, task.Validate())

	bad := task.Clone()
	bad.Status = "RUNNING"
	assert.Error(t, bad.Validate())

	bad = task.Clone()
	bad.ID = ""
	assert.Error(t, bad.Validate())

	bad = task.Clone()
	bad.Progress = 101
	assert.Error(t, bad.Validate())
}

func TestProject(t *testing.T) {
	task := NewTask(TaskKindProtect, "abc12345_clip.mp4", TaskParams{Epsilon: 0.12, Strength: 1.0, EveryN: 10, AudioLevel: AudioLevelWeak})
	task.OriginalName = "clip.mp4"
	task.TotalFrames = 150
	task.ProcessedFrames = 15

	p := task.Project()
	assert.Equal(t, task.ID, p.ID)
	assert.Equal(t, "clip.mp4", p.Filename)
	assert.Equal(t, "Queued", p.StatusText)
	assert.Equal(t, 150, p.TotalFrames)
}

func TestNewArchivedTask(t *testing.T) {
	task := NewTask(TaskKindCompress, "in.mp4", TaskParams{TargetMB: 25})
	task.MarkProcessing()
	task.MarkCompleted("out_compressed.mp4", 24.1)

	a := NewArchivedTask(task)
	assert.Equal(t, task.ID, a.TaskID)
	assert.Equal(t, TaskStatusCompleted, a.Status)
	assert.Equal(t, "out_compressed.mp4", a.OutputName)
	assert.Equal(t, task.CreatedAt, a.TaskCreatedAt)
	assert.False(t, a.ArchivedAt.IsZero())
}
