// Package models defines the task record and related types for vidveil.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskKind represents the kind of processing a task performs.
type TaskKind string

const (
	// TaskKindProtect applies adversarial frame perturbation and audio masking.
	TaskKindProtect TaskKind = "PROTECT"
	// TaskKindStripMetadata removes container metadata via stream copy.
	TaskKindStripMetadata TaskKind = "STRIP_METADATA"
	// TaskKindCompress recompresses the video towards a target size.
	TaskKindCompress TaskKind = "COMPRESS"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for a worker.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusProcessing indicates a worker owns the task.
	TaskStatusProcessing TaskStatus = "PROCESSING"
	// TaskStatusCompleted indicates the task finished and produced an output.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// statusTexts maps statuses to human-readable display strings.
var statusTexts = map[TaskStatus]string{
	TaskStatusPending:    "Queued",
	TaskStatusProcessing: "Processing",
	TaskStatusCompleted:  "Completed",
	TaskStatusFailed:     "Failed",
	TaskStatusCancelled:  "Cancelled",
}

// Text returns the human-readable display string for the status.
func (s TaskStatus) Text() string {
	if t, ok := statusTexts[s]; ok {
		return t
	}
	return string(s)
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// AudioLevel selects the audio masking intensity.
type AudioLevel string

const (
	// AudioLevelNone disables audio masking.
	AudioLevelNone AudioLevel = "none"
	// AudioLevelWeak is the lightest masking intensity.
	AudioLevelWeak AudioLevel = "weak"
	// AudioLevelMedium is the middle masking intensity.
	AudioLevelMedium AudioLevel = "medium"
	// AudioLevelStrong is the strongest masking intensity.
	AudioLevelStrong AudioLevel = "strong"
)

// audioSigmas maps levels to the Gaussian noise standard deviation.
var audioSigmas = map[AudioLevel]float64{
	AudioLevelNone:   0,
	AudioLevelWeak:   0.0035,
	AudioLevelMedium: 0.0050,
	AudioLevelStrong: 0.0080,
}

// Sigma returns the Gaussian noise standard deviation for the level.
func (l AudioLevel) Sigma() float64 {
	return audioSigmas[l]
}

// Valid reports whether the level is one of the canonical values.
func (l AudioLevel) Valid() bool {
	_, ok := audioSigmas[l]
	return ok
}

// TaskParams holds the per-task processing parameters. Only the fields
// relevant to the task kind are populated.
type TaskParams struct {
	// Epsilon is the L-infinity perturbation budget (PROTECT).
	Epsilon float64 `json:"epsilon,omitempty"`
	// Strength multiplies Epsilon for the final step size (PROTECT).
	Strength float64 `json:"strength,omitempty"`
	// EveryN perturbs every Nth frame (PROTECT).
	EveryN int `json:"every_n,omitempty"`
	// AudioLevel selects the audio masking intensity (PROTECT).
	AudioLevel AudioLevel `json:"audio_level,omitempty"`
	// TargetMB is the desired output size in megabytes (COMPRESS).
	TargetMB float64 `json:"target_mb,omitempty"`
}

// Validate checks the parameters against the ranges allowed for the kind.
func (p TaskParams) Validate(kind TaskKind) error {
	switch kind {
	case TaskKindProtect:
		if p.Epsilon < 0.01 || p.Epsilon > 0.5 {
			return fmt.Errorf("epsilon must be between 0.01 and 0.5, got %g", p.Epsilon)
		}
		if p.Strength < 0.1 || p.Strength > 2.0 {
			return fmt.Errorf("strength must be between 0.1 and 2.0, got %g", p.Strength)
		}
		if p.EveryN < 1 || p.EveryN > 30 {
			return fmt.Errorf("every_n must be between 1 and 30, got %d", p.EveryN)
		}
		if !p.AudioLevel.Valid() {
			return fmt.Errorf("audio_level must be one of none, weak, medium, strong; got %q", p.AudioLevel)
		}
	case TaskKindCompress:
		if p.TargetMB < 5 || p.TargetMB > 500 {
			return fmt.Errorf("target_size_mb must be between 5 and 500, got %g", p.TargetMB)
		}
	case TaskKindStripMetadata:
		// No parameters.
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

// Task is a persistent record describing one unit of video processing.
// Tasks are keyed by a short opaque id and survive process restarts.
type Task struct {
	ID           string     `json:"id"`
	Kind         TaskKind   `json:"kind"`
	Status       TaskStatus `json:"status"`
	InputName    string     `json:"input_name"`
	OriginalName string     `json:"original_name,omitempty"`
	Params       TaskParams `json:"params"`

	Progress        int `json:"progress"`
	ProcessedFrames int `json:"processed_frames"`
	TotalFrames     int `json:"total_frames"`

	OutputName   string  `json:"output_name,omitempty"`
	OutputSizeMB float64 `json:"output_size_mb,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	UserID string `json:"user_id,omitempty"`
	Notes  string `json:"notes,omitempty"`

	// CancelRequested is set by the cancel handler while the task is
	// PROCESSING; the owning worker observes it at its next checkpoint.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTaskID returns a fresh short task id: the first 8 hex characters of a
// random UUID.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewTask creates a PENDING task for the given kind and stored input name.
func NewTask(kind TaskKind, inputName string, params TaskParams) *Task {
	return &Task{
		ID:        NewTaskID(),
		Kind:      kind,
		Status:    TaskStatusPending,
		InputName: inputName,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal returns true if the task has reached a terminal status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// CanCancel returns true if a cancel request can succeed.
func (t *Task) CanCancel() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusProcessing
}

// MarkProcessing transitions the task to PROCESSING.
func (t *Task) MarkProcessing() {
	t.Status = TaskStatusProcessing
	now := time.Now().UTC()
	t.StartedAt = &now
}

// MarkCompleted transitions the task to COMPLETED with its output artifact.
func (t *Task) MarkCompleted(outputName string, outputSizeMB float64) {
	t.Status = TaskStatusCompleted
	t.OutputName = outputName
	t.OutputSizeMB = outputSizeMB
	t.Progress = 100
	t.ErrorMessage = ""
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// MarkFailed transitions the task to FAILED with an error message. Progress
// is frozen at its last value.
func (t *Task) MarkFailed(err error) {
	t.Status = TaskStatusFailed
	if err != nil {
		t.ErrorMessage = err.Error()
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// MarkCancelled transitions the task to CANCELLED.
func (t *Task) MarkCancelled() {
	t.Status = TaskStatusCancelled
	t.CancelRequested = false
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// SetProgress advances progress. Values below the current progress are
// ignored so observers always see a non-decreasing sequence.
func (t *Task) SetProgress(p int) {
	if p < t.Progress {
		return
	}
	if p > 100 {
		p = 100
	}
	t.Progress = p
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Validate performs basic validation on the task record. It is used when
// reloading persisted records; invalid records are dropped by the store.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	switch t.Kind {
	case TaskKindProtect, TaskKindStripMetadata, TaskKindCompress:
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
	default:
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("progress out of range: %d", t.Progress)
	}
	return nil
}

// Projection is the public view of a task returned by the HTTP API.
type Projection struct {
	ID              string     `json:"task_id"`
	Kind            TaskKind   `json:"task_type"`
	Status          TaskStatus `json:"status"`
	StatusText      string     `json:"status_text"`
	Filename        string     `json:"filename"`
	Progress        int        `json:"progress"`
	ProcessedFrames int        `json:"processed_frames"`
	TotalFrames     int        `json:"total_frames"`
	OutputName      string     `json:"output_name,omitempty"`
	OutputSizeMB    float64    `json:"output_size_mb,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Project returns the public projection of the task.
func (t *Task) Project() Projection {
	name := t.OriginalName
	if name == "" {
		name = t.InputName
	}
	return Projection{
		ID:              t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		StatusText:      t.Status.Text(),
		Filename:        name,
		Progress:        t.Progress,
		ProcessedFrames: t.ProcessedFrames,
		TotalFrames:     t.TotalFrames,
		OutputName:      t.OutputName,
		OutputSizeMB:    t.OutputSizeMB,
		ErrorMessage:    t.ErrorMessage,
		UserID:          t.UserID,
		Notes:           t.Notes,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}
