package models

import (
	"time"

	"gorm.io/gorm"
)

// ArchivedTask is the durable record written when cleanup removes a terminal
// task from the live queue. It preserves the task's final state for later
// inspection without keeping the live store unbounded.
type ArchivedTask struct {
	ID ULID `gorm:"primarykey;type:varchar(26)" json:"id"`

	// TaskID is the short id the task carried in the live queue.
	TaskID string `gorm:"not null;size:8;index" json:"task_id"`

	Kind   TaskKind   `gorm:"not null;size:20;index" json:"task_type"`
	Status TaskStatus `gorm:"not null;size:20;index" json:"status"`

	InputName    string  `gorm:"size:512" json:"input_name"`
	OutputName   string  `gorm:"size:512" json:"output_name,omitempty"`
	OutputSizeMB float64 `json:"output_size_mb,omitempty"`
	ErrorMessage string  `gorm:"size:4096" json:"error_message,omitempty"`

	ProcessedFrames int `json:"processed_frames"`
	TotalFrames     int `json:"total_frames"`

	UserID string `gorm:"size:100;index" json:"user_id,omitempty"`

	TaskCreatedAt time.Time  `json:"task_created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `gorm:"index" json:"completed_at,omitempty"`
	ArchivedAt    time.Time  `gorm:"index" json:"archived_at"`
}

// TableName returns the table name for ArchivedTask.
func (ArchivedTask) TableName() string {
	return "archived_tasks"
}

// BeforeCreate generates a ULID if not already set.
func (a *ArchivedTask) BeforeCreate(tx *gorm.DB) error {
	if a.ID.IsZero() {
		a.ID = NewULID()
	}
	return nil
}

// NewArchivedTask builds an archive record from a live task.
func NewArchivedTask(t *Task) *ArchivedTask {
	return &ArchivedTask{
		TaskID:          t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		InputName:       t.InputName,
		OutputName:      t.OutputName,
		OutputSizeMB:    t.OutputSizeMB,
		ErrorMessage:    t.ErrorMessage,
		ProcessedFrames: t.ProcessedFrames,
		TotalFrames:     t.TotalFrames,
		UserID:          t.UserID,
		TaskCreatedAt:   t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		ArchivedAt:      time.Now().UTC(),
	}
}
