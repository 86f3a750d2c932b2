package models

import "errors"

// Sentinel errors shared across packages.
var (
	// ErrTaskNotFound is returned when a task id does not exist in the store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinished is returned when an operation requires a non-terminal
	// task but the task has already completed, failed, or been cancelled.
	ErrTaskFinished = errors.New("task already finished")

	// ErrTaskCancelled is returned by the pipeline when a cancellation
	// checkpoint observes a cancel request.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrAudioEmpty is returned when an audio file decodes to zero samples.
	ErrAudioEmpty = errors.New("audio stream is empty")

	// ErrAudioIO is returned when an audio file cannot be read or written.
	ErrAudioIO = errors.New("audio i/o failure")

	// ErrFrameIO is returned when a frame image cannot be read or written.
	ErrFrameIO = errors.New("frame i/o failure")
)
