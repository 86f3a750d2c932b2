// Package store implements the durable task queue: an in-memory map of task
// records persisted as a single JSON document that is atomically rewritten on
// every mutation.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/google/renameio/v2"
)

// Store is the durable task queue. All mutations go through a single
// exclusive lock and rewrite the backing JSON file before returning, so a
// crash at any point leaves either the previous or the new state on disk.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	tasks  map[string]*models.Task
}

// Stats summarises the queue by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// New creates a store backed by the JSON file at path. Call Load before use.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger,
		tasks:  make(map[string]*models.Task),
	}
}

// Load reads the persistence file. A missing file yields an empty store.
// Malformed records are logged and dropped. Tasks found in PROCESSING are
// requeued as PENDING: the worker that owned them did not survive the
// restart, so they are re-run from scratch.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}

	requeued := 0
	for id, msg := range raw {
		var task models.Task
		if err := json.Unmarshal(msg, &task); err != nil {
			s.logger.Warn("dropping malformed task record",
				slog.String("task_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if err := task.Validate(); err != nil {
			s.logger.Warn("dropping invalid task record",
				slog.String("task_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if task.Status == models.TaskStatusProcessing {
			task.Status = models.TaskStatusPending
			task.StartedAt = nil
			task.Progress = 0
			task.CancelRequested = false
			requeued++
		}
		s.tasks[task.ID] = &task
	}

	if requeued > 0 {
		s.logger.Info("requeued interrupted tasks", slog.Int("count", requeued))
		if err := s.persistLocked(); err != nil {
			return err
		}
	}

	s.logger.Info("task store loaded",
		slog.String("path", s.path),
		slog.Int("tasks", len(s.tasks)))

	return nil
}

// persistLocked rewrites the persistence file. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tasks: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

// Create inserts a new task and persists.
func (s *Store) Create(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return s.persistLocked()
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Update applies mutate to the task under the store lock and persists the
// result. If mutate returns an error the task is left unchanged.
func (s *Store) Update(id string, mutate func(*models.Task) error) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}

	candidate := task.Clone()
	if err := mutate(candidate); err != nil {
		return nil, err
	}
	s.tasks[id] = candidate

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return candidate.Clone(), nil
}

// ClaimNext atomically selects the oldest PENDING task, transitions it to
// PROCESSING, and returns a copy. Returns nil when the queue is empty. Two
// concurrent callers never receive the same task.
func (s *Store) ClaimNext() (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.MarkProcessing()
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return oldest.Clone(), nil
}

// ListPending returns up to limit PENDING tasks, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListPending(limit int) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusPending {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListByUser returns the tasks created by the given user, newest first.
func (s *Store) ListByUser(userID string) []*models.Task {
	return s.List(ListFilter{UserID: userID})
}

// ListFilter selects tasks for List.
type ListFilter struct {
	Status models.TaskStatus // empty = all statuses
	UserID string            // empty = all users
	Limit  int               // <= 0 = no limit
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(filter ListFilter) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && task.UserID != filter.UserID {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Cancel requests cancellation of the task. PENDING tasks transition to
// CANCELLED immediately; for PROCESSING tasks a cancel flag is set and the
// owning worker performs the transition at its next checkpoint. Cancelling a
// terminal task returns ErrTaskFinished.
func (s *Store) Cancel(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}

	switch task.Status {
	case models.TaskStatusPending:
		task.MarkCancelled()
	case models.TaskStatusProcessing:
		task.CancelRequested = true
	default:
		return nil, models.ErrTaskFinished
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// CancelRequested reports whether cancellation was requested for the task.
// Used by the pipeline at its checkpoints.
func (s *Store) CancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	return task.CancelRequested || task.Status == models.TaskStatusCancelled
}

// Cleanup removes terminal tasks whose completed_at is older than age and
// returns the removed records. Associated files are not touched; the caller
// owns file cleanup and archiving.
func (s *Store) Cleanup(age time.Duration) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	var removed []*models.Task
	for id, task := range s.tasks {
		if !task.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if task.CompletedAt.Before(cutoff) {
			removed = append(removed, task.Clone())
			delete(s.tasks, id)
		}
	}

	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// FailTimedOut transitions PROCESSING tasks that started more than timeout
// ago to FAILED and returns the affected records.
func (s *Store) FailTimedOut(timeout time.Duration) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var failed []*models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusProcessing || task.StartedAt == nil {
			continue
		}
		if task.StartedAt.Before(cutoff) {
			task.MarkFailed(fmt.Errorf("task timed out after %s", timeout))
			failed = append(failed, task.Clone())
		}
	}

	if len(failed) == 0 {
		return nil, nil
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return failed, nil
}

// CountProcessing returns the number of tasks currently in PROCESSING.
func (s *Store) CountProcessing() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusProcessing {
			n++
		}
	}
	return n
}

// Stats returns queue counters by status.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case models.TaskStatusPending:
			st.Pending++
		case models.TaskStatusProcessing:
			st.Processing++
		case models.TaskStatusCompleted:
			st.Completed++
		case models.TaskStatusFailed:
			st.Failed++
		case models.TaskStatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Path returns the persistence file path.
func (s *Store) Path() string {
	return s.path
}
