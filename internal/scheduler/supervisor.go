// Package scheduler runs the background maintenance jobs: the hourly timeout
// sweep and the nightly cleanup/backup pass.
package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dstrelkov/vidveil/internal/archive"
	"github.com/dstrelkov/vidveil/internal/backup"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
)

// timeoutSweepSpec is how often PROCESSING tasks are checked against the
// task timeout.
const timeoutSweepSpec = "@hourly"

// Supervisor owns the cron entries for queue maintenance.
type Supervisor struct {
	mu sync.Mutex

	store   *store.Store
	layout  *storage.Layout
	archive *archive.Repository // optional
	backups *backup.Manager
	logger  *slog.Logger

	taskTimeout time.Duration
	cleanupAge  time.Duration
	backupSpec  string

	cron *cron.Cron
}

// SupervisorConfig holds configuration for the supervisor.
type SupervisorConfig struct {
	// TaskTimeout is the age after which a PROCESSING task is failed.
	// Default: 24 hours
	TaskTimeout time.Duration

	// CleanupAge is the age after which terminal tasks are archived and
	// removed. Default: 7 days
	CleanupAge time.Duration

	// BackupSpec is the cron expression for the cleanup/backup pass.
	// Default: "0 2 * * *"
	BackupSpec string
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		TaskTimeout: 24 * time.Hour,
		CleanupAge:  7 * 24 * time.Hour,
		BackupSpec:  "0 2 * * *",
	}
}

// NewSupervisor creates a supervisor. The archive repository and backup
// manager may be nil; the corresponding step is then skipped.
func NewSupervisor(st *store.Store, layout *storage.Layout, archiveRepo *archive.Repository, backups *backup.Manager) *Supervisor {
	config := DefaultSupervisorConfig()
	return &Supervisor{
		store:       st,
		layout:      layout,
		archive:     archiveRepo,
		backups:     backups,
		logger:      slog.Default(),
		taskTimeout: config.TaskTimeout,
		cleanupAge:  config.CleanupAge,
		backupSpec:  config.BackupSpec,
	}
}

// WithLogger sets a custom logger.
func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	s.logger = logger
	return s
}

// WithConfig applies configuration to the supervisor.
func (s *Supervisor) WithConfig(config SupervisorConfig) *Supervisor {
	if config.TaskTimeout > 0 {
		s.taskTimeout = config.TaskTimeout
	}
	if config.CleanupAge > 0 {
		s.cleanupAge = config.CleanupAge
	}
	if config.BackupSpec != "" {
		s.backupSpec = config.BackupSpec
	}
	return s
}

// Start registers the cron entries and begins running them.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("supervisor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(timeoutSweepSpec, s.sweepTimeouts); err != nil {
		return fmt.Errorf("registering timeout sweep: %w", err)
	}
	if _, err := c.AddFunc(s.backupSpec, s.maintain); err != nil {
		return fmt.Errorf("registering maintenance job %q: %w", s.backupSpec, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("maintenance supervisor started",
		slog.String("backup_spec", s.backupSpec),
		slog.Duration("task_timeout", s.taskTimeout),
		slog.Duration("cleanup_age", s.cleanupAge))

	return nil
}

// Stop halts the cron entries and waits for a running job to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("maintenance supervisor stopped")
}

// sweepTimeouts fails PROCESSING tasks that exceeded the task timeout.
func (s *Supervisor) sweepTimeouts() {
	failed, err := s.store.FailTimedOut(s.taskTimeout)
	if err != nil {
		s.logger.Error("timeout sweep failed", slog.Any("error", err))
		return
	}
	for _, task := range failed {
		s.logger.Warn("task timed out",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)))
	}
}

// maintain runs the nightly pass: archive and remove old terminal tasks,
// then snapshot the queue file.
func (s *Supervisor) maintain() {
	if _, err := s.Cleanup(s.cleanupAge); err != nil {
		s.logger.Error("scheduled cleanup failed", slog.Any("error", err))
	}
	if s.backups != nil {
		if _, err := s.backups.Snapshot(); err != nil {
			s.logger.Error("queue snapshot failed", slog.Any("error", err))
		}
	}
}

// Cleanup archives and removes terminal tasks older than age, deleting their
// remaining files. It returns the number of removed tasks.
func (s *Supervisor) Cleanup(age time.Duration) (int, error) {
	removed, err := s.store.Cleanup(age)
	if err != nil {
		return 0, fmt.Errorf("cleaning up queue: %w", err)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if s.archive != nil {
		if saved, err := s.archive.Save(removed); err != nil {
			s.logger.Warn("archiving cleaned-up tasks",
				slog.Int("saved", saved),
				slog.Any("error", err))
		}
	}

	for _, task := range removed {
		if task.OutputName != "" {
			if err := os.Remove(s.layout.OutputPath(task.OutputName)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("removing output file",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()))
			}
		}
		if task.InputName != "" {
			if err := os.Remove(s.layout.InputPath(task.InputName)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("removing input file",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("queue cleanup complete",
		slog.Int("removed", len(removed)),
		slog.Duration("age", age))

	return len(removed), nil
}
