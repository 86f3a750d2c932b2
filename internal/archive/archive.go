// Package archive persists cleaned-up tasks to a SQLite database so their
// final state outlives the live queue.
package archive

import (
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dstrelkov/vidveil/internal/models"
)

// Repository stores archived task records.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive database at dsn and migrates the
// schema. Use ":memory:" for an ephemeral database.
func Open(dsn string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	if err := db.AutoMigrate(&models.ArchivedTask{}); err != nil {
		return nil, fmt.Errorf("migrating archive schema: %w", err)
	}

	logger.Debug("archive database ready", slog.String("dsn", dsn))
	return &Repository{db: db, logger: logger}, nil
}

// Save archives the given tasks. It returns the number of records written;
// a failure on one record does not block the rest.
func (r *Repository) Save(tasks []*models.Task) (int, error) {
	saved := 0
	var firstErr error
	for _, task := range tasks {
		record := models.NewArchivedTask(task)
		if err := r.db.Create(record).Error; err != nil {
			r.logger.Warn("archiving task failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("archiving task %s: %w", task.ID, err)
			}
			continue
		}
		saved++
	}
	return saved, firstErr
}

// Filter selects archive records for List.
type Filter struct {
	Status models.TaskStatus // empty = all statuses
	UserID string            // empty = all users
	Limit  int               // <= 0 = default 100
	Offset int
}

// List returns archive records matching the filter, most recently archived
// first.
func (r *Repository) List(filter Filter) ([]models.ArchivedTask, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := r.db.Model(&models.ArchivedTask{}).
		Order("archived_at DESC").
		Limit(limit).
		Offset(filter.Offset)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}

	var records []models.ArchivedTask
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	return records, nil
}

// Count returns the total number of archived records.
func (r *Repository) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&models.ArchivedTask{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting archive: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
