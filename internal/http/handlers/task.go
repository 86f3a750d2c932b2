package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dstrelkov/vidveil/internal/archive"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/scheduler"
	"github.com/dstrelkov/vidveil/internal/store"
)

// defaultCleanupDays is used when POST /cleanup omits the days parameter.
const defaultCleanupDays = 7

// TaskHandler serves the task inspection and lifecycle endpoints.
type TaskHandler struct {
	store      *store.Store
	supervisor *scheduler.Supervisor
	archive    *archive.Repository // optional
}

// NewTaskHandler creates a task handler. The archive repository may be nil;
// the archive listing endpoint then reports an empty history.
func NewTaskHandler(st *store.Store, supervisor *scheduler.Supervisor, archiveRepo *archive.Repository) *TaskHandler {
	return &TaskHandler{
		store:      st,
		supervisor: supervisor,
		archive:    archiveRepo,
	}
}

// Register registers the task routes with the API.
func (h *TaskHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      "GET",
		Path:        "/task/{id}",
		Summary:     "Get task",
		Description: "Returns the public projection of a task",
		Tags:        []string{"Tasks"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      "GET",
		Path:        "/tasks",
		Summary:     "List tasks",
		Description: "Returns tasks, newest first, optionally filtered by user and status",
		Tags:        []string{"Tasks"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTask",
		Method:      "POST",
		Path:        "/cancel/{id}",
		Summary:     "Cancel task",
		Description: "Cancels a pending or processing task",
		Tags:        []string{"Tasks"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "cleanupTasks",
		Method:      "POST",
		Path:        "/cleanup",
		Summary:     "Clean up old tasks",
		Description: "Archives and removes terminal tasks older than the given number of days",
		Tags:        []string{"Tasks"},
	}, h.Cleanup)

	huma.Register(api, huma.Operation{
		OperationID: "listArchivedTasks",
		Method:      "GET",
		Path:        "/tasks/archive",
		Summary:     "List archived tasks",
		Description: "Returns tasks that were archived by cleanup, most recent first",
		Tags:        []string{"Tasks"},
	}, h.ListArchive)
}

// GetTaskInput is the input for getting a task.
type GetTaskInput struct {
	ID string `path:"id" doc:"Task ID (8 hex characters)"`
}

// GetTaskOutput is the output for getting a task.
type GetTaskOutput struct {
	Body models.Projection
}

// Get returns a task by id.
func (h *TaskHandler) Get(ctx context.Context, input *GetTaskInput) (*GetTaskOutput, error) {
	task, err := h.store.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", input.ID))
	}
	return &GetTaskOutput{Body: task.Project()}, nil
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct {
	UserID string `query:"user_id" doc:"Filter by user ID" required:"false"`
	Status string `query:"status" doc:"Filter by status" required:"false" enum:",PENDING,PROCESSING,COMPLETED,FAILED,CANCELLED"`
	Limit  int    `query:"limit" doc:"Maximum number of tasks returned" default:"50" minimum:"1" maximum:"500"`
}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body struct {
		Tasks []models.Projection `json:"tasks"`
		Count int                 `json:"count"`
	}
}

// List returns tasks newest first.
func (h *TaskHandler) List(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
	tasks := h.store.List(store.ListFilter{
		Status: models.TaskStatus(input.Status),
		UserID: input.UserID,
		Limit:  input.Limit,
	})

	resp := &ListTasksOutput{}
	resp.Body.Tasks = make([]models.Projection, 0, len(tasks))
	for _, task := range tasks {
		resp.Body.Tasks = append(resp.Body.Tasks, task.Project())
	}
	resp.Body.Count = len(resp.Body.Tasks)
	return resp, nil
}

// CancelTaskInput is the input for cancelling a task.
type CancelTaskInput struct {
	ID string `path:"id" doc:"Task ID"`
}

// CancelTaskOutput is the output for cancelling a task.
type CancelTaskOutput struct {
	Body struct {
		Status string            `json:"status"`
		Task   models.Projection `json:"task"`
	}
}

// Cancel requests cancellation of a task. PENDING tasks are cancelled
// immediately; PROCESSING tasks are cancelled by their worker at the next
// checkpoint.
func (h *TaskHandler) Cancel(ctx context.Context, input *CancelTaskInput) (*CancelTaskOutput, error) {
	task, err := h.store.Cancel(input.ID)
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", input.ID))
	case errors.Is(err, models.ErrTaskFinished):
		return nil, huma.Error400BadRequest("task already finished")
	case err != nil:
		return nil, huma.Error500InternalServerError("cancelling task", err)
	}

	resp := &CancelTaskOutput{}
	resp.Body.Status = "ok"
	resp.Body.Task = task.Project()
	return resp, nil
}

// CleanupInput is the input for the cleanup endpoint.
type CleanupInput struct {
	Days int `query:"days" doc:"Remove terminal tasks older than this many days" default:"7" minimum:"0" maximum:"3650"`
}

// CleanupOutput is the output for the cleanup endpoint.
type CleanupOutput struct {
	Body struct {
		DeletedTasks int `json:"deleted_tasks"`
	}
}

// Cleanup archives and removes old terminal tasks.
func (h *TaskHandler) Cleanup(ctx context.Context, input *CleanupInput) (*CleanupOutput, error) {
	days := input.Days
	if days <= 0 {
		days = defaultCleanupDays
	}

	removed, err := h.supervisor.Cleanup(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return nil, huma.Error500InternalServerError("cleanup failed", err)
	}

	resp := &CleanupOutput{}
	resp.Body.DeletedTasks = removed
	return resp, nil
}

// ListArchiveInput is the input for listing archived tasks.
type ListArchiveInput struct {
	UserID string `query:"user_id" doc:"Filter by user ID" required:"false"`
	Status string `query:"status" doc:"Filter by status" required:"false" enum:",COMPLETED,FAILED,CANCELLED"`
	Limit  int    `query:"limit" doc:"Maximum number of records returned" default:"100" minimum:"1" maximum:"1000"`
	Offset int    `query:"offset" doc:"Number of records to skip" default:"0" minimum:"0"`
}

// ListArchiveOutput is the output for listing archived tasks.
type ListArchiveOutput struct {
	Body struct {
		Tasks []models.ArchivedTask `json:"tasks"`
		Count int                   `json:"count"`
	}
}

// ListArchive returns archived tasks, most recently archived first.
func (h *TaskHandler) ListArchive(ctx context.Context, input *ListArchiveInput) (*ListArchiveOutput, error) {
	resp := &ListArchiveOutput{}
	resp.Body.Tasks = []models.ArchivedTask{}

	if h.archive == nil {
		return resp, nil
	}

	records, err := h.archive.List(archive.Filter{
		Status: models.TaskStatus(input.Status),
		UserID: input.UserID,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("listing archive", err)
	}

	resp.Body.Tasks = records
	resp.Body.Count = len(records)
	return resp, nil
}
