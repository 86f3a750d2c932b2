package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dstrelkov/vidveil/internal/config"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
)

// errUploadTooLarge marks a stream that exceeded the upload limit mid-copy.
var errUploadTooLarge = errors.New("upload exceeds size limit")

// UploadHandler serves the multipart intake endpoints and the download
// endpoint. These bypass Huma: bodies are streamed, not unmarshalled.
type UploadHandler struct {
	store     *store.Store
	layout    *storage.Layout
	logger    *slog.Logger
	maxBytes  int64
	workers   int
	protected config.ProtectConfig
}

// NewUploadHandler creates an upload handler. workers caps the number of
// PROCESSING tasks admitted at once.
func NewUploadHandler(st *store.Store, layout *storage.Layout, maxBytes int64, workers int, defaults config.ProtectConfig, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		store:     st,
		layout:    layout,
		logger:    logger,
		maxBytes:  maxBytes,
		workers:   workers,
		protected: defaults,
	}
}

// Register registers the raw routes on the router.
func (h *UploadHandler) Register(router chi.Router) {
	router.Post("/upload", h.Upload)
	router.Post("/strip-metadata", h.StripMetadata)
	router.Post("/compress-video", h.CompressVideo)
	router.Get("/download/{id}", h.Download)
}

// Upload accepts a video for protection processing.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	params, err := h.protectParams(r)
	h.intake(w, r, models.TaskKindProtect, params, err, "", func(task *models.Task) any {
		return map[string]any{
			"task_id": task.ID,
			"task":    task.Project(),
		}
	})
}

// StripMetadata accepts a video for metadata removal.
func (h *UploadHandler) StripMetadata(w http.ResponseWriter, r *http.Request) {
	h.intake(w, r, models.TaskKindStripMetadata, models.TaskParams{}, nil, "strip_metadata", func(task *models.Task) any {
		return map[string]any{
			"task_id": task.ID,
		}
	})
}

// CompressVideo accepts a video for recompression towards a target size.
func (h *UploadHandler) CompressVideo(w http.ResponseWriter, r *http.Request) {
	params, err := compressParams(r)
	autoNotes := fmt.Sprintf("compress_to_%smb", strconv.FormatFloat(params.TargetMB, 'f', -1, 64))
	h.intake(w, r, models.TaskKindCompress, params, err, autoNotes, func(task *models.Task) any {
		return map[string]any{
			"task_id":        task.ID,
			"target_size_mb": task.Params.TargetMB,
		}
	})
}

// intake runs the shared admission sequence: extension, size, concurrency,
// parameters; then streams the file to disk and creates the task. paramsErr
// is deferred until its place in the admission order. autoNotes is used when
// the client supplies no notes of its own.
func (h *UploadHandler) intake(w http.ResponseWriter, r *http.Request, kind models.TaskKind, params models.TaskParams, paramsErr error, autoNotes string, respond func(*models.Task) any) {
	// A little slack over the limit for multipart framing; the exact
	// payload limit is enforced while streaming the file part.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart upload")
		return
	}

	part, filename, err := findFilePart(mr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer part.Close()

	// 1. Extension.
	ext := strings.ToLower(filepath.Ext(filename))
	if !storage.VideoExtensions[ext] {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported format %q; accepted: mp4, mov, avi, mkv, webm", ext))
		return
	}

	// 2. Declared size, when the client provides one.
	if r.ContentLength > h.maxBytes+1<<20 {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
		return
	}

	// 3. Concurrency cap.
	if h.store.CountProcessing() >= h.workers {
		writeError(w, http.StatusTooManyRequests,
			"server busy: all workers are processing, retry later")
		return
	}

	// 4. Parameters.
	if paramsErr != nil {
		writeError(w, http.StatusBadRequest, paramsErr.Error())
		return
	}
	if err := params.Validate(kind); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	uid := models.NewTaskID()
	inputPath := h.layout.InputFile(uid, filename)
	written, err := streamToFile(part, inputPath, h.maxBytes)
	if err != nil {
		os.Remove(inputPath)
		if errors.Is(err, errUploadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
			return
		}
		h.logger.Error("storing upload", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}

	task := models.NewTask(kind, filepath.Base(inputPath), params)
	task.OriginalName = filename
	task.UserID = r.URL.Query().Get("user_id")
	task.Notes = r.URL.Query().Get("notes")
	if task.Notes == "" {
		task.Notes = autoNotes
	}

	if err := h.store.Create(task); err != nil {
		os.Remove(inputPath)
		h.logger.Error("creating task", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "creating task failed")
		return
	}

	h.logger.Info("upload accepted",
		slog.String("task_id", task.ID),
		slog.String("kind", string(kind)),
		slog.String("filename", filename),
		slog.Int64("bytes", written))

	writeJSON(w, http.StatusOK, respond(task))
}

// Download streams a completed task's output file.
func (h *UploadHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}

	switch task.Status {
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("task is %s; no output available", task.Status.Text()))
		return
	case models.TaskStatusCompleted:
		// Fall through to serve the file.
	default:
		writeError(w, http.StatusBadRequest, "task is not finished yet")
		return
	}

	f, err := os.Open(h.layout.OutputPath(task.OutputName))
	if err != nil {
		writeError(w, http.StatusNotFound, "output file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading output file")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", task.OutputName))
	io.Copy(w, f)
}

// protectParams reads PROTECT parameters from the query, applying configured
// defaults for omitted values.
func (h *UploadHandler) protectParams(r *http.Request) (models.TaskParams, error) {
	q := r.URL.Query()
	params := models.TaskParams{
		Epsilon:    h.protected.Epsilon,
		Strength:   h.protected.Strength,
		EveryN:     h.protected.FrameInterval,
		AudioLevel: models.AudioLevel(h.protected.AudioLevel),
	}

	if v := q.Get("epsilon"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, fmt.Errorf("invalid epsilon %q", v)
		}
		params.Epsilon = f
	}
	if v := q.Get("strength"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, fmt.Errorf("invalid strength %q", v)
		}
		params.Strength = f
	}
	if v := q.Get("every_n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, fmt.Errorf("invalid every_n %q", v)
		}
		params.EveryN = n
	}
	if v := q.Get("audio_level"); v != "" {
		params.AudioLevel = models.AudioLevel(v)
	}
	return params, nil
}

// defaultTargetMB is used when /compress-video omits target_size_mb.
const defaultTargetMB = 50

// compressParams reads the COMPRESS target size from the query, defaulting
// when omitted.
func compressParams(r *http.Request) (models.TaskParams, error) {
	params := models.TaskParams{TargetMB: defaultTargetMB}
	v := r.URL.Query().Get("target_size_mb")
	if v == "" {
		return params, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return params, fmt.Errorf("invalid target_size_mb %q", v)
	}
	params.TargetMB = f
	return params, nil
}

// findFilePart advances the multipart stream to the "file" field.
func findFilePart(mr *multipart.Reader) (*multipart.Part, string, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, "", err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, part.FileName(), nil
		}
		part.Close()
	}
}

// streamToFile copies the part to path, enforcing the byte limit.
func streamToFile(part io.Reader, path string, limit int64) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}

	written, err := io.Copy(f, io.LimitReader(part, limit+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("writing %s: %w", path, err)
	}
	if written > limit {
		return written, errUploadTooLarge
	}
	return written, nil
}
