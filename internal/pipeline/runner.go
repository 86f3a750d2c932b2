// Package pipeline executes claimed tasks end to end: probing, frame
// perturbation, audio masking, muxing, metadata stripping, and compression.
// The runner owns all temp-file lifecycle for a task and reports progress and
// cancellation through the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/dstrelkov/vidveil/internal/audiomask"
	"github.com/dstrelkov/vidveil/internal/media"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/perturb"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
)

// Progress milestones. Frame work interpolates between the probe and frames
// marks; the remaining stages jump between fixed values.
const (
	progressProbed = 10
	progressFrames = 50
	progressAudio  = 75
	progressMuxed  = 95

	progressStageStart = 20
	progressStageDone  = 90
)

// fallbackFPS is used when the container reports no usable frame rate.
const fallbackFPS = 30.0

// frameProgressStride controls how often frame counters are persisted.
const frameProgressStride = 8

// Runner executes a single task against the media toolchain. It is safe for
// concurrent use; each Run call owns its task exclusively.
type Runner struct {
	store  *store.Store
	layout *storage.Layout
	tc     media.Toolchain
	clf    *perturb.Classifier
	logger *slog.Logger
}

// NewRunner creates a runner. The classifier is shared across tasks; per-task
// perturbation engines are created from it with the task's budget.
func NewRunner(st *store.Store, layout *storage.Layout, tc media.Toolchain, clf *perturb.Classifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  st,
		layout: layout,
		tc:     tc,
		clf:    clf,
		logger: logger,
	}
}

// Run executes the task to a terminal outcome. It returns ErrTaskCancelled
// when a cancel request was honoured (the task is already CANCELLED in the
// store) and ErrTaskFinished when the task reached a terminal state
// externally, e.g. through the timeout sweep. Any other error means the task
// failed and the caller should mark it FAILED.
func (r *Runner) Run(ctx context.Context, task *models.Task) error {
	logger := r.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)))

	switch task.Kind {
	case models.TaskKindProtect:
		return r.runProtect(ctx, task, logger)
	case models.TaskKindStripMetadata:
		return r.runStrip(ctx, task, logger)
	case models.TaskKindCompress:
		return r.runCompress(ctx, task, logger)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// runProtect applies per-frame adversarial perturbation and audio masking,
// then reassembles the video.
func (r *Runner) runProtect(ctx context.Context, task *models.Task, logger *slog.Logger) error {
	input := r.layout.InputPath(task.InputName)
	base := storage.BaseName(task.InputName)
	everyN := task.Params.EveryN
	if everyN < 1 {
		everyN = 1
	}

	probe, err := r.tc.Probe(ctx, input)
	if err != nil {
		return fmt.Errorf("probing input: %w", err)
	}
	if probe.VideoStream() == nil {
		return fmt.Errorf("input %s has no video stream", task.InputName)
	}
	width, height := probe.Dimensions()
	if width == 0 || height == 0 {
		return fmt.Errorf("input %s has a degenerate video stream", task.InputName)
	}
	fps := probe.FPS()
	if fps <= 0 {
		fps = fallbackFPS
	}
	hasAudio := probe.HasAudio()

	// TotalFrames counts the frames selected for perturbation (every N-th,
	// 1-based), not the container total. The probe estimate is replaced by
	// the real count after extraction.
	estimated := probe.FrameCount() / everyN
	if err := r.setState(task.ID, func(t *models.Task) {
		t.TotalFrames = estimated
		t.SetProgress(progressProbed)
	}); err != nil {
		return err
	}

	framesDir := r.layout.FramesDir(task.ID, base)
	audioOrig := r.layout.AudioFile(task.ID, base, "orig")
	audioAdv := r.layout.AudioFile(task.ID, base, "adv")
	cleanupTemp := func() {
		if err := os.RemoveAll(framesDir); err != nil {
			logger.Warn("removing frames dir", slog.String("error", err.Error()))
		}
		os.Remove(audioOrig)
		os.Remove(audioAdv)
	}
	defer cleanupTemp()

	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("creating frames dir: %w", err)
	}
	// Frames are scaled to the even-rounded source resolution on the way
	// out; yuv420p encoders reject odd dimensions at mux time.
	if err := r.tc.ExtractFrames(ctx, input, storage.FramePattern(framesDir), width, height); err != nil {
		return fmt.Errorf("extracting frames: %w", err)
	}

	frameCount, err := countFrames(framesDir)
	if err != nil {
		return err
	}
	if frameCount == 0 {
		return fmt.Errorf("no frames extracted from %s", task.InputName)
	}
	selected := frameCount / everyN

	logger.Info("frames extracted",
		slog.Int("frames", frameCount),
		slog.Int("selected", selected),
		slog.Float64("fps", fps))

	engine := perturb.NewEngine(r.clf, task.Params.Epsilon, task.Params.Strength, logger)

	if err := r.setState(task.ID, func(t *models.Task) {
		t.TotalFrames = selected
	}); err != nil {
		return err
	}

	processed := 0
	for i := 1; i <= frameCount; i++ {
		if i%everyN != 0 {
			continue
		}
		if err := r.checkpoint(ctx, task.ID); err != nil {
			return err
		}
		if err := engine.PerturbFrame(storage.FrameFile(framesDir, i)); err != nil {
			// A single bad frame does not sink the task; the original
			// frame stays in the sequence.
			logger.Warn("frame perturbation failed, keeping original",
				slog.Int("frame", i),
				slog.String("error", err.Error()))
		}
		processed++
		if processed%frameProgressStride == 0 || processed == selected {
			done, total := processed, selected
			if err := r.setState(task.ID, func(t *models.Task) {
				t.ProcessedFrames = done
				t.TotalFrames = total
				t.SetProgress(progressProbed + (progressFrames-progressProbed)*done/total)
			}); err != nil {
				return err
			}
		}
	}

	if err := r.checkpoint(ctx, task.ID); err != nil {
		return err
	}

	// Audio phase. Failures here are non-fatal: a protected video with the
	// original (or no) audio track still serves its purpose.
	audioPath := ""
	if hasAudio {
		if err := r.tc.ExtractAudio(ctx, input, audioOrig); err != nil {
			logger.Warn("audio extraction failed, muxing without audio",
				slog.String("error", err.Error()))
		} else {
			audioPath = audioOrig
			if task.Params.AudioLevel != models.AudioLevelNone {
				masker := audiomask.New(task.Params.AudioLevel, logger)
				if err := masker.MaskFile(audioOrig, audioAdv); err != nil {
					logger.Warn("audio masking failed, using unmasked audio",
						slog.String("error", err.Error()))
				} else {
					audioPath = audioAdv
				}
			}
		}
	}
	if err := r.progress(task.ID, progressAudio); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, task.ID); err != nil {
		return err
	}

	output := r.layout.OutputFile(task.ID, base, "protected")
	spec := media.MuxSpec{
		FramePattern: storage.FramePattern(framesDir),
		AudioPath:    audioPath,
		FPS:          fps,
		Output:       output,
		Encoder:      r.tc.BestEncoder(ctx),
	}
	if err := r.tc.Mux(ctx, spec); err != nil {
		return fmt.Errorf("muxing output: %w", err)
	}
	if err := r.progress(task.ID, progressMuxed); err != nil {
		return err
	}

	// Late cancel after the expensive encode still honours the request; the
	// half-finished artifact is discarded.
	if err := r.checkpoint(ctx, task.ID); err != nil {
		if errors.Is(err, models.ErrTaskCancelled) {
			os.Remove(output)
		}
		return err
	}

	if err := r.stripInPlace(ctx, output); err != nil {
		return err
	}

	cleanupTemp()
	if err := os.Remove(input); err != nil {
		logger.Warn("removing input file", slog.String("error", err.Error()))
	}

	return r.complete(task.ID, output, logger)
}

// runStrip stream-copies the input with metadata removed.
func (r *Runner) runStrip(ctx context.Context, task *models.Task, logger *slog.Logger) error {
	input := r.layout.InputPath(task.InputName)
	output := r.layout.OutputFile(task.ID, storage.BaseName(task.InputName), "cleaned")

	if err := r.progress(task.ID, progressStageStart); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, task.ID); err != nil {
		return err
	}

	if err := r.tc.StripMetadata(ctx, input, output); err != nil {
		return fmt.Errorf("stripping metadata: %w", err)
	}
	if err := r.progress(task.ID, progressStageDone); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, task.ID); err != nil {
		if errors.Is(err, models.ErrTaskCancelled) {
			os.Remove(output)
		}
		return err
	}

	if err := os.Remove(input); err != nil {
		logger.Warn("removing input file", slog.String("error", err.Error()))
	}
	return r.complete(task.ID, output, logger)
}

// runCompress re-encodes the input at a CRF chosen from the target-to-actual
// size ratio, keeping the (even-rounded) source resolution.
func (r *Runner) runCompress(ctx context.Context, task *models.Task, logger *slog.Logger) error {
	input := r.layout.InputPath(task.InputName)
	output := r.layout.OutputFile(task.ID, storage.BaseName(task.InputName), "compressed")

	probe, err := r.tc.Probe(ctx, input)
	if err != nil {
		return fmt.Errorf("probing input: %w", err)
	}
	width, height := probe.Dimensions()
	if width == 0 || height == 0 {
		return fmt.Errorf("input %s has no video stream", task.InputName)
	}

	actualMB := float64(probe.SizeBytes()) / (1 << 20)
	ratio := 1.0
	if actualMB > 0 {
		ratio = task.Params.TargetMB / actualMB
	}
	crf := media.CRFForRatio(ratio)

	logger.Info("compression planned",
		slog.Float64("actual_mb", actualMB),
		slog.Float64("target_mb", task.Params.TargetMB),
		slog.Int("crf", crf))

	if err := r.progress(task.ID, progressStageStart); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, task.ID); err != nil {
		return err
	}

	spec := media.CompressSpec{
		Input:  input,
		Output: output,
		CRF:    crf,
		Width:  width,
		Height: height,
	}
	if err := r.tc.Compress(ctx, spec); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err := r.progress(task.ID, progressStageDone); err != nil {
		return err
	}
	if err := r.checkpoint(ctx, task.ID); err != nil {
		if errors.Is(err, models.ErrTaskCancelled) {
			os.Remove(output)
		}
		return err
	}

	if err := os.Remove(input); err != nil {
		logger.Warn("removing input file", slog.String("error", err.Error()))
	}
	return r.complete(task.ID, output, logger)
}

// checkpoint honours a pending cancel request and detects external terminal
// transitions (timeout sweep, context shutdown).
func (r *Runner) checkpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cur, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if cur.Status == models.TaskStatusCancelled {
		return models.ErrTaskCancelled
	}
	if cur.IsTerminal() {
		return models.ErrTaskFinished
	}
	if cur.CancelRequested {
		if _, err := r.store.Update(id, func(t *models.Task) error {
			if t.IsTerminal() {
				return models.ErrTaskFinished
			}
			t.MarkCancelled()
			return nil
		}); err != nil {
			return err
		}
		return models.ErrTaskCancelled
	}
	return nil
}

// setState applies a mutation to a live (non-terminal) task.
func (r *Runner) setState(id string, apply func(*models.Task)) error {
	_, err := r.store.Update(id, func(t *models.Task) error {
		if t.IsTerminal() {
			return models.ErrTaskFinished
		}
		apply(t)
		return nil
	})
	return err
}

// progress advances the task's progress marker.
func (r *Runner) progress(id string, p int) error {
	return r.setState(id, func(t *models.Task) { t.SetProgress(p) })
}

// stripInPlace runs a metadata strip over the finished output. The mux
// already drops container metadata; this pass also covers stream-level tags.
func (r *Runner) stripInPlace(ctx context.Context, output string) error {
	tmp := output + ".strip.mp4"
	if err := r.tc.StripMetadata(ctx, output, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stripping output metadata: %w", err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("replacing output: %w", err)
	}
	return nil
}

// complete records the finished artifact on the task.
func (r *Runner) complete(id, output string, logger *slog.Logger) error {
	info, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	sizeMB := math.Round(float64(info.Size())/(1<<20)*100) / 100

	if err := r.setState(id, func(t *models.Task) {
		t.MarkCompleted(filepath.Base(output), sizeMB)
	}); err != nil {
		return err
	}

	logger.Info("task completed",
		slog.String("output", filepath.Base(output)),
		slog.Float64("size_mb", sizeMB))
	return nil
}

// countFrames counts the extracted frame_NNNNNN.png files in dir.
func countFrames(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading frames dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == len("frame_000000.png") &&
			name[:6] == "frame_" && filepath.Ext(name) == ".png" {
			n++
		}
	}
	return n, nil
}
