// Package storage defines the on-disk layout for vidveil: the input, output,
// temp, log, and queue directories plus the naming scheme that ties files to
// the task that owns them.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dstrelkov/vidveil/internal/config"
)

// VideoExtensions is the set of accepted upload extensions (lowercase).
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// unsafeChars matches filename characters that are replaced during sanitising.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Layout resolves task-owned file paths under the configured directories.
type Layout struct {
	cfg config.StorageConfig
}

// NewLayout creates a layout over the given storage configuration.
func NewLayout(cfg config.StorageConfig) *Layout {
	return &Layout{cfg: cfg}
}

// Bootstrap creates all required directories and verifies the log directory
// is writable. It returns an error with a diagnostic if any step fails.
func (l *Layout) Bootstrap() error {
	dirs := []string{
		l.cfg.InputPath(),
		l.cfg.OutputPath(),
		l.cfg.TempPath(),
		l.cfg.LogPath(),
		l.cfg.QueuePath(),
		l.BackupsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	probe := filepath.Join(l.cfg.LogPath(), ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("log directory %s is not writable: %w", l.cfg.LogPath(), err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("removing write probe: %w", err)
	}

	return nil
}

// SanitizeFilename strips any path components and replaces characters
// outside [a-zA-Z0-9._-] so uploaded names are safe to store on disk.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

// BaseName returns the stem of a stored input name with its uid prefix and
// extension removed: "a1b2c3d4_clip.mp4" -> "clip".
func BaseName(inputName string) string {
	name := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	if i := strings.Index(name, "_"); i >= 0 && i <= 12 {
		name = name[i+1:]
	}
	if name == "" {
		name = "video"
	}
	return name
}

// InputFile returns the path for a fresh upload: {uid}_{original} inside the
// input directory.
func (l *Layout) InputFile(uid, original string) string {
	return filepath.Join(l.cfg.InputPath(), uid+"_"+SanitizeFilename(original))
}

// InputPath resolves a stored input name to its full path.
func (l *Layout) InputPath(inputName string) string {
	return filepath.Join(l.cfg.InputPath(), inputName)
}

// FramesDir returns the per-task temp directory holding extracted frames.
func (l *Layout) FramesDir(taskID, base string) string {
	return filepath.Join(l.cfg.TempPath(), fmt.Sprintf("%s_%s_frames", taskID, base))
}

// FramePattern returns the printf-style frame filename pattern inside dir.
func FramePattern(framesDir string) string {
	return filepath.Join(framesDir, "frame_%06d.png")
}

// FrameFile returns the path of frame number n (1-based) inside dir.
func FrameFile(framesDir string, n int) string {
	return filepath.Join(framesDir, fmt.Sprintf("frame_%06d.png", n))
}

// AudioFile returns the per-task temp audio path. variant is "orig" for the
// extracted track and "adv" for the masked one.
func (l *Layout) AudioFile(taskID, base, variant string) string {
	return filepath.Join(l.cfg.TempPath(), fmt.Sprintf("%s_%s_audio_%s.wav", taskID, base, variant))
}

// OutputFile returns the output artifact path. suffix is one of "protected",
// "cleaned", or "compressed".
func (l *Layout) OutputFile(taskID, base, suffix string) string {
	return filepath.Join(l.cfg.OutputPath(), fmt.Sprintf("%s_%s_%s.mp4", taskID, base, suffix))
}

// OutputPath resolves a stored output name to its full path.
func (l *Layout) OutputPath(outputName string) string {
	return filepath.Join(l.cfg.OutputPath(), outputName)
}

// TasksFile returns the path of the queue persistence file.
func (l *Layout) TasksFile() string {
	return filepath.Join(l.cfg.QueuePath(), "tasks.json")
}

// BackupsDir returns the directory holding queue-database snapshots.
func (l *Layout) BackupsDir() string {
	return filepath.Join(l.cfg.QueuePath(), "backups")
}
