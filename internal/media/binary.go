// Package media wraps the external ffmpeg/ffprobe toolchain: binary
// discovery, stream probing, and the subprocess invocations used by the
// pipeline (frame extraction, audio extraction, mux, metadata strip,
// recompression).
package media

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/dstrelkov/vidveil/internal/config"
)

// Binaries holds resolved toolchain binary paths.
type Binaries struct {
	FFmpeg  string
	FFprobe string
}

// FindBinaries resolves the ffmpeg and ffprobe binaries. Explicitly
// configured paths are validated; empty paths fall back to PATH lookup.
// Called at startup so a missing toolchain aborts with a diagnostic.
func FindBinaries(cfg config.FFmpegConfig) (Binaries, error) {
	ffmpeg, err := resolveBinary(cfg.BinaryPath, "ffmpeg")
	if err != nil {
		return Binaries{}, err
	}
	ffprobe, err := resolveBinary(cfg.ProbePath, "ffprobe")
	if err != nil {
		return Binaries{}, err
	}
	return Binaries{FFmpeg: ffmpeg, FFprobe: ffprobe}, nil
}

func resolveBinary(configured, name string) (string, error) {
	if configured != "" {
		info, err := os.Stat(configured)
		if err != nil {
			return "", fmt.Errorf("configured %s binary %s: %w", name, configured, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("configured %s binary %s is a directory", name, configured)
		}
		return configured, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}
