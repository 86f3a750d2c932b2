package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Encoder identifies a video encoder used for muxing.
type Encoder string

// Encoders in preference order: HEVC hardware, H.264 hardware, CPU H.264.
const (
	EncoderHEVCNvenc Encoder = "hevc_nvenc"
	EncoderH264Nvenc Encoder = "h264_nvenc"
	EncoderX264      Encoder = "libx264"
)

// Hardware reports whether the encoder is hardware-accelerated.
func (e Encoder) Hardware() bool {
	return e == EncoderHEVCNvenc || e == EncoderH264Nvenc
}

// MuxSpec describes a frame-sequence mux operation.
type MuxSpec struct {
	FramePattern string
	AudioPath    string
	FPS          float64
	Output       string
	Encoder      Encoder
}

// CompressSpec describes a recompression operation.
type CompressSpec struct {
	Input  string
	Output string
	CRF    int
	Width  int
	Height int
}

// Toolchain is the media adapter used by the pipeline. Implementations
// surface non-zero subprocess exits as *ToolchainError.
type Toolchain interface {
	// Probe inspects the input container and streams.
	Probe(ctx context.Context, input string) (*ProbeResult, error)
	// BestEncoder returns the strongest available video encoder.
	BestEncoder(ctx context.Context) Encoder
	// ExtractFrames decodes every frame of input into the printf-style
	// PNG pattern, scaled to width x height. Callers pass even-rounded
	// dimensions so the frames can be re-encoded as yuv420p.
	ExtractFrames(ctx context.Context, input, pattern string, width, height int) error
	// ExtractAudio produces 16-kHz mono PCM-16 with metadata stripped.
	ExtractAudio(ctx context.Context, input, outWav string) error
	// Mux assembles frames and audio into the output container.
	Mux(ctx context.Context, spec MuxSpec) error
	// StripMetadata stream-copies the input with metadata removed.
	StripMetadata(ctx context.Context, input, output string) error
	// Compress re-encodes the input at the given CRF and resolution.
	Compress(ctx context.Context, spec CompressSpec) error
}

// CRFForRatio maps the desired-to-actual size ratio to an x264 CRF.
func CRFForRatio(ratio float64) int {
	switch {
	case ratio >= 0.8:
		return 18
	case ratio >= 0.6:
		return 20
	case ratio >= 0.4:
		return 23
	default:
		return 26
	}
}

// FFmpegToolchain implements Toolchain over the ffmpeg/ffprobe binaries.
type FFmpegToolchain struct {
	bins   Binaries
	logger *slog.Logger

	encOnce sync.Once
	encoder Encoder
}

// NewFFmpegToolchain creates a toolchain over the resolved binaries.
func NewFFmpegToolchain(bins Binaries, logger *slog.Logger) *FFmpegToolchain {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegToolchain{bins: bins, logger: logger}
}

// Probe implements Toolchain.
func (t *FFmpegToolchain) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	args := probeArgs(input)
	cmd := exec.CommandContext(ctx, t.bins.FFprobe, args...)

	trap := &stderrTrap{}
	cmd.Stderr = trap
	out, err := cmd.Output()
	if err != nil {
		return nil, t.wrapExit(t.bins.FFprobe, args, trap, err)
	}
	return parseProbeOutput(out)
}

// BestEncoder implements Toolchain. The probe runs once per process; the
// result is cached since the hardware does not change underneath us.
func (t *FFmpegToolchain) BestEncoder(ctx context.Context) Encoder {
	t.encOnce.Do(func() {
		t.encoder = t.probeEncoders(ctx)
		t.logger.Info("selected video encoder", slog.String("encoder", string(t.encoder)))
	})
	return t.encoder
}

// probeEncoders lists ffmpeg encoders and picks the strongest available.
func (t *FFmpegToolchain) probeEncoders(ctx context.Context) Encoder {
	cmd := exec.CommandContext(ctx, t.bins.FFmpeg, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		t.logger.Warn("encoder probe failed, falling back to CPU",
			slog.String("error", err.Error()))
		return EncoderX264
	}

	listing := string(out)
	for _, enc := range []Encoder{EncoderHEVCNvenc, EncoderH264Nvenc} {
		if strings.Contains(listing, " "+string(enc)+" ") {
			return enc
		}
	}
	return EncoderX264
}

// ExtractFrames implements Toolchain.
func (t *FFmpegToolchain) ExtractFrames(ctx context.Context, input, pattern string, width, height int) error {
	return t.run(ctx, extractFramesArgs(input, pattern, width, height))
}

// ExtractAudio implements Toolchain.
func (t *FFmpegToolchain) ExtractAudio(ctx context.Context, input, outWav string) error {
	return t.run(ctx, extractAudioArgs(input, outWav))
}

// Mux implements Toolchain.
func (t *FFmpegToolchain) Mux(ctx context.Context, spec MuxSpec) error {
	return t.run(ctx, muxArgs(spec))
}

// StripMetadata implements Toolchain.
func (t *FFmpegToolchain) StripMetadata(ctx context.Context, input, output string) error {
	return t.run(ctx, stripArgs(input, output))
}

// Compress implements Toolchain.
func (t *FFmpegToolchain) Compress(ctx context.Context, spec CompressSpec) error {
	return t.run(ctx, compressArgs(spec))
}

// run executes ffmpeg with the given arguments, trapping stderr.
func (t *FFmpegToolchain) run(ctx context.Context, args []string) error {
	t.logger.Debug("invoking toolchain",
		slog.String("binary", t.bins.FFmpeg),
		slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, t.bins.FFmpeg, args...)
	trap := &stderrTrap{}
	cmd.Stderr = trap

	if err := cmd.Run(); err != nil {
		return t.wrapExit(t.bins.FFmpeg, args, trap, err)
	}
	return nil
}

// wrapExit converts a subprocess failure into a ToolchainError.
func (t *FFmpegToolchain) wrapExit(binary string, args []string, trap *stderrTrap, err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ToolchainError{
		Binary:   binary,
		Args:     args,
		ExitCode: code,
		Stderr:   trap.Excerpt(),
	}
}

// Argument builders. These mirror the exact invocation forms the pipeline
// depends on; tests assert them verbatim.

func probeArgs(input string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
}

func extractFramesArgs(input, pattern string, width, height int) []string {
	return []string{
		"-y", "-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-vsync", "0",
		pattern,
	}
}

func extractAudioArgs(input, outWav string) []string {
	return []string{
		"-y", "-i", input,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-map_metadata", "-1",
		outWav,
	}
}

func stripArgs(input, output string) []string {
	return []string{
		"-y", "-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-map_metadata", "-1",
		output,
	}
}

func muxArgs(spec MuxSpec) []string {
	args := []string{
		"-y",
		"-framerate", formatFPS(spec.FPS),
		"-i", spec.FramePattern,
	}
	if spec.AudioPath != "" {
		args = append(args, "-i", spec.AudioPath)
	}
	if spec.Encoder.Hardware() {
		args = append(args,
			"-c:v", string(spec.Encoder),
			"-pix_fmt", "yuv420p",
			"-rc", "vbr",
			"-cq", "23",
			"-preset", "fast",
		)
	} else {
		args = append(args,
			"-c:v", string(EncoderX264),
			"-pix_fmt", "yuv420p",
			"-preset", "fast",
		)
	}
	if spec.AudioPath != "" {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "128k",
			"-shortest",
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-map_metadata", "-1", spec.Output)
	return args
}

func compressArgs(spec CompressSpec) []string {
	return []string{
		"-y", "-i", spec.Input,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(spec.CRF),
		"-preset", "slow",
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height),
		"-c:a", "aac",
		"-b:a", "192k",
		spec.Output,
	}
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
