package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/dstrelkov/vidveil/internal/config"
	"github.com/dstrelkov/vidveil/internal/media"
	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/perturb"
	"github.com/dstrelkov/vidveil/internal/storage"
	"github.com/dstrelkov/vidveil/internal/store"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolchain produces real files on disk so the runner's frame and audio
// stages operate on genuine artifacts, while recording every invocation.
type fakeToolchain struct {
	mu    sync.Mutex
	calls []string

	probeResult *media.ProbeResult
	probeErr    error

	frames int // PNG frames written by ExtractFrames

	frameW, frameH int // scale dimensions received by ExtractFrames

	extractFramesErr error
	extractAudioErr  error
	muxErr           error
	stripErr         error
	compressErr      error

	muxSpecs      []media.MuxSpec
	compressSpecs []media.CompressSpec

	// onStrip runs before StripMetadata completes; used to inject a late
	// cancel request.
	onStrip func()
}

func (f *fakeToolchain) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeToolchain) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeToolchain) Probe(ctx context.Context, input string) (*media.ProbeResult, error) {
	f.record("probe")
	return f.probeResult, f.probeErr
}

func (f *fakeToolchain) BestEncoder(ctx context.Context) media.Encoder {
	return media.EncoderX264
}

func (f *fakeToolchain) ExtractFrames(ctx context.Context, input, pattern string, width, height int) error {
	f.record("extract_frames")
	f.mu.Lock()
	f.frameW, f.frameH = width, height
	f.mu.Unlock()
	if f.extractFramesErr != nil {
		return f.extractFramesErr
	}
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(80 + x*4), G: uint8(80 + y*4), B: 128, A: 255})
		}
	}
	dir := filepath.Dir(pattern)
	for i := 1; i <= f.frames; i++ {
		out, err := os.Create(storage.FrameFile(dir, i))
		if err != nil {
			return err
		}
		if err := png.Encode(out, img); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeToolchain) ExtractAudio(ctx context.Context, input, outWav string) error {
	f.record("extract_audio")
	if f.extractAudioErr != nil {
		return f.extractAudioErr
	}
	out, err := os.Create(outWav)
	if err != nil {
		return err
	}
	defer out.Close()

	enc := wav.NewEncoder(out, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
		Data:           make([]int, 8000),
	}
	for i := range buf.Data {
		buf.Data[i] = int(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func (f *fakeToolchain) Mux(ctx context.Context, spec media.MuxSpec) error {
	f.record("mux")
	f.mu.Lock()
	f.muxSpecs = append(f.muxSpecs, spec)
	f.mu.Unlock()
	if f.muxErr != nil {
		return f.muxErr
	}
	return os.WriteFile(spec.Output, []byte("muxed video payload"), 0o644)
}

func (f *fakeToolchain) StripMetadata(ctx context.Context, input, output string) error {
	f.record("strip")
	if f.onStrip != nil {
		f.onStrip()
	}
	if f.stripErr != nil {
		return f.stripErr
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func (f *fakeToolchain) Compress(ctx context.Context, spec media.CompressSpec) error {
	f.record("compress")
	f.mu.Lock()
	f.compressSpecs = append(f.compressSpecs, spec)
	f.mu.Unlock()
	if f.compressErr != nil {
		return f.compressErr
	}
	return os.WriteFile(spec.Output, []byte("compressed video payload"), 0o644)
}

var _ media.Toolchain = (*fakeToolchain)(nil)

func videoProbe(frames int, withAudio bool) *media.ProbeResult {
	result := &media.ProbeResult{
		Format: media.ProbeFormat{Duration: "4.0", Size: "104857600"},
		Streams: []media.ProbeStream{
			{CodecType: "video", Width: 640, Height: 480, RFrameRate: "30/1", NbFrames: strconv.Itoa(frames)},
		},
	}
	if withAudio {
		result.Streams = append(result.Streams,
			media.ProbeStream{CodecType: "audio", SampleRate: "48000", Channels: 2})
	}
	return result
}

type fixture struct {
	store  *store.Store
	layout *storage.Layout
	tc     *fakeToolchain
	runner *Runner
}

func newFixture(t *testing.T, tc *fakeToolchain) *fixture {
	t.Helper()

	cfg := config.StorageConfig{
		BaseDir:   t.TempDir(),
		InputDir:  "videos_input",
		OutputDir: "videos_output",
		TempDir:   "videos_temp",
		LogDir:    "server_logs",
		QueueDir:  "queue_db",
	}
	layout := storage.NewLayout(cfg)
	require.NoError(t, layout.Bootstrap())

	st := store.New(layout.TasksFile(), nil)
	require.NoError(t, st.Load())

	return &fixture{
		store:  st,
		layout: layout,
		tc:     tc,
		runner: NewRunner(st, layout, tc, perturb.NewClassifier(), nil),
	}
}

// claimTask creates the input file and a claimed PROCESSING task.
func (fx *fixture) claimTask(t *testing.T, kind models.TaskKind, params models.TaskParams) *models.Task {
	t.Helper()

	task := models.NewTask(kind, task1InputName(), params)
	require.NoError(t, os.WriteFile(fx.layout.InputPath(task.InputName), []byte("raw video"), 0o644))
	require.NoError(t, fx.store.Create(task))

	claimed, err := fx.store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)
	return claimed
}

func task1InputName() string { return "a1b2c3d4_clip.mp4" }

func protectParams() models.TaskParams {
	return models.TaskParams{
		Epsilon:    0.12,
		Strength:   1.0,
		EveryN:     2,
		AudioLevel: models.AudioLevelWeak,
	}
}

func TestRunProtect(t *testing.T) {
	tc := &fakeToolchain{probeResult: videoProbe(4, false), frames: 4}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	require.NoError(t, fx.runner.Run(context.Background(), task))

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 2, final.TotalFrames, "every 2nd of 4 frames")
	assert.Equal(t, 2, final.ProcessedFrames)
	assert.Equal(t, task.ID+"_clip_protected.mp4", final.OutputName)
	assert.Greater(t, final.OutputSizeMB, 0.0)

	// Output exists, temp and input are gone.
	_, err = os.Stat(fx.layout.OutputPath(final.OutputName))
	assert.NoError(t, err)
	_, err = os.Stat(fx.layout.FramesDir(task.ID, "clip"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fx.layout.InputPath(task.InputName))
	assert.True(t, os.IsNotExist(err))

	// The finished artifact gets a final metadata strip.
	assert.Equal(t, 1, tc.callCount("strip"))
	assert.Equal(t, 0, tc.callCount("extract_audio"), "no audio stream, no extraction")

	require.Len(t, tc.muxSpecs, 1)
	assert.Empty(t, tc.muxSpecs[0].AudioPath)
	assert.InDelta(t, 30.0, tc.muxSpecs[0].FPS, 1e-9)
}

func TestRunProtectOddDimensionsRoundedEven(t *testing.T) {
	probe := videoProbe(2, false)
	probe.Streams[0].Width = 641
	probe.Streams[0].Height = 481

	tc := &fakeToolchain{probeResult: probe, frames: 2}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	require.NoError(t, fx.runner.Run(context.Background(), task))

	// yuv420p encoders reject odd dimensions, so frames are scaled to the
	// even-rounded source resolution before perturbation.
	assert.Equal(t, 640, tc.frameW)
	assert.Equal(t, 480, tc.frameH)
}

func TestRunProtectIntervalLongerThanVideo(t *testing.T) {
	params := protectParams()
	params.EveryN = 10

	tc := &fakeToolchain{probeResult: videoProbe(9, false), frames: 9}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, params)

	require.NoError(t, fx.runner.Run(context.Background(), task))

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 0, final.TotalFrames, "9 frames at stride 10 select none")
	assert.Equal(t, 0, final.ProcessedFrames)

	_, err = os.Stat(fx.layout.OutputPath(final.OutputName))
	assert.NoError(t, err, "untouched frames still mux into an output")
}

func TestRunProtectMasksAudio(t *testing.T) {
	tc := &fakeToolchain{probeResult: videoProbe(2, true), frames: 2}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	require.NoError(t, fx.runner.Run(context.Background(), task))

	require.Len(t, tc.muxSpecs, 1)
	assert.Equal(t, fx.layout.AudioFile(task.ID, "clip", "adv"), tc.muxSpecs[0].AudioPath,
		"mux consumes the masked track")
}

func TestRunProtectAudioLevelNone(t *testing.T) {
	params := protectParams()
	params.AudioLevel = models.AudioLevelNone

	tc := &fakeToolchain{probeResult: videoProbe(2, true), frames: 2}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, params)

	require.NoError(t, fx.runner.Run(context.Background(), task))

	require.Len(t, tc.muxSpecs, 1)
	assert.Equal(t, fx.layout.AudioFile(task.ID, "clip", "orig"), tc.muxSpecs[0].AudioPath,
		"level none passes the original track through")
}

func TestRunProtectAudioFailureNonFatal(t *testing.T) {
	tc := &fakeToolchain{
		probeResult:     videoProbe(2, true),
		frames:          2,
		extractAudioErr: os.ErrPermission,
	}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	require.NoError(t, fx.runner.Run(context.Background(), task))

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	require.Len(t, tc.muxSpecs, 1)
	assert.Empty(t, tc.muxSpecs[0].AudioPath, "failed extraction muxes without audio")
}

func TestRunProtectCancelDuringFrames(t *testing.T) {
	tc := &fakeToolchain{probeResult: videoProbe(4, false), frames: 4}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	// Request cancellation while the task is PROCESSING; the runner honours
	// it at its first checkpoint.
	_, err := fx.store.Cancel(task.ID)
	require.NoError(t, err)

	err = fx.runner.Run(context.Background(), task)
	assert.ErrorIs(t, err, models.ErrTaskCancelled)

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, final.Status)
	assert.False(t, final.CancelRequested, "flag cleared on transition")

	entries, err := os.ReadDir(fx.layout.OutputPath(""))
	require.NoError(t, err)
	assert.Empty(t, entries, "no output artifact for a cancelled task")
}

func TestRunProtectMuxFailure(t *testing.T) {
	tc := &fakeToolchain{
		probeResult: videoProbe(2, false),
		frames:      2,
		muxErr:      &media.ToolchainError{Binary: "ffmpeg", ExitCode: 1, Stderr: "boom"},
	}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	err := fx.runner.Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "muxing output")
}

func TestRunProtectNoVideoStream(t *testing.T) {
	tc := &fakeToolchain{probeResult: &media.ProbeResult{}}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	err := fx.runner.Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no video stream")
}

func TestRunStrip(t *testing.T) {
	tc := &fakeToolchain{}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindStripMetadata, models.TaskParams{})

	require.NoError(t, fx.runner.Run(context.Background(), task))

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, task.ID+"_clip_cleaned.mp4", final.OutputName)

	_, err = os.Stat(fx.layout.OutputPath(final.OutputName))
	assert.NoError(t, err)
	_, err = os.Stat(fx.layout.InputPath(task.InputName))
	assert.True(t, os.IsNotExist(err))
}

func TestRunStripLateCancelDiscardsOutput(t *testing.T) {
	fx := newFixture(t, &fakeToolchain{})
	task := fx.claimTask(t, models.TaskKindStripMetadata, models.TaskParams{})

	fx.tc.onStrip = func() {
		_, err := fx.store.Cancel(task.ID)
		require.NoError(t, err)
	}

	err := fx.runner.Run(context.Background(), task)
	assert.ErrorIs(t, err, models.ErrTaskCancelled)

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, final.Status)

	entries, err := os.ReadDir(fx.layout.OutputPath(""))
	require.NoError(t, err)
	assert.Empty(t, entries, "late cancel removes the artifact")
}

func TestRunCompress(t *testing.T) {
	tc := &fakeToolchain{probeResult: videoProbe(120, true)}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindCompress, models.TaskParams{TargetMB: 50})

	require.NoError(t, fx.runner.Run(context.Background(), task))

	final, err := fx.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)
	assert.Equal(t, task.ID+"_clip_compressed.mp4", final.OutputName)

	// 50 MB target over a 100 MB input: ratio 0.5 maps to CRF 23.
	require.Len(t, tc.compressSpecs, 1)
	spec := tc.compressSpecs[0]
	assert.Equal(t, 23, spec.CRF)
	assert.Equal(t, 640, spec.Width)
	assert.Equal(t, 480, spec.Height)
}

func TestRunCompressProbeFailure(t *testing.T) {
	tc := &fakeToolchain{probeErr: &media.ToolchainError{Binary: "ffprobe", ExitCode: 1}}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindCompress, models.TaskParams{TargetMB: 50})

	err := fx.runner.Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probing input")
}

func TestRunUnknownKind(t *testing.T) {
	fx := newFixture(t, &fakeToolchain{})
	task := &models.Task{ID: "deadbeef", Kind: "TRANSMUTE"}
	assert.Error(t, fx.runner.Run(context.Background(), task))
}

func TestRunContextCancelled(t *testing.T) {
	tc := &fakeToolchain{probeResult: videoProbe(4, false), frames: 4}
	fx := newFixture(t, tc)
	task := fx.claimTask(t, models.TaskKindProtect, protectParams())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.runner.Run(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
}
