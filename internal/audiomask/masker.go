// Package audiomask adds a psychoacoustically shaped additive signal to a
// mono PCM track. The injected noise follows the short-time RMS envelope of
// the speech so it stays under the instantaneous auditory threshold, while a
// 17 kHz carrier targets ASR front-ends.
package audiomask

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Envelope and noise shaping parameters.
const (
	frameSize     = 2048
	hopSize       = 512
	envelopeFloor = 0.04
	envelopePower = 1.5

	carrierFreq = 17000.0
	carrierAmp  = 0.0028

	clipLimit = 0.999

	pcmScale = 32767.0
)

// Masker applies envelope-shaped noise at a fixed intensity.
type Masker struct {
	sigma  float64
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a masker for the given audio level.
func New(level models.AudioLevel, logger *slog.Logger) *Masker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Masker{
		sigma:  level.Sigma(),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaskFile reads a mono PCM-16 WAV, applies the mask, and writes the result
// with the same sample rate and duration.
func (m *Masker) MaskFile(inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", models.ErrAudioIO, inPath, err)
	}
	defer in.Close()

	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("%w: decoding %s: %v", models.ErrAudioIO, inPath, err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return fmt.Errorf("%w: %s", models.ErrAudioEmpty, inPath)
	}
	if buf.Format.NumChannels != 1 {
		return fmt.Errorf("%w: %s has %d channels, expected mono",
			models.ErrAudioIO, inPath, buf.Format.NumChannels)
	}

	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / pcmScale
	}

	masked := m.Mask(samples, buf.Format.SampleRate)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", models.ErrAudioIO, outPath, err)
	}
	defer out.Close()

	enc := wav.NewEncoder(out, buf.Format.SampleRate, 16, 1, 1)
	outBuf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: buf.Format.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(masked)),
	}
	for i, v := range masked {
		outBuf.Data[i] = int(math.Round(v * pcmScale))
	}
	if err := enc.Write(outBuf); err != nil {
		return fmt.Errorf("%w: writing %s: %v", models.ErrAudioIO, outPath, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: finalising %s: %v", models.ErrAudioIO, outPath, err)
	}

	m.logger.Debug("audio masked",
		slog.String("output", outPath),
		slog.Int("samples", len(masked)),
		slog.Float64("sigma", m.sigma))

	return nil
}

// Mask returns a masked copy of the samples. The output has the same length;
// values are clipped to [-clipLimit, clipLimit].
func (m *Masker) Mask(samples []float64, sampleRate int) []float64 {
	env := rmsEnvelope(samples)
	noise := m.drawNoise(len(samples), sampleRate)

	out := make([]float64, len(samples))
	for i, s := range samples {
		v := s + env[i]*noise[i]
		if v > clipLimit {
			v = clipLimit
		} else if v < -clipLimit {
			v = -clipLimit
		}
		out[i] = v
	}
	return out
}

// drawNoise samples Gaussian noise plus the high-frequency carrier.
func (m *Masker) drawNoise(n, sampleRate int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	noise := make([]float64, n)
	for i := range noise {
		t := float64(i) / float64(sampleRate)
		noise[i] = m.rng.NormFloat64()*m.sigma + carrierAmp*math.Sin(2*math.Pi*carrierFreq*t)
	}
	return noise
}

// rmsEnvelope computes the short-time RMS envelope, linearly interpolated to
// per-sample length, floor-clipped, normalised to [0, 1], and raised to
// envelopePower.
func rmsEnvelope(samples []float64) []float64 {
	if len(samples) == 0 {
		return nil
	}

	// Frame-level RMS.
	var frames []float64
	for start := 0; start < len(samples); start += hopSize {
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		sum := 0.0
		for _, s := range samples[start:end] {
			sum += s * s
		}
		frames = append(frames, math.Sqrt(sum/float64(end-start)))
	}

	// Floor-clip then normalise so silence still carries a small mask.
	maxRMS := 0.0
	for i, v := range frames {
		if v < envelopeFloor {
			frames[i] = envelopeFloor
		}
		if frames[i] > maxRMS {
			maxRMS = frames[i]
		}
	}
	for i := range frames {
		frames[i] = math.Pow(frames[i]/maxRMS, envelopePower)
	}

	// Linear interpolation to per-sample length. Frame k covers sample
	// k*hopSize; samples between frame centres are blended.
	env := make([]float64, len(samples))
	for i := range env {
		pos := float64(i) / hopSize
		k := int(pos)
		if k >= len(frames)-1 {
			env[i] = frames[len(frames)-1]
			continue
		}
		frac := pos - float64(k)
		env[i] = frames[k]*(1-frac) + frames[k+1]*frac
	}
	return env
}
