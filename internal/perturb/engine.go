package perturb

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/dstrelkov/vidveil/internal/models"
)

// EOT iteration count per frame.
const eotIterations = 4

// Augmentation parameters.
const (
	noiseProbability  = 0.5
	noiseSigma        = 0.008
	jitterProbability = 0.4
	jitterLow         = 0.92
	jitterHigh        = 1.08
)

// ImageNet channel statistics; the surrogate operates in this normalised
// space and the FGSM step size is expressed in it.
var (
	channelMean = [3]float64{0.485, 0.456, 0.406}
	channelStd  = [3]float64{0.229, 0.224, 0.225}
)

// MaxStd is the largest channel std; the integer pixel-space perturbation
// bound is ceil(epsilon * strength * MaxStd * 255).
const MaxStd = 0.229

// Engine computes bounded adversarial perturbations for single frames.
// Safe for concurrent use; the classifier is shared read-only and the RNG is
// guarded by a mutex.
type Engine struct {
	epsilon  float64
	strength float64
	clf      *Classifier
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates an engine with the given perturbation budget.
func NewEngine(clf *Classifier, epsilon, strength float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		epsilon:  epsilon,
		strength: strength,
		clf:      clf,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// augPlan holds the randomised augmentation choices for one EOT iteration.
type augPlan struct {
	addNoise   bool
	noise      []float64
	jitter     bool
	brightness float64
	contrast   float64
}

// drawPlans samples all randomness up front under the RNG lock.
func (e *Engine) drawPlans(n, tensorLen int) []augPlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	plans := make([]augPlan, n)
	for i := range plans {
		p := &plans[i]
		if e.rng.Float64() < noiseProbability {
			p.addNoise = true
			p.noise = make([]float64, tensorLen)
			for j := range p.noise {
				p.noise[j] = e.rng.NormFloat64() * noiseSigma
			}
		}
		if e.rng.Float64() < jitterProbability {
			p.jitter = true
			p.brightness = jitterLow + e.rng.Float64()*(jitterHigh-jitterLow)
			p.contrast = jitterLow + e.rng.Float64()*(jitterHigh-jitterLow)
		}
	}
	return plans
}

// PerturbImage returns a perturbed copy of the frame. Degenerate frames
// (shorter side below 2 pixels after even rounding) are returned unchanged,
// as is any frame on which the surrogate fails.
func (e *Engine) PerturbImage(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if (w&^1) < 2 || (h&^1) < 2 {
		return img, nil
	}

	// Full-resolution planes in [0, 1].
	planes := imageToPlanes(img)

	// Downsample to the classifier's input size and normalise.
	small := downsample(img, inputSize, inputSize)
	normalised := normalisePlanes(small, inputSize, inputSize)

	plans := e.drawPlans(eotIterations, len(normalised.Data))

	accum := NewTensor(3, inputSize, inputSize)
	for _, plan := range plans {
		aug := applyAugmentation(normalised, plan)
		grad, err := e.clf.GradientWRTInput(aug)
		if err != nil {
			return img, fmt.Errorf("surrogate gradient: %w", err)
		}
		for i, g := range grad.Data {
			accum.Data[i] += g
		}
	}

	degenerate := true
	for i := range accum.Data {
		accum.Data[i] /= eotIterations
		if accum.Data[i] != 0 {
			degenerate = false
		}
	}
	if degenerate {
		return img, nil
	}

	// Upsample the averaged gradient back to full resolution, channel by
	// channel, and take the sign step in normalised space.
	step := e.epsilon * e.strength
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for c := 0; c < 3; c++ {
		gradPlane := bilinearResize(accum.Data[c*inputSize*inputSize:(c+1)*inputSize*inputSize],
			inputSize, inputSize, w, h)
		for i := 0; i < w*h; i++ {
			xn := (planes[c][i] - channelMean[c]) / channelStd[c]
			xn += step * sign(gradPlane[i])
			planes[c][i] = clamp01(xn*channelStd[c] + channelMean[c])
		}
	}
	planesToImage(planes, img, out)
	return out, nil
}

// PerturbFrame perturbs a PNG frame file in place.
func (e *Engine) PerturbFrame(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", models.ErrFrameIO, path, err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: decoding %s: %v", models.ErrFrameIO, path, err)
	}

	perturbed, err := e.PerturbImage(img)
	if err != nil {
		return err
	}
	if perturbed == img {
		return nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, perturbed); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", models.ErrFrameIO, path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", models.ErrFrameIO, path, err)
	}
	return nil
}

// applyAugmentation applies the plan to a copy of the normalised tensor.
// Brightness and contrast act in pixel space; the closed forms below fold the
// denormalise/renormalise round trip into the normalised values.
func applyAugmentation(x *Tensor, plan augPlan) *Tensor {
	aug := x.Clone()

	if plan.addNoise {
		for i := range aug.Data {
			aug.Data[i] += plan.noise[i]
		}
	}

	if plan.jitter {
		area := aug.H * aug.W
		for c := 0; c < aug.C; c++ {
			base := c * area
			// Brightness: p' = p * fb, so xn' = xn*fb + mean*(fb-1)/std.
			offset := channelMean[c] * (plan.brightness - 1) / channelStd[c]
			for i := 0; i < area; i++ {
				aug.Data[base+i] = aug.Data[base+i]*plan.brightness + offset
			}
			// Contrast around the channel mean: p' = (p-m)*fc + m. The
			// affine form survives normalisation unchanged.
			m := 0.0
			for i := 0; i < area; i++ {
				m += aug.Data[base+i]
			}
			m /= float64(area)
			for i := 0; i < area; i++ {
				aug.Data[base+i] = (aug.Data[base+i]-m)*plan.contrast + m
			}
		}
	}

	return aug
}

// imageToPlanes converts an image to three [0,1] float planes.
func imageToPlanes(img image.Image) [3][]float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	var planes [3][]float64
	for c := range planes {
		planes[c] = make([]float64, w*h)
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			planes[0][i] = float64(r>>8) / 255
			planes[1][i] = float64(g>>8) / 255
			planes[2][i] = float64(b>>8) / 255
			i++
		}
	}
	return planes
}

// planesToImage writes float planes back into dst, preserving the source
// alpha channel.
func planesToImage(planes [3][]float64, src image.Image, dst *image.NRGBA) {
	bounds := src.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := src.At(x, y).RGBA()
			dst.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.NRGBA{
				R: uint8(math.Round(planes[0][i] * 255)),
				G: uint8(math.Round(planes[1][i] * 255)),
				B: uint8(math.Round(planes[2][i] * 255)),
				A: uint8(a >> 8),
			})
			i++
		}
	}
}

// downsample scales the image to dw x dh with Catmull-Rom (bicubic)
// interpolation.
func downsample(img image.Image, dw, dh int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// normalisePlanes converts the downsampled image into a normalised tensor.
func normalisePlanes(img *image.NRGBA, w, h int) *Tensor {
	t := NewTensor(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := img.NRGBAAt(x, y)
			t.Set(0, y, x, (float64(px.R)/255-channelMean[0])/channelStd[0])
			t.Set(1, y, x, (float64(px.G)/255-channelMean[1])/channelStd[1])
			t.Set(2, y, x, (float64(px.B)/255-channelMean[2])/channelStd[2])
		}
	}
	return t
}

// bilinearResize resizes a single float plane. x/image only resamples 8-bit
// images, so the gradient planes are interpolated by hand to avoid
// quantising them.
func bilinearResize(src []float64, sw, sh, dw, dh int) []float64 {
	if sw == dw && sh == dh {
		out := make([]float64, len(src))
		copy(out, src)
		return out
	}

	out := make([]float64, dw*dh)
	xScale := float64(sw) / float64(dw)
	yScale := float64(sh) / float64(dh)

	for dy := 0; dy < dh; dy++ {
		sy := (float64(dy)+0.5)*yScale - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := y0 + 1
		if y0 < 0 {
			y0 = 0
		}
		if y1 > sh-1 {
			y1 = sh - 1
		}
		for dx := 0; dx < dw; dx++ {
			sx := (float64(dx)+0.5)*xScale - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := x0 + 1
			if x0 < 0 {
				x0 = 0
			}
			if x1 > sw-1 {
				x1 = sw - 1
			}

			top := src[y0*sw+x0]*(1-fx) + src[y0*sw+x1]*fx
			bottom := src[y1*sw+x0]*(1-fx) + src[y1*sw+x1]*fx
			out[dy*dw+dx] = top*(1-fy) + bottom*fy
		}
	}
	return out
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
