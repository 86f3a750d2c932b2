// Package perturb implements the adversarial frame perturbation engine: a
// fixed convolutional surrogate classifier and an EOT/FGSM step that computes
// a bounded additive perturbation for a single frame.
package perturb

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Network dimensions. Input frames are downsampled to inputSize before the
// forward pass.
const (
	inputSize  = 224
	conv1Out   = 8
	conv2Out   = 16
	numClasses = 64

	// classifierSeed fixes the surrogate weights. The network is never
	// trained; it only needs a stable, non-degenerate gradient field.
	classifierSeed = 0x766964
)

// Tensor is a dense CHW float64 tensor.
type Tensor struct {
	C, H, W int
	Data    []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float64, c*h*w)}
}

// At returns the value at (c, y, x).
func (t *Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at (c, y, x).
func (t *Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.C, t.H, t.W)
	copy(c.Data, t.Data)
	return c
}

// convLayer is a 3x3 stride-2 pad-1 convolution with fixed weights.
type convLayer struct {
	in, out int
	// weights[oc][ic][ky][kx] flattened.
	weights []float64
	bias    []float64
}

func newConvLayer(rng *rand.Rand, in, out int) convLayer {
	l := convLayer{
		in:      in,
		out:     out,
		weights: make([]float64, out*in*9),
		bias:    make([]float64, out),
	}
	// He initialisation keeps activations in a usable range.
	scale := math.Sqrt(2.0 / float64(in*9))
	for i := range l.weights {
		l.weights[i] = rng.NormFloat64() * scale
	}
	return l
}

func (l *convLayer) weight(oc, ic, ky, kx int) float64 {
	return l.weights[((oc*l.in+ic)*3+ky)*3+kx]
}

// forward applies the convolution with stride 2 and zero padding 1.
func (l *convLayer) forward(x *Tensor) *Tensor {
	outH := (x.H+2-3)/2 + 1
	outW := (x.W+2-3)/2 + 1
	out := NewTensor(l.out, outH, outW)

	for oc := 0; oc < l.out; oc++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := l.bias[oc]
				for ic := 0; ic < l.in; ic++ {
					for ky := 0; ky < 3; ky++ {
						iy := oy*2 + ky - 1
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < 3; kx++ {
							ix := ox*2 + kx - 1
							if ix < 0 || ix >= x.W {
								continue
							}
							sum += l.weight(oc, ic, ky, kx) * x.At(ic, iy, ix)
						}
					}
				}
				out.Set(oc, oy, ox, sum)
			}
		}
	}
	return out
}

// backward propagates output gradients to input gradients. Weight gradients
// are not needed; the surrogate is never trained.
func (l *convLayer) backward(x *Tensor, dOut *Tensor) *Tensor {
	dIn := NewTensor(x.C, x.H, x.W)

	for oc := 0; oc < l.out; oc++ {
		for oy := 0; oy < dOut.H; oy++ {
			for ox := 0; ox < dOut.W; ox++ {
				g := dOut.At(oc, oy, ox)
				if g == 0 {
					continue
				}
				for ic := 0; ic < l.in; ic++ {
					for ky := 0; ky < 3; ky++ {
						iy := oy*2 + ky - 1
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < 3; kx++ {
							ix := ox*2 + kx - 1
							if ix < 0 || ix >= x.W {
								continue
							}
							dIn.Data[(ic*x.H+iy)*x.W+ix] += l.weight(oc, ic, ky, kx) * g
						}
					}
				}
			}
		}
	}
	return dIn
}

// Classifier is a small fixed CNN used as a gradient surrogate. It is
// initialised deterministically at process start and shared read-only across
// workers; forward and backward passes allocate their own state.
type Classifier struct {
	conv1 convLayer
	conv2 convLayer
	fcW   *mat.Dense // numClasses x conv2Out
	fcB   []float64
}

// NewClassifier builds the surrogate with deterministic weights.
func NewClassifier() *Classifier {
	rng := rand.New(rand.NewSource(classifierSeed))

	c := &Classifier{
		conv1: newConvLayer(rng, 3, conv1Out),
		conv2: newConvLayer(rng, conv1Out, conv2Out),
		fcB:   make([]float64, numClasses),
	}

	fcData := make([]float64, numClasses*conv2Out)
	scale := math.Sqrt(2.0 / float64(conv2Out))
	for i := range fcData {
		fcData[i] = rng.NormFloat64() * scale
	}
	c.fcW = mat.NewDense(numClasses, conv2Out, fcData)
	return c
}

// lossScale multiplies the cross-entropy before the gradient is taken.
const lossScale = 3.0

// GradientWRTInput runs a forward pass on the normalised input, takes the
// arg-max class as a self-supervised target, and returns the gradient of the
// scaled cross-entropy loss with respect to the input.
func (c *Classifier) GradientWRTInput(x *Tensor) (*Tensor, error) {
	if x.C != 3 || x.H != inputSize || x.W != inputSize {
		return nil, fmt.Errorf("classifier input must be 3x%dx%d, got %dx%dx%d",
			inputSize, inputSize, x.C, x.H, x.W)
	}

	// Forward.
	pre1 := c.conv1.forward(x)
	act1 := reluForward(pre1)
	pooled, poolIdx := maxPoolForward(act1)
	pre2 := c.conv2.forward(pooled)
	act2 := reluForward(pre2)
	gap := gapForward(act2)

	logits := make([]float64, numClasses)
	gapVec := mat.NewVecDense(conv2Out, gap)
	logitsVec := mat.NewVecDense(numClasses, logits)
	logitsVec.MulVec(c.fcW, gapVec)
	for i := range logits {
		logits[i] += c.fcB[i]
	}

	probs := softmax(logits)
	target := argmax(logits)

	// Backward. d(scaled CE)/dlogits = scale * (softmax - onehot).
	dLogits := make([]float64, numClasses)
	for i := range dLogits {
		dLogits[i] = lossScale * probs[i]
	}
	dLogits[target] -= lossScale

	dGap := make([]float64, conv2Out)
	dGapVec := mat.NewVecDense(conv2Out, dGap)
	dGapVec.MulVec(c.fcW.T(), mat.NewVecDense(numClasses, dLogits))

	dAct2 := gapBackward(dGap, act2.H, act2.W)
	dPre2 := reluBackward(pre2, dAct2)
	dPooled := c.conv2.backward(pooled, dPre2)
	dAct1 := maxPoolBackward(dPooled, poolIdx, act1.H, act1.W)
	dPre1 := reluBackward(pre1, dAct1)
	return c.conv1.backward(x, dPre1), nil
}

func reluForward(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

func reluBackward(pre *Tensor, dOut *Tensor) *Tensor {
	dIn := dOut.Clone()
	for i, v := range pre.Data {
		if v <= 0 {
			dIn.Data[i] = 0
		}
	}
	return dIn
}

// maxPoolForward applies 2x2 stride-2 max pooling and records the winning
// input index for each output cell.
func maxPoolForward(x *Tensor) (*Tensor, []int) {
	outH, outW := x.H/2, x.W/2
	out := NewTensor(x.C, outH, outW)
	idx := make([]int, x.C*outH*outW)

	for ch := 0; ch < x.C; ch++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := math.Inf(-1)
				bestIdx := 0
				for ky := 0; ky < 2; ky++ {
					for kx := 0; kx < 2; kx++ {
						iy, ix := oy*2+ky, ox*2+kx
						i := (ch*x.H+iy)*x.W + ix
						if v := x.Data[i]; v > best {
							best = v
							bestIdx = i
						}
					}
				}
				o := (ch*outH+oy)*outW + ox
				out.Data[o] = best
				idx[o] = bestIdx
			}
		}
	}
	return out, idx
}

func maxPoolBackward(dOut *Tensor, idx []int, inH, inW int) *Tensor {
	dIn := NewTensor(dOut.C, inH, inW)
	for o, i := range idx {
		dIn.Data[i] += dOut.Data[o]
	}
	return dIn
}

// gapForward is global average pooling over each channel.
func gapForward(x *Tensor) []float64 {
	out := make([]float64, x.C)
	area := float64(x.H * x.W)
	for ch := 0; ch < x.C; ch++ {
		sum := 0.0
		base := ch * x.H * x.W
		for i := 0; i < x.H*x.W; i++ {
			sum += x.Data[base+i]
		}
		out[ch] = sum / area
	}
	return out
}

func gapBackward(dOut []float64, h, w int) *Tensor {
	dIn := NewTensor(len(dOut), h, w)
	area := float64(h * w)
	for ch, g := range dOut {
		v := g / area
		base := ch * h * w
		for i := 0; i < h*w; i++ {
			dIn.Data[base+i] = v
		}
	}
	return dIn
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}
