package criterion

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

// ScaleMode normalizes per-sample CTC losses by input or target length.
type ScaleMode int

const (
	ScaleNone ScaleMode = iota
	ScaleInputSize
	ScaleInputSizeSqrt
	ScaleTargetSize
	ScaleTargetSizeSqrt
)

var scaleModeNames = map[ScaleMode]string{
	ScaleNone:           "none",
	ScaleInputSize:      "input_sz",
	ScaleInputSizeSqrt:  "input_sz_sqrt",
	ScaleTargetSize:     "target_sz",
	ScaleTargetSizeSqrt: "target_sz_sqrt",
}

func (m ScaleMode) String() string {
	if s, ok := scaleModeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseScaleMode is the inverse of ScaleMode.String. An empty name means none.
func ParseScaleMode(name string) (ScaleMode, error) {
	if name == "" {
		return ScaleNone, nil
	}
	for m, s := range scaleModeNames {
		if s == name {
			return m, nil
		}
	}
	return ScaleNone, errors.Errorf("unknown criterion scale mode %q", name)
}

// GetScaleMode maps the norm_onorm / norm_sqnorm options to a ScaleMode.
func GetScaleMode(onorm string, sqnorm bool) (ScaleMode, error) {
	switch onorm {
	case "none", "":
		return ScaleNone, nil
	case "input":
		if sqnorm {
			return ScaleInputSizeSqrt, nil
		}
		return ScaleInputSize, nil
	case "target":
		if sqnorm {
			return ScaleTargetSizeSqrt, nil
		}
		return ScaleTargetSize, nil
	default:
		return ScaleNone, errors.Errorf("invalid value for norm_onorm: %q", onorm)
	}
}

// TargetSize returns the number of leading non-negative entries of target.
func TargetSize(target []int32) int {
	for i, v := range target {
		if v < 0 {
			return i
		}
	}
	return len(target)
}

// CTC is connectionist temporal classification over logits [B, T, C]. The
// blank label is the last class. Forward returns per-sample losses [B].
type CTC struct {
	modeFlag
	scale ScaleMode
}

func NewCTC(scale ScaleMode) *CTC {
	return &CTC{modeFlag: modeFlag{training: true}, scale: scale}
}

func (c *CTC) Parameters() []*autograd.Variable { return nil }

func (c *CTC) String() string {
	return "ConnectionistTemporalClassificationCriterion"
}

func (c *CTC) Spec() Spec {
	return Spec{Type: "ctc", ScaleMode: c.scale.String()}
}

func (c *CTC) Forward(output *autograd.Variable, target *tensor.Tensor) (*autograd.Variable, error) {
	shape := output.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("ctc: expected output [B, T, C], got %v", shape)
	}
	bsz, frames, classes := shape[0], shape[1], shape[2]
	if target.Rank() != 2 || target.Dim(0) != bsz {
		return nil, errors.Errorf("ctc: target shape %v does not match batch %d", target.Shape, bsz)
	}
	tgtLen := target.Dim(1)
	tgt := target.Int32s()
	logits := output.Data()

	losses := make([]float32, bsz)
	grads := make([]float32, len(logits))
	for b := 0; b < bsz; b++ {
		labels := tgt[b*tgtLen : (b+1)*tgtLen]
		labels = labels[:TargetSize(labels)]
		for _, l := range labels {
			if int(l) >= classes-1 {
				return nil, errors.Errorf("ctc: label %d collides with blank or exceeds %d classes", l, classes)
			}
		}
		sample := logits[b*frames*classes : (b+1)*frames*classes]
		loss := ctcSample(sample, labels, frames, classes, grads[b*frames*classes:(b+1)*frames*classes])
		s := c.scaleFactor(frames, len(labels))
		losses[b] = float32(loss * s)
		g := grads[b*frames*classes : (b+1)*frames*classes]
		for i := range g {
			g[i] *= float32(s)
		}
	}

	return autograd.NewResult(tensor.FromFloat32([]int{bsz}, losses), []*autograd.Variable{output}, func(up []float32) {
		buf := output.GradBuffer()
		per := frames * classes
		for b := 0; b < bsz; b++ {
			for i := 0; i < per; i++ {
				buf[b*per+i] += up[b] * grads[b*per+i]
			}
		}
	}), nil
}

func (c *CTC) scaleFactor(frames, labels int) float64 {
	switch c.scale {
	case ScaleInputSize:
		return 1 / float64(frames)
	case ScaleInputSizeSqrt:
		return 1 / math.Sqrt(float64(frames))
	case ScaleTargetSize:
		if labels > 0 {
			return 1 / float64(labels)
		}
	case ScaleTargetSizeSqrt:
		if labels > 0 {
			return 1 / math.Sqrt(float64(labels))
		}
	}
	return 1
}

// ViterbiPath returns the best label per frame of sample b of output
// [B, T, C].
func (c *CTC) ViterbiPath(output *tensor.Tensor, b int) []int32 {
	frames, classes := output.Dim(1), output.Dim(2)
	data := output.Float32s()[b*frames*classes : (b+1)*frames*classes]
	path := make([]int32, frames)
	for t := 0; t < frames; t++ {
		row := data[t*classes : (t+1)*classes]
		best := 0
		for k := 1; k < classes; k++ {
			if row[k] > row[best] {
				best = k
			}
		}
		path[t] = int32(best)
	}
	return path
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

// ctcSample returns the negative log likelihood of labels and writes the
// gradient with respect to the logits into grad. Infeasible alignments give
// +Inf and a zero gradient.
func ctcSample(logits []float32, labels []int32, frames, classes int, grad []float32) float64 {
	blank := int32(classes - 1)
	logp := make([]float64, len(logits))
	for t := 0; t < frames; t++ {
		row := logits[t*classes : (t+1)*classes]
		m := float64(row[0])
		for _, v := range row {
			m = math.Max(m, float64(v))
		}
		var s float64
		for _, v := range row {
			s += math.Exp(float64(v) - m)
		}
		lse := m + math.Log(s)
		for k, v := range row {
			logp[t*classes+k] = float64(v) - lse
		}
	}

	ext := make([]int32, 2*len(labels)+1)
	for i := range ext {
		ext[i] = blank
	}
	for i, l := range labels {
		ext[2*i+1] = l
	}
	S := len(ext)
	negInf := math.Inf(-1)

	alpha := make([]float64, frames*S)
	beta := make([]float64, frames*S)
	for i := range alpha {
		alpha[i] = negInf
		beta[i] = negInf
	}
	emit := func(t, s int) float64 { return logp[t*classes+int(ext[s])] }

	alpha[0] = emit(0, 0)
	if S > 1 {
		alpha[1] = emit(0, 1)
	}
	for t := 1; t < frames; t++ {
		for s := 0; s < S; s++ {
			v := alpha[(t-1)*S+s]
			if s > 0 {
				v = logAdd(v, alpha[(t-1)*S+s-1])
			}
			if s > 1 && ext[s] != blank && ext[s] != ext[s-2] {
				v = logAdd(v, alpha[(t-1)*S+s-2])
			}
			if !math.IsInf(v, -1) {
				alpha[t*S+s] = v + emit(t, s)
			}
		}
	}

	last := frames - 1
	beta[last*S+S-1] = emit(last, S-1)
	if S > 1 {
		beta[last*S+S-2] = emit(last, S-2)
	}
	for t := last - 1; t >= 0; t-- {
		for s := 0; s < S; s++ {
			v := beta[(t+1)*S+s]
			if s+1 < S {
				v = logAdd(v, beta[(t+1)*S+s+1])
			}
			if s+2 < S && ext[s] != blank && ext[s] != ext[s+2] {
				v = logAdd(v, beta[(t+1)*S+s+2])
			}
			if !math.IsInf(v, -1) {
				beta[t*S+s] = v + emit(t, s)
			}
		}
	}

	ll := alpha[last*S+S-1]
	if S > 1 {
		ll = logAdd(ll, alpha[last*S+S-2])
	}
	if math.IsInf(ll, -1) {
		return math.Inf(1)
	}

	occ := make([]float64, classes)
	for t := 0; t < frames; t++ {
		for k := range occ {
			occ[k] = negInf
		}
		for s := 0; s < S; s++ {
			ab := alpha[t*S+s] + beta[t*S+s]
			if math.IsInf(ab, -1) {
				continue
			}
			k := ext[s]
			occ[k] = logAdd(occ[k], ab-emit(t, s))
		}
		for k := 0; k < classes; k++ {
			p := math.Exp(logp[t*classes+k])
			post := 0.0
			if !math.IsInf(occ[k], -1) {
				post = math.Exp(occ[k] - ll)
			}
			grad[t*classes+k] = float32(p - post)
		}
	}
	return -ll
}
