package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// base holds what every optimizer shares: the parameters, the learning
// rate and the step counter.
type base struct {
	params       []*autograd.Variable
	learningRate float64
	stepCount    uint64
}

func newBase(params []*autograd.Variable, lr float64) (base, error) {
	if lr < 0 {
		return base{}, errors.Errorf("learning rate cannot be negative: %f", lr)
	}
	return base{params: params, learningRate: lr}, nil
}

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func (b *base) GetStepCount() uint64          { return b.stepCount }
func (b *base) LearningRate() float64         { return b.learningRate }
func (b *base) UpdateLearningRate(lr float64) { b.learningRate = lr }

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// decayedGrad returns grad + wd*w in a fresh slice, or grad itself when wd
// is zero.
func decayedGrad(p *autograd.Variable, wd float64) []float32 {
	g := p.Grad()
	if wd == 0 {
		return g
	}
	out := make([]float32, len(g))
	copy(out, g)
	blas32.Axpy(float32(wd), vec(p.Data()), vec(out))
	return out
}

// extractBufferState copies a single state buffer into a checkpoint tensor.
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data into a single state buffer.
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return errors.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// restoreBuffers routes every state tensor of stateType to its buffer by
// the index suffix of its name.
func restoreBuffers(state *OptimizerState, stateType string, buffers [][]float32) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in state tensor %s", t.Name)
		}
		if err := restoreBufferState(buffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}

func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func zerosLike(params []*autograd.Variable) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = make([]float32, p.Value.NumElems)
	}
	return out
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables
// clipping.
func ClipGradNorm(params []*autograd.Variable, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		if !p.IsGradAvailable() {
			continue
		}
		n := float64(blas32.Nrm2(vec(p.Grad())))
		sq += n * n
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	if scale >= 1 {
		return norm
	}
	for _, p := range params {
		if p.IsGradAvailable() {
			blas32.Scal(float32(scale), vec(p.Grad()))
		}
	}
	return norm
}
