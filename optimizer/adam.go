package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// AdamOptimizerState keeps bias-corrected first and second moments.
type AdamOptimizerState struct {
	base

	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64
	WeightDecay float64

	MomentumBuffers [][]float32 // First moment
	VarianceBuffers [][]float32 // Second moment
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params.
func NewAdamOptimizer(config AdamConfig, params []*autograd.Variable) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &AdamOptimizerState{
		base:            b,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: zerosLike(params),
		VarianceBuffers: zerosLike(params),
	}, nil
}

func (a *AdamOptimizerState) Name() string { return "adam" }

func (a *AdamOptimizerState) Step() error {
	a.stepCount++
	t := float64(a.stepCount)
	c1 := 1 - math.Pow(a.Beta1, t)
	c2 := 1 - math.Pow(a.Beta2, t)
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	for i, p := range a.params {
		if !p.IsGradAvailable() {
			continue
		}
		g := decayedGrad(p, a.WeightDecay)
		w := p.Data()
		if len(g) != len(w) {
			return errors.Errorf("gradient size mismatch for parameter %d", i)
		}
		m, v := a.MomentumBuffers[i], a.VarianceBuffers[i]
		for j := range w {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			mHat := float64(m[j]) / c1
			vHat := float64(v[j]) / c2
			w[j] -= float32(a.learningRate * mHat / (math.Sqrt(vHat) + a.Epsilon))
		}
	}
	return nil
}

// GetState extracts Adam state for checkpointing
func (a *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: a.Name(),
		Parameters: map[string]float64{
			"learning_rate": a.learningRate,
			"beta1":         a.Beta1,
			"beta2":         a.Beta2,
			"epsilon":       a.Epsilon,
			"weight_decay":  a.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
		StateData: []checkpoints.OptimizerTensor{},
	}
	for i := range a.params {
		shape := a.params[i].Shape()
		state.StateData = append(state.StateData,
			*extractBufferState(a.MomentumBuffers[i], shape, fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(a.VarianceBuffers[i], shape, fmt.Sprintf("variance_%d", i), "variance"))
	}
	return state, nil
}

// LoadState restores Adam state from checkpoint
func (a *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(a.Name(), state); err != nil {
		return err
	}
	a.learningRate = extractFloatParam(state.Parameters, "learning_rate", a.learningRate)
	a.Beta1 = extractFloatParam(state.Parameters, "beta1", a.Beta1)
	a.Beta2 = extractFloatParam(state.Parameters, "beta2", a.Beta2)
	a.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.Epsilon)
	a.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	if err := restoreBuffers(state, "momentum", a.MomentumBuffers); err != nil {
		return err
	}
	return restoreBuffers(state, "variance", a.VarianceBuffers)
}
