package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// RMSPropOptimizerState scales updates by a running average of squared
// gradients, optionally centered and with momentum.
type RMSPropOptimizerState struct {
	base

	Alpha       float64 // Smoothing constant (typically 0.99)
	Epsilon     float64
	WeightDecay float64
	Momentum    float64
	Centered    bool

	SquaredGradAvgBuffers [][]float32
	MomentumBuffers       [][]float32 // if momentum > 0
	GradientAvgBuffers    [][]float32 // if centered
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer over params.
func NewRMSPropOptimizer(config RMSPropConfig, params []*autograd.Variable) (*RMSPropOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in (0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	r := &RMSPropOptimizerState{
		base:                  b,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: zerosLike(params),
	}
	if config.Momentum > 0 {
		r.MomentumBuffers = zerosLike(params)
	}
	if config.Centered {
		r.GradientAvgBuffers = zerosLike(params)
	}
	return r, nil
}

func (r *RMSPropOptimizerState) Name() string { return "rmsprop" }

func (r *RMSPropOptimizerState) Step() error {
	alpha := float32(r.Alpha)
	for i, p := range r.params {
		if !p.IsGradAvailable() {
			continue
		}
		g := decayedGrad(p, r.WeightDecay)
		w := p.Data()
		if len(g) != len(w) {
			return errors.Errorf("gradient size mismatch for parameter %d", i)
		}
		sq := r.SquaredGradAvgBuffers[i]
		for j := range w {
			sq[j] = alpha*sq[j] + (1-alpha)*g[j]*g[j]
			denom := float64(sq[j])
			if r.Centered {
				ga := r.GradientAvgBuffers[i]
				ga[j] = alpha*ga[j] + (1-alpha)*g[j]
				denom -= float64(ga[j]) * float64(ga[j])
			}
			step := float64(g[j]) / (math.Sqrt(math.Max(denom, 0)) + r.Epsilon)
			if r.MomentumBuffers != nil {
				mb := r.MomentumBuffers[i]
				mb[j] = float32(r.Momentum)*mb[j] + float32(step)
				step = float64(mb[j])
			}
			w[j] -= float32(r.learningRate * step)
		}
	}
	r.stepCount++
	return nil
}

// GetState extracts RMSProp state for checkpointing
func (r *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: r.Name(),
		Parameters: map[string]float64{
			"learning_rate": r.learningRate,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"centered":      boolParam(r.Centered),
			"step_count":    float64(r.stepCount),
		},
		StateData: []checkpoints.OptimizerTensor{},
	}
	for i := range r.params {
		shape := r.params[i].Shape()
		state.StateData = append(state.StateData,
			*extractBufferState(r.SquaredGradAvgBuffers[i], shape, fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if r.MomentumBuffers != nil {
			state.StateData = append(state.StateData,
				*extractBufferState(r.MomentumBuffers[i], shape, fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if r.GradientAvgBuffers != nil {
			state.StateData = append(state.StateData,
				*extractBufferState(r.GradientAvgBuffers[i], shape, fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}
	return state, nil
}

// LoadState restores RMSProp state from checkpoint
func (r *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(r.Name(), state); err != nil {
		return err
	}
	r.learningRate = extractFloatParam(state.Parameters, "learning_rate", r.learningRate)
	r.Alpha = extractFloatParam(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = extractFloatParam(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = extractFloatParam(state.Parameters, "momentum", r.Momentum)
	r.Centered = extractBoolParam(state.Parameters, "centered", r.Centered)
	r.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	if r.Momentum > 0 && r.MomentumBuffers == nil {
		r.MomentumBuffers = zerosLike(r.params)
	}
	if r.Centered && r.GradientAvgBuffers == nil {
		r.GradientAvgBuffers = zerosLike(r.params)
	}
	if err := restoreBuffers(state, "squared_grad_avg", r.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if err := restoreBuffers(state, "momentum", r.MomentumBuffers); err != nil {
		return err
	}
	return restoreBuffers(state, "gradient_avg", r.GradientAvgBuffers)
}
