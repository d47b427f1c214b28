package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// AdaGradOptimizerState accumulates squared gradients per element.
type AdaGradOptimizerState struct {
	base
	config AdaGradConfig

	// Accumulated squared gradients
	squaredGradAvgBuffers [][]float32
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-8,
	}
}

// NewAdaGradOptimizer creates an AdaGrad optimizer over params.
func NewAdaGradOptimizer(config AdaGradConfig, params []*autograd.Variable) (*AdaGradOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &AdaGradOptimizerState{
		base:                  b,
		config:                config,
		squaredGradAvgBuffers: zerosLike(params),
	}, nil
}

func (a *AdaGradOptimizerState) Name() string { return "adagrad" }

// Step performs G += g^2; w -= lr*g/(sqrt(G)+eps).
func (a *AdaGradOptimizerState) Step() error {
	lr := a.learningRate
	for i, p := range a.params {
		if !p.IsGradAvailable() {
			continue
		}
		g := decayedGrad(p, a.config.WeightDecay)
		w := p.Data()
		acc := a.squaredGradAvgBuffers[i]
		if len(g) != len(w) {
			return errors.Errorf("gradient size mismatch for parameter %d", i)
		}
		for j := range w {
			acc[j] += g[j] * g[j]
			w[j] -= float32(lr * float64(g[j]) / (math.Sqrt(float64(acc[j])) + a.config.Epsilon))
		}
	}
	a.stepCount++
	return nil
}

// GetState extracts AdaGrad state for checkpointing
func (a *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: a.Name(),
		Parameters: map[string]float64{
			"learning_rate": a.learningRate,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
		StateData: []checkpoints.OptimizerTensor{},
	}
	for i, buf := range a.squaredGradAvgBuffers {
		t := extractBufferState(buf, a.params[i].Shape(), fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg")
		state.StateData = append(state.StateData, *t)
	}
	return state, nil
}

// LoadState restores AdaGrad state from checkpoint
func (a *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(a.Name(), state); err != nil {
		return err
	}
	a.learningRate = extractFloatParam(state.Parameters, "learning_rate", a.learningRate)
	a.config.LearningRate = a.learningRate
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return restoreBuffers(state, "squared_grad_avg", a.squaredGradAvgBuffers)
}
