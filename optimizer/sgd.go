package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum.
// With Nesterov set it is the "nag" optimizer.
type SGDOptimizerState struct {
	base

	Momentum    float64 // 0 for vanilla SGD
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params.
func NewSGDOptimizer(config SGDConfig, params []*autograd.Variable) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	sgd := &SGDOptimizerState{
		base:        b,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = zerosLike(params)
	}
	return sgd, nil
}

func (sgd *SGDOptimizerState) Name() string {
	if sgd.Nesterov {
		return "nag"
	}
	return "sgd"
}

// Step performs v = m*v + g; w -= lr*v, or w -= lr*(g + m*v) with Nesterov.
func (sgd *SGDOptimizerState) Step() error {
	lr := float32(sgd.learningRate)
	m := float32(sgd.Momentum)
	for i, p := range sgd.params {
		if !p.IsGradAvailable() {
			continue
		}
		g := decayedGrad(p, sgd.WeightDecay)
		w := p.Data()
		if len(g) != len(w) {
			return errors.Errorf("gradient size mismatch for parameter %d", i)
		}
		if sgd.MomentumBuffers == nil {
			for j := range w {
				w[j] -= lr * g[j]
			}
			continue
		}
		v := sgd.MomentumBuffers[i]
		for j := range w {
			v[j] = m*v[j] + g[j]
			if sgd.Nesterov {
				w[j] -= lr * (g[j] + m*v[j])
			} else {
				w[j] -= lr * v[j]
			}
		}
	}
	sgd.stepCount++
	return nil
}

// GetState extracts SGD state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.stepCount),
		},
		StateData: []checkpoints.OptimizerTensor{},
	}
	for i, buf := range sgd.MomentumBuffers {
		t := extractBufferState(buf, sgd.params[i].Shape(), fmt.Sprintf("momentum_%d", i), "momentum")
		state.StateData = append(state.StateData, *t)
	}
	return state, nil
}

// LoadState restores SGD state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(sgd.Name(), state); err != nil {
		return err
	}
	sgd.learningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.learningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = zerosLike(sgd.params)
	}
	return restoreBuffers(state, "momentum", sgd.MomentumBuffers)
}
