// Package optimizer updates trainable parameters from their accumulated
// gradients.
package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
)

// Optimizer defines the common interface for all optimizers
// State save/restore backs checkpoint continue and fork.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	Step() error

	// ZeroGrad drops the gradients of all parameters.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	LearningRate() float64
	UpdateLearningRate(lr float64)

	Name() string
}

// OptimizerState is serialized as part of a checkpoint.
type OptimizerState = checkpoints.OptimizerState

// Config carries the hyperparameters of every supported optimizer. Fields an
// optimizer does not use are ignored.
type Config struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Epsilon      float64
	Beta1        float64
	Beta2        float64
	Alpha        float64
}

// New builds the optimizer called name over params.
func New(name string, params []*autograd.Variable, cfg Config) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	case "nag":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     true,
		}, params)
	case "adagrad":
		eps := cfg.Epsilon
		if eps == 0 {
			eps = 1e-8
		}
		return NewAdaGradOptimizer(AdaGradConfig{
			LearningRate: cfg.LearningRate,
			Epsilon:      eps,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	case "adam":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		if cfg.Beta1 > 0 {
			c.Beta1 = cfg.Beta1
		}
		if cfg.Beta2 > 0 {
			c.Beta2 = cfg.Beta2
		}
		if cfg.Epsilon > 0 {
			c.Epsilon = cfg.Epsilon
		}
		return NewAdamOptimizer(c, params)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		if cfg.Alpha > 0 {
			c.Alpha = cfg.Alpha
		}
		if cfg.Epsilon > 0 {
			c.Epsilon = cfg.Epsilon
		}
		return NewRMSPropOptimizer(c, params)
	default:
		return nil, errors.Errorf("Optimizer is not supported: %s", name)
	}
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	last := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			last = i
			break
		}
	}
	if last == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[last+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
