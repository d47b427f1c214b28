package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/autograd"
)

func TestAdamFirstStepIsLearningRateSized(t *testing.T) {
	// bias correction makes the first update lr*sign(g) up to epsilon
	p := param([]float32{1, 1}, []float32{0.2, -3})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*autograd.Variable{p})
	require.NoError(t, err)
	require.NoError(t, adam.Step())
	assert.InDelta(t, 1-0.001, p.Data()[0], 1e-6)
	assert.InDelta(t, 1+0.001, p.Data()[1], 1e-6)
}

func TestAdamConfigValidation(t *testing.T) {
	params := []*autograd.Variable{param([]float32{1}, nil)}
	bad := []AdamConfig{
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 1.5, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999},
	}
	for _, c := range bad {
		_, err := NewAdamOptimizer(c, params)
		assert.Error(t, err)
	}
}

func TestAdaGradStep(t *testing.T) {
	p := param([]float32{1}, nil)
	a, err := NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0.1, Epsilon: 1e-8}, []*autograd.Variable{p})
	require.NoError(t, err)

	p.SetGrad([]float32{2})
	require.NoError(t, a.Step())
	// G = 4, w = 1 - 0.1*2/2
	assert.InDelta(t, 0.9, p.Data()[0], 1e-6)

	p.SetGrad([]float32{2})
	require.NoError(t, a.Step())
	// G = 8
	assert.InDelta(t, 0.9-0.2/math.Sqrt(8), p.Data()[0], 1e-6)

	_, err = NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0.1}, []*autograd.Variable{p})
	assert.Error(t, err)
}

func TestRMSPropStep(t *testing.T) {
	p := param([]float32{1}, nil)
	r, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8}, []*autograd.Variable{p})
	require.NoError(t, err)
	p.SetGrad([]float32{1})
	require.NoError(t, r.Step())
	// sq = 0.1, w = 1 - 0.01/sqrt(0.1)
	assert.InDelta(t, 1-0.01/math.Sqrt(0.1), p.Data()[0], 1e-5)

	centered, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8, Centered: true, Momentum: 0.5},
		[]*autograd.Variable{param([]float32{1}, nil)})
	require.NoError(t, err)
	state, err := centered.GetState()
	require.NoError(t, err)
	assert.Len(t, state.StateData, 3)

	_, err = NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 1, Epsilon: 1e-8}, []*autograd.Variable{p})
	assert.Error(t, err)
}
