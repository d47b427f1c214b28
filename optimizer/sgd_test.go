package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/autograd"
)

func TestSGDConfigValidation(t *testing.T) {
	params := []*autograd.Variable{param([]float32{1}, nil)}
	tests := []struct {
		name    string
		config  SGDConfig
		wantErr bool
	}{
		{"default", DefaultSGDConfig(), false},
		{"negative_momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}, true},
		{"momentum_too_large", SGDConfig{LearningRate: 0.1, Momentum: 1.5}, true},
		{"negative_weight_decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSGDOptimizer(tt.config, params)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		expected []float32 // after two steps with constant gradient 1
	}{
		// w = 1 - 0.1 - 0.1
		{"vanilla", SGDConfig{LearningRate: 0.1}, []float32{0.8}},
		// v1 = 1, v2 = 1.5; w = 1 - 0.1 - 0.15
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.5}, []float32{0.75}},
		// steps 0.1*(1+0.5), 0.1*(1+0.75)
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, []float32{0.675}},
		// g = 1 + 0.5*w: 1 - 0.15 = 0.85, then 0.85 - 0.1425
		{"weight_decay", SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, []float32{0.7075}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := param([]float32{1}, nil)
			sgd, err := NewSGDOptimizer(tt.config, []*autograd.Variable{p})
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				p.SetGrad([]float32{1})
				require.NoError(t, sgd.Step())
			}
			assert.InDeltaSlice(t, tt.expected, p.Data(), 1e-6)
		})
	}
}

func TestSGDSkipsParametersWithoutGradient(t *testing.T) {
	a := param([]float32{1}, []float32{1})
	b := param([]float32{1}, nil)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.5}, []*autograd.Variable{a, b})
	require.NoError(t, err)
	require.NoError(t, sgd.Step())
	assert.Equal(t, []float32{0.5}, a.Data())
	assert.Equal(t, []float32{1}, b.Data())
}
