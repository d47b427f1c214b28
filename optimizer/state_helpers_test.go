package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

func param(data []float32, grad []float32) *autograd.Variable {
	p := autograd.NewParameter(tensor.FromFloat32([]int{len(data)}, append([]float32(nil), data...)))
	if grad != nil {
		p.SetGrad(append([]float32(nil), grad...))
	}
	return p
}

// TestExtractFloatParam tests the extractFloatParam helper function
func TestExtractFloatParam(t *testing.T) {
	tests := []struct {
		name         string
		params       map[string]float64
		key          string
		defaultValue float64
		expected     float64
	}{
		{"existing_param", map[string]float64{"learning_rate": 0.01}, "learning_rate", 0.001, 0.01},
		{"missing_param", map[string]float64{"beta1": 0.9}, "learning_rate", 0.001, 0.001},
		{"nil_map", nil, "learning_rate", 0.5, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractFloatParam(tt.params, tt.key, tt.defaultValue))
		})
	}
}

func TestExtractUintAndBoolParams(t *testing.T) {
	params := map[string]float64{"step_count": 42, "nesterov": 1, "centered": 0}
	assert.Equal(t, uint64(42), extractUint64Param(params, "step_count", 0))
	assert.Equal(t, uint64(7), extractUint64Param(params, "missing", 7))
	assert.True(t, extractBoolParam(params, "nesterov", false))
	assert.False(t, extractBoolParam(params, "centered", true))
	assert.True(t, extractBoolParam(params, "missing", true))
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, extractBufferIndex(tt.name), tt.name)
	}
}

func TestRestoreBufferState(t *testing.T) {
	buf := make([]float32, 3)
	require.NoError(t, restoreBufferState(buf, []float32{1, 2, 3}, "momentum_0"))
	assert.Equal(t, []float32{1, 2, 3}, buf)
	assert.Error(t, restoreBufferState(buf, []float32{1}, "momentum_0"))
	assert.Error(t, restoreBufferState(nil, []float32{1}, "momentum_0"))

	assert.Nil(t, extractBufferState(nil, []int{1}, "x_0", "x"))
}

func TestClipGradNorm(t *testing.T) {
	a := param([]float32{0, 0}, []float32{3, 0})
	b := param([]float32{0}, []float32{4})
	noGrad := param([]float32{1}, nil)
	params := []*autograd.Variable{a, b, noGrad}

	norm := ClipGradNorm(params, 0)
	assert.InDelta(t, 5.0, norm, 1e-6)
	assert.Equal(t, []float32{3, 0}, a.Grad())

	norm = ClipGradNorm(params, 10)
	assert.InDelta(t, 5.0, norm, 1e-6)
	assert.Equal(t, []float32{3, 0}, a.Grad())

	norm = ClipGradNorm(params, 1)
	assert.InDelta(t, 5.0, norm, 1e-6)
	clipped := math.Hypot(float64(a.Grad()[0]), float64(b.Grad()[0]))
	assert.InDelta(t, 1.0, clipped, 1e-5)
	assert.Nil(t, noGrad.Grad())
}
