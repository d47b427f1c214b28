package autograd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/tensor"
)

func randParam(t *testing.T, rng *rand.Rand, shape ...int) *Variable {
	x, err := tensor.RandomUniform(shape, 1, rng)
	require.NoError(t, err)
	return NewParameter(x)
}

// numericGrad perturbs every element of p and measures the change of f.
func numericGrad(p *Variable, f func() float64) []float32 {
	const eps = 1e-2
	d := p.Data()
	g := make([]float32, len(d))
	for i := range d {
		orig := d[i]
		d[i] = orig + eps
		up := f()
		d[i] = orig - eps
		down := f()
		d[i] = orig
		g[i] = float32((up - down) / (2 * eps))
	}
	return g
}

func TestLinearLogSoftmaxNLLGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randParam(t, rng, 2, 3, 4)
	w := randParam(t, rng, 5, 4)
	b := randParam(t, rng, 5)
	targets := []int32{0, 4, 2, -1, 1, 3}

	loss := func() *Variable {
		y, err := Linear(x, w, b)
		require.NoError(t, err)
		l, err := NLL(LogSoftmax(y), targets, -1)
		require.NoError(t, err)
		return l
	}
	value := func() float64 { return float64(loss().Data()[0]) }

	l := loss()
	require.NoError(t, l.Backward())

	for name, p := range map[string]*Variable{"x": x, "w": w, "b": b} {
		num := numericGrad(p, value)
		require.Len(t, p.Grad(), len(num), name)
		for i := range num {
			assert.InDelta(t, num[i], p.Grad()[i], 2e-2, "%s[%d]", name, i)
		}
	}
}

func TestBackwardAccumulatesSharedLeaf(t *testing.T) {
	w := NewParameter(tensor.FromFloat32([]int{2}, []float32{1, 2}))
	a := Scale(w, 3)
	s, err := Add(a, w)
	require.NoError(t, err)
	require.NoError(t, Sum(s).Backward())
	assert.Equal(t, []float32{4, 4}, w.Grad())
}

func TestBackwardRequiresGrad(t *testing.T) {
	c := NewConstant(tensor.FromFloat32([]int{1}, []float32{1}))
	assert.Error(t, Sum(c).Backward())
}

func TestEmbeddingGradient(t *testing.T) {
	table := NewParameter(tensor.FromFloat32([]int{3, 2}, []float32{0, 1, 2, 3, 4, 5}))
	ids := tensor.FromInt32([]int{1, 3}, []int32{2, 0, 2})
	e, err := Embedding(ids, table)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, e.Shape())
	assert.Equal(t, []float32{4, 5, 0, 1, 4, 5}, e.Data())

	require.NoError(t, Sum(e).Backward())
	assert.Equal(t, []float32{1, 1, 0, 0, 2, 2}, table.Grad())

	_, err = Embedding(tensor.FromInt32([]int{1}, []int32{3}), table)
	assert.Error(t, err)
}

func TestMaskedMeanResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := randParam(t, rng, 2, 3, 2)
	mask := []float32{1, 1, 0, 1, 0, 0}
	loss := func() *Variable {
		y, err := MaskedMeanResidual(x, mask)
		require.NoError(t, err)
		wy, err := MaskRows(y, []float32{1, 0.5, 2, 1, 1, 3})
		require.NoError(t, err)
		lin, err := Linear(wy, NewConstant(tensor.FromFloat32([]int{1, 2}, []float32{1, -1})), nil)
		require.NoError(t, err)
		return Sum(lin)
	}
	l := loss()
	require.NoError(t, l.Backward())
	num := numericGrad(x, func() float64 { return float64(loss().Data()[0]) })
	for i := range num {
		assert.InDelta(t, num[i], x.Grad()[i], 2e-2, "x[%d]", i)
	}
}

func TestSelectRows(t *testing.T) {
	x := NewParameter(tensor.FromFloat32([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6}))
	s, err := SelectRows(x, []int{2, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 1, 2, 5, 6}, s.Data())
	require.NoError(t, Sum(s).Backward())
	assert.Equal(t, []float32{1, 1, 0, 0, 2, 2}, x.Grad())
}
