package criterion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

func TestParseCutoffs(t *testing.T) {
	tests := []struct {
		flag     string
		classes  int
		expected []int
		wantErr  bool
	}{
		{"", 10, []int{10}, false},
		{"2", 10, []int{2, 10}, false},
		{" 2, 5 ,8", 10, []int{2, 5, 8, 10}, false},
		{"5,2", 10, nil, true},
		{"2,2", 10, nil, true},
		{"2,10", 10, nil, true},
		{"2,x", 10, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			got, err := ParseCutoffs(tt.flag, tt.classes)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			for i := 0; i+1 < len(got); i++ {
				assert.Less(t, got[i], got[i+1])
			}
			assert.Equal(t, tt.classes, got[len(got)-1])
		})
	}
}

func TestGetScaleMode(t *testing.T) {
	tests := []struct {
		onorm   string
		sqnorm  bool
		want    ScaleMode
		wantErr bool
	}{
		{"none", false, ScaleNone, false},
		{"target", false, ScaleTargetSize, false},
		{"target", true, ScaleTargetSizeSqrt, false},
		{"input", true, ScaleInputSizeSqrt, false},
		{"bogus", false, ScaleNone, true},
	}
	for _, tt := range tests {
		got, err := GetScaleMode(tt.onorm, tt.sqnorm)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		round, err := ParseScaleMode(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, round)
	}
}

// bruteForceCTC sums the probability of every frame labelling that collapses
// to labels.
func bruteForceCTC(logits []float32, labels []int32, frames, classes int) float64 {
	logp := make([]float64, len(logits))
	for t := 0; t < frames; t++ {
		var s float64
		for k := 0; k < classes; k++ {
			s += math.Exp(float64(logits[t*classes+k]))
		}
		for k := 0; k < classes; k++ {
			logp[t*classes+k] = float64(logits[t*classes+k]) - math.Log(s)
		}
	}
	blank := int32(classes - 1)
	total := 0.0
	path := make([]int32, frames)
	var rec func(t int)
	rec = func(t int) {
		if t == frames {
			var collapsed []int32
			prev := int32(-1)
			for _, p := range path {
				if p != prev && p != blank {
					collapsed = append(collapsed, p)
				}
				prev = p
			}
			if len(collapsed) != len(labels) {
				return
			}
			for i := range labels {
				if collapsed[i] != labels[i] {
					return
				}
			}
			lp := 0.0
			for tt, p := range path {
				lp += logp[tt*classes+int(p)]
			}
			total += math.Exp(lp)
			return
		}
		for k := 0; k < classes; k++ {
			path[t] = int32(k)
			rec(t + 1)
		}
	}
	rec(0)
	return -math.Log(total)
}

func TestCTCMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const frames, classes = 4, 3
	logits := make([]float32, 2*frames*classes)
	for i := range logits {
		logits[i] = rng.Float32()*2 - 1
	}
	target := tensor.FromInt32([]int{2, 3}, []int32{0, 1, -1, 1, 1, -1})
	ctc := NewCTC(ScaleNone)
	out := autograd.NewParameter(tensor.FromFloat32([]int{2, frames, classes}, logits))
	loss, err := ctc.Forward(out, target)
	require.NoError(t, err)
	require.Equal(t, []int{2}, loss.Shape())

	assert.InDelta(t, bruteForceCTC(logits[:frames*classes], []int32{0, 1}, frames, classes), loss.Data()[0], 1e-4)
	assert.InDelta(t, bruteForceCTC(logits[frames*classes:], []int32{1, 1}, frames, classes), loss.Data()[1], 1e-4)
}

func TestCTCGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	const frames, classes = 5, 4
	logits := make([]float32, frames*classes)
	for i := range logits {
		logits[i] = rng.Float32()*2 - 1
	}
	target := tensor.FromInt32([]int{1, 2}, []int32{2, 0})
	out := autograd.NewParameter(tensor.FromFloat32([]int{1, frames, classes}, logits))
	ctc := NewCTC(ScaleTargetSize)
	loss, err := ctc.Forward(out, target)
	require.NoError(t, err)
	require.NoError(t, autograd.Sum(loss).Backward())

	const eps = 1e-2
	for i := range logits {
		orig := logits[i]
		logits[i] = orig + eps
		up, _ := ctc.Forward(out, target)
		logits[i] = orig - eps
		down, _ := ctc.Forward(out, target)
		logits[i] = orig
		num := (float64(up.Data()[0]) - float64(down.Data()[0])) / (2 * eps)
		assert.InDelta(t, num, out.Grad()[i], 1e-2, "logit %d", i)
	}
}

func TestCTCInfeasibleAlignment(t *testing.T) {
	out := autograd.NewParameter(tensor.FromFloat32([]int{1, 1, 3}, []float32{0, 0, 0}))
	loss, err := NewCTC(ScaleNone).Forward(out, tensor.FromInt32([]int{1, 2}, []int32{0, 1}))
	require.NoError(t, err)
	assert.True(t, loss.Value.HasNonFinite())
}

func TestViterbiPath(t *testing.T) {
	out := tensor.FromFloat32([]int{1, 3, 3}, []float32{
		0.1, 0.9, 0,
		0, 0, 1,
		2, 1, 0,
	})
	assert.Equal(t, []int32{1, 2, 0}, NewCTC(ScaleNone).ViterbiPath(out, 0))
}

func TestAdaptiveSoftmaxLossGradientAndPadding(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const inputSize = 4
	adsm, err := NewAdaptiveSoftmaxLoss(inputSize, []int{2, 4, 6}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, adsm.Parameters(), 1+2*2)

	x, err := tensor.RandomUniform([]int{1, 4, inputSize}, 1, rng)
	require.NoError(t, err)
	out := autograd.NewParameter(x)
	target := tensor.FromInt32([]int{1, 4}, []int32{1, 3, 5, 0})
	loss, err := adsm.Forward(out, target)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// pad rows contribute no gradient
	for j := 0; j < inputSize; j++ {
		assert.Equal(t, float32(0), out.Grad()[3*inputSize+j])
	}

	const eps = 1e-2
	data := out.Data()
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		up, _ := adsm.Forward(out, target)
		data[i] = orig - eps
		down, _ := adsm.Forward(out, target)
		data[i] = orig
		num := (float64(up.Data()[0]) - float64(down.Data()[0])) / (2 * eps)
		assert.InDelta(t, num, out.Grad()[i], 2e-2, "input %d", i)
	}

	_, err = adsm.Forward(out, tensor.FromInt32([]int{1, 4}, []int32{1, 3, 9, 0}))
	assert.Error(t, err)
}

func TestBuildFromSpec(t *testing.T) {
	adsm, err := NewAdaptiveSoftmaxLoss(8, []int{3, 10}, 0, 0)
	require.NoError(t, err)
	for _, c := range []Criterion{NewCTC(ScaleTargetSizeSqrt), NewCrossEntropy(0), adsm} {
		data, err := c.Spec().Marshal()
		require.NoError(t, err)
		spec, err := UnmarshalSpec(data)
		require.NoError(t, err)
		rebuilt, err := Build(spec)
		require.NoError(t, err)
		assert.Equal(t, c.Spec(), rebuilt.Spec())
		assert.Equal(t, len(c.Parameters()), len(rebuilt.Parameters()))
	}
	_, err = Build(Spec{Type: "mse"})
	assert.Error(t, err)
}

func TestCrossEntropyIgnoresPad(t *testing.T) {
	logits := autograd.NewParameter(tensor.FromFloat32([]int{1, 2, 2}, []float32{0, 0, 5, -5}))
	loss, err := NewCrossEntropy(0).Forward(logits, tensor.FromInt32([]int{1, 2}, []int32{1, 0}))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), loss.Data()[0], 1e-5)
}
