package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

func wordDict(t *testing.T, words ...string) *text.Dictionary {
	t.Helper()
	lex := text.NewLexicon()
	for _, w := range words {
		lex.Add(w, text.SplitChars(w))
	}
	d, err := text.NewWordDictionary(lex)
	require.NoError(t, err)
	return d
}

func newTask(t *testing.T, mutate func(c *config.Config)) *LMTask {
	t.Helper()
	cfg := config.Default()
	mutate(cfg)
	task, err := NewLMTask(cfg, wordDict(t, "ab", "ba", "abc", "cab", "bca", "cc"), 7)
	require.NoError(t, err)
	return task
}

func TestAutoregShiftsByOne(t *testing.T) {
	task := newTask(t, func(c *config.Config) { c.TrainTask = TaskAutoreg })
	batch := tensor.FromInt32([]int{2, 4}, []int32{1, 4, 5, 1, 1, 6, 0, 0})

	in, tgt, err := task.InputAndTarget(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, in.Shape)
	assert.Equal(t, []int32{1, 4, 5, 1, 6, 0}, in.Int32s())
	assert.Equal(t, []int32{4, 5, 1, 6, 0, 0}, tgt.Int32s())
	assert.Equal(t, []float32{3, 2}, nonPadSizes(in, 0))

	_, _, err = task.InputAndTarget(tensor.FromInt32([]int{1, 1}, []int32{1}))
	assert.Error(t, err)
}

func TestMaskHidesOnlyPredictedPositions(t *testing.T) {
	task := newTask(t, func(c *config.Config) {
		c.TrainTask = TaskMask
		c.MaskProb = 0.5
		c.MaskRandTokenProb = 0
		c.MaskSameTokenProb = 0
	})
	src := []int32{4, 5, 6, 7, 8, 9, 4, 5, 6, 7, 0, 0}
	in, tgt, err := task.InputAndTarget(tensor.FromInt32([]int{2, 6}, src))
	require.NoError(t, err)

	masked := 0
	for i, orig := range src {
		switch {
		case orig == 0:
			assert.Equal(t, int32(0), in.Int32s()[i], "pad stays pad")
			assert.Equal(t, int32(0), tgt.Int32s()[i])
		case tgt.Int32s()[i] != 0:
			masked++
			assert.Equal(t, orig, tgt.Int32s()[i])
			assert.Equal(t, task.mask, in.Int32s()[i])
		default:
			assert.Equal(t, orig, in.Int32s()[i])
		}
	}
	// 3 of 6 positions per sample, minus the masked pads of the second row
	assert.GreaterOrEqual(t, masked, 4)
	assert.LessOrEqual(t, masked, 6)
}

func TestMaskMinLengthAndRandomTokens(t *testing.T) {
	task := newTask(t, func(c *config.Config) {
		c.TrainTask = TaskMask
		c.MaskProb = 0
		c.MaskMinLength = 2
		c.MaskRandTokenProb = 1
		c.MaskSameTokenProb = 0
	})
	src := []int32{4, 5, 6, 7, 8}
	in, tgt, err := task.InputAndTarget(tensor.FromInt32([]int{1, 5}, src))
	require.NoError(t, err)

	predicted := 0
	for i := range src {
		if tgt.Int32s()[i] == 0 {
			assert.Equal(t, src[i], in.Int32s()[i])
			continue
		}
		predicted++
		v := in.Int32s()[i]
		assert.GreaterOrEqual(t, v, int32(numSpecialWords))
		assert.Less(t, int(v), task.vocabSize)
	}
	assert.Equal(t, 2, predicted)
}

func TestUnknownTask(t *testing.T) {
	cfg := config.Default()
	cfg.TrainTask = "denoise"
	_, err := NewLMTask(cfg, wordDict(t, "a"), 1)
	require.Error(t, err)
	assert.Equal(t, "Not supported train_task: denoise", err.Error())
}
