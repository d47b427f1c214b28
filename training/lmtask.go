package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

// Supported LM training tasks.
const (
	TaskAutoreg = "autoreg"
	TaskMask    = "mask"
)

// numSpecialWords is the count of reserved word indices (pad, eos, mask,
// unk) that random replacement never draws.
const numSpecialWords = 4

// LMTask derives the LM input and target from a [B, T] word batch.
type LMTask struct {
	name      string
	pad       int32
	mask      int32
	vocabSize int

	maskProb  float64
	randProb  float64
	sameProb  float64
	minLength int

	rng *rand.Rand
}

// NewLMTask validates train_task and captures the masking options.
func NewLMTask(cfg *config.Config, words *text.Dictionary, seed int64) (*LMTask, error) {
	switch cfg.TrainTask {
	case TaskAutoreg, TaskMask:
	default:
		return nil, errors.New("Not supported train_task: " + cfg.TrainTask)
	}
	pad, err := words.Index(text.PadToken)
	if err != nil {
		return nil, err
	}
	mask, err := words.Index(text.MaskToken)
	if err != nil {
		return nil, err
	}
	return &LMTask{
		name:      cfg.TrainTask,
		pad:       int32(pad),
		mask:      int32(mask),
		vocabSize: words.EntrySize(),
		maskProb:  cfg.MaskProb,
		randProb:  cfg.MaskRandTokenProb,
		sameProb:  cfg.MaskSameTokenProb,
		minLength: cfg.MaskMinLength,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

func (t *LMTask) Name() string { return t.name }

// InputAndTarget splits batch into the network input and the prediction
// target. autoreg shifts by one position; mask hides a random subset of
// every sample and predicts only the hidden positions.
func (t *LMTask) InputAndTarget(batch *tensor.Tensor) (input, target *tensor.Tensor, err error) {
	if batch.Rank() != 2 {
		return nil, nil, errors.Errorf("LM batch must be [B, T], got %v", batch.Shape)
	}
	if t.name == TaskMask {
		input, target = t.masked(batch)
		return input, target, nil
	}
	return t.shifted(batch)
}

func (t *LMTask) shifted(batch *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	bsz, frames := batch.Dim(0), batch.Dim(1)
	if frames < 2 {
		return nil, nil, errors.Errorf("autoreg task needs at least 2 positions, got %d", frames)
	}
	src := batch.Int32s()
	in := make([]int32, 0, bsz*(frames-1))
	out := make([]int32, 0, bsz*(frames-1))
	for b := 0; b < bsz; b++ {
		row := src[b*frames : (b+1)*frames]
		in = append(in, row[:frames-1]...)
		out = append(out, row[1:]...)
	}
	shape := []int{bsz, frames - 1}
	return tensor.FromInt32(shape, in), tensor.FromInt32(append([]int(nil), shape...), out), nil
}

func (t *LMTask) masked(batch *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	bsz, frames := batch.Dim(0), batch.Dim(1)
	src := batch.Int32s()
	in := make([]int32, len(src))
	out := make([]int32, len(src))

	T := float64(frames)
	nTotal := int(t.maskProb * T)
	if t.minLength > nTotal {
		nTotal = t.minLength
	}
	keepBound := (t.randProb + t.sameProb) * float64(nTotal)
	randBound := t.randProb * float64(nTotal)

	for b := 0; b < bsz; b++ {
		// rank of each position in a random ordering of the sample
		perm := t.rng.Perm(frames)
		for i := 0; i < frames; i++ {
			pos := b*frames + i
			orig := src[pos]
			idx := float64(perm[i])

			masked := idx < t.maskProb*T || (t.minLength > 0 && idx < float64(t.minLength))
			in[pos] = orig
			if masked {
				in[pos] = t.mask
			}
			// restores the original token, already in place outside masked
			// positions
			if idx < keepBound {
				in[pos] = orig
			}
			if idx < randBound {
				in[pos] = int32(t.rng.Float64()*float64(t.vocabSize-numSpecialWords-1)) + numSpecialWords
			}
			if orig == t.pad {
				in[pos] = t.pad
			}

			out[pos] = orig
			if !masked {
				out[pos] = t.pad
			}
		}
	}
	return tensor.FromInt32([]int{bsz, frames}, in), tensor.FromInt32([]int{bsz, frames}, out)
}

// nonPadSizes counts the non-pad positions of every row of a [B, T] batch.
func nonPadSizes(batch *tensor.Tensor, pad int32) []float32 {
	bsz, frames := batch.Dim(0), batch.Dim(1)
	data := batch.Int32s()
	sizes := make([]float32, bsz)
	for b := 0; b < bsz; b++ {
		for _, v := range data[b*frames : (b+1)*frames] {
			if v != pad {
				sizes[b]++
			}
		}
	}
	return sizes
}
