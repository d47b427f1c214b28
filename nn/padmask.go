package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
)

// PadMask builds a [B*T] mask from per-sample sizes. Sizes are rescaled to
// the T frames of the current tensor: sample b keeps the first
// ceil(sizes[b]*T/max(sizes)) frames.
func PadMask(sizes []float32, frames int) []float32 {
	var maxSize float32
	for _, s := range sizes {
		if s > maxSize {
			maxSize = s
		}
	}
	mask := make([]float32, len(sizes)*frames)
	for b, s := range sizes {
		valid := frames
		if maxSize > 0 {
			valid = int(math.Ceil(float64(s) * float64(frames) / float64(maxSize)))
		}
		for t := 0; t < valid && t < frames; t++ {
			mask[b*frames+t] = 1
		}
	}
	return mask
}

// ForwardWithPadMask runs m on input [B, T, ...], handing modules that accept
// a padding mask the mask derived from sizes.
func ForwardWithPadMask(input *autograd.Variable, m Module, sizes []float32) (*autograd.Variable, error) {
	shape := input.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("pad mask: input must be at least [B, T], got %v", shape)
	}
	if len(sizes) != shape[0] {
		return nil, errors.Errorf("pad mask: %d sizes for batch of %d", len(sizes), shape[0])
	}
	mm, ok := m.(MaskedModule)
	if !ok {
		return m.Forward(input)
	}
	return mm.ForwardMasked(input, PadMask(sizes, shape[1]))
}
