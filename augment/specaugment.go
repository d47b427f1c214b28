package augment

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

// SpecAugmentConfig holds the masking policy. Frequency masks span up to
// FreqMaskF bins; time masks span up to min(TimeMaskT, TimeMaskP*T) frames.
type SpecAugmentConfig struct {
	FreqMaskF int
	FreqMaskN int
	TimeMaskT int
	TimeMaskP float64
	TimeMaskN int
}

// SpecAugment zeroes random frequency bands and time spans of input
// [B, T, F]. It is the identity in eval mode.
type SpecAugment struct {
	cfg      SpecAugmentConfig
	rng      *rand.Rand
	training bool
}

func NewSpecAugment(cfg SpecAugmentConfig, seed int64) (*SpecAugment, error) {
	if cfg.FreqMaskF < 0 || cfg.FreqMaskN < 0 || cfg.TimeMaskT < 0 || cfg.TimeMaskN < 0 {
		return nil, errors.Errorf("specaugment: negative mask parameter in %+v", cfg)
	}
	if cfg.TimeMaskP <= 0 || cfg.TimeMaskP > 1 {
		cfg.TimeMaskP = 1
	}
	return &SpecAugment{cfg: cfg, rng: rand.New(rand.NewSource(seed)), training: true}, nil
}

func (s *SpecAugment) Train()           { s.training = true }
func (s *SpecAugment) Eval()            { s.training = false }
func (s *SpecAugment) IsTraining() bool { return s.training }

func (s *SpecAugment) Parameters() []*autograd.Variable { return nil }

func (s *SpecAugment) String() string {
	return fmt.Sprintf("SpecAugment ( W: 0, F: %d, mF: %d, T: %d, p: %g, mT: %d )",
		s.cfg.FreqMaskF, s.cfg.FreqMaskN, s.cfg.TimeMaskT, s.cfg.TimeMaskP, s.cfg.TimeMaskN)
}

func (s *SpecAugment) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	if !s.training {
		return input, nil
	}
	shape := input.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("specaugment: expected [B, T, F], got %v", shape)
	}
	bsz, frames, bins := shape[0], shape[1], shape[2]
	keep := make([]float32, input.Value.NumElems)
	for i := range keep {
		keep[i] = 1
	}
	for b := 0; b < bsz; b++ {
		base := b * frames * bins
		for n := 0; n < s.cfg.FreqMaskN; n++ {
			width, start := s.span(s.cfg.FreqMaskF, bins)
			for t := 0; t < frames; t++ {
				for f := start; f < start+width; f++ {
					keep[base+t*bins+f] = 0
				}
			}
		}
		maxT := int(math.Min(float64(s.cfg.TimeMaskT), s.cfg.TimeMaskP*float64(frames)))
		for n := 0; n < s.cfg.TimeMaskN; n++ {
			width, start := s.span(maxT, frames)
			for t := start; t < start+width; t++ {
				for f := 0; f < bins; f++ {
					keep[base+t*bins+f] = 0
				}
			}
		}
	}

	in := input.Data()
	out := make([]float32, len(in))
	for i := range in {
		out[i] = in[i] * keep[i]
	}
	return autograd.NewResult(tensor.FromFloat32(shape, out), []*autograd.Variable{input}, func(g []float32) {
		buf := input.GradBuffer()
		for i := range g {
			buf[i] += g[i] * keep[i]
		}
	}), nil
}

// span draws a mask width in [0, maxWidth] clipped to size and a start so
// the mask fits.
func (s *SpecAugment) span(maxWidth, size int) (width, start int) {
	if maxWidth > size {
		maxWidth = size
	}
	if maxWidth <= 0 {
		return 0, 0
	}
	width = s.rng.Intn(maxWidth + 1)
	if size-width > 0 {
		start = s.rng.Intn(size - width + 1)
	}
	return width, start
}
