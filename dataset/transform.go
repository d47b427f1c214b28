package dataset

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/audio"
	"github.com/tsawler/go-joint/augment"
	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

// FeatureExtractor turns a waveform into a [T, F] feature matrix.
type FeatureExtractor interface {
	Extract(w *audio.Waveform) (*tensor.Tensor, error)
	NumFeatures() int
}

// InputTransform loads the input features of one sample.
type InputTransform func(s Sample) (*tensor.Tensor, error)

// NormalizeConfig selects utterance-level normalization (both contexts 0)
// or a sliding window of LeftCtx and RightCtx frames.
type NormalizeConfig struct {
	LeftCtx  int
	RightCtx int
}

// NewInputTransform reads the sample audio, applies the sound effect chain
// (nil for none), extracts features (nil keeps the raw waveform as [T, C])
// and normalizes every feature column.
func NewInputTransform(sfx *augment.Chain, extractor FeatureExtractor, norm NormalizeConfig) InputTransform {
	return func(s Sample) (*tensor.Tensor, error) {
		w, err := audio.LoadWav(s.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %s", s.ID)
		}
		if sfx != nil && !sfx.Empty() {
			if err := sfx.Apply(w.Samples); err != nil {
				return nil, errors.Wrapf(err, "sample %s", s.ID)
			}
		}
		var feat *tensor.Tensor
		if extractor != nil {
			if feat, err = extractor.Extract(w); err != nil {
				return nil, errors.Wrapf(err, "sample %s", s.ID)
			}
		} else {
			feat = tensor.FromFloat32([]int{w.Frames(), w.Channels}, w.Samples)
		}
		localNormalize(feat, norm)
		return feat, nil
	}
}

// localNormalize standardizes each column of a [T, F] matrix in place.
func localNormalize(feat *tensor.Tensor, cfg NormalizeConfig) {
	if feat.Rank() != 2 {
		return
	}
	frames, nf := feat.Dim(0), feat.Dim(1)
	data := feat.Float32s()
	src := append([]float32(nil), data...)
	for f := 0; f < nf; f++ {
		if cfg.LeftCtx == 0 && cfg.RightCtx == 0 {
			mean, std := moments(src, f, nf, 0, frames)
			for t := 0; t < frames; t++ {
				data[t*nf+f] = float32((float64(src[t*nf+f]) - mean) / std)
			}
			continue
		}
		for t := 0; t < frames; t++ {
			lo, hi := t-cfg.LeftCtx, t+cfg.RightCtx+1
			if lo < 0 {
				lo = 0
			}
			if hi > frames {
				hi = frames
			}
			mean, std := moments(src, f, nf, lo, hi)
			data[t*nf+f] = float32((float64(src[t*nf+f]) - mean) / std)
		}
	}
}

// moments returns mean and standard deviation of column f over rows
// [lo, hi). A zero deviation is reported as 1.
func moments(data []float32, f, nf, lo, hi int) (mean, std float64) {
	n := float64(hi - lo)
	if n <= 0 {
		return 0, 1
	}
	for t := lo; t < hi; t++ {
		mean += float64(data[t*nf+f])
	}
	mean /= n
	for t := lo; t < hi; t++ {
		d := float64(data[t*nf+f]) - mean
		std += d * d
	}
	std = math.Sqrt(std / n)
	if std <= 0 {
		std = 1
	}
	return mean, std
}

// TargetTransform maps a transcript to token indices.
type TargetTransform struct {
	Dict          *text.Dictionary
	Lexicon       *text.Lexicon
	WordSeparator string
	// UseWordPiece puts the separator before a spelled-out word instead of
	// after it.
	UseWordPiece bool
	Surround     string
	EOS          bool
	Replabel     int
	// Sampler picks among lexicon spellings. Nil always picks the first.
	Sampler *SpellingSampler
}

// SpellingSampler replaces the first lexicon spelling of a word by a
// random one with probability proba. Pick is safe for concurrent use.
type SpellingSampler struct {
	mu    sync.Mutex
	rng   *rand.Rand
	proba float64
}

func NewSpellingSampler(proba float64, seed int64) *SpellingSampler {
	return &SpellingSampler{rng: rand.New(rand.NewSource(seed)), proba: proba}
}

// Pick returns the index of the spelling to use among n.
func (s *SpellingSampler) Pick(n int) int {
	if s == nil || s.proba <= 0 || n < 2 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() >= s.proba {
		return 0
	}
	return s.rng.Intn(n)
}

func (tt *TargetTransform) Apply(words []string) ([]int32, error) {
	var tokens []string
	for _, w := range words {
		if tt.Lexicon != nil {
			if sp, ok := tt.Lexicon.Spellings(w); ok && len(sp) > 0 {
				tokens = append(tokens, sp[tt.Sampler.Pick(len(sp))]...)
				continue
			}
		}
		if tt.UseWordPiece && tt.WordSeparator != "" {
			tokens = append(tokens, tt.WordSeparator)
		}
		tokens = append(tokens, text.SplitChars(w)...)
		if !tt.UseWordPiece && tt.WordSeparator != "" {
			tokens = append(tokens, tt.WordSeparator)
		}
	}

	ids := make([]int, 0, len(tokens)+3)
	for _, tok := range tokens {
		if tt.Dict.Contains(tok) {
			ids = append(ids, tt.Dict.MustIndex(tok))
		}
	}
	if tt.Surround != "" {
		s, err := tt.Dict.Index(tt.Surround)
		if err != nil {
			return nil, errors.Wrap(err, "surround token")
		}
		ids = append(append([]int{s}, ids...), s)
	}
	if tt.Replabel > 0 {
		var err error
		if ids, err = text.PackReplabels(ids, tt.Dict, tt.Replabel); err != nil {
			return nil, err
		}
	}
	if tt.EOS {
		eos, err := tt.Dict.Index(text.TargetEosToken)
		if err != nil {
			return nil, errors.Wrap(err, "eos token")
		}
		ids = append(ids, eos)
	}
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out, nil
}

// WordTransform maps a transcript to word indices, unknown words to the
// dictionary default.
func WordTransform(dict *text.Dictionary, words []string) ([]int32, error) {
	out := make([]int32, len(words))
	for i, w := range words {
		idx, err := dict.Index(w)
		if err != nil {
			return nil, err
		}
		out[i] = int32(idx)
	}
	return out, nil
}
