package dataset

import (
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

// Sample break modes.
const (
	BreakNone = "none"
	BreakEOS  = "eos"
)

// TextConfig describes an LM set. Files is a comma separated list relative
// to Dir.
type TextConfig struct {
	Dir             string
	Files           string
	Reader          text.PartialFileReader
	Tokenizer       text.Tokenizer
	Dict            *text.Dictionary
	TokensPerSample int
	BatchSize       int
	BreakMode       string
	// Dynamic groups samples of similar length under a budget of
	// TokensPerSample*BatchSize tokens per batch.
	Dynamic bool
}

// TextDataset serves [B, T] batches of word indices. Every sample starts
// with the eos index and batches are padded with the pad index.
type TextDataset struct {
	pad     int32
	samples [][]int32
	batches [][]int
	order   []int
}

func NewTextDataset(cfg TextConfig) (*TextDataset, error) {
	if cfg.TokensPerSample <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid LM batching: %d tokens per sample, batch size %d", cfg.TokensPerSample, cfg.BatchSize)
	}
	if cfg.BreakMode != BreakNone && cfg.BreakMode != BreakEOS {
		return nil, errors.Errorf("unsupported sample break mode %q", cfg.BreakMode)
	}
	for _, tok := range []string{text.PadToken, text.EosToken} {
		if !cfg.Dict.Contains(tok) {
			return nil, errors.Errorf("word dictionary is missing %s", tok)
		}
	}
	eos := int32(cfg.Dict.MustIndex(text.EosToken))
	d := &TextDataset{pad: int32(cfg.Dict.MustIndex(text.PadToken))}

	var sentences [][]int32
	for _, name := range strings.Split(cfg.Files, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		lines, err := cfg.Reader.ReadLines(filepath.Join(cfg.Dir, name))
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			words := cfg.Tokenizer.Tokenize(line)
			ids := make([]int32, 0, len(words)+1)
			for _, w := range words {
				idx, err := cfg.Dict.Index(w)
				if err != nil {
					return nil, err
				}
				ids = append(ids, int32(idx))
			}
			sentences = append(sentences, append(ids, eos))
		}
	}

	switch cfg.BreakMode {
	case BreakNone:
		var stream []int32
		for _, s := range sentences {
			stream = append(stream, s...)
		}
		for lo := 0; lo < len(stream); lo += cfg.TokensPerSample {
			hi := lo + cfg.TokensPerSample
			if hi > len(stream) {
				hi = len(stream)
			}
			d.samples = append(d.samples, append([]int32{eos}, stream[lo:hi]...))
		}
	case BreakEOS:
		for _, s := range sentences {
			if len(s) > cfg.TokensPerSample {
				s = s[:cfg.TokensPerSample]
			}
			d.samples = append(d.samples, append([]int32{eos}, s...))
		}
	}

	if cfg.Dynamic {
		d.batches = dynamicBatches(d.samples, cfg.TokensPerSample*cfg.BatchSize)
	} else {
		for lo := 0; lo < len(d.samples); lo += cfg.BatchSize {
			hi := lo + cfg.BatchSize
			if hi > len(d.samples) {
				hi = len(d.samples)
			}
			b := make([]int, 0, hi-lo)
			for i := lo; i < hi; i++ {
				b = append(b, i)
			}
			d.batches = append(d.batches, b)
		}
	}
	d.order = make([]int, len(d.batches))
	for i := range d.order {
		d.order[i] = i
	}
	return d, nil
}

// dynamicBatches sorts samples by length and packs them greedily so that
// rows*maxLen stays within budget.
func dynamicBatches(samples [][]int32, budget int) [][]int {
	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return len(samples[idx[a]]) < len(samples[idx[b]]) })

	var batches [][]int
	var cur []int
	maxLen := 0
	for _, i := range idx {
		l := len(samples[i])
		if len(cur) > 0 && (len(cur)+1)*maxInt(maxLen, l) > budget {
			batches = append(batches, cur)
			cur, maxLen = nil, 0
		}
		cur = append(cur, i)
		maxLen = maxInt(maxLen, l)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// Size is the number of batches.
func (d *TextDataset) Size() int {
	return len(d.batches)
}

// Shuffle permutes the batch order deterministically from seed.
func (d *TextDataset) Shuffle(seed int64) {
	d.order = rand.New(rand.NewSource(seed)).Perm(len(d.batches))
}

// Get returns batch i modulo Size as an Int32 tensor [B, T].
func (d *TextDataset) Get(i int) (*tensor.Tensor, error) {
	if len(d.batches) == 0 {
		return nil, errors.New("LM dataset is empty")
	}
	if i < 0 {
		return nil, errors.Errorf("negative batch index %d", i)
	}
	rows := d.batches[d.order[i%len(d.batches)]]
	width := 1
	for _, r := range rows {
		width = maxInt(width, len(d.samples[r]))
	}
	data := make([][]int32, len(rows))
	for k, r := range rows {
		data[k] = d.samples[r]
	}
	return tensor.FromInt32([]int{len(rows), width}, pad2D(data, width, d.pad)), nil
}

// PadIndex is the value of padded positions.
func (d *TextDataset) PadIndex() int32 {
	return d.pad
}
