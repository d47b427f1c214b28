package dataset

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

// Sample is one line of an ASR list file.
type Sample struct {
	ID         string
	Path       string
	DurationMs float64
	Transcript []string
}

// ASRBatch is a padded batch. Input is [B, T, F] padded with 0, Target is
// [B, L] padded with the target pad value and Words is [B, W] padded with -1.
type ASRBatch struct {
	Input       *tensor.Tensor
	Target      *tensor.Tensor
	Words       *tensor.Tensor
	Sizes       []float32
	TargetSizes []int
	SampleIDs   []string
}

// ASRSet is a sequence of batches.
type ASRSet interface {
	Size() int
	Get(i int) (*ASRBatch, error)
}

// ReadListFile parses "id path duration transcript..." lines. Relative audio
// paths are resolved against the list file directory.
func ReadListFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open list file")
	}
	defer f.Close()

	var samples []Sample
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, errors.Errorf("%s:%d: expected \"id path duration transcript\"", path, line)
		}
		dur, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid duration", path, line)
		}
		p := fields[1]
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		samples = append(samples, Sample{ID: fields[0], Path: p, DurationMs: dur, Transcript: fields[3:]})
	}
	return samples, errors.Wrapf(sc.Err(), "reading %s", path)
}

// ASRConfig describes one ASR set.
type ASRConfig struct {
	Lists     []string
	BatchSize int
	Rank      int
	WorldSize int
	Input     InputTransform
	Target    *TargetTransform
	WordDict  *text.Dictionary
	TargetPad int32
}

// ASRDataset serves batches of consecutive samples from the share of the
// list files owned by one rank.
type ASRDataset struct {
	cfg     ASRConfig
	samples []Sample
}

// NewASRDataset loads all list files concurrently and keeps every
// WorldSize-th sample starting at Rank. The total is truncated so every rank
// holds the same number of samples.
func NewASRDataset(ctx context.Context, cfg ASRConfig) (*ASRDataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if cfg.Input == nil || cfg.Target == nil || cfg.WordDict == nil {
		return nil, errors.New("ASR dataset requires input, target and word transforms")
	}

	parts := make([][]Sample, len(cfg.Lists))
	g, _ := errgroup.WithContext(ctx)
	for i, list := range cfg.Lists {
		i, list := i, list
		g.Go(func() error {
			s, err := ReadListFile(list)
			parts[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Sample
	for _, p := range parts {
		all = append(all, p...)
	}
	n := len(all) / cfg.WorldSize * cfg.WorldSize
	ds := &ASRDataset{cfg: cfg}
	for i := cfg.Rank; i < n; i += cfg.WorldSize {
		ds.samples = append(ds.samples, all[i])
	}
	return ds, nil
}

func (d *ASRDataset) Samples() []Sample {
	return d.samples
}

// Size is the number of batches.
func (d *ASRDataset) Size() int {
	return (len(d.samples) + d.cfg.BatchSize - 1) / d.cfg.BatchSize
}

func (d *ASRDataset) Get(i int) (*ASRBatch, error) {
	if i < 0 || i >= d.Size() {
		return nil, errors.Errorf("batch %d out of range [0, %d)", i, d.Size())
	}
	lo := i * d.cfg.BatchSize
	hi := lo + d.cfg.BatchSize
	if hi > len(d.samples) {
		hi = len(d.samples)
	}
	return d.makeBatch(d.samples[lo:hi])
}

func (d *ASRDataset) makeBatch(samples []Sample) (*ASRBatch, error) {
	bsz := len(samples)
	inputs := make([]*tensor.Tensor, bsz)
	targets := make([][]int32, bsz)
	words := make([][]int32, bsz)
	maxT, nf, maxL, maxW := 1, 0, 1, 1
	for b, s := range samples {
		in, err := d.cfg.Input(s)
		if err != nil {
			return nil, err
		}
		if in.Rank() != 2 {
			return nil, errors.Errorf("sample %s: input must be [T, F], got %v", s.ID, in.Shape)
		}
		if nf == 0 {
			nf = in.Dim(1)
		} else if in.Dim(1) != nf {
			return nil, errors.Errorf("sample %s: %d features, batch has %d", s.ID, in.Dim(1), nf)
		}
		inputs[b] = in
		if targets[b], err = d.cfg.Target.Apply(s.Transcript); err != nil {
			return nil, errors.Wrapf(err, "sample %s", s.ID)
		}
		if words[b], err = WordTransform(d.cfg.WordDict, s.Transcript); err != nil {
			return nil, errors.Wrapf(err, "sample %s", s.ID)
		}
		maxT = maxInt(maxT, in.Dim(0))
		maxL = maxInt(maxL, len(targets[b]))
		maxW = maxInt(maxW, len(words[b]))
	}

	batch := &ASRBatch{
		Sizes:       make([]float32, bsz),
		TargetSizes: make([]int, bsz),
		SampleIDs:   make([]string, bsz),
	}
	in := make([]float32, bsz*maxT*nf)
	for b, x := range inputs {
		copy(in[b*maxT*nf:], x.Float32s())
		batch.Sizes[b] = float32(x.Dim(0))
		batch.TargetSizes[b] = len(targets[b])
		batch.SampleIDs[b] = samples[b].ID
	}
	batch.Input = tensor.FromFloat32([]int{bsz, maxT, nf}, in)
	batch.Target = tensor.FromInt32([]int{bsz, maxL}, pad2D(targets, maxL, d.cfg.TargetPad))
	batch.Words = tensor.FromInt32([]int{bsz, maxW}, pad2D(words, maxW, -1))
	return batch, nil
}

func pad2D(rows [][]int32, width int, pad int32) []int32 {
	out := make([]int32, len(rows)*width)
	for i := range out {
		out[i] = pad
	}
	for b, r := range rows {
		copy(out[b*width:], r)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
