// Package text holds the vocabularies, lexicon and line readers shared by
// the ASR and LM data paths.
package text

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Reserved entries of the word dictionary, in index order.
const (
	PadToken  = "<PAD>"
	EosToken  = "</s>"
	MaskToken = "<MASK>"
	UnkToken  = "<UNK>"
)

// Dictionary is a bidirectional entry/index mapping. Several entries may
// share an index; the first entry added for an index is its canonical
// spelling.
type Dictionary struct {
	entry2idx    map[string]int
	idx2entry    map[int]string
	maxIndex     int
	defaultIndex int
}

// NewDictionary returns an empty dictionary without a default index.
func NewDictionary() *Dictionary {
	return &Dictionary{
		entry2idx:    make(map[string]int),
		idx2entry:    make(map[int]string),
		maxIndex:     -1,
		defaultIndex: -1,
	}
}

// LoadDictionary reads a token file. Every whitespace separated token on a
// line maps to the same index; blank lines are skipped.
func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open dictionary")
	}
	defer f.Close()
	d, err := ReadDictionary(f)
	return d, errors.Wrapf(err, "dictionary %s", path)
}

// ReadDictionary is LoadDictionary over a reader.
func ReadDictionary(r io.Reader) (*Dictionary, error) {
	d := NewDictionary()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		tokens := strings.Fields(sc.Text())
		if len(tokens) == 0 {
			continue
		}
		idx := d.IndexSize()
		for _, tok := range tokens {
			if err := d.AddEntryAt(tok, idx); err != nil {
				return nil, err
			}
		}
	}
	return d, sc.Err()
}

// AddEntry adds entry at the next free index. Adding an existing entry is a
// no-op.
func (d *Dictionary) AddEntry(entry string) {
	if _, ok := d.entry2idx[entry]; ok {
		return
	}
	_ = d.AddEntryAt(entry, d.maxIndex+1)
}

// AddEntryAt maps entry to idx. Re-adding an entry is an error.
func (d *Dictionary) AddEntryAt(entry string, idx int) error {
	if _, ok := d.entry2idx[entry]; ok {
		return errors.Errorf("duplicate entry in dictionary %q", entry)
	}
	if idx < 0 {
		return errors.Errorf("negative index %d for entry %q", idx, entry)
	}
	d.entry2idx[entry] = idx
	if _, ok := d.idx2entry[idx]; !ok {
		d.idx2entry[idx] = entry
	}
	if idx > d.maxIndex {
		d.maxIndex = idx
	}
	return nil
}

// Entry returns the canonical entry of idx.
func (d *Dictionary) Entry(idx int) (string, error) {
	e, ok := d.idx2entry[idx]
	if !ok {
		return "", errors.Errorf("unknown index in dictionary %d", idx)
	}
	return e, nil
}

// Index returns the index of entry, falling back to the default index for
// unknown entries. Without a default index unknown entries are an error.
func (d *Dictionary) Index(entry string) (int, error) {
	if idx, ok := d.entry2idx[entry]; ok {
		return idx, nil
	}
	if d.defaultIndex < 0 {
		return -1, errors.Errorf("unknown entry in dictionary %q", entry)
	}
	return d.defaultIndex, nil
}

// MustIndex is Index for entries known to be present.
func (d *Dictionary) MustIndex(entry string) int {
	idx, err := d.Index(entry)
	if err != nil {
		panic(err)
	}
	return idx
}

func (d *Dictionary) SetDefaultIndex(idx int) {
	d.defaultIndex = idx
}

func (d *Dictionary) DefaultIndex() int {
	return d.defaultIndex
}

func (d *Dictionary) Contains(entry string) bool {
	_, ok := d.entry2idx[entry]
	return ok
}

// IndexSize is the number of distinct indices.
func (d *Dictionary) IndexSize() int {
	return len(d.idx2entry)
}

// EntrySize is the number of entries, counting aliases.
func (d *Dictionary) EntrySize() int {
	return len(d.entry2idx)
}

// IsContiguous reports whether the indices are exactly [0, IndexSize).
func (d *Dictionary) IsContiguous() bool {
	n := d.IndexSize()
	for i := 0; i < n; i++ {
		if _, ok := d.idx2entry[i]; !ok {
			return false
		}
	}
	for _, idx := range d.entry2idx {
		if idx < 0 || idx >= n {
			return false
		}
	}
	return true
}

func (d *Dictionary) MapEntriesToIndices(entries []string) ([]int, error) {
	out := make([]int, len(entries))
	for i, e := range entries {
		idx, err := d.Index(e)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

func (d *Dictionary) MapIndicesToEntries(indices []int) ([]string, error) {
	out := make([]string, len(indices))
	for i, idx := range indices {
		e, err := d.Entry(idx)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
