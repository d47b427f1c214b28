// Package eval turns CTC outputs and padded targets into letter and word
// sequences and scores them.
package eval

import (
	"github.com/tsawler/go-joint/meter"
	"github.com/tsawler/go-joint/text"
)

// Decoder maps token indices back to letters with the same options the
// target transform used to produce them.
type Decoder struct {
	Dict          *text.Dictionary
	Surround      string
	EOS           bool
	Replabel      int
	UseWordPiece  bool
	WordSeparator string
}

// TargetSize returns the length of target before its -1 padding.
func TargetSize(target []int32) int {
	for i, v := range target {
		if v < 0 {
			return i
		}
	}
	return len(target)
}

// PredictionToLetters collapses repeats, drops blanks and decodes a best
// path.
func (d *Decoder) PredictionToLetters(path []int32) []string {
	if len(path) == 0 {
		return nil
	}
	blank := -1
	if d.Dict.Contains(text.BlankToken) {
		blank = d.Dict.MustIndex(text.BlankToken)
	}
	var tokens []int
	prev := int32(-2)
	for _, p := range path {
		if p == prev {
			continue
		}
		prev = p
		if int(p) == blank || p < 0 {
			continue
		}
		tokens = append(tokens, int(p))
	}
	return d.toLetters(tokens)
}

// TargetToLetters decodes an unpadded target.
func (d *Decoder) TargetToLetters(target []int32) []string {
	tokens := make([]int, 0, len(target))
	for _, t := range target {
		if t >= 0 {
			tokens = append(tokens, int(t))
		}
	}
	return d.toLetters(tokens)
}

func (d *Decoder) toLetters(tokens []int) []string {
	if len(tokens) == 0 {
		return nil
	}
	if d.EOS && d.Dict.Contains(text.TargetEosToken) {
		eos := d.Dict.MustIndex(text.TargetEosToken)
		for len(tokens) > 0 && tokens[len(tokens)-1] == eos {
			tokens = tokens[:len(tokens)-1]
		}
	}
	tokens = text.UnpackReplabels(tokens, d.Dict, d.Replabel)
	if d.Surround != "" && d.Dict.Contains(d.Surround) {
		s := d.Dict.MustIndex(d.Surround)
		if len(tokens) > 0 && tokens[len(tokens)-1] == s {
			tokens = tokens[:len(tokens)-1]
		}
		if len(tokens) > 0 && tokens[0] == s {
			tokens = tokens[1:]
		}
	}
	var letters []string
	for _, tok := range tokens {
		entry, err := d.Dict.Entry(tok)
		if err != nil {
			continue
		}
		if d.UseWordPiece {
			letters = append(letters, text.SplitChars(entry)...)
		} else {
			letters = append(letters, entry)
		}
	}
	return letters
}

// LettersToWords joins letters and splits them on the word separator.
func LettersToWords(letters []string, sep string) []string {
	var words []string
	cur := ""
	for _, l := range letters {
		if l == sep {
			if cur != "" {
				words = append(words, cur)
				cur = ""
			}
			continue
		}
		cur += l
	}
	if cur != "" {
		words = append(words, cur)
	}
	return words
}

// Score adds the letter and word edits of one sample to m.
func (d *Decoder) Score(m *meter.DatasetMeters, path, target []int32) {
	target = target[:TargetSize(target)]
	predLetters := d.PredictionToLetters(path)
	tgtLetters := d.TargetToLetters(target)
	m.TknEdit.Add(predLetters, tgtLetters)
	m.WrdEdit.Add(LettersToWords(predLetters, d.WordSeparator), LettersToWords(tgtLetters, d.WordSeparator))
}
