package eval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/meter"
	"github.com/tsawler/go-joint/text"
)

// tokens: a=0 b=1 c=2 |=3 1=4 $=5 #=6
func tokenDict(t *testing.T) *text.Dictionary {
	t.Helper()
	d, err := text.ReadDictionary(strings.NewReader("a\nb\nc\n|\n1\n$\n"))
	require.NoError(t, err)
	d.AddEntry(text.BlankToken)
	return d
}

func TestPredictionToLetters(t *testing.T) {
	dec := &Decoder{Dict: tokenDict(t), WordSeparator: "|"}
	// a a # a b | | c
	path := []int32{0, 0, 6, 0, 1, 3, 3, 2}
	assert.Equal(t, []string{"a", "a", "b", "|", "c"}, dec.PredictionToLetters(path))
	assert.Nil(t, dec.PredictionToLetters(nil))
}

func TestTargetToLettersWithReplabelAndEOS(t *testing.T) {
	dec := &Decoder{Dict: tokenDict(t), Replabel: 1, EOS: true, WordSeparator: "|"}
	// a 1 | b $ $ ; "1" repeats the previous token once
	letters := dec.TargetToLetters([]int32{0, 4, 3, 1, 5, 5})
	assert.Equal(t, []string{"a", "a", "|", "b"}, letters)
	assert.Equal(t, []string{"aa", "b"}, LettersToWords(letters, "|"))
}

func TestWordPieceSplitsEntries(t *testing.T) {
	d, err := text.ReadDictionary(strings.NewReader("_he\nllo\n_wo\n"))
	require.NoError(t, err)
	dec := &Decoder{Dict: d, UseWordPiece: true, WordSeparator: "_"}
	letters := dec.TargetToLetters([]int32{0, 1, 2})
	assert.Equal(t, []string{"hello", "wo"}, LettersToWords(letters, "_"))
}

func TestScore(t *testing.T) {
	dec := &Decoder{Dict: tokenDict(t), WordSeparator: "|"}
	var m meter.DatasetMeters
	// prediction "ab|c", target "ab|b" padded with -1
	dec.Score(&m, []int32{0, 1, 3, 2}, []int32{0, 1, 3, 1, -1, -1})
	assert.Equal(t, int64(4), m.TknEdit.N)
	assert.InDelta(t, 25.0, m.TknEdit.ErrorRate(), 1e-9)
	assert.InDelta(t, 50.0, m.WrdEdit.ErrorRate(), 1e-9)
}

func TestTargetSize(t *testing.T) {
	assert.Equal(t, 2, TargetSize([]int32{4, 5, -1, -1}))
	assert.Equal(t, 3, TargetSize([]int32{4, 5, 6}))
	assert.Equal(t, 0, TargetSize(nil))
}
