package text

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadDictionary(t *testing.T) {
	d, err := ReadDictionary(strings.NewReader("a\n\nb B\n|\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, d.IndexSize())
	assert.Equal(t, 4, d.EntrySize())
	assert.True(t, d.IsContiguous())

	idx, err := d.Index("B")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	e, err := d.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, "b", e)

	_, err = d.Index("zz")
	assert.Error(t, err)
	d.SetDefaultIndex(2)
	idx, err = d.Index("zz")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	d.AddEntry("#")
	assert.Equal(t, 4, d.IndexSize())
	assert.Equal(t, 3, d.MustIndex("#"))

	_, err = ReadDictionary(strings.NewReader("a\na\n"))
	assert.Error(t, err)
}

func TestDictionaryContiguity(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.AddEntryAt("x", 0))
	require.NoError(t, d.AddEntryAt("y", 2))
	assert.False(t, d.IsContiguous())
	require.NoError(t, d.AddEntryAt("z", 1))
	assert.True(t, d.IsContiguous())

	ids, err := d.MapEntriesToIndices([]string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, ids)
	words, err := d.MapIndicesToEntries([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "y"}, words)
	_, err = d.MapIndicesToEntries([]int{7})
	assert.Error(t, err)
}

func TestLoadDictionaryMissingFile(t *testing.T) {
	_, err := LoadDictionary(filepath.Join(t.TempDir(), "tokens.txt"))
	assert.Error(t, err)
}

func TestLoadWordsAndWordDictionary(t *testing.T) {
	path := writeFile(t, "lexicon.txt", "hello h e l l o |\nworld w o r l d |\nhello h e l o |\n<UNK> u n k\nzebra z e b r a |\n")

	lex, err := LoadWords(path, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world", "<UNK>", "zebra"}, lex.Words())
	spellings, ok := lex.Spellings("hello")
	require.True(t, ok)
	assert.Len(t, spellings, 2)

	d, err := NewWordDictionary(lex)
	require.NoError(t, err)
	assert.Equal(t, 0, d.MustIndex(PadToken))
	assert.Equal(t, 1, d.MustIndex(EosToken))
	assert.Equal(t, 2, d.MustIndex(MaskToken))
	assert.Equal(t, 3, d.MustIndex(UnkToken))
	assert.Equal(t, 4, d.MustIndex("hello"))
	assert.Equal(t, 6, d.MustIndex("zebra"))
	assert.Equal(t, 3, d.MustIndex("never-seen"))
	assert.Equal(t, 7, d.IndexSize())

	limited, err := LoadWords(path, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "<UNK>"}, limited.Words())

	_, err = LoadWords("", -1)
	assert.EqualError(t, err, "Lexicon is empty")
	_, err = LoadWords(writeFile(t, "bad.txt", "lonely\n"), -1)
	assert.Error(t, err)
}

func TestPartialFileReader(t *testing.T) {
	path := writeFile(t, "lm.txt", "l0\nl1\nl2\nl3\n\nl5\nl6\n")
	var all []string
	for rank := 0; rank < 3; rank++ {
		r, err := NewPartialFileReader(rank, 3)
		require.NoError(t, err)
		lines, err := r.ReadLines(path)
		require.NoError(t, err)
		all = append(all, lines...)
	}
	assert.ElementsMatch(t, []string{"l0", "l1", "l2", "l3", "l5", "l6"}, all)

	r0, _ := NewPartialFileReader(0, 3)
	lines, err := r0.ReadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"l0", "l3", "l6"}, lines)

	_, err = NewPartialFileReader(3, 3)
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, Tokenizer{}.Tokenize("  a \t b "))
}

func TestReplabelRoundTrip(t *testing.T) {
	d, err := ReadDictionary(strings.NewReader("a\nb\n1\n2\n"))
	require.NoError(t, err)
	tokens := []int{0, 0, 0, 0, 1, 1, 0}
	packed, err := PackReplabels(tokens, d, 2)
	require.NoError(t, err)
	// a a a a -> a 2 a, b b -> b 1
	assert.Equal(t, []int{0, 3, 0, 1, 2, 0}, packed)
	assert.Equal(t, tokens, UnpackReplabels(packed, d, 2))

	same, err := PackReplabels(tokens, d, 0)
	require.NoError(t, err)
	assert.Equal(t, tokens, same)

	_, err = PackReplabels(tokens, d, 3)
	assert.Error(t, err)
}

func TestSplitChars(t *testing.T) {
	assert.Equal(t, []string{"h", "é", "!"}, SplitChars("hé!"))
	assert.Empty(t, SplitChars(""))
}
