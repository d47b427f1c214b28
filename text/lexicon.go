package text

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Lexicon maps words to their spellings and remembers the order in which
// words were first seen.
type Lexicon struct {
	words     []string
	spellings map[string][][]string
}

func NewLexicon() *Lexicon {
	return &Lexicon{spellings: make(map[string][][]string)}
}

// Add appends a spelling of word.
func (l *Lexicon) Add(word string, spelling []string) {
	if _, ok := l.spellings[word]; !ok {
		l.words = append(l.words, word)
		l.spellings[word] = nil
	}
	if spelling != nil {
		l.spellings[word] = append(l.spellings[word], spelling)
	}
}

// Words returns the words in first-seen order.
func (l *Lexicon) Words() []string {
	return l.words
}

// Spellings returns every spelling of word.
func (l *Lexicon) Spellings(word string) ([][]string, bool) {
	s, ok := l.spellings[word]
	return s, ok
}

func (l *Lexicon) Len() int {
	return len(l.words)
}

// LoadWords reads "word spelling..." lines until maxWords distinct words
// were read (negative means no limit), then adds the unknown word with no
// spellings.
func LoadWords(path string, maxWords int) (*Lexicon, error) {
	if path == "" {
		return nil, errors.New("Lexicon is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lexicon")
	}
	defer f.Close()

	lex := NewLexicon()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for maxWords != lex.Len() && sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("invalid lexicon line: %q", sc.Text())
		}
		lex.Add(fields[0], append([]string(nil), fields[1:]...))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "lexicon %s", path)
	}
	lex.Add(UnkToken, nil)
	return lex, nil
}

// NewWordDictionary builds the word vocabulary: the reserved entries at
// indices 0..3 followed by the lexicon words. Unknown words resolve to
// <UNK>.
func NewWordDictionary(lex *Lexicon) (*Dictionary, error) {
	d := NewDictionary()
	for _, tok := range []string{PadToken, EosToken, MaskToken, UnkToken} {
		d.AddEntry(tok)
	}
	for _, w := range lex.Words() {
		if w == UnkToken {
			continue
		}
		d.AddEntry(w)
	}
	if !d.IsContiguous() {
		return nil, errors.New("invalid word dictionary format - not contiguous")
	}
	d.SetDefaultIndex(d.MustIndex(UnkToken))
	return d, nil
}
