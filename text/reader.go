package text

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Tokenizer splits a line on whitespace.
type Tokenizer struct{}

func (Tokenizer) Tokenize(line string) []string {
	return strings.Fields(line)
}

// PartialFileReader reads the share of a file owned by one worker: the
// lines whose index is congruent to the rank modulo the world size.
type PartialFileReader struct {
	rank      int
	worldSize int
}

func NewPartialFileReader(rank, worldSize int) (PartialFileReader, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return PartialFileReader{}, errors.Errorf("invalid shard %d of %d", rank, worldSize)
	}
	return PartialFileReader{rank: rank, worldSize: worldSize}, nil
}

// ReadLines returns the non-empty lines of path owned by this worker.
func (r PartialFileReader) ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open text file")
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for i := 0; sc.Scan(); i++ {
		if i%r.worldSize != r.rank {
			continue
		}
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, errors.Wrapf(sc.Err(), "reading %s", path)
}
