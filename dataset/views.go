package dataset

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Shuffled is a permutation view over an ASRSet.
type Shuffled struct {
	ds   ASRSet
	perm []int
}

func NewShuffled(ds ASRSet, seed int64) *Shuffled {
	return &Shuffled{ds: ds, perm: rand.New(rand.NewSource(seed)).Perm(ds.Size())}
}

func (s *Shuffled) Size() int { return len(s.perm) }

func (s *Shuffled) Get(i int) (*ASRBatch, error) {
	if i < 0 || i >= len(s.perm) {
		return nil, errors.Errorf("batch %d out of range [0, %d)", i, len(s.perm))
	}
	return s.ds.Get(s.perm[i])
}

type prefetchResult struct {
	done  chan struct{}
	batch *ASRBatch
	err   error
}

// Prefetch loads up to threads batches ahead of the last requested index on
// background goroutines.
type Prefetch struct {
	ds      ASRSet
	threads int

	mu      sync.Mutex
	pending map[int]*prefetchResult
}

// NewPrefetch wraps ds. threads <= 0 disables read-ahead.
func NewPrefetch(ds ASRSet, threads int) *Prefetch {
	return &Prefetch{ds: ds, threads: threads, pending: make(map[int]*prefetchResult)}
}

func (p *Prefetch) Size() int { return p.ds.Size() }

func (p *Prefetch) Get(i int) (*ASRBatch, error) {
	if p.threads <= 0 {
		return p.ds.Get(i)
	}
	p.mu.Lock()
	r := p.start(i)
	for j := i + 1; j <= i+p.threads && j < p.ds.Size(); j++ {
		p.start(j)
	}
	delete(p.pending, i)
	p.mu.Unlock()

	<-r.done
	return r.batch, r.err
}

// start must be called with mu held.
func (p *Prefetch) start(i int) *prefetchResult {
	if r, ok := p.pending[i]; ok {
		return r
	}
	r := &prefetchResult{done: make(chan struct{})}
	p.pending[i] = r
	go func() {
		r.batch, r.err = p.ds.Get(i)
		close(r.done)
	}()
	return r
}

// Reloader rebuilds a set in a new order.
type Reloader interface {
	ASRSet
	Reload(seed int64)
}

// Loader is the training view: a shuffled, prefetched ASRSet that can be
// reshuffled at epoch boundaries.
type Loader struct {
	base    ASRSet
	threads int
	cur     ASRSet
}

func NewLoader(base ASRSet, threads int) *Loader {
	return &Loader{base: base, threads: threads, cur: NewPrefetch(base, threads)}
}

// Reload reshuffles with seed and drops batches loaded for the previous
// order.
func (l *Loader) Reload(seed int64) {
	l.cur = NewPrefetch(NewShuffled(l.base, seed), l.threads)
}

func (l *Loader) Size() int { return l.cur.Size() }

func (l *Loader) Get(i int) (*ASRBatch, error) { return l.cur.Get(i) }
