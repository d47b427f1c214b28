// Package collective provides the all-reduce primitives the trainer uses to
// combine gradients, parameters and meters across workers.
package collective

import (
	"sync"

	"github.com/pkg/errors"
)

// Communicator sums buffers element-wise across all workers. Every worker
// must call the same sequence of reductions with equally sized buffers.
type Communicator interface {
	AllReduceSum(data []float32) error
	AllReduceSum64(data []float64) error
	Rank() int
	WorldSize() int
}

// IsMaster reports whether c is rank 0.
func IsMaster(c Communicator) bool {
	return c.Rank() == 0
}

// Local is the communicator of a single-worker run. Reductions are no-ops.
type Local struct{}

func (Local) AllReduceSum([]float32) error   { return nil }
func (Local) AllReduceSum64([]float64) error { return nil }
func (Local) Rank() int                      { return 0 }
func (Local) WorldSize() int                 { return 1 }

// Group connects n in-process workers. Each worker obtains its endpoint with
// Member and reduces through a shared barrier.
type Group struct {
	n int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	gen     uint64
	acc     []float64
	result  []float64
	closed  bool
}

func NewGroup(n int) (*Group, error) {
	if n < 1 {
		return nil, errors.Errorf("group size must be positive, got %d", n)
	}
	g := &Group{n: n}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

func (g *Group) Size() int { return g.n }

// Member returns the communicator of worker rank.
func (g *Group) Member(rank int) Communicator {
	return &member{group: g, rank: rank}
}

// Close wakes every blocked worker with an error. Used when one worker fails
// so the others do not wait forever.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *Group) reduce(data []float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("collective group closed")
	}
	if g.arrived == 0 {
		g.acc = make([]float64, len(data))
	} else if len(g.acc) != len(data) {
		return errors.Errorf("all-reduce size mismatch: %d vs %d", len(data), len(g.acc))
	}
	for i, v := range data {
		g.acc[i] += v
	}
	g.arrived++
	gen := g.gen
	if g.arrived == g.n {
		g.result = g.acc
		g.acc = nil
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen && !g.closed {
			g.cond.Wait()
		}
		if gen == g.gen {
			return errors.New("collective group closed")
		}
	}
	copy(data, g.result)
	return nil
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.group.n }

func (m *member) AllReduceSum(data []float32) error {
	buf := make([]float64, len(data))
	for i, v := range data {
		buf[i] = float64(v)
	}
	if err := m.group.reduce(buf); err != nil {
		return err
	}
	for i, v := range buf {
		data[i] = float32(v)
	}
	return nil
}

func (m *member) AllReduceSum64(data []float64) error {
	return m.group.reduce(data)
}
