// Package nn holds the trainable units assembled into front-ends, the shared
// encoder and criterion heads.
package nn

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

// Global random source for deterministic initialization
var (
	globalSrc = &lockedSource{src: rand.NewSource(1)}
	globalRng = rand.New(globalSrc)
)

// SetRandomSeed sets the global random seed for weight initialization and
// dropout.
func SetRandomSeed(seed int64) {
	globalSrc.Seed(seed)
}

// lockedSource lets workers running in one process share the global source.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// Module interface defines methods that all trainable units must implement
type Module interface {
	Forward(input *autograd.Variable) (*autograd.Variable, error)
	Parameters() []*autograd.Variable
	Train()
	Eval()
	IsTraining() bool
	String() string
}

// MaskedModule is implemented by units that consume a per-frame padding
// mask. mask has B*T entries, 1 for valid frames and 0 for padding.
type MaskedModule interface {
	Module
	ForwardMasked(input *autograd.Variable, mask []float32) (*autograd.Variable, error)
}

// modeFlag is embedded by units to share the train/eval toggle.
type modeFlag struct {
	training bool
}

func (m *modeFlag) Train()           { m.training = true }
func (m *modeFlag) Eval()            { m.training = false }
func (m *modeFlag) IsTraining() bool { return m.training }

// Linear implements a fully connected layer: y = xWᵀ + b over the last
// dimension.
type Linear struct {
	modeFlag
	weight *autograd.Variable
	bias   *autograd.Variable
}

// NewLinear creates a Linear layer with Xavier-uniform weights and zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, errors.Errorf("linear: invalid dimensions %d -> %d", inputSize, outputSize)
	}
	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	w, err := tensor.RandomUniform([]int{outputSize, inputSize}, bound, globalRng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create weight tensor")
	}
	l := &Linear{modeFlag: modeFlag{training: true}, weight: autograd.NewParameter(w)}
	if bias {
		b, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create bias tensor")
		}
		l.bias = autograd.NewParameter(b)
	}
	return l, nil
}

func (l *Linear) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	return autograd.Linear(input, l.weight, l.bias)
}

func (l *Linear) Parameters() []*autograd.Variable {
	if l.bias == nil {
		return []*autograd.Variable{l.weight}
	}
	return []*autograd.Variable{l.weight, l.bias}
}

func (l *Linear) String() string {
	s := l.weight.Shape()
	if l.bias == nil {
		return fmt.Sprintf("Linear (%d->%d) (without bias)", s[1], s[0])
	}
	return fmt.Sprintf("Linear (%d->%d) (with bias)", s[1], s[0])
}

type ReLU struct {
	modeFlag
}

func NewReLU() *ReLU {
	return &ReLU{modeFlag{training: true}}
}

func (r *ReLU) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	return autograd.ReLU(input), nil
}

func (r *ReLU) Parameters() []*autograd.Variable { return nil }
func (r *ReLU) String() string                   { return "ReLU" }

// Dropout is active only in train mode.
type Dropout struct {
	modeFlag
	p float64
}

func NewDropout(p float64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("dropout: probability %v out of range [0, 1)", p)
	}
	return &Dropout{modeFlag: modeFlag{training: true}, p: p}, nil
}

func (d *Dropout) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	if !d.training {
		return input, nil
	}
	return autograd.Dropout(input, d.p, globalRng), nil
}

func (d *Dropout) Parameters() []*autograd.Variable { return nil }
func (d *Dropout) String() string                   { return fmt.Sprintf("Dropout (%g)", d.p) }

// Embedding maps Int32 token ids stored in the input variable to vectors.
type Embedding struct {
	modeFlag
	table *autograd.Variable
}

func NewEmbedding(vocab, dim int) (*Embedding, error) {
	if vocab <= 0 || dim <= 0 {
		return nil, errors.Errorf("embedding: invalid dimensions %d x %d", vocab, dim)
	}
	bound := float32(math.Sqrt(1.0 / float64(dim)))
	w, err := tensor.RandomUniform([]int{vocab, dim}, bound, globalRng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedding table")
	}
	return &Embedding{modeFlag: modeFlag{training: true}, table: autograd.NewParameter(w)}, nil
}

func (e *Embedding) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	return autograd.Embedding(input.Value, e.table)
}

func (e *Embedding) Parameters() []*autograd.Variable { return []*autograd.Variable{e.table} }

func (e *Embedding) String() string {
	s := e.table.Shape()
	return fmt.Sprintf("Embedding (embeddings: %d) (dim: %d)", s[0], s[1])
}

// Context adds the mean of the valid frames of each sequence to every frame.
// It is the unit that makes an encoder sensitive to padding.
type Context struct {
	modeFlag
}

func NewContext() *Context {
	return &Context{modeFlag{training: true}}
}

func (c *Context) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	return autograd.MaskedMeanResidual(input, nil)
}

func (c *Context) ForwardMasked(input *autograd.Variable, mask []float32) (*autograd.Variable, error) {
	return autograd.MaskedMeanResidual(input, mask)
}

func (c *Context) Parameters() []*autograd.Variable { return nil }
func (c *Context) String() string                   { return "Context (masked mean)" }

// Sequential chains modules and forwards the padding mask to those that
// accept it.
type Sequential struct {
	modeFlag
	modules []Module
	specs   []LayerSpec
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modeFlag: modeFlag{training: true}, modules: modules}
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Modules() []Module {
	return s.modules
}

// Specs returns the resolved descriptor the module was built from, if any.
func (s *Sequential) Specs() []LayerSpec {
	return s.specs
}

func (s *Sequential) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	return s.ForwardMasked(input, nil)
}

func (s *Sequential) ForwardMasked(input *autograd.Variable, mask []float32) (*autograd.Variable, error) {
	out := input
	for i, m := range s.modules {
		var err error
		if mm, ok := m.(MaskedModule); ok && mask != nil {
			out, err = mm.ForwardMasked(out, mask)
		} else {
			out, err = m.Forward(out)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "module %d (%s)", i, m.String())
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*autograd.Variable {
	var params []*autograd.Variable
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) String() string {
	var b strings.Builder
	b.WriteString("Sequential [input")
	for i := range s.modules {
		fmt.Fprintf(&b, " -> (%d)", i)
	}
	b.WriteString(" -> output]")
	for i, m := range s.modules {
		fmt.Fprintf(&b, "\n\t(%d): %s", i, m.String())
	}
	return b.String()
}

// NumParams counts the scalar parameters of a module.
func NumParams(m Module) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Value.NumElems
	}
	return n
}
