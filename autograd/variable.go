// Package autograd provides reverse-mode differentiation over float32 tensors.
package autograd

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/tensor"
)

// BackwardFunc receives the gradient of a node's output and accumulates the
// matching contributions into the node's inputs.
type BackwardFunc func(grad []float32)

// Variable is a node of the computation graph.
type Variable struct {
	Value *tensor.Tensor

	grad         []float32
	requiresGrad bool
	inputs       []*Variable
	backward     BackwardFunc
}

// NewParameter wraps a trainable tensor.
func NewParameter(t *tensor.Tensor) *Variable {
	return &Variable{Value: t, requiresGrad: true}
}

// NewConstant wraps a tensor that never receives gradients.
func NewConstant(t *tensor.Tensor) *Variable {
	return &Variable{Value: t}
}

// NewResult builds an interior node. The node only records its inputs when at
// least one of them requires gradients.
func NewResult(value *tensor.Tensor, inputs []*Variable, backward BackwardFunc) *Variable {
	v := &Variable{Value: value}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			v.requiresGrad = true
			break
		}
	}
	if v.requiresGrad {
		v.inputs = inputs
		v.backward = backward
	}
	return v
}

func (v *Variable) Data() []float32 {
	return v.Value.Float32s()
}

func (v *Variable) Shape() []int {
	return v.Value.Shape
}

func (v *Variable) RequiresGrad() bool {
	return v.requiresGrad
}

// Grad returns the accumulated gradient, or nil if none was computed.
func (v *Variable) Grad() []float32 {
	return v.grad
}

// IsGradAvailable reports whether a gradient has been accumulated.
func (v *Variable) IsGradAvailable() bool {
	return v.grad != nil
}

// GradBuffer returns the gradient slice, allocating zeros on first use.
func (v *Variable) GradBuffer() []float32 {
	if v.grad == nil {
		v.grad = make([]float32, v.Value.NumElems)
	}
	return v.grad
}

// SetGrad replaces the gradient.
func (v *Variable) SetGrad(g []float32) {
	v.grad = g
}

// ZeroGrad drops the accumulated gradient.
func (v *Variable) ZeroGrad() {
	v.grad = nil
}

// Backward seeds the output with ones and propagates gradients to every
// reachable node. Gradients accumulate on leaves reached through several
// paths.
func (v *Variable) Backward() error {
	if !v.requiresGrad {
		return errors.New("backward called on a variable that does not require gradients")
	}
	order := topoSort(v)
	seed := v.GradBuffer()
	for i := range seed {
		seed[i] += 1
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backward != nil && n.grad != nil {
			n.backward(n.grad)
		}
	}
	return nil
}

func topoSort(root *Variable) []*Variable {
	var order []*Variable
	visited := make(map[*Variable]bool)
	var visit func(n *Variable)
	visit = func(n *Variable) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.inputs {
			if in != nil && in.requiresGrad {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}
