package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a new tensor with the same data but different shape
// The new shape must have the same total number of elements
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems = t.NumElems
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:    make([]int, len(t.Shape)),
		Strides:  make([]int, len(t.Strides)),
		DType:    t.DType,
		NumElems: t.NumElems,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch d := t.Data.(type) {
	case []float32:
		c := make([]float32, len(d))
		copy(c, d)
		clone.Data = c
	case []int32:
		c := make([]int32, len(d))
		copy(c, d)
		clone.Data = c
	}
	return clone
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// HasNonFinite reports whether any element is NaN or +-Inf.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Float32s() {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// CountNotEqual counts Int32 elements different from v.
func (t *Tensor) CountNotEqual(v int32) int {
	n := 0
	for _, x := range t.Int32s() {
		if x != v {
			n++
		}
	}
	return n
}

// Sum adds all elements in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	switch d := t.Data.(type) {
	case []float32:
		for _, v := range d {
			s += float64(v)
		}
	case []int32:
		for _, v := range d {
			s += float64(v)
		}
	}
	return s
}

func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !SameShape(t.Shape, other.Shape) {
		return false
	}
	switch a := t.Data.(type) {
	case []float32:
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case []int32:
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}
