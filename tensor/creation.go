package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	s := make([]int, len(shape))
	copy(s, shape)
	tensor := &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    dtype,
		NumElems: calculateNumElements(s),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, data)
}

// RandomUniform fills a Float32 tensor with values drawn from [-bound, bound).
func RandomUniform(shape []int, bound float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = (rng.Float32()*2 - 1) * bound
	}
	return NewTensor(shape, Float32, slice)
}

// FromFloat32 wraps data without copying. It panics on a size mismatch and is
// meant for internally computed buffers.
func FromFloat32(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, Float32, data)
	if err != nil {
		panic(err)
	}
	return t
}

// FromInt32 is the Int32 counterpart of FromFloat32.
func FromInt32(shape []int, data []int32) *Tensor {
	t, err := NewTensor(shape, Int32, data)
	if err != nil {
		panic(err)
	}
	return t
}
