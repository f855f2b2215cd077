package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data (which must have exactly prod(shape) elements) in a
// tensor. A nil data slice allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid at the call site.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, data)
}

// Scalar returns a rank-1 tensor of length one.
func Scalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal draws every element from N(mean, std²) using rng.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return NewTensor(shape, data)
}

// RandomUniform draws every element from U(-bound, bound) using rng.
func RandomUniform(rng *rand.Rand, shape []int, bound float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * bound
	}
	return NewTensor(shape, data)
}
