package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view with a new shape over the same data. One dimension
// may be -1 and is inferred. The view has no autograd history; use
// ReshapeAutograd inside a differentiable graph.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := inferShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func inferShape(numElems int, newShape []int) ([]int, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
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
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
		}
		shape[negOneIdx] = numElems / known
		known *= shape[negOneIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", numElems, newShape, known)
	}
	return shape, nil
}

// Clone deep-copies data and shape. Gradients and history are not copied.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	c := MustNew(t.Shape, data)
	c.name = t.name
	c.requiresGrad = t.requiresGrad
	return c
}

// CopyFrom overwrites the tensor's data in place.
func (t *Tensor) CopyFrom(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("copy into %s: data length %d does not match tensor size %d", t, len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() can only be called on single-element tensors, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt writes the element at the given coordinates.
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// AllClose reports whether both tensors have the same shape and every pair of
// elements differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i])-float64(other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// PrintData formats up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")
	n := t.NumElems
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", t.Data[i])
	}
	if n < t.NumElems {
		fmt.Fprintf(&sb, ", ... (%d more)", t.NumElems-n)
	}
	sb.WriteString("]")
	return sb.String()
}
