package tensor

import (
	"fmt"
	"math"
)

// The functions in this file are the plain (non-differentiable) kernels. The
// autograd operations in autograd.go are built on top of them.

func binary(op string, t1, t2 *Tensor, f func(a, b float32) float32) (*Tensor, error) {
	if err := checkSameShape(op, t1, t2); err != nil {
		return nil, err
	}
	out := make([]float32, t1.NumElems)
	for i := range out {
		out[i] = f(t1.Data[i], t2.Data[i])
	}
	return NewTensor(t1.Shape, out)
}

func unary(t *Tensor, f func(a float32) float32) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = f(v)
	}
	return MustNew(t.Shape, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Add", t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Sub", t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Mul", t1, t2, func(a, b float32) float32 { return a * b })
}

// Div divides elementwise. Division by zero follows IEEE-754 (Inf or NaN).
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binary("Div", t1, t2, func(a, b float32) float32 { return a / b })
}

func Scale(t *Tensor, c float32) *Tensor {
	return unary(t, func(a float32) float32 { return a * c })
}

func AddScalar(t *Tensor, c float32) *Tensor {
	return unary(t, func(a float32) float32 { return a + c })
}

func Exp(t *Tensor) *Tensor {
	return unary(t, func(a float32) float32 { return float32(math.Exp(float64(a))) })
}

func Square(t *Tensor) *Tensor {
	return unary(t, func(a float32) float32 { return a * a })
}

// ELU computes x for x > 0 and exp(x)-1 otherwise (alpha = 1).
func ELU(t *Tensor) *Tensor {
	return unary(t, func(a float32) float32 {
		if a > 0 {
			return a
		}
		return float32(math.Expm1(float64(a)))
	})
}

// NotEqualMask returns 1 where t != value and 0 elsewhere.
func NotEqualMask(t *Tensor, value float32) *Tensor {
	return unary(t, func(a float32) float32 {
		if a != value {
			return 1
		}
		return 0
	})
}

// SumAll adds every element, accumulating in float64.
func SumAll(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// SumLeading reduces every axis except the last one:
// [d0, ..., dk-1, C] -> [C]. For NHWC tensors this sums over batch, height
// and width and keeps channel.
func SumLeading(t *Tensor) *Tensor {
	c := t.Shape[len(t.Shape)-1]
	out := make([]float64, c)
	for i, v := range t.Data {
		out[i%c] += float64(v)
	}
	res := make([]float32, c)
	for i, v := range out {
		res[i] = float32(v)
	}
	return MustNew([]int{c}, res)
}

// SumLast reduces the last axis: [d0, ..., dk-1, C] -> [d0, ..., dk-1].
// A rank-1 input reduces to a single-element tensor.
func SumLast(t *Tensor) *Tensor {
	c := t.Shape[len(t.Shape)-1]
	outShape := []int{1}
	if len(t.Shape) > 1 {
		outShape = append([]int(nil), t.Shape[:len(t.Shape)-1]...)
	}
	rows := t.NumElems / c
	res := make([]float32, rows)
	for r := 0; r < rows; r++ {
		var s float64
		for _, v := range t.Data[r*c : (r+1)*c] {
			s += float64(v)
		}
		res[r] = float32(s)
	}
	return MustNew(outShape, res)
}

// BroadcastLast tiles a [C] vector over a tensor of the given shape whose last
// axis is C.
func BroadcastLast(v *Tensor, shape []int) (*Tensor, error) {
	c := shape[len(shape)-1]
	if v.NumElems != c {
		return nil, fmt.Errorf("BroadcastLast: %w: vector of %d onto shape %v", ErrShapeMismatch, v.NumElems, shape)
	}
	out := make([]float32, calculateNumElements(shape))
	for i := range out {
		out[i] = v.Data[i%c]
	}
	return NewTensor(shape, out)
}

// ExpandLast repeats each element of t c times along a new last axis:
// [d0, ..., dk-1] -> [d0, ..., dk-1, c].
func ExpandLast(t *Tensor, shape []int) (*Tensor, error) {
	c := shape[len(shape)-1]
	if t.NumElems*c != calculateNumElements(shape) {
		return nil, fmt.Errorf("ExpandLast: %w: %v into %v", ErrShapeMismatch, t.Shape, shape)
	}
	out := make([]float32, t.NumElems*c)
	for r, v := range t.Data {
		for j := 0; j < c; j++ {
			out[r*c+j] = v
		}
	}
	return NewTensor(shape, out)
}

// SliceLast copies columns [start, end) of the last axis.
func SliceLast(t *Tensor, start, end int) (*Tensor, error) {
	c := t.Shape[len(t.Shape)-1]
	if start < 0 || end > c || start >= end {
		return nil, fmt.Errorf("SliceLast: invalid range [%d, %d) for last dimension %d", start, end, c)
	}
	w := end - start
	rows := t.NumElems / c
	out := make([]float32, rows*w)
	for r := 0; r < rows; r++ {
		copy(out[r*w:(r+1)*w], t.Data[r*c+start:r*c+end])
	}
	shape := append([]int(nil), t.Shape...)
	shape[len(shape)-1] = w
	return NewTensor(shape, out)
}

// Concat joins tensors along the first (batch) axis.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("Concat: no tensors")
	}
	rest := ts[0].Shape[1:]
	n := 0
	var data []float32
	for _, t := range ts {
		if !shapesEqual(t.Shape[1:], rest) {
			return nil, fmt.Errorf("Concat: %w: %v vs %v", ErrShapeMismatch, t.Shape, ts[0].Shape)
		}
		n += t.Shape[0]
		data = append(data, t.Data...)
	}
	return NewTensor(append([]int{n}, rest...), data)
}

// SplitBatch slices rows [start, end) of the first (batch) axis.
func SplitBatch(t *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("SplitBatch: invalid range [%d, %d) for batch size %d", start, end, t.Shape[0])
	}
	row := t.NumElems / t.Shape[0]
	data := make([]float32, (end-start)*row)
	copy(data, t.Data[start*row:end*row])
	shape := append([]int{end - start}, t.Shape[1:]...)
	return NewTensor(shape, data)
}
