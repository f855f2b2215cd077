package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned whenever two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("shape mismatch")

// Operation is a node in the autograd graph. Forward computes the result and
// records the inputs; Backward maps the gradient of the result onto one
// gradient per input (nil for inputs that need none).
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float32 array. Spatial data is laid out
// channel-last: batch × height × width × channel.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int

	name         string
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	if t.name != "" {
		return fmt.Sprintf("Tensor(%s, shape=%v, elements=%d)", t.name, t.Shape, t.NumElems)
	}
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Name returns the parameter name, if one was assigned.
func (t *Tensor) Name() string {
	return t.name
}

// SetName labels the tensor, used for checkpoint matching.
func (t *Tensor) SetName(name string) {
	t.name = name
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if Backward has not reached this tensor.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// IsLeaf reports whether the tensor was created directly rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Detach returns a tensor sharing the same data with no autograd history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// ZeroGrad resets gradients on a set of parameters.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	return shapesEqual(a, b)
}

func checkSameShape(op string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%s: %w: %v vs %v", op, ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}
