package tensor

import (
	"fmt"
	"math"
)

// record attaches op as the creator of result when any input needs a
// gradient. Graphs are only built for differentiable paths, so inference
// passes over frozen inputs allocate nothing extra.
func record(op Operation, result *Tensor, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			result.creator = op
			result.requiresGrad = true
			break
		}
	}
	return result
}

func needsGrad(t *Tensor) bool {
	return t != nil && t.requiresGrad
}

type baseOp struct {
	inputs []*Tensor
}

func (op *baseOp) Inputs() []*Tensor {
	return op.inputs
}

// AddOp implements elementwise a + b.
type AddOp struct{ baseOp }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, gradOut}
}

// SubOp implements elementwise a - b.
type SubOp struct{ baseOp }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	var gradB *Tensor
	if needsGrad(op.inputs[1]) {
		gradB = Scale(gradOut, -1)
	}
	return []*Tensor{gradOut, gradB}
}

// MulOp implements elementwise a * b.
type MulOp struct{ baseOp }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	if needsGrad(a) {
		grads[0], _ = Mul(gradOut, b)
	}
	if needsGrad(b) {
		grads[1], _ = Mul(gradOut, a)
	}
	return grads
}

// DivOp implements elementwise a / b.
type DivOp struct{ baseOp }

func (op *DivOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := Div(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

// ∂(a / b)/∂a = 1/b, ∂(a / b)/∂b = -a/b²
func (op *DivOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	if needsGrad(a) {
		grads[0], _ = Div(gradOut, b)
	}
	if needsGrad(b) {
		g := make([]float32, b.NumElems)
		for i := range g {
			bv := b.Data[i]
			g[i] = -gradOut.Data[i] * a.Data[i] / (bv * bv)
		}
		grads[1] = MustNew(b.Shape, g)
	}
	return grads
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	baseOp
	c float32
}

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	return record(op, Scale(inputs[0], op.c), inputs...), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.c)}
}

// AddScalarOp adds a constant.
type AddScalarOp struct {
	baseOp
	c float32
}

func (op *AddScalarOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	return record(op, AddScalar(inputs[0], op.c), inputs...), nil
}

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

// ExpOp implements exp(x).
type ExpOp struct {
	baseOp
	output *Tensor
}

func (op *ExpOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	op.output = Exp(inputs[0])
	return record(op, op.output, inputs...), nil
}

// ∂exp(x)/∂x = exp(x)
func (op *ExpOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Mul(gradOut, op.output.Detach())
	return []*Tensor{g}
}

// SquareOp implements x².
type SquareOp struct{ baseOp }

func (op *SquareOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	return record(op, Square(inputs[0]), inputs...), nil
}

func (op *SquareOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	g := make([]float32, x.NumElems)
	for i, v := range x.Data {
		g[i] = 2 * v * gradOut.Data[i]
	}
	return []*Tensor{MustNew(x.Shape, g)}
}

// ELUOp implements the exponential linear unit with alpha = 1.
type ELUOp struct {
	baseOp
	output *Tensor
}

func (op *ELUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	op.output = ELU(inputs[0])
	return record(op, op.output, inputs...), nil
}

// ∂elu(x)/∂x = 1 for x > 0, elu(x) + 1 otherwise
func (op *ELUOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	g := make([]float32, x.NumElems)
	for i, v := range x.Data {
		if v > 0 {
			g[i] = gradOut.Data[i]
		} else {
			g[i] = gradOut.Data[i] * (op.output.Data[i] + 1)
		}
	}
	return []*Tensor{MustNew(x.Shape, g)}
}

// SumOp reduces every element to a single-element tensor.
type SumOp struct {
	baseOp
	scale float32
}

func (op *SumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	s := float32(SumAll(inputs[0])) * op.scale
	return record(op, Scalar(s), inputs...), nil
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Full(op.inputs[0].Shape, gradOut.Data[0]*op.scale)
	return []*Tensor{g}
}

// SumLeadingOp sums every axis but the last (batch, height, width -> channel).
type SumLeadingOp struct{ baseOp }

func (op *SumLeadingOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	return record(op, SumLeading(inputs[0]), inputs...), nil
}

func (op *SumLeadingOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := BroadcastLast(gradOut, op.inputs[0].Shape)
	return []*Tensor{g}
}

// SumLastOp sums the last axis (e.g. latent -> batch).
type SumLastOp struct{ baseOp }

func (op *SumLastOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	return record(op, SumLast(inputs[0]), inputs...), nil
}

func (op *SumLastOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := ExpandLast(gradOut, op.inputs[0].Shape)
	return []*Tensor{g}
}

// MatMulOp implements [M,K] @ [K,N].
type MatMulOp struct{ baseOp }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

// ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	if needsGrad(a) {
		grads[0], _ = gemm(false, true, gradOut, b)
	}
	if needsGrad(b) {
		grads[1], _ = gemm(true, false, a, gradOut)
	}
	return grads
}

// AddBiasOp adds a [C] vector along the last axis.
type AddBiasOp struct{ baseOp }

func (op *AddBiasOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	x, b := inputs[0], inputs[1]
	if len(b.Shape) != 1 || b.Shape[0] != x.Shape[len(x.Shape)-1] {
		return nil, fmt.Errorf("AddBias: %w: bias %v for input %v", ErrShapeMismatch, b.Shape, x.Shape)
	}
	result := x.Detach().Clone()
	result.requiresGrad = false
	addBiasInPlace(result, b)
	return record(op, result, inputs...), nil
}

func (op *AddBiasOp) Backward(gradOut *Tensor) []*Tensor {
	var gb *Tensor
	if needsGrad(op.inputs[1]) {
		gb = SumLeading(gradOut)
	}
	return []*Tensor{gradOut, gb}
}

// ReshapeOp changes the shape without moving data.
type ReshapeOp struct {
	baseOp
	shape []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	shape, err := inferShape(inputs[0].NumElems, op.shape)
	if err != nil {
		return nil, err
	}
	result := MustNew(shape, inputs[0].Data)
	return record(op, result, inputs...), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{MustNew(op.inputs[0].Shape, gradOut.Data)}
}

// SliceLastOp keeps columns [start, end) of the last axis.
type SliceLastOp struct {
	baseOp
	start, end int
}

func (op *SliceLastOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	result, err := SliceLast(inputs[0], op.start, op.end)
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *SliceLastOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	c := x.Shape[len(x.Shape)-1]
	w := op.end - op.start
	g := make([]float32, x.NumElems)
	for r := 0; r < x.NumElems/c; r++ {
		copy(g[r*c+op.start:r*c+op.end], gradOut.Data[r*w:(r+1)*w])
	}
	return []*Tensor{MustNew(x.Shape, g)}
}

// Conv2DOp is a SAME strided convolution over NHWC input with optional bias.
type Conv2DOp struct {
	baseOp
	stride int
	geom   ConvGeometry
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	x, w, b := inputs[0], inputs[1], inputs[2]
	g, err := conv2DGeometry(x, w, op.stride)
	if err != nil {
		return nil, err
	}
	op.geom = g
	y := conv2d(g, x, w)
	if b != nil {
		addBiasInPlace(y, b)
	}
	return record(op, y, inputs...), nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	grads := make([]*Tensor, 3)
	if needsGrad(x) {
		grads[0] = conv2dAdjoint(op.geom, gradOut, w)
	}
	if needsGrad(w) {
		grads[1] = conv2dKernelGrad(op.geom, x, gradOut, w.Shape[2], w.Shape[3])
	}
	if needsGrad(b) {
		grads[2] = SumLeading(gradOut)
	}
	return grads
}

// Conv2DTransposeOp is the adjoint of Conv2DOp with explicit output padding.
type Conv2DTransposeOp struct {
	baseOp
	stride     int
	padH, padW int
	geom       ConvGeometry
}

func (op *Conv2DTransposeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inputs = inputs
	x, w, b := inputs[0], inputs[1], inputs[2]
	g, err := conv2DTransposeGeometry(x, w, op.stride, op.padH, op.padW)
	if err != nil {
		return nil, err
	}
	op.geom = g
	y := conv2dAdjoint(g, x, w)
	if b != nil {
		addBiasInPlace(y, b)
	}
	return record(op, y, inputs...), nil
}

func (op *Conv2DTransposeOp) Backward(gradOut *Tensor) []*Tensor {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	grads := make([]*Tensor, 3)
	if needsGrad(x) {
		grads[0] = conv2d(op.geom, gradOut, w)
	}
	if needsGrad(w) {
		grads[1] = conv2dKernelGrad(op.geom, gradOut, x, w.Shape[2], w.Shape[3])
	}
	if needsGrad(b) {
		grads[2] = SumLeading(gradOut)
	}
	return grads
}

// High-level autograd functions that create and execute operations

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return (&SubOp{}).Forward(a, b)
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

func DivAutograd(a, b *Tensor) (*Tensor, error) {
	return (&DivOp{}).Forward(a, b)
}

func ScaleAutograd(a *Tensor, c float32) *Tensor {
	t, _ := (&ScaleOp{c: c}).Forward(a)
	return t
}

func AddScalarAutograd(a *Tensor, c float32) *Tensor {
	t, _ := (&AddScalarOp{c: c}).Forward(a)
	return t
}

func ExpAutograd(a *Tensor) *Tensor {
	t, _ := (&ExpOp{}).Forward(a)
	return t
}

func SquareAutograd(a *Tensor) *Tensor {
	t, _ := (&SquareOp{}).Forward(a)
	return t
}

func ELUAutograd(a *Tensor) *Tensor {
	t, _ := (&ELUOp{}).Forward(a)
	return t
}

// SumAutograd adds every element into a one-element tensor.
func SumAutograd(a *Tensor) *Tensor {
	t, _ := (&SumOp{scale: 1}).Forward(a)
	return t
}

// MeanAutograd averages every element into a one-element tensor.
func MeanAutograd(a *Tensor) *Tensor {
	t, _ := (&SumOp{scale: 1 / float32(a.NumElems)}).Forward(a)
	return t
}

func SumLeadingAutograd(a *Tensor) *Tensor {
	t, _ := (&SumLeadingOp{}).Forward(a)
	return t
}

func SumLastAutograd(a *Tensor) *Tensor {
	t, _ := (&SumLastOp{}).Forward(a)
	return t
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MatMulOp{}).Forward(a, b)
}

func AddBiasAutograd(x, b *Tensor) (*Tensor, error) {
	return (&AddBiasOp{}).Forward(x, b)
}

func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: shape}).Forward(a)
}

func SliceLastAutograd(a *Tensor, start, end int) (*Tensor, error) {
	return (&SliceLastOp{start: start, end: end}).Forward(a)
}

// Conv2DAutograd applies a SAME convolution; b may be nil.
func Conv2DAutograd(x, w, b *Tensor, stride int) (*Tensor, error) {
	return (&Conv2DOp{stride: stride}).Forward(x, w, b)
}

// Conv2DTransposeAutograd applies a SAME transposed convolution; b may be nil.
func Conv2DTransposeAutograd(x, w, b *Tensor, stride, padH, padW int) (*Tensor, error) {
	return (&Conv2DTransposeOp{stride: stride, padH: padH, padW: padW}).Forward(x, w, b)
}

// Log2Pi is log(2π), the constant term of the Gaussian log-density.
var Log2Pi = float32(math.Log(2 * math.Pi))
