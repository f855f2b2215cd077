package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor) blas32.General {
	return blas32.General{Rows: t.Shape[0], Cols: t.Shape[1], Stride: t.Shape[1], Data: t.Data}
}

// gemm computes op(a) @ op(b) for rank-2 tensors.
func gemm(transA, transB bool, a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}

	m, k := a.Shape[0], a.Shape[1]
	tA := blas.NoTrans
	if transA {
		m, k = k, m
		tA = blas.Trans
	}
	kb, n := b.Shape[0], b.Shape[1]
	tB := blas.NoTrans
	if transB {
		kb, n = n, kb
		tB = blas.Trans
	}
	if k != kb {
		return nil, fmt.Errorf("MatMul: %w: inner dimensions %d and %d", ErrShapeMismatch, k, kb)
	}

	out, err := Zeros([]int{m, n})
	if err != nil {
		return nil, err
	}
	blas32.Gemm(tA, tB, 1, general(a), general(b), 0, general(out))
	return out, nil
}

// MatMul multiplies [M,K] by [K,N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	return gemm(false, false, a, b)
}

// Transpose swaps the two axes of a rank-2 tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, t.NumElems)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, out)
}

// Norm returns the L2 norm of all elements.
func Norm(t *Tensor) float32 {
	return blas32.Nrm2(blas32.Vector{N: t.NumElems, Data: t.Data, Inc: 1})
}

// ScaleInPlace multiplies every element by alpha.
func ScaleInPlace(t *Tensor, alpha float32) {
	blas32.Scal(alpha, blas32.Vector{N: t.NumElems, Data: t.Data, Inc: 1})
}
