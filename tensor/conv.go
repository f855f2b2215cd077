package tensor

import "fmt"

// ConvGeometry describes a strided 2D convolution with TensorFlow "SAME"
// padding between a full-resolution map (InH×InW) and a strided map
// (OutH×OutW). A transposed convolution uses the same geometry with the roles
// of input and output swapped, which makes it the exact adjoint.
type ConvGeometry struct {
	Batch      int
	InH, InW   int
	OutH, OutW int
	Kernel     int
	Stride     int
	PadTop     int
	PadLeft    int
}

// SameOutputSize is ceil(in / stride).
func SameOutputSize(in, stride int) int {
	return (in + stride - 1) / stride
}

// TransposeOutputSize is the full-resolution size a SAME transposed
// convolution produces from in cells with the given output padding.
func TransposeOutputSize(in, kernel, stride, outputPadding int) int {
	return (in-1)*stride + kernel - 2*(kernel/2) + outputPadding
}

func samePadBefore(in, out, kernel, stride int) int {
	total := (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	return total / 2
}

// NewSameGeometry validates that out = ceil(in/stride) on both spatial axes
// and computes the leading padding.
func NewSameGeometry(batch, inH, inW, outH, outW, kernel, stride int) (ConvGeometry, error) {
	if SameOutputSize(inH, stride) != outH || SameOutputSize(inW, stride) != outW {
		return ConvGeometry{}, fmt.Errorf("%w: %dx%d cannot map to %dx%d with stride %d", ErrShapeMismatch, inH, inW, outH, outW, stride)
	}
	return ConvGeometry{
		Batch:   batch,
		InH:     inH,
		InW:     inW,
		OutH:    outH,
		OutW:    outW,
		Kernel:  kernel,
		Stride:  stride,
		PadTop:  samePadBefore(inH, outH, kernel, stride),
		PadLeft: samePadBefore(inW, outW, kernel, stride),
	}, nil
}

// visit calls fn for every (batch, strided cell, kernel tap, full-res cell)
// combination that falls inside the full-resolution map. Offsets are in
// spatial cells; callers multiply by their channel counts.
func (g ConvGeometry) visit(fn func(n, outCell, tap, inCell int)) {
	k := g.Kernel
	for n := 0; n < g.Batch; n++ {
		for oh := 0; oh < g.OutH; oh++ {
			for ow := 0; ow < g.OutW; ow++ {
				outCell := (n*g.OutH+oh)*g.OutW + ow
				for kh := 0; kh < k; kh++ {
					ih := oh*g.Stride + kh - g.PadTop
					if ih < 0 || ih >= g.InH {
						continue
					}
					for kw := 0; kw < k; kw++ {
						iw := ow*g.Stride + kw - g.PadLeft
						if iw < 0 || iw >= g.InW {
							continue
						}
						fn(n, outCell, kh*k+kw, (n*g.InH+ih)*g.InW+iw)
					}
				}
			}
		}
	}
}

// conv2d computes y[n,oh,ow,co] = Σ x[n,ih,iw,ci]·w[kh,kw,ci,co].
// x: [N, InH, InW, ci], w: [K, K, ci, co] -> [N, OutH, OutW, co].
func conv2d(g ConvGeometry, x, w *Tensor) *Tensor {
	ci, co := w.Shape[2], w.Shape[3]
	y := make([]float32, g.Batch*g.OutH*g.OutW*co)
	g.visit(func(_, outCell, tap, inCell int) {
		xs := x.Data[inCell*ci : (inCell+1)*ci]
		ys := y[outCell*co : (outCell+1)*co]
		wt := w.Data[tap*ci*co : (tap+1)*ci*co]
		for c, xv := range xs {
			if xv == 0 {
				continue
			}
			row := wt[c*co : (c+1)*co]
			for o := range ys {
				ys[o] += xv * row[o]
			}
		}
	})
	return MustNew([]int{g.Batch, g.OutH, g.OutW, co}, y)
}

// conv2dAdjoint scatters a strided map back to full resolution:
// dy: [N, OutH, OutW, co], w: [K, K, ci, co] -> [N, InH, InW, ci].
// It is both the input gradient of conv2d and the forward pass of a
// transposed convolution.
func conv2dAdjoint(g ConvGeometry, dy, w *Tensor) *Tensor {
	ci, co := w.Shape[2], w.Shape[3]
	dx := make([]float32, g.Batch*g.InH*g.InW*ci)
	g.visit(func(_, outCell, tap, inCell int) {
		gs := dy.Data[outCell*co : (outCell+1)*co]
		xs := dx[inCell*ci : (inCell+1)*ci]
		wt := w.Data[tap*ci*co : (tap+1)*ci*co]
		for c := range xs {
			row := wt[c*co : (c+1)*co]
			var s float32
			for o, gv := range gs {
				s += gv * row[o]
			}
			xs[c] += s
		}
	})
	return MustNew([]int{g.Batch, g.InH, g.InW, ci}, dx)
}

// conv2dKernelGrad computes dw[kh,kw,ci,co] = Σ x[n,ih,iw,ci]·dy[n,oh,ow,co].
func conv2dKernelGrad(g ConvGeometry, x, dy *Tensor, ci, co int) *Tensor {
	dw := make([]float32, g.Kernel*g.Kernel*ci*co)
	g.visit(func(_, outCell, tap, inCell int) {
		xs := x.Data[inCell*ci : (inCell+1)*ci]
		gs := dy.Data[outCell*co : (outCell+1)*co]
		wt := dw[tap*ci*co : (tap+1)*ci*co]
		for c, xv := range xs {
			if xv == 0 {
				continue
			}
			row := wt[c*co : (c+1)*co]
			for o, gv := range gs {
				row[o] += xv * gv
			}
		}
	})
	return MustNew([]int{g.Kernel, g.Kernel, ci, co}, dw)
}

// Conv2D is the non-differentiable SAME convolution with bias (bias may be nil).
func Conv2D(x, w, b *Tensor, stride int) (*Tensor, error) {
	g, err := conv2DGeometry(x, w, stride)
	if err != nil {
		return nil, err
	}
	y := conv2d(g, x, w)
	if b != nil {
		addBiasInPlace(y, b)
	}
	return y, nil
}

func conv2DGeometry(x, w *Tensor, stride int) (ConvGeometry, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return ConvGeometry{}, fmt.Errorf("Conv2D expects NHWC input and [k,k,in,out] kernel, got %v and %v", x.Shape, w.Shape)
	}
	if w.Shape[0] != w.Shape[1] {
		return ConvGeometry{}, fmt.Errorf("Conv2D expects a square kernel, got %v", w.Shape)
	}
	if x.Shape[3] != w.Shape[2] {
		return ConvGeometry{}, fmt.Errorf("Conv2D: %w: input has %d channels, kernel expects %d", ErrShapeMismatch, x.Shape[3], w.Shape[2])
	}
	n, h, wd := x.Shape[0], x.Shape[1], x.Shape[2]
	return NewSameGeometry(n, h, wd, SameOutputSize(h, stride), SameOutputSize(wd, stride), w.Shape[0], stride)
}

// Conv2DTranspose is the non-differentiable SAME transposed convolution.
// x: [N, h, w, in], kernel: [K, K, out, in] (Keras layout), result
// [N, outH, outW, out] with outH/outW fixed by the output padding.
func Conv2DTranspose(x, w, b *Tensor, stride, padH, padW int) (*Tensor, error) {
	g, err := conv2DTransposeGeometry(x, w, stride, padH, padW)
	if err != nil {
		return nil, err
	}
	y := conv2dAdjoint(g, x, w)
	if b != nil {
		addBiasInPlace(y, b)
	}
	return y, nil
}

func conv2DTransposeGeometry(x, w *Tensor, stride, padH, padW int) (ConvGeometry, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return ConvGeometry{}, fmt.Errorf("Conv2DTranspose expects NHWC input and [k,k,out,in] kernel, got %v and %v", x.Shape, w.Shape)
	}
	if x.Shape[3] != w.Shape[3] {
		return ConvGeometry{}, fmt.Errorf("Conv2DTranspose: %w: input has %d channels, kernel expects %d", ErrShapeMismatch, x.Shape[3], w.Shape[3])
	}
	if padH < 0 || padH >= stride || padW < 0 || padW >= stride {
		return ConvGeometry{}, fmt.Errorf("Conv2DTranspose: output padding (%d,%d) must be in [0,%d)", padH, padW, stride)
	}
	k := w.Shape[0]
	n, h, wd := x.Shape[0], x.Shape[1], x.Shape[2]
	outH := TransposeOutputSize(h, k, stride, padH)
	outW := TransposeOutputSize(wd, k, stride, padW)
	return NewSameGeometry(n, outH, outW, h, wd, k, stride)
}

func addBiasInPlace(y, b *Tensor) {
	c := b.NumElems
	for i := range y.Data {
		y.Data[i] += b.Data[i%c]
	}
}
