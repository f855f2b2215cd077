package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestSameGeometry(t *testing.T) {
	tests := []struct {
		in, out, pad int
	}{
		{4, 2, 0},
		{5, 3, 1},
		{1, 1, 1},
		{721, 361, 1},
		{1440, 720, 0},
	}
	for _, test := range tests {
		g, err := NewSameGeometry(1, test.in, test.in, test.out, test.out, 3, 2)
		if err != nil {
			t.Fatalf("NewSameGeometry(%d -> %d) failed: %v", test.in, test.out, err)
		}
		if g.PadTop != test.pad || g.PadLeft != test.pad {
			t.Errorf("in %d out %d: expected padding %d, got %d/%d", test.in, test.out, test.pad, g.PadTop, g.PadLeft)
		}
	}

	if _, err := NewSameGeometry(1, 4, 4, 3, 3, 3, 2); err == nil {
		t.Error("expected error for inconsistent output size")
	}
}

func TestTransposeOutputSizeMatchesGrid(t *testing.T) {
	// The 721x1440 grid encoded by five stride-2 convolutions, then decoded
	// with output padding (1,1),(0,1),(0,1),(0,1),(0,1).
	h, w := 23, 45
	pads := [][2]int{{1, 1}, {0, 1}, {0, 1}, {0, 1}, {0, 1}}
	for _, p := range pads {
		h = TransposeOutputSize(h, 3, 2, p[0])
		w = TransposeOutputSize(w, 3, 2, p[1])
	}
	if h != 721 || w != 1440 {
		t.Errorf("expected 721x1440, got %dx%d", h, w)
	}
}

func TestConv2DForward(t *testing.T) {
	// 1x3x3x1 input, 3x3 kernel of ones, stride 2: output 2x2, pad 1 on top/left.
	x, _ := NewTensor([]int{1, 3, 3, 1}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	w, _ := Ones([]int{3, 3, 1, 1})
	b, _ := NewTensor([]int{1}, []float32{0.5})

	y, err := Conv2D(x, w, b, 2)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{1, 2, 2, 1}) {
		t.Fatalf("expected shape [1 2 2 1], got %v", y.Shape)
	}
	// Windows centred on (0,0), (0,2), (2,0), (2,2).
	expected := []float32{1 + 2 + 4 + 5 + 0.5, 2 + 3 + 5 + 6 + 0.5, 4 + 5 + 7 + 8 + 0.5, 5 + 6 + 8 + 9 + 0.5}
	if !reflect.DeepEqual(y.Data, expected) {
		t.Errorf("expected %v, got %v", expected, y.Data)
	}
}

func TestConv2DChannelMismatch(t *testing.T) {
	x, _ := Zeros([]int{1, 4, 4, 2})
	w, _ := Zeros([]int{3, 3, 1, 4})
	if _, err := Conv2D(x, w, nil, 2); err == nil {
		t.Error("expected channel mismatch error")
	}
}

func TestConv2DTransposeIsAdjoint(t *testing.T) {
	// <conv(x), y> == <x, convT(y)> for matching geometry.
	rng := rand.New(rand.NewSource(7))
	x := randomTensor(rng, 2, 5, 6, 3)
	w := randomTensor(rng, 3, 3, 3, 4)

	cx, err := Conv2D(x, w, nil, 2)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	y := randomTensor(rng, cx.Shape...)
	// 5 = 2*3-1 -> padding 0, 6 = 2*3 -> padding 1
	ty, err := Conv2DTranspose(y, w, nil, 2, 0, 1)
	if err != nil {
		t.Fatalf("Conv2DTranspose failed: %v", err)
	}
	if !reflect.DeepEqual(ty.Shape, x.Shape) {
		t.Fatalf("expected shape %v, got %v", x.Shape, ty.Shape)
	}

	var lhs, rhs float64
	for i := range cx.Data {
		lhs += float64(cx.Data[i]) * float64(y.Data[i])
	}
	for i := range x.Data {
		rhs += float64(x.Data[i]) * float64(ty.Data[i])
	}
	if math.Abs(lhs-rhs) > 1e-3*math.Max(1, math.Abs(lhs)) {
		t.Errorf("adjoint mismatch: %f vs %f", lhs, rhs)
	}
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := randomTensor(rng, 2, 5, 4, 2)
	w := randomTensor(rng, 3, 3, 2, 3)
	b := randomTensor(rng, 3)

	checkGradients(t, func() *Tensor {
		y, err := Conv2DAutograd(x, w, b, 2)
		if err != nil {
			t.Fatalf("Conv2DAutograd failed: %v", err)
		}
		return SumAutograd(SquareAutograd(y))
	}, x, w, b)
}

func TestConv2DTransposeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := randomTensor(rng, 2, 2, 3, 3)
	w := randomTensor(rng, 3, 3, 2, 3)
	b := randomTensor(rng, 2)

	checkGradients(t, func() *Tensor {
		y, err := Conv2DTransposeAutograd(x, w, b, 2, 1, 0)
		if err != nil {
			t.Fatalf("Conv2DTransposeAutograd failed: %v", err)
		}
		if !reflect.DeepEqual(y.Shape, []int{2, 4, 5, 2}) {
			t.Fatalf("expected shape [2 4 5 2], got %v", y.Shape)
		}
		return SumAutograd(SquareAutograd(y))
	}, x, w, b)
}

func TestConv2DTransposeRejectsLargePadding(t *testing.T) {
	x, _ := Zeros([]int{1, 2, 2, 1})
	w, _ := Zeros([]int{3, 3, 1, 1})
	if _, err := Conv2DTranspose(x, w, nil, 2, 2, 0); err == nil {
		t.Error("expected error for output padding >= stride")
	}
}
