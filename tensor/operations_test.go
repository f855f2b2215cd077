package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestBinaryOperations(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, []float32{4, 3, 2, 1})

	tests := []struct {
		name     string
		fn       func(a, b *Tensor) (*Tensor, error)
		expected []float32
	}{
		{"Add", Add, []float32{5, 5, 5, 5}},
		{"Sub", Sub, []float32{-3, -1, 1, 3}},
		{"Mul", Mul, []float32{4, 6, 6, 4}},
		{"Div", Div, []float32{0.25, 2.0 / 3.0, 1.5, 4}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := test.fn(a, b)
			if err != nil {
				t.Fatalf("%s failed: %v", test.name, err)
			}
			if !reflect.DeepEqual(result.Data, test.expected) {
				t.Errorf("expected %v, got %v", test.expected, result.Data)
			}
		})
	}
}

func TestDivisionByZeroIsNaN(t *testing.T) {
	a := Scalar(0)
	b := Scalar(0)
	r, err := Div(a, b)
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}
	if !math.IsNaN(float64(r.Data[0])) {
		t.Errorf("expected NaN, got %f", r.Data[0])
	}
}

func TestELU(t *testing.T) {
	x, _ := NewTensor([]int{3}, []float32{-1, 0, 2})
	y := ELU(x)
	expected := []float32{float32(math.Expm1(-1)), 0, 2}
	if !reflect.DeepEqual(y.Data, expected) {
		t.Errorf("expected %v, got %v", expected, y.Data)
	}
}

func TestReductions(t *testing.T) {
	// [batch=2, cells=2, channel=2]
	x, _ := NewTensor([]int{2, 2, 2}, []float32{1, 10, 2, 20, 3, 30, 4, 40})

	leading := SumLeading(x)
	if !reflect.DeepEqual(leading.Data, []float32{10, 100}) {
		t.Errorf("SumLeading: expected [10 100], got %v", leading.Data)
	}

	last := SumLast(x)
	if !reflect.DeepEqual(last.Shape, []int{2, 2}) {
		t.Errorf("SumLast: expected shape [2 2], got %v", last.Shape)
	}
	if !reflect.DeepEqual(last.Data, []float32{11, 22, 33, 44}) {
		t.Errorf("SumLast: expected [11 22 33 44], got %v", last.Data)
	}

	if s := SumAll(x); s != 110 {
		t.Errorf("SumAll: expected 110, got %f", s)
	}
}

func TestNotEqualMask(t *testing.T) {
	x, _ := NewTensor([]int{4}, []float32{0, 0.5, -1, 0})
	m := NotEqualMask(x, 0)
	if !reflect.DeepEqual(m.Data, []float32{0, 1, 1, 0}) {
		t.Errorf("expected [0 1 1 0], got %v", m.Data)
	}
}

func TestSplitAndConcatBatch(t *testing.T) {
	x, _ := NewTensor([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6})

	first, err := SplitBatch(x, 0, 1)
	if err != nil {
		t.Fatalf("SplitBatch failed: %v", err)
	}
	rest, err := SplitBatch(x, 1, 3)
	if err != nil {
		t.Fatalf("SplitBatch failed: %v", err)
	}
	if !reflect.DeepEqual(rest.Data, []float32{3, 4, 5, 6}) {
		t.Errorf("expected [3 4 5 6], got %v", rest.Data)
	}

	joined, err := Concat([]*Tensor{first, rest})
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !joined.AllClose(x, 0) {
		t.Errorf("expected %v, got %v", x.Data, joined.Data)
	}

	if _, err := SplitBatch(x, 2, 2); err == nil {
		t.Error("expected error for empty range")
	}
}

func TestSliceLast(t *testing.T) {
	x, _ := NewTensor([]int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	s, err := SliceLast(x, 2, 4)
	if err != nil {
		t.Fatalf("SliceLast failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float32{3, 4, 7, 8}) {
		t.Errorf("expected [3 4 7 8], got %v", s.Data)
	}
}
