package optimizer

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/tensor"
)

func param(name string, data ...float32) *tensor.Tensor {
	p := tensor.MustNew([]int{len(data)}, data)
	p.SetName(name)
	p.SetRequiresGrad(true)
	return p
}

func near(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestAdamFirstStep(t *testing.T) {
	p := param("w", 1, -1)
	g := tensor.MustNew([]int{2}, []float32{0.5, -2})

	adam := NewAdam(DefaultAdamConfig())
	if err := adam.ApplyGradients([]*tensor.Tensor{p}, []*tensor.Tensor{g}); err != nil {
		t.Fatalf("ApplyGradients: %v", err)
	}

	// The first bias-corrected step moves every coordinate by ~lr·sign(g).
	if !near(p.Data[0], 0.999, 1e-5) || !near(p.Data[1], -0.999, 1e-5) {
		t.Errorf("after one step got %v, want [0.999 -0.999]", p.Data)
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d, want 1", adam.GetStepCount())
	}
}

func TestNilGradientIsSkipped(t *testing.T) {
	p := param("w", 1, 2)
	adam := NewAdam(DefaultAdamConfig())
	if err := adam.ApplyGradients([]*tensor.Tensor{p}, []*tensor.Tensor{nil}); err != nil {
		t.Fatalf("ApplyGradients: %v", err)
	}
	if p.Data[0] != 1 || p.Data[1] != 2 {
		t.Errorf("parameter changed without a gradient: %v", p.Data)
	}
}

func TestGradientMismatch(t *testing.T) {
	p := param("w", 1, 2)
	adam := NewAdam(DefaultAdamConfig())

	if err := adam.ApplyGradients([]*tensor.Tensor{p}, nil); err == nil {
		t.Error("expected error for missing gradients")
	}
	bad := tensor.MustNew([]int{3}, []float32{1, 2, 3})
	err := adam.ApplyGradients([]*tensor.Tensor{p}, []*tensor.Tensor{bad})
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestClipByNorm(t *testing.T) {
	g := tensor.MustNew([]int{2}, []float32{3, 4})

	clipped := ClipByNorm(g, 1)
	if n := tensor.Norm(clipped); !near(n, 1, 1e-6) {
		t.Errorf("clipped norm = %v, want 1", n)
	}
	if !near(clipped.Data[0], 0.6, 1e-6) || !near(clipped.Data[1], 0.8, 1e-6) {
		t.Errorf("clipped direction changed: %v", clipped.Data)
	}
	if g.Data[0] != 3 {
		t.Error("clipping modified the input gradient")
	}

	if ClipByNorm(g, 5) != g {
		t.Error("gradient at the threshold should be returned unchanged")
	}

	zero := tensor.MustNew([]int{2}, []float32{0, 0})
	if ClipByNorm(zero, 1) != zero {
		t.Error("zero gradient should be returned unchanged")
	}
	if ClipByNorm(nil, 1) != nil {
		t.Error("nil gradient should stay nil")
	}
}

func TestClipEachByNorm(t *testing.T) {
	a := tensor.MustNew([]int{1}, []float32{10})
	b := tensor.MustNew([]int{1}, []float32{0.5})
	out := ClipEachByNorm([]*tensor.Tensor{a, b, nil}, 1)
	if out[0].Data[0] != 1 || out[1].Data[0] != 0.5 || out[2] != nil {
		t.Errorf("unexpected clipped values: %v %v %v", out[0], out[1], out[2])
	}
}

func TestNew(t *testing.T) {
	want := map[string]string{
		"adam":     "Adam",
		"Nadam":    "Nadam",
		"sgd":      "SGD",
		"RMSprop":  "RMSProp",
		"adagrad":  "AdaGrad",
		"adadelta": "AdaDelta",
	}
	for name, stateType := range want {
		opt, err := New(name, 0.05)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if opt.LearningRate() != 0.05 {
			t.Errorf("%s: learning rate = %v", name, opt.LearningRate())
		}
		state, err := opt.GetState()
		if err != nil {
			t.Fatalf("%s: GetState: %v", name, err)
		}
		if state.Type != stateType {
			t.Errorf("%s: state type = %q, want %q", name, state.Type, stateType)
		}
	}

	if _, err := New("lbfgs", 1); err == nil {
		t.Error("expected error for unknown optimizer")
	}
}

// Every optimizer must make progress on f(w) = w², and its state must
// survive a JSON round trip so training resumes identically.
func TestOptimizersResumeFromState(t *testing.T) {
	for _, name := range []string{"adam", "nadam", "sgd", "rmsprop", "adagrad", "adadelta"} {
		t.Run(name, func(t *testing.T) {
			lr := float32(0.1)
			if name == "adadelta" {
				lr = 1
			}
			a, _ := New(name, lr)
			b, _ := New(name, lr)

			pa := param("w", 3, -2)
			pb := param("w", 3, -2)
			step := func(opt Optimizer, p *tensor.Tensor) {
				g := tensor.Scale(p, 2)
				if err := opt.ApplyGradients([]*tensor.Tensor{p}, []*tensor.Tensor{g}); err != nil {
					t.Fatal(err)
				}
			}

			for i := 0; i < 5; i++ {
				step(a, pa)
				step(b, pb)
			}

			state, _ := a.GetState()
			raw, err := json.Marshal(state)
			if err != nil {
				t.Fatal(err)
			}
			var decoded checkpoints.OptimizerState
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatal(err)
			}
			resumed, _ := New(name, lr)
			if err := resumed.LoadState(&decoded); err != nil {
				t.Fatalf("LoadState: %v", err)
			}
			if resumed.GetStepCount() != 5 {
				t.Errorf("resumed step count = %d, want 5", resumed.GetStepCount())
			}

			step(resumed, pa)
			step(b, pb)
			for i := range pa.Data {
				if !near(pa.Data[i], pb.Data[i], 1e-6) {
					t.Errorf("resumed run diverged at %d: %v vs %v", i, pa.Data[i], pb.Data[i])
				}
			}
			if math.Abs(float64(pa.Data[0])) >= 3 {
				t.Errorf("no progress towards the minimum: %v", pa.Data)
			}
		})
	}
}

func TestLoadStateRejectsWrongType(t *testing.T) {
	sgd := NewSGD(DefaultSGDConfig())
	state, _ := NewAdam(DefaultAdamConfig()).GetState()
	if err := sgd.LoadState(state); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := sgd.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}

func TestUpdateLearningRate(t *testing.T) {
	opt := NewRMSProp(DefaultRMSPropConfig())
	opt.UpdateLearningRate(0.5)
	if opt.LearningRate() != 0.5 {
		t.Errorf("learning rate = %v, want 0.5", opt.LearningRate())
	}
}
