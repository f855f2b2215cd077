package dcvae

import (
	"fmt"
	"math"

	"github.com/tsawler/go-dcvae/layers"
	"github.com/tsawler/go-dcvae/tensor"
)

// LossValues are the separately observable loss terms of one batch.
type LossValues struct {
	RMSE           []float32 // reconstruction skill per output channel
	LogPz          float32
	LogQzX         float32
	Regularization float32
}

// Overall is the optimised scalar: mean over channels of the skill plus
// both log-density terms and the regularization.
func (l LossValues) Overall() float32 {
	var s float64
	for _, v := range l.RMSE {
		s += float64(v)
	}
	return float32(s/float64(len(l.RMSE))) + l.LogPz + l.LogQzX + l.Regularization
}

// flatten packs the values as [rmse_0 … rmse_C-1, logpz, logqz_x, reg] so
// replicas can be reduced elementwise.
func (l LossValues) flatten() []float32 {
	out := append([]float32(nil), l.RMSE...)
	return append(out, l.LogPz, l.LogQzX, l.Regularization)
}

func unflattenLoss(v []float32, channels int) (LossValues, error) {
	if len(v) != channels+3 {
		return LossValues{}, fmt.Errorf("loss vector has %d values, want %d", len(v), channels+3)
	}
	return LossValues{
		RMSE:           append([]float32(nil), v[:channels]...),
		LogPz:          v[channels],
		LogQzX:         v[channels+1],
		Regularization: v[channels+2],
	}, nil
}

// LogNormalPDF is the diagonal Gaussian log-density of sample (N×L) summed
// over the latent axis, giving N values:
//
//	Σ_l -0.5·((s-m)²·exp(-lv) + lv + log 2π)
//
// A nil mean or logVar stands for zeros.
func LogNormalPDF(sample, mean, logVar *tensor.Tensor) (*tensor.Tensor, error) {
	diff := sample
	if mean != nil {
		var err error
		if diff, err = tensor.SubAutograd(sample, mean); err != nil {
			return nil, fmt.Errorf("log-density: %w", err)
		}
	}
	terms := tensor.SquareAutograd(diff)
	if logVar != nil {
		var err error
		precision := tensor.ExpAutograd(tensor.ScaleAutograd(logVar, -1))
		if terms, err = tensor.MulAutograd(terms, precision); err != nil {
			return nil, fmt.Errorf("log-density: %w", err)
		}
		if terms, err = tensor.AddAutograd(terms, logVar); err != nil {
			return nil, fmt.Errorf("log-density: %w", err)
		}
	}
	terms = tensor.ScaleAutograd(tensor.AddScalarAutograd(terms, tensor.Log2Pi), -0.5)
	return tensor.SumLastAutograd(terms), nil
}

// validWeights is 1 where the target is non-zero (zero marks missing data)
// and, when a mask is given, the mask cell is set. Shape matches target.
func validWeights(target, mask *tensor.Tensor) (*tensor.Tensor, error) {
	w := tensor.NotEqualMask(target, 0)
	if mask == nil {
		return w, nil
	}
	n, h, wd, c := target.Shape[0], target.Shape[1], target.Shape[2], target.Shape[3]
	if mask.Shape[0] != h || mask.Shape[1] != wd {
		return nil, fmt.Errorf("training mask: %w: mask %v, target %v", tensor.ErrShapeMismatch, mask.Shape, target.Shape)
	}
	for i := 0; i < n*h*wd; i++ {
		if mask.Data[i%(h*wd)] == 0 {
			for ch := 0; ch < c; ch++ {
				w.Data[i*c+ch] = 0
			}
		}
	}
	return w, nil
}

// FitLoss is the per-channel reconstruction skill relative to a constant
// climatology. Sums run over batch, height and width, keeping channel:
//
//	skill_c = Σ(g-t)²w / Σw,  guess_c = Σ(clim-t)²w / Σw,  result = skill_c / guess_c
//
// with w = 1[t ≠ 0] times the optional H×W mask. A channel with no valid
// cell yields NaN.
func FitLoss(generated, target *tensor.Tensor, climatology float32, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(target.Shape) != 4 {
		return nil, fmt.Errorf("fit loss expects an N×H×W×C target, got %v", target.Shape)
	}
	weights, err := validWeights(target, mask)
	if err != nil {
		return nil, err
	}

	diff, err := tensor.SubAutograd(generated, target)
	if err != nil {
		return nil, fmt.Errorf("fit loss: %w", err)
	}
	weighted, err := tensor.MulAutograd(tensor.SquareAutograd(diff), weights)
	if err != nil {
		return nil, err
	}
	count := tensor.SumLeading(weights) // [C]
	skill, err := tensor.DivAutograd(tensor.SumLeadingAutograd(weighted), count)
	if err != nil {
		return nil, err
	}

	baseline := tensor.AddScalar(tensor.Scale(target, -1), climatology)
	guessSq, err := tensor.Mul(tensor.Square(baseline), weights)
	if err != nil {
		return nil, err
	}
	guess, err := tensor.Div(tensor.SumLeading(guessSq), count)
	if err != nil {
		return nil, err
	}
	return tensor.DivAutograd(skill, guess)
}

// lossGraph keeps the differentiable terms of one forward pass.
type lossGraph struct {
	fit            *tensor.Tensor // [C]
	logpz, logqzx  *tensor.Tensor // [1]
	regularization *tensor.Tensor // [1]
	overall        *tensor.Tensor // [1]
}

func (g *lossGraph) values() LossValues {
	return LossValues{
		RMSE:           append([]float32(nil), g.fit.Data...),
		LogPz:          g.logpz.Data[0],
		LogQzX:         g.logqzx.Data[0],
		Regularization: g.regularization.Data[0],
	}
}

// forwardLoss runs encode → sample → generate on one batch and builds every
// loss term. Regularization is whatever the layers recorded in this pass.
func (m *Model) forwardLoss(b Batch, training bool) (*lossGraph, error) {
	x, err := b.Input()
	if err != nil {
		return nil, err
	}
	target, err := b.Target()
	if err != nil {
		return nil, err
	}

	ctx := layers.NewContext(training)
	mean, logVar, err := m.encode(ctx, x)
	if err != nil {
		return nil, err
	}
	z, err := m.Reparameterize(mean, logVar)
	if err != nil {
		return nil, err
	}
	generated, err := m.generate(ctx, z)
	if err != nil {
		return nil, err
	}

	g := &lossGraph{}
	if g.fit, err = FitLoss(generated, target, m.spec.Climatology, m.mask); err != nil {
		return nil, err
	}

	prior, err := LogNormalPDF(z, nil, nil)
	if err != nil {
		return nil, err
	}
	g.logpz = tensor.ScaleAutograd(tensor.MeanAutograd(prior), -m.spec.Beta)

	posterior, err := LogNormalPDF(z, mean, logVar)
	if err != nil {
		return nil, err
	}
	g.logqzx = tensor.ScaleAutograd(tensor.MeanAutograd(posterior), m.spec.Beta)

	if g.regularization, err = ctx.TotalLoss(); err != nil {
		return nil, err
	}

	overall := tensor.MeanAutograd(g.fit)
	for _, term := range []*tensor.Tensor{g.logpz, g.logqzx, g.regularization} {
		if overall, err = tensor.AddAutograd(overall, term); err != nil {
			return nil, err
		}
	}
	g.overall = overall
	return g, nil
}

// ComputeLoss evaluates the four loss terms on one batch.
func (m *Model) ComputeLoss(b Batch, training bool) (LossValues, error) {
	g, err := m.forwardLoss(b, training)
	if err != nil {
		return LossValues{}, err
	}
	return g.values(), nil
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
