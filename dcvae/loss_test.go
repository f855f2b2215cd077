package dcvae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dcvae/tensor"
)

func TestFitLossEqualsOneAtClimatology(t *testing.T) {
	target := field(rand.New(rand.NewSource(5)), 2, 4, 4, 2)
	generated, err := tensor.Full(target.Shape, 0.5)
	require.NoError(t, err)

	fit, err := FitLoss(generated, target, 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, []int{2}, fit.Shape)
	assert.InDelta(t, 1.0, fit.Data[0], 1e-6)
	assert.InDelta(t, 1.0, fit.Data[1], 1e-6)
}

func TestFitLossPerfectReconstructionIsZero(t *testing.T) {
	target := field(rand.New(rand.NewSource(6)), 1, 3, 3, 1)
	fit, err := FitLoss(target.Clone(), target, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0), fit.Data[0])
}

func TestFitLossFullyMaskedIsNaN(t *testing.T) {
	target, err := tensor.Zeros([]int{2, 4, 4, 1})
	require.NoError(t, err)
	generated, err := tensor.Full(target.Shape, 0.3)
	require.NoError(t, err)

	fit, err := FitLoss(generated, target, 0.5, nil)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(fit.Data[0])), "got %v", fit.Data[0])
}

func TestFitLossIgnoresMissingAndMaskedCells(t *testing.T) {
	// 1×2×2×1 target; cell 3 is missing (zero).
	target := tensor.MustNew([]int{1, 2, 2, 1}, []float32{0.9, 0.1, 0.7, 0})
	generated := tensor.MustNew([]int{1, 2, 2, 1}, []float32{0.8, 0.1, 0.1, 100})

	fit, err := FitLoss(generated, target, 0.5, nil)
	require.NoError(t, err)
	// skill = (0.01 + 0 + 0.36)/3, guess = (0.16 + 0.16 + 0.04)/3
	assert.InDelta(t, 0.37/0.36, fit.Data[0], 1e-5)

	// Masking out cell 2 removes the large error.
	mask := tensor.MustNew([]int{2, 2}, []float32{1, 1, 0, 1})
	fit, err = FitLoss(generated, target, 0.5, mask)
	require.NoError(t, err)
	assert.InDelta(t, 0.01/0.32, fit.Data[0], 1e-5)
}

func TestFitLossShapeMismatch(t *testing.T) {
	target := tensor.MustNew([]int{1, 2, 2, 1}, []float32{1, 1, 1, 1})
	generated := tensor.MustNew([]int{1, 2, 2, 2}, make([]float32, 8))
	_, err := FitLoss(generated, target, 0.5, nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func logDensity(t *testing.T, sample, mean, logVar []float32) float32 {
	t.Helper()
	n := len(sample)
	s := tensor.MustNew([]int{1, n}, sample)
	m := tensor.MustNew([]int{1, n}, mean)
	lv := tensor.MustNew([]int{1, n}, logVar)
	out, err := LogNormalPDF(s, m, lv)
	require.NoError(t, err)
	require.Equal(t, []int{1}, out.Shape)
	return out.Data[0]
}

func TestLogNormalPDF(t *testing.T) {
	zero := []float32{0, 0}

	peak := logDensity(t, []float32{1, -1}, []float32{1, -1}, zero)
	assert.InDelta(t, -tensor.Log2Pi, peak, 1e-6, "two dimensions at the mean")

	// Symmetric in (sample - mean).
	above := logDensity(t, []float32{1.5, 0}, []float32{1, 0}, zero)
	below := logDensity(t, []float32{0.5, 0}, []float32{1, 0}, zero)
	assert.InDelta(t, above, below, 1e-6)

	// Strictly decreasing in (sample - mean)² with log-variance fixed.
	prev := peak
	for _, d := range []float32{0.1, 0.5, 1, 2, 4} {
		v := logDensity(t, []float32{d, 0}, zero, []float32{0.3, 0.3})
		if d > 0.1 {
			assert.Less(t, v, prev, "distance %v", d)
		}
		prev = v
	}

	// Nil mean and log-variance mean the standard normal.
	s := tensor.MustNew([]int{2, 1}, []float32{0, 2})
	std, err := LogNormalPDF(s, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, -0.5*tensor.Log2Pi, std.Data[0], 1e-6)
	assert.InDelta(t, -0.5*(4+tensor.Log2Pi), std.Data[1], 1e-6)
}

func TestLossValuesOverall(t *testing.T) {
	v := LossValues{RMSE: []float32{0.5, 1.5}, LogPz: 0.25, LogQzX: -0.5, Regularization: 0.125}
	assert.InDelta(t, 0.875, v.Overall(), 1e-7)

	back, err := unflattenLoss(v.flatten(), 2)
	require.NoError(t, err)
	assert.Equal(t, v, back)

	_, err = unflattenLoss([]float32{1, 2}, 2)
	assert.Error(t, err)
}

func TestComputeLossRegularization(t *testing.T) {
	spec := smallSpec()
	m := newModel(t, spec, WithSeed(8), WithNoiseSource(ZeroNoise{}))
	x := field(rand.New(rand.NewSource(8)), 2, 4, 4, 1)

	v, err := m.ComputeLoss(NewBatch(x, x), false)
	require.NoError(t, err)
	assert.Equal(t, float32(0), v.Regularization, "no coefficients, no penalty")
	assert.Len(t, v.RMSE, 1)

	spec.Regularization = Regularization{EncoderKernel: 0.01, GeneratorKernel: 0.01}
	reg := newModel(t, spec, WithSeed(8), WithNoiseSource(ZeroNoise{}))
	v, err = reg.ComputeLoss(NewBatch(x, x), false)
	require.NoError(t, err)

	var want float64
	for _, p := range reg.Parameters() {
		if p.Name() == "encoder/dense/kernel" || p.Name() == "generator/dense/kernel" {
			for _, w := range p.Data {
				want += 0.01 * float64(w) * float64(w)
			}
		}
	}
	assert.InDelta(t, want, v.Regularization, 1e-5)

	// Kernel penalties are collected in inference and training alike.
	vt, err := reg.ComputeLoss(NewBatch(x, x), true)
	require.NoError(t, err)
	assert.InDelta(t, v.Regularization, vt.Regularization, 1e-7)
}

func TestComputeLossTrainingMask(t *testing.T) {
	spec := smallSpec()
	mask := make([]int32, 16)
	for i := range mask {
		mask[i] = 1
	}
	mask[5] = 0
	spec.TrainingMask = mask
	masked := newModel(t, spec, WithSeed(9), WithNoiseSource(ZeroNoise{}))

	spec.TrainingMask = nil
	plain := newModel(t, spec, WithSeed(9), WithNoiseSource(ZeroNoise{}))

	x := field(rand.New(rand.NewSource(9)), 1, 4, 4, 1)
	vm, err := masked.ComputeLoss(NewBatch(x, x), false)
	require.NoError(t, err)
	vp, err := plain.ComputeLoss(NewBatch(x, x), false)
	require.NoError(t, err)
	assert.NotEqual(t, vp.RMSE[0], vm.RMSE[0])
	assert.Equal(t, vp.LogPz, vm.LogPz)
}
