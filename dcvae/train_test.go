package dcvae

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dcvae/optimizer"
	"github.com/tsawler/go-dcvae/tensor"
)

func TestTrainingReducesLoss(t *testing.T) {
	m := newModel(t, smallSpec(), WithSeed(31))
	x := field(rand.New(rand.NewSource(31)), 2, 4, 4, 1)
	b := NewBatch(x, x)

	before, err := m.ComputeLoss(b, false)
	require.NoError(t, err)
	initial := make([]*tensor.Tensor, 0)
	for _, p := range m.Parameters() {
		initial = append(initial, p.Clone())
	}

	opt, err := optimizer.New("adam", 1e-3)
	require.NoError(t, err)
	for step := range 50 {
		v, err := m.TrainOnBatchWithLoss(b, opt)
		require.NoError(t, err)
		require.True(t, isFinite(v.Overall()), "step %d loss %v", step, v.Overall())

		if step == 0 {
			moved := false
			for i, p := range m.Parameters() {
				delta, err := tensor.Sub(p, initial[i])
				require.NoError(t, err)
				moved = moved || tensor.Norm(delta) > 0
			}
			assert.True(t, moved, "first step updates the parameters")
		}
	}
	assert.Equal(t, uint64(50), opt.GetStepCount())

	after, err := m.ComputeLoss(b, false)
	require.NoError(t, err)
	assert.True(t, isFinite(after.Overall()))
	assert.Less(t, after.Overall(), before.Overall())
	assert.Less(t, after.RMSE[0], before.RMSE[0])
}

func TestTrainOnBatchClipsEachGradient(t *testing.T) {
	limit := float32(1e-3)
	spec := smallSpec()
	spec.MaxGradient = &limit
	m := newModel(t, spec, WithSeed(32))

	before := make([]*tensor.Tensor, 0)
	for _, p := range m.Parameters() {
		before = append(before, p.Clone())
	}

	x := field(rand.New(rand.NewSource(32)), 2, 4, 4, 1)
	opt := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 1})
	v, err := m.TrainOnBatchWithLoss(NewBatch(x, x), opt)
	require.NoError(t, err)
	assert.True(t, isFinite(v.Overall()))

	moved := false
	for i, p := range m.Parameters() {
		delta, err := tensor.Sub(p, before[i])
		require.NoError(t, err)
		n := tensor.Norm(delta)
		assert.LessOrEqual(t, n, limit*1.001, p.Name())
		moved = moved || n > 0
		assert.Nil(t, p.Grad(), "gradients are cleared after the step")
	}
	assert.True(t, moved)
}

func TestTrainOnBatchRejectsBadBatch(t *testing.T) {
	m := newModel(t, smallSpec(), WithSeed(33))
	opt, err := optimizer.New("sgd", 0.1)
	require.NoError(t, err)

	err = m.TrainOnBatch(Batch{}, opt)
	assert.ErrorIs(t, err, ErrBadBatch)
	assert.Zero(t, opt.GetStepCount())
}
