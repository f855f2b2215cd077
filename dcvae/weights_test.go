package dcvae

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/optimizer"
	"github.com/tsawler/go-dcvae/tensor"
)

func assertSameParameters(t *testing.T, want, got *Model) {
	t.Helper()
	wp, gp := want.Parameters(), got.Parameters()
	require.Equal(t, len(wp), len(gp))
	for i := range wp {
		assert.Equal(t, wp[i].Data, gp[i].Data, wp[i].Name())
	}
}

func TestWeightsDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/scratch", "MLP", "Base", "weights", "Epoch_0042"), WeightsDir("/scratch", "Base", 42))
}

func TestSaveLoadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ckpt")
	saved := newModel(t, smallSpec(), WithSeed(41), WithNoiseSource(ZeroNoise{}))
	require.NoError(t, saved.SaveWeights(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded := newModel(t, smallSpec(), WithSeed(42), WithNoiseSource(ZeroNoise{}))
	require.NoError(t, loaded.LoadWeights(path))
	assertSameParameters(t, saved, loaded)

	x := field(rand.New(rand.NewSource(41)), 1, 4, 4, 1)
	a, err := saved.Call(NewBatch(x, nil), false)
	require.NoError(t, err)
	b, err := loaded.Call(NewBatch(x, nil), false)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestLoadWeightsStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, newModel(t, smallSpec(), WithSeed(43)).SaveWeights(path))

	spec := smallSpec()
	spec.LatentDimension = 6
	other := newModel(t, spec, WithSeed(44))
	before := make([]*tensor.Tensor, 0)
	for _, p := range other.Parameters() {
		before = append(before, p.Clone())
	}

	err := other.LoadWeights(path)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
	for i, p := range other.Parameters() {
		assert.Equal(t, before[i].Data, p.Data, "failed load must not modify %s", p.Name())
	}

	spec = smallSpec()
	spec.Filters = []int{4, 8}
	shallow := newModel(t, spec, WithSeed(45))
	err = shallow.LoadWeights(path)
	assert.ErrorIs(t, err, checkpoints.ErrUnexpectedParameter)

	err = newModel(t, smallSpec(), WithSeed(46)).LoadWeights(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCheckpointResumesOptimizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt")
	x := field(rand.New(rand.NewSource(47)), 2, 4, 4, 1)

	m := newModel(t, smallSpec(), WithSeed(47))
	opt, err := optimizer.New("adam", 1e-3)
	require.NoError(t, err)
	require.NoError(t, m.TrainOnBatch(NewBatch(x, x), opt))
	require.NoError(t, m.SaveCheckpoint(path, opt, checkpoints.TrainingState{Epoch: 3, Step: 1}))

	resumed := newModel(t, smallSpec(), WithSeed(48))
	opt2, err := optimizer.New("adam", 1e-3)
	require.NoError(t, err)
	state, err := resumed.LoadCheckpoint(path, opt2)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Epoch)
	assert.Equal(t, uint64(1), opt2.GetStepCount())
	assertSameParameters(t, m, resumed)
}

func TestGetModel(t *testing.T) {
	scratch := t.TempDir()
	t.Setenv("DCVAE_SCRATCH", scratch)

	saved := newModel(t, smallSpec(), WithSeed(49))
	require.NoError(t, saved.SaveWeights(filepath.Join(WeightsDir(scratch, "small", 5), "ckpt")))

	restarted, err := GetModel(smallSpec(), 5, WithSeed(50))
	require.NoError(t, err)
	assertSameParameters(t, saved, restarted)

	fresh, err := GetModel(smallSpec(), 1, WithSeed(49))
	require.NoError(t, err)
	assertSameParameters(t, saved, fresh)

	_, err = GetModel(smallSpec(), 6, WithSeed(49))
	assert.Error(t, err, "no weights were saved for epoch 6")
}

func TestExportWeights(t *testing.T) {
	dir := t.TempDir()
	m := newModel(t, smallSpec(), WithSeed(45))

	jsonPath := filepath.Join(dir, "weights.json")
	require.NoError(t, m.ExportWeights(jsonPath, checkpoints.FormatJSON, checkpoints.Float32))
	c, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(jsonPath)
	require.NoError(t, err)
	assert.Len(t, c.Weights, len(m.Parameters()))
	assert.Contains(t, c.Models, "encoder")

	halfPath := filepath.Join(dir, "half.ckpt")
	require.NoError(t, m.ExportWeights(halfPath, checkpoints.FormatBinary, checkpoints.Float16))
	loaded := newModel(t, smallSpec(), WithSeed(46))
	require.NoError(t, loaded.LoadWeights(halfPath))
	for i, p := range m.Parameters() {
		assert.InDeltaSlice(t, p.Data, loaded.Parameters()[i].Data, 1e-2, p.Name())
	}
}
