package dcvae

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-dcvae/tensor"
)

func smallSpec() Specification {
	spec := DefaultSpecification()
	spec.ModelName = "small"
	spec.GridHeight = 4
	spec.GridWidth = 4
	spec.LatentDimension = 8
	spec.Beta = 0.01
	return spec
}

// field returns an N×H×W×C tensor of values in [0.1, 0.9), never zero
func field(rng *rand.Rand, n, h, w, c int) *tensor.Tensor {
	data := make([]float32, n*h*w*c)
	for i := range data {
		data[i] = 0.1 + 0.8*rng.Float32()
	}
	return tensor.MustNew([]int{n, h, w, c}, data)
}

// repeated stacks n copies of a single example
func repeated(t *testing.T, example *tensor.Tensor, n int) *tensor.Tensor {
	t.Helper()
	parts := make([]*tensor.Tensor, n)
	for i := range parts {
		parts[i] = example
	}
	out, err := tensor.Concat(parts)
	require.NoError(t, err)
	return out
}

func newModel(t *testing.T, spec Specification, opts ...Option) *Model {
	t.Helper()
	m, err := New(spec, opts...)
	require.NoError(t, err)
	return m
}
