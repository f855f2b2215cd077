package optimizer

import "github.com/tsawler/go-dcvae/tensor"

// ClipByNorm rescales g so that its L2 norm is at most maxNorm. When the
// norm is already within bounds (including a zero gradient) g is returned
// unchanged; otherwise a scaled copy is returned.
func ClipByNorm(g *tensor.Tensor, maxNorm float32) *tensor.Tensor {
	if g == nil {
		return nil
	}
	norm := tensor.Norm(g)
	if norm <= maxNorm || norm == 0 {
		return g
	}
	clipped := g.Detach().Clone()
	tensor.ScaleInPlace(clipped, maxNorm/norm)
	return clipped
}

// ClipEachByNorm clips every gradient independently by its own norm
func ClipEachByNorm(grads []*tensor.Tensor, maxNorm float32) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(grads))
	for i, g := range grads {
		out[i] = ClipByNorm(g, maxNorm)
	}
	return out
}
