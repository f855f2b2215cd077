// Package distribute runs a per-batch computation across data-parallel
// replicas and combines the per-replica results.
package distribute

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-dcvae/tensor"
)

// ErrNoReplicas is returned when a reduction receives no per-replica values.
var ErrNoReplicas = errors.New("no replica results to reduce")

// ReplicaFunc computes a flat vector of values for one shard of a batch.
// Shards keep the batch layout: entry i of the shard is a slice of entry i
// of the batch (nil entries stay nil).
type ReplicaFunc func(ctx context.Context, shard []*tensor.Tensor) ([]float32, error)

// Strategy executes a ReplicaFunc over a batch and returns one result per
// replica that ran.
type Strategy interface {
	Name() string
	NumReplicas() int
	Run(ctx context.Context, batch []*tensor.Tensor, fn ReplicaFunc) ([][]float32, error)
}

// RunAndReduce executes fn under the strategy and averages the results.
// Every strategy, including a single device, goes through the same
// reduction.
func RunAndReduce(ctx context.Context, s Strategy, batch []*tensor.Tensor, fn ReplicaFunc) ([]float32, error) {
	perReplica, err := s.Run(ctx, batch, fn)
	if err != nil {
		return nil, err
	}
	return ReduceMean(perReplica)
}

// ReduceMean is the unweighted elementwise mean of the per-replica vectors.
func ReduceMean(perReplica [][]float32) ([]float32, error) {
	if len(perReplica) == 0 {
		return nil, ErrNoReplicas
	}
	n := len(perReplica[0])
	sum := make([]float64, n)
	for r, values := range perReplica {
		if len(values) != n {
			return nil, fmt.Errorf("replica %d returned %d values, replica 0 returned %d", r, len(values), n)
		}
		for i, v := range values {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, n)
	for i, s := range sum {
		out[i] = float32(s / float64(len(perReplica)))
	}
	return out, nil
}

// OneDevice runs the whole batch as a single replica.
type OneDevice struct{}

func (OneDevice) Name() string { return "one_device" }

func (OneDevice) NumReplicas() int { return 1 }

func (OneDevice) Run(ctx context.Context, batch []*tensor.Tensor, fn ReplicaFunc) ([][]float32, error) {
	values, err := fn(ctx, batch)
	if err != nil {
		return nil, err
	}
	return [][]float32{values}, nil
}

// Mirrored splits a batch into up to Replicas contiguous shards along the
// batch axis and evaluates them concurrently.
type Mirrored struct {
	Replicas int
}

func (m Mirrored) Name() string { return fmt.Sprintf("mirrored_%d", m.NumReplicas()) }

func (m Mirrored) NumReplicas() int {
	if m.Replicas < 1 {
		return 1
	}
	return m.Replicas
}

func (m Mirrored) Run(ctx context.Context, batch []*tensor.Tensor, fn ReplicaFunc) ([][]float32, error) {
	shards, err := Shard(batch, m.NumReplicas())
	if err != nil {
		return nil, err
	}

	results := make([][]float32, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			values, err := fn(gctx, shard)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			results[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Shard splits every non-nil tensor of a batch into n contiguous slices of
// the batch axis. Sizes differ by at most one, larger shards first. When
// the batch holds fewer than n examples, one shard per example is returned.
func Shard(batch []*tensor.Tensor, n int) ([][]*tensor.Tensor, error) {
	size := -1
	for i, t := range batch {
		if t == nil {
			continue
		}
		if size < 0 {
			size = t.Shape[0]
		} else if t.Shape[0] != size {
			return nil, fmt.Errorf("batch entry %d: %w: batch size %d, expected %d", i, tensor.ErrShapeMismatch, t.Shape[0], size)
		}
	}
	if size < 0 {
		return nil, fmt.Errorf("batch has no tensors")
	}
	if n > size {
		n = size
	}
	if n <= 1 {
		return [][]*tensor.Tensor{batch}, nil
	}

	shards := make([][]*tensor.Tensor, n)
	start := 0
	for s := 0; s < n; s++ {
		count := size / n
		if s < size%n {
			count++
		}
		shard := make([]*tensor.Tensor, len(batch))
		for i, t := range batch {
			if t == nil {
				continue
			}
			part, err := tensor.SplitBatch(t, start, start+count)
			if err != nil {
				return nil, err
			}
			shard[i] = part
		}
		shards[s] = shard
		start += count
	}
	return shards, nil
}
