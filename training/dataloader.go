package training

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/tensor"
)

// DataLoader provides batching and shuffling over a Dataset. It implements
// dcvae.BatchSource: every pass reshuffles when shuffling is on.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	buffer     int
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. numWorkers samples are read
// concurrently while a batch is assembled.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		rng:        rand.New(rand.NewSource(seed)),
		indices:    indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Samples returns the number of samples in an epoch
func (dl *DataLoader) Samples() int {
	return dl.dataset.Len()
}

// SetShuffleBuffer restricts shuffling to a window of n samples that slides
// over the stored order, so a sample is drawn at most n-1 places after its
// position. 0, or a window covering the dataset, shuffles fully.
func (dl *DataLoader) SetShuffleBuffer(n int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.buffer = n
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if !dl.shuffle {
		return
	}
	if dl.buffer > 0 && dl.buffer < len(dl.indices) {
		dl.indices = bufferShuffle(len(dl.indices), dl.buffer, dl.rng)
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// bufferShuffle fills a buffer with the first size indices, then emits a
// random buffer slot and refills it with the next index
func bufferShuffle(n, size int, rng *rand.Rand) []int {
	out := make([]int, 0, n)
	buf := make([]int, 0, size)
	for i := 0; i < n; i++ {
		if len(buf) < size {
			buf = append(buf, i)
			continue
		}
		k := rng.Intn(size)
		out = append(out, buf[k])
		buf[k] = i
	}
	rng.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	return append(out, buf...)
}

// Next returns the next batch, or nil once the epoch is complete. The last
// batch of an epoch may be short.
func (dl *DataLoader) Next() (*dcvae.Batch, error) {
	dl.mutex.Lock()
	if dl.position >= len(dl.indices) {
		dl.mutex.Unlock()
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	batchIndices := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Batches resets the loader and yields one epoch of batches. Iteration
// stops at the first error or when ctx is done.
func (dl *DataLoader) Batches(ctx context.Context) iter.Seq2[dcvae.Batch, error] {
	return func(yield func(dcvae.Batch, error) bool) {
		dl.Reset()
		for dl.HasNext() {
			if err := ctx.Err(); err != nil {
				yield(dcvae.Batch{}, err)
				return
			}
			batch, err := dl.Next()
			if err != nil {
				yield(dcvae.Batch{}, err)
				return
			}
			if batch == nil {
				return
			}
			if !yield(*batch, nil) {
				return
			}
		}
	}
}

// loadBatch reads the samples and stacks them along a new leading axis
func (dl *DataLoader) loadBatch(indices []int) (*dcvae.Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	inputs := make([]*tensor.Tensor, len(indices))
	targets := make([]*tensor.Tensor, len(indices))
	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			in, target, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			inputs[i], targets[i] = in, target
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	input, err := stack(inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	target := input
	if !slices.Equal(inputs, targets) {
		if target, err = stack(targets); err != nil {
			return nil, fmt.Errorf("targets: %w", err)
		}
	}
	b := dcvae.NewBatch(input, target)
	return &b, nil
}

// stack copies same-shaped samples into one tensor with a batch axis
func stack(samples []*tensor.Tensor) (*tensor.Tensor, error) {
	first := samples[0]
	shape := append([]int{len(samples)}, first.Shape...)
	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}
	size := first.NumElems
	for i, s := range samples {
		if !tensor.SameShape(s.Shape, first.Shape) {
			return nil, fmt.Errorf("sample %d: %w: %v vs %v", i, tensor.ErrShapeMismatch, s.Shape, first.Shape)
		}
		copy(out.Data[i*size:(i+1)*size], s.Data)
	}
	return out, nil
}
