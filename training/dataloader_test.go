package training

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/tsawler/go-dcvae/tensor"
)

// indexedDataset stores the sample index in every cell
type indexedDataset struct{ n int }

func (d indexedDataset) Len() int { return d.n }

func (d indexedDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	v := float32(idx + 1)
	x := tensor.MustNew([]int{2, 2, 1}, []float32{v, v, v, v})
	return x, x, nil
}

type brokenDataset struct{ indexedDataset }

var errBroken = errors.New("unreadable sample")

func (d brokenDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx == 3 {
		return nil, nil, errBroken
	}
	return d.indexedDataset.Get(idx)
}

func seen(t *testing.T, dl *DataLoader) ([]int, []int) {
	t.Helper()
	var sizes, order []int
	for b, err := range dl.Batches(context.Background()) {
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		in, err := b.Input()
		if err != nil {
			t.Fatal(err)
		}
		target, err := b.Target()
		if err != nil {
			t.Fatal(err)
		}
		if in != target {
			t.Error("Autoencoder batches should share input and target")
		}
		sizes = append(sizes, in.Shape[0])
		for i := 0; i < in.Shape[0]; i++ {
			order = append(order, int(in.Data[i*4])-1)
		}
	}
	return sizes, order
}

func TestDataLoaderBatching(t *testing.T) {
	dl := NewDataLoader(indexedDataset{10}, 4, false, 3, 1)
	if dl.Len() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.Len())
	}

	sizes, order := seen(t, dl)
	if !slices.Equal(sizes, []int{4, 4, 2}) {
		t.Errorf("Expected batch sizes [4 4 2], got %v", sizes)
	}
	if !slices.Equal(order, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("Unshuffled loader should keep order, got %v", order)
	}

	// A second pass starts again from the beginning.
	sizes, _ = seen(t, dl)
	if len(sizes) != 3 {
		t.Errorf("Expected a full second epoch, got %v", sizes)
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	dl := NewDataLoader(indexedDataset{32}, 8, true, 2, 7)
	_, first := seen(t, dl)
	_, second := seen(t, dl)

	sorted := slices.Clone(first)
	slices.Sort(sorted)
	for i, v := range sorted {
		if v != i {
			t.Fatalf("Epoch should visit every sample once, got %v", first)
		}
	}
	if slices.Equal(first, second) {
		t.Error("Each epoch should be reshuffled")
	}
	if slices.IsSorted(first) {
		t.Error("Shuffled epoch came out in order")
	}
}

func TestDataLoaderErrors(t *testing.T) {
	dl := NewDataLoader(brokenDataset{indexedDataset{8}}, 4, false, 2, 1)
	var got error
	for _, err := range dl.Batches(context.Background()) {
		if err != nil {
			got = err
			break
		}
	}
	if !errors.Is(got, errBroken) {
		t.Errorf("Expected the sample error, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got = nil
	for _, err := range NewDataLoader(indexedDataset{8}, 4, false, 1, 1).Batches(ctx) {
		got = err
		break
	}
	if !errors.Is(got, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", got)
	}
}

func TestStackRejectsMixedShapes(t *testing.T) {
	a := tensor.MustNew([]int{1, 2}, []float32{1, 2})
	b := tensor.MustNew([]int{2, 1}, []float32{1, 2})
	if _, err := stack([]*tensor.Tensor{a, b}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch, got %v", err)
	}
}

func TestBufferShuffle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, size := range []int{1, 4, 10} {
		order := bufferShuffle(40, size, rng)
		sorted := slices.Clone(order)
		slices.Sort(sorted)
		for i, v := range sorted {
			if v != i {
				t.Fatalf("buffer %d: not a permutation: %v", size, order)
			}
		}
		// only the final drain may reach back further than the window
		for p, idx := range order[:40-size] {
			if idx > p+size-1 {
				t.Errorf("buffer %d: index %d drawn at position %d", size, idx, p)
			}
		}
		if size == 1 && !slices.IsSorted(order) {
			t.Errorf("A one-sample buffer should keep order, got %v", order)
		}
	}
}

func TestDataLoaderShuffleBuffer(t *testing.T) {
	dl := NewDataLoader(indexedDataset{32}, 8, true, 2, 5)
	dl.SetShuffleBuffer(4)
	_, first := seen(t, dl)
	_, second := seen(t, dl)
	if slices.Equal(first, second) {
		t.Error("Each epoch should be reshuffled")
	}
	for p, idx := range first[:28] {
		if idx > p+3 {
			t.Errorf("index %d drawn at position %d with a window of 4", idx, p)
		}
	}
}

func TestPrefetcher(t *testing.T) {
	dl := NewDataLoader(indexedDataset{10}, 3, false, 1, 1)
	p := NewPrefetcher(dl, 2)
	if p.Len() != 4 {
		t.Errorf("Expected 4 batches, got %d", p.Len())
	}

	var order []int
	for b, err := range p.Batches(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		in, _ := b.Input()
		for i := 0; i < in.Shape[0]; i++ {
			order = append(order, int(in.Data[i*4])-1)
		}
	}
	if !slices.Equal(order, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("Prefetching should keep the source order, got %v", order)
	}

	// stopping early releases the reader
	for range p.Batches(context.Background()) {
		break
	}

	var got error
	for _, err := range NewPrefetcher(NewDataLoader(brokenDataset{indexedDataset{8}}, 4, false, 1, 1), 1).Batches(context.Background()) {
		if err != nil {
			got = err
		}
	}
	if !errors.Is(got, errBroken) {
		t.Errorf("Expected the sample error, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got = nil
	for _, err := range p.Batches(ctx) {
		if err != nil {
			got = err
		}
	}
	if !errors.Is(got, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", got)
	}
}
