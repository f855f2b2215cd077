package training

import (
	"testing"

	"github.com/tsawler/go-dcvae/tensor"
)

type countingDataset struct {
	indexedDataset
	reads map[int]int
}

func (d *countingDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	d.reads[idx]++
	return d.indexedDataset.Get(idx)
}

func TestSampleCacheEviction(t *testing.T) {
	c := NewSampleCache(2)
	x := tensor.MustNew([]int{1}, []float32{1})
	c.Put(1, x, x)
	c.Put(2, x, x)
	c.Get(1) // 2 is now the least recently used
	c.Put(3, x, x)

	if _, _, ok := c.Get(2); ok {
		t.Error("Least recently used sample should have been evicted")
	}
	for _, idx := range []int{1, 3} {
		if _, _, ok := c.Get(idx); !ok {
			t.Errorf("Sample %d should still be cached", idx)
		}
	}

	stats := c.Stats()
	if stats.Size != 2 || stats.Hits != 3 || stats.Misses != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.HitRate != 75 {
		t.Errorf("Expected a 75%% hit rate, got %v", stats.HitRate)
	}
	if got := stats.String(); got != "Cache: 2/2 items, Hits: 3, Misses: 1, Hit Rate: 75.0%" {
		t.Errorf("Unexpected stats string %q", got)
	}

	c.Clear()
	if c.Stats().Size != 0 || c.Stats().Hits != 3 {
		t.Error("Clear should drop entries but keep statistics")
	}
}

func TestCachedDatasetReadsOnce(t *testing.T) {
	src := &countingDataset{indexedDataset{6}, map[int]int{}}
	ds := NewCachedDataset(src, 6)
	dl := NewDataLoader(ds, 4, true, 1, 1)

	for epoch := 0; epoch < 3; epoch++ {
		if _, order := seen(t, dl); len(order) != 6 {
			t.Fatalf("Expected 6 samples per epoch, got %d", len(order))
		}
	}
	for idx := 0; idx < 6; idx++ {
		if src.reads[idx] != 1 {
			t.Errorf("Sample %d read %d times, want 1", idx, src.reads[idx])
		}
	}
	if ds.Stats().Hits != 12 {
		t.Errorf("Expected 12 hits, got %d", ds.Stats().Hits)
	}
}
