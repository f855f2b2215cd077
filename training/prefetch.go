package training

import (
	"context"
	"iter"
	"sync"

	"github.com/tsawler/go-dcvae/dcvae"
)

// Prefetcher reads batches from a source on a background goroutine, keeping
// up to depth batches ready while the current one trains.
type Prefetcher struct {
	source dcvae.BatchSource
	depth  int
}

// NewPrefetcher wraps source. depth defaults to 2.
func NewPrefetcher(source dcvae.BatchSource, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 2
	}
	return &Prefetcher{source: source, depth: depth}
}

// Len is the number of batches per epoch when the source knows it, else 0
func (p *Prefetcher) Len() int {
	if l, ok := p.source.(interface{ Len() int }); ok {
		return l.Len()
	}
	return 0
}

type prefetched struct {
	batch dcvae.Batch
	err   error
}

// Batches yields the source's batches in order. Stopping early cancels the
// background reader and waits for it to exit.
func (p *Prefetcher) Batches(ctx context.Context) iter.Seq2[dcvae.Batch, error] {
	return func(yield func(dcvae.Batch, error) bool) {
		parent := ctx
		ctx, cancel := context.WithCancel(parent)
		ready := make(chan prefetched, p.depth)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(ready)
			for b, err := range p.source.Batches(ctx) {
				select {
				case ready <- prefetched{b, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()

		for r := range ready {
			if !yield(r.batch, r.err) || r.err != nil {
				return
			}
		}
		// the reader may exit on cancellation without sending the error
		if err := parent.Err(); err != nil {
			yield(dcvae.Batch{}, err)
		}
	}
}
