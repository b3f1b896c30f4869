// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package iterate provides chunked asynchronous iteration over paged data
// sources, such as a multi-bucket retained-message scan.
package iterate

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Stop aborts an iteration early from an ItemFunc. Run treats it as a clean
// finish and returns nil.
var Stop = errors.New("iteration stopped")

// Chunk is one fetched page.
type Chunk[K comparable, V any] struct {
	// Items holds the page contents.
	Items map[K]V
	// Cursor resumes the scan after this chunk. It is handed back to the
	// next FetchFunc call unchanged.
	Cursor any
	// Finished is true when no further chunks remain.
	Finished bool
}

// FetchFunc reads the next page. The first call receives a nil cursor, every
// later call the cursor of the previous chunk.
type FetchFunc[K comparable, V any] func(ctx context.Context, cursor any) (*Chunk[K, V], error)

// ItemFunc consumes one fetched page.
type ItemFunc[K comparable, V any] func(ctx context.Context, items map[K]V, finished bool) error

// Iterator runs a fetch pipeline with a single chunk of read-ahead: while a
// page is being consumed the next one may be fetched, but never more than
// one.
type Iterator[K comparable, V any] struct {
	fetch FetchFunc[K, V]
}

// New creates an iterator over the given source.
func New[K comparable, V any](fetch FetchFunc[K, V]) *Iterator[K, V] {
	return &Iterator[K, V]{fetch: fetch}
}

// Run iterates until the source is exhausted, each aborts or an error
// occurs. The first error, from either side, cancels the other and is
// returned exactly once.
func (it *Iterator[K, V]) Run(ctx context.Context, each ItemFunc[K, V]) error {
	g, ctx := errgroup.WithContext(ctx)
	// Unbuffered: the fetch side may run one page ahead of the consumer
	// and no further.
	chunks := make(chan *Chunk[K, V])

	g.Go(func() error {
		defer close(chunks)
		var cursor any
		for {
			chunk, err := it.fetch(ctx, cursor)
			if err != nil {
				return err
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
			if chunk.Finished {
				return nil
			}
			cursor = chunk.Cursor
		}
	})

	g.Go(func() error {
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return nil
				}
				if err := each(ctx, chunk.Items, chunk.Finished); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}
