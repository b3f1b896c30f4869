// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/absmach/mqcore/types"
)

// RetainedBuckets is the number of shards a retained store splits its topic
// space into for chunked iteration.
const RetainedBuckets = 16

// ChunkCursor resumes a multi-bucket scan over the retained store. A bucket
// listed in Finished is never queried again for the cursor's lifetime.
type ChunkCursor struct {
	// LastKey maps bucket index to the last topic returned from it.
	LastKey map[int]string
	// Finished holds the buckets that have been fully consumed.
	Finished map[int]struct{}
}

// NewChunkCursor returns a cursor positioned before the first entry.
func NewChunkCursor() *ChunkCursor {
	return &ChunkCursor{
		LastKey:  make(map[int]string),
		Finished: make(map[int]struct{}),
	}
}

// Done reports whether every bucket has been consumed.
func (c *ChunkCursor) Done() bool {
	return len(c.Finished) == RetainedBuckets
}

// RetainedChunk is one page of a chunked retained-message scan.
type RetainedChunk struct {
	// Messages maps topic to retained message, at most the requested limit.
	Messages map[string]*types.Message
	// Cursor resumes the scan after this chunk.
	Cursor *ChunkCursor
	// Finished is true when no further chunks remain.
	Finished bool
}

// RetainedStore persists retained messages, one per topic. A missing entry is
// reported as ErrNotFound and is distinct from an empty payload.
type RetainedStore interface {
	// Get returns the retained message for the exact topic.
	Get(ctx context.Context, topic string) (*types.Message, error)

	// TopicsMatching returns all retained topics matching the wildcard
	// filter.
	TopicsMatching(ctx context.Context, filter string) ([]string, error)

	// Persist stores or replaces the retained message for the topic.
	Persist(ctx context.Context, topic string, msg *types.Message) error

	// Remove deletes the retained message for the topic.
	Remove(ctx context.Context, topic string) error

	// GetChunk reads the next page of a full-store scan. Limit bounds the
	// number of returned messages across all buckets.
	GetChunk(ctx context.Context, cursor *ChunkCursor, limit int) (*RetainedChunk, error)
}
