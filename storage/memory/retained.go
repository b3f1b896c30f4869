// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore keeps retained messages in a map, sharded into buckets for
// chunked iteration.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*types.Message
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		messages: make(map[string]*types.Message),
	}
}

func bucketOf(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(storage.RetainedBuckets))
}

// Get returns the retained message for the exact topic.
func (r *RetainedStore) Get(ctx context.Context, topic string) (*types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[topic]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return types.CopyMessage(msg), nil
}

// TopicsMatching returns all retained topics matching the filter.
func (r *RetainedStore) TopicsMatching(ctx context.Context, filter string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []string
	for topic := range r.messages {
		ok, err := topics.Match(filter, topic)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, topic)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// Persist stores or replaces the retained message for the topic.
func (r *RetainedStore) Persist(ctx context.Context, topic string, msg *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[topic] = types.CopyMessage(msg)
	return nil
}

// Remove deletes the retained message for the topic.
func (r *RetainedStore) Remove(ctx context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, topic)
	return nil
}

// GetChunk reads the next page of a full-store scan.
func (r *RetainedStore) GetChunk(ctx context.Context, cursor *storage.ChunkCursor, limit int) (*storage.RetainedChunk, error) {
	if cursor == nil {
		cursor = storage.NewChunkCursor()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Stable per-bucket topic lists so LastKey resumption is well defined.
	buckets := make([][]string, storage.RetainedBuckets)
	for topic := range r.messages {
		b := bucketOf(topic)
		buckets[b] = append(buckets[b], topic)
	}
	for _, b := range buckets {
		sort.Strings(b)
	}

	next := &storage.ChunkCursor{
		LastKey:  make(map[int]string, len(cursor.LastKey)),
		Finished: make(map[int]struct{}, len(cursor.Finished)),
	}
	for k, v := range cursor.LastKey {
		next.LastKey[k] = v
	}
	for k := range cursor.Finished {
		next.Finished[k] = struct{}{}
	}

	chunk := &storage.RetainedChunk{
		Messages: make(map[string]*types.Message),
		Cursor:   next,
	}

	remaining := limit
	for b := 0; b < storage.RetainedBuckets; b++ {
		if _, done := next.Finished[b]; done {
			continue
		}
		if remaining <= 0 {
			return chunk, nil
		}

		last, hasLast := next.LastKey[b]
		exhausted := true
		for _, topic := range buckets[b] {
			if hasLast && topic <= last {
				continue
			}
			if remaining <= 0 {
				exhausted = false
				break
			}
			chunk.Messages[topic] = types.CopyMessage(r.messages[topic])
			next.LastKey[b] = topic
			remaining--
		}
		if exhausted {
			next.Finished[b] = struct{}{}
		}
	}

	chunk.Finished = next.Done()
	return chunk, nil
}
