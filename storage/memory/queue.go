// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
)

var _ storage.QueueStore = (*QueueStore)(nil)

type queueEntry struct {
	msg      *types.Message
	inflight bool
}

type clientQueue struct {
	mu      sync.Mutex
	entries []*queueEntry
}

// QueueStore keeps per-destination message queues in memory.
type QueueStore struct {
	mu      sync.RWMutex
	queues  map[string]*clientQueue
	maxSize int
}

// NewQueueStore creates a new in-memory queue store. maxSize bounds each
// destination queue; zero means the default of 1000.
func NewQueueStore(maxSize int) *QueueStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QueueStore{
		queues:  make(map[string]*clientQueue),
		maxSize: maxSize,
	}
}

func queueKey(destination string, shared bool) string {
	if shared {
		return "s:" + destination
	}
	return "c:" + destination
}

func (s *QueueStore) queue(destination string, shared bool) *clientQueue {
	key := queueKey(destination, shared)

	s.mu.RLock()
	q, ok := s.queues[key]
	s.mu.RUnlock()
	if ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[key]; !ok {
		q = &clientQueue{}
		s.queues[key] = q
	}
	return q
}

// Add appends message copies to the destination queue.
func (s *QueueStore) Add(ctx context.Context, destination string, shared bool, msgs []*types.Message) error {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries)+len(msgs) > s.maxSize {
		return fmt.Errorf("enqueue for %s (current: %d, max: %d): %w",
			destination, len(q.entries), s.maxSize, storage.ErrQueueFull)
	}
	for _, msg := range msgs {
		q.entries = append(q.entries, &queueEntry{msg: types.CopyMessage(msg)})
	}
	return nil
}

// AddHead prepends a message for redelivery ahead of newer traffic.
func (s *QueueStore) AddHead(ctx context.Context, destination string, shared bool, msg *types.Message) error {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &queueEntry{msg: types.CopyMessage(msg)}
	q.entries = append([]*queueEntry{entry}, q.entries...)
	return nil
}

// ReadNew returns up to limit unmarked messages and marks them in-flight.
func (s *QueueStore) ReadNew(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error) {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Message
	for _, e := range q.entries {
		if len(out) >= limit {
			break
		}
		if e.inflight {
			continue
		}
		e.inflight = true
		out = append(out, types.CopyMessage(e.msg))
	}
	return out, nil
}

// ReadInflight returns up to limit messages already marked in-flight.
func (s *QueueStore) ReadInflight(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error) {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Message
	for _, e := range q.entries {
		if len(out) >= limit {
			break
		}
		if !e.inflight {
			continue
		}
		out = append(out, types.CopyMessage(e.msg))
	}
	return out, nil
}

// Replace swaps the entry with the given unique id, keeping queue position
// and in-flight mark.
func (s *QueueStore) Replace(ctx context.Context, destination string, shared bool, uniqueID string, msg *types.Message) error {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.msg.UniqueID == uniqueID {
			cp := types.CopyMessage(msg)
			cp.UniqueID = uniqueID
			e.msg = cp
			return nil
		}
	}
	return storage.ErrNotFound
}

// Remove deletes the entry with the given unique id.
func (s *QueueStore) Remove(ctx context.Context, destination string, shared bool, uniqueID string) error {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.msg.UniqueID == uniqueID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of queued entries for the destination.
func (s *QueueStore) Len(ctx context.Context, destination string, shared bool) (int, error) {
	q := s.queue(destination, shared)

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Drop deletes the whole queue of the destination.
func (s *QueueStore) Drop(ctx context.Context, destination string, shared bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, queueKey(destination, shared))
	return nil
}
