// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

var _ Cache = (*ShardedCache)(nil)

// Cache is an in-memory registry for active sessions. The abstraction keeps
// the delivery engine independent from the cache layout.
type Cache interface {
	// Get retrieves a session by client ID, nil when absent.
	Get(clientID string) *Session

	// GetOrCreate returns the session for the client, creating it with the
	// given receive maximum when absent.
	GetOrCreate(clientID string, receiveMaximum uint16) *Session

	// Delete removes a session. Returns true if it was present.
	Delete(clientID string) bool

	// ForEach iterates over all sessions, order unspecified.
	ForEach(fn func(*Session))

	// Count returns the total number of sessions.
	Count() int
}

const numShards = 64

type cacheShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ShardedCache splits sessions across shards to reduce lock contention:
// fan-out touches many sessions from many goroutines at once.
type ShardedCache struct {
	shards [numShards]cacheShard
	count  atomic.Int64
}

// NewShardedCache creates a new sharded session cache.
func NewShardedCache() *ShardedCache {
	c := &ShardedCache{}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]*Session)
	}
	return c
}

func (c *ShardedCache) shard(clientID string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &c.shards[h.Sum32()%numShards]
}

// Get retrieves a session by client ID.
func (c *ShardedCache) Get(clientID string) *Session {
	s := c.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[clientID]
}

// GetOrCreate returns the session for the client, creating it when absent.
func (c *ShardedCache) GetOrCreate(clientID string, receiveMaximum uint16) *Session {
	s := c.shard(clientID)

	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[clientID]; !ok {
		sess = New(clientID, receiveMaximum)
		s.sessions[clientID] = sess
		c.count.Add(1)
	}
	return sess
}

// Delete removes a session.
func (c *ShardedCache) Delete(clientID string) bool {
	s := c.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[clientID]; !ok {
		return false
	}
	delete(s.sessions, clientID)
	c.count.Add(-1)
	return true
}

// ForEach iterates over all sessions.
func (c *ShardedCache) ForEach(fn func(*Session)) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()

		for _, sess := range sessions {
			fn(sess)
		}
	}
}

// Count returns the total number of sessions.
func (c *ShardedCache) Count() int {
	return int(c.count.Load())
}
