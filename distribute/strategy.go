// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distribute

import "sync"

// Strategy picks the share-group member a queued message is offered to.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Select returns one of the candidate client ids, or "" when the
	// candidate list is empty.
	Select(groupKey string, candidates []string) string
}

// RoundRobin rotates through group members per group key. It is the default
// strategy.
type RoundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobin creates a round-robin member selection strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[string]int)}
}

// Select returns the next member in rotation for the group.
func (r *RoundRobin) Select(groupKey string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.next[groupKey] % len(candidates)
	r.next[groupKey] = i + 1
	return candidates[i]
}
