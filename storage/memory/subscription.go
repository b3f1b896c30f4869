// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore keeps subscriptions in a nested map keyed by client id
// and full filter string.
type SubscriptionStore struct {
	mu sync.RWMutex
	// clientID -> filter -> subscription
	subs map[string]map[string]*types.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		subs: make(map[string]map[string]*types.Subscription),
	}
}

// Add persists a subscription, replacing any previous entry.
func (s *SubscriptionStore) Add(ctx context.Context, sub *types.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.subs[sub.ClientID]
	if !ok {
		clientSubs = make(map[string]*types.Subscription)
		s.subs[sub.ClientID] = clientSubs
	}
	_, existed := clientSubs[sub.Filter]
	clientSubs[sub.Filter] = sub
	return existed, nil
}

// AddBatch persists several subscriptions of one client.
func (s *SubscriptionStore) AddBatch(ctx context.Context, subs []*types.Subscription) ([]storage.AddResult, error) {
	results := make([]storage.AddResult, len(subs))
	for i, sub := range subs {
		existed, err := s.Add(ctx, sub)
		results[i] = storage.AddResult{Existed: existed, Err: err}
	}
	return results, nil
}

// Remove deletes a subscription.
func (s *SubscriptionStore) Remove(ctx context.Context, clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientSubs, ok := s.subs[clientID]; ok {
		delete(clientSubs, filter)
		if len(clientSubs) == 0 {
			delete(s.subs, clientID)
		}
	}
	return nil
}

// RemoveAll deletes every subscription of the client.
func (s *SubscriptionStore) RemoveAll(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, clientID)
	return nil
}

// Get returns all subscriptions of the client.
func (s *SubscriptionStore) Get(ctx context.Context, clientID string) ([]*types.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientSubs := s.subs[clientID]
	result := make([]*types.Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, sub)
	}
	return result, nil
}
