// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
//
// Key format: sub:{clientID}:{filter}. Client ids cannot contain the filter
// separator, so the prefix scan per client is unambiguous.
type SubscriptionStore struct {
	db *badger.DB
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func subKey(clientID, filter string) []byte {
	return []byte(fmt.Sprintf("sub:%s:%s", clientID, filter))
}

// Add adds or updates a subscription, reporting whether it already existed.
func (s *SubscriptionStore) Add(ctx context.Context, sub *types.Subscription) (bool, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	var existed bool
	err = s.db.Update(func(txn *badger.Txn) error {
		key := subKey(sub.ClientID, sub.Filter)
		_, err := txn.Get(key)
		existed = err == nil
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, data)
	})
	return existed, err
}

// AddBatch persists several subscriptions; one filter's failure does not
// fail the others.
func (s *SubscriptionStore) AddBatch(ctx context.Context, subs []*types.Subscription) ([]storage.AddResult, error) {
	results := make([]storage.AddResult, len(subs))
	for i, sub := range subs {
		existed, err := s.Add(ctx, sub)
		results[i] = storage.AddResult{Existed: existed, Err: err}
	}
	return results, nil
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(ctx context.Context, clientID, filter string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(subKey(clientID, filter))
	})
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(ctx context.Context, clientID string) error {
	prefix := []byte("sub:" + clientID + ":")

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns all subscriptions of the client.
func (s *SubscriptionStore) Get(ctx context.Context, clientID string) ([]*types.Subscription, error) {
	prefix := []byte("sub:" + clientID + ":")
	var subs []*types.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sub types.Subscription
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				subs = append(subs, &sub)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return subs, err
}
