// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-memory storage backends, used as the default
// store and throughout the tests.
package memory

import "github.com/absmach/mqcore/storage"

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	subscriptions *SubscriptionStore
	retained      *RetainedStore
	queues        *QueueStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		subscriptions: NewSubscriptionStore(),
		retained:      NewRetainedStore(),
		queues:        NewQueueStore(0),
	}
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore { return s.subscriptions }

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore { return s.retained }

// Queues returns the client queue store.
func (s *Store) Queues() storage.QueueStore { return s.queues }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
