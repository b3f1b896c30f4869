// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts of the routing core.
// Implementations are asynchronous collaborators: calls are context-bound,
// run on the caller's goroutine and must not be assumed cheap.
package storage

import (
	"context"
	"errors"

	"github.com/absmach/mqcore/types"
)

// Common errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrQueueFull = errors.New("queue full")
)

// AddResult reports the outcome of persisting one subscription in a batch.
type AddResult struct {
	// Existed is true when the exact filter was already subscribed by the
	// client before this call. Needed for "send retained if new" handling.
	Existed bool
	Err     error
}

// SubscriptionStore persists client subscriptions.
type SubscriptionStore interface {
	// Add persists a subscription, replacing a previous entry for the same
	// client and filter. Reports whether the filter already existed.
	Add(ctx context.Context, sub *types.Subscription) (existed bool, err error)

	// AddBatch persists several subscriptions of one client. A failure on
	// one filter must not fail the others; per-filter outcomes line up
	// with the input order.
	AddBatch(ctx context.Context, subs []*types.Subscription) ([]AddResult, error)

	// Remove deletes a subscription by client and full filter string.
	Remove(ctx context.Context, clientID, filter string) error

	// RemoveAll deletes every subscription of the client.
	RemoveAll(ctx context.Context, clientID string) error

	// Get returns all subscriptions of the client.
	Get(ctx context.Context, clientID string) ([]*types.Subscription, error)
}

// Store is the composite storage interface providing access to all backends.
type Store interface {
	Subscriptions() SubscriptionStore
	Retained() RetainedStore
	Queues() QueueStore

	// Close closes all storage backends.
	Close() error
}
