// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/absmach/mqcore/types"
)

// QueueStore persists per-client (and per share-group) message queues.
// Queues are ordered, appended at the tail and drained from the head.
// Destinations are client ids, or "{group}/{filter}" keys when shared.
//
// Entries carry an in-flight mark once handed to the delivery engine; marked
// entries are only returned by ReadInflight until removed or replaced.
// Many publishers append concurrently while a single drainer reads.
type QueueStore interface {
	// Add appends message copies to the destination queue.
	Add(ctx context.Context, destination string, shared bool, msgs []*types.Message) error

	// AddHead prepends a message, used to return an undelivered message
	// for redelivery ahead of newer traffic.
	AddHead(ctx context.Context, destination string, shared bool, msg *types.Message) error

	// ReadNew returns up to limit unmarked messages from the head and
	// marks them in-flight.
	ReadNew(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error)

	// ReadInflight returns up to limit messages already marked in-flight,
	// in queue order. Used to resume deliveries after reconnect.
	ReadInflight(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error)

	// Replace swaps the entry with the given unique id for another message
	// keeping its queue position, e.g. a PUBLISH for its PUBREL marker.
	Replace(ctx context.Context, destination string, shared bool, uniqueID string, msg *types.Message) error

	// Remove deletes the entry with the given unique id, completing its
	// delivery. For shared queues this is the group-wide removal.
	Remove(ctx context.Context, destination string, shared bool, uniqueID string) error

	// Len returns the number of queued entries for the destination.
	Len(ctx context.Context, destination string, shared bool) (int, error)

	// Drop deletes the whole queue of the destination.
	Drop(ctx context.Context, destination string, shared bool) error
}
