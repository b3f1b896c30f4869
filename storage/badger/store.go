// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides BadgerDB-backed storage for subscriptions,
// retained messages and client queues.
package badger

import (
	"sync"
	"time"

	"github.com/absmach/mqcore/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	subscriptions *SubscriptionStore
	retained      *RetainedStore
	queues        *QueueStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
	// MaxQueueSize bounds each destination queue; zero means 1000.
	MaxQueueSize int
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Async writes: queued messages survive on ack anyway, and SyncWrites
	// fsyncs on every write which is 10-100x slower.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:            db,
		subscriptions: NewSubscriptionStore(db),
		retained:      NewRetainedStore(db),
		queues:        NewQueueStore(db, cfg.MaxQueueSize),
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore { return s.subscriptions }

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore { return s.retained }

// Queues returns the client queue store.
func (s *Store) Queues() storage.QueueStore { return s.queues }

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim when half of a value log file is garbage. An
			// error just means no GC was needed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
