// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

var _ storage.QueueStore = (*QueueStore)(nil)

// Payloads at or above this size are stored s2-compressed.
const compressThreshold = 1024

// queueRecord is the stored form of one queue entry.
type queueRecord struct {
	Msg        *types.Message `json:"msg"`
	Inflight   bool           `json:"inflight"`
	Compressed bool           `json:"compressed,omitempty"`
}

// QueueStore implements storage.QueueStore using BadgerDB.
//
// Key format: queue:{kind}\x00{destination}\x00{seq}. NUL cannot appear in
// MQTT strings, so destinations never collide. The fixed-width sequence
// keeps entries in append order; head insertions count down from below the
// initial sequence.
type QueueStore struct {
	db      *badger.DB
	seq     atomic.Int64
	head    atomic.Int64
	maxSize int
}

const baseSeq = int64(1) << 40

// NewQueueStore creates a new BadgerDB queue store. maxSize bounds each
// destination queue; zero means 1000.
func NewQueueStore(db *badger.DB, maxSize int) *QueueStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &QueueStore{db: db, maxSize: maxSize}
	s.seq.Store(baseSeq)
	s.head.Store(baseSeq)
	s.restoreSeq()
	return s
}

// restoreSeq positions the sequence counters outside any persisted range.
func (s *QueueStore) restoreSeq() {
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("queue:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var seq int64
			key := it.Item().Key()
			if n := lastNul(key); n >= 0 {
				if _, err := fmt.Sscanf(string(key[n+1:]), "%d", &seq); err == nil {
					if seq >= s.seq.Load() {
						s.seq.Store(seq + 1)
					}
					if seq <= s.head.Load() {
						s.head.Store(seq)
					}
				}
			}
		}
		return nil
	})
}

func lastNul(key []byte) int {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0 {
			return i
		}
	}
	return -1
}

func queuePrefix(destination string, shared bool) []byte {
	kind := "c"
	if shared {
		kind = "s"
	}
	return []byte("queue:" + kind + "\x00" + destination + "\x00")
}

func queueEntryKey(destination string, shared bool, seq int64) []byte {
	return append(queuePrefix(destination, shared), []byte(fmt.Sprintf("%020d", seq))...)
}

func encodeRecord(msg *types.Message, inflight bool) ([]byte, error) {
	rec := queueRecord{Msg: msg, Inflight: inflight}
	if len(msg.Payload) >= compressThreshold {
		cp := types.CopyMessage(msg)
		cp.Payload = s2.Encode(nil, msg.Payload)
		rec.Msg = cp
		rec.Compressed = true
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue record: %w", err)
	}
	return data, nil
}

func decodeRecord(val []byte) (*queueRecord, error) {
	var rec queueRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	if rec.Compressed {
		payload, err := s2.Decode(nil, rec.Msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		rec.Msg.Payload = payload
		rec.Compressed = false
	}
	return &rec, nil
}

// Add appends message copies to the destination queue.
func (s *QueueStore) Add(ctx context.Context, destination string, shared bool, msgs []*types.Message) error {
	count, err := s.Len(ctx, destination, shared)
	if err != nil {
		return err
	}
	if count+len(msgs) > s.maxSize {
		return fmt.Errorf("enqueue for %s (current: %d, max: %d): %w",
			destination, count, s.maxSize, storage.ErrQueueFull)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, msg := range msgs {
			data, err := encodeRecord(msg, false)
			if err != nil {
				return err
			}
			if err := txn.Set(queueEntryKey(destination, shared, s.seq.Add(1)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddHead prepends a message for redelivery ahead of newer traffic.
func (s *QueueStore) AddHead(ctx context.Context, destination string, shared bool, msg *types.Message) error {
	data, err := encodeRecord(msg, false)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueEntryKey(destination, shared, s.head.Add(-1)), data)
	})
}

// ReadNew returns up to limit unmarked messages and marks them in-flight.
func (s *QueueStore) ReadNew(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error) {
	var out []*types.Message

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(destination, shared)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			var rec *queueRecord
			err := item.Value(func(val []byte) error {
				var err error
				rec, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if rec.Inflight {
				continue
			}

			marked, err := encodeRecord(rec.Msg, true)
			if err != nil {
				return err
			}
			if err := txn.Set(item.KeyCopy(nil), marked); err != nil {
				return err
			}
			out = append(out, rec.Msg)
		}
		return nil
	})
	return out, err
}

// ReadInflight returns up to limit messages already marked in-flight.
func (s *QueueStore) ReadInflight(ctx context.Context, destination string, shared bool, limit int) ([]*types.Message, error) {
	var out []*types.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(destination, shared)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			var rec *queueRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			if rec.Inflight {
				out = append(out, rec.Msg)
			}
		}
		return nil
	})
	return out, err
}

// Replace swaps the entry with the given unique id, keeping its queue
// position and in-flight mark.
func (s *QueueStore) Replace(ctx context.Context, destination string, shared bool, uniqueID string, msg *types.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, rec, err := s.find(txn, destination, shared, uniqueID)
		if err != nil {
			return err
		}
		cp := types.CopyMessage(msg)
		cp.UniqueID = uniqueID
		data, err := encodeRecord(cp, rec.Inflight)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// Remove deletes the entry with the given unique id.
func (s *QueueStore) Remove(ctx context.Context, destination string, shared bool, uniqueID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key, _, err := s.find(txn, destination, shared, uniqueID)
		if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}

func (s *QueueStore) find(txn *badger.Txn, destination string, shared bool, uniqueID string) ([]byte, *queueRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = queuePrefix(destination, shared)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var rec *queueRecord
		err := item.Value(func(val []byte) error {
			var err error
			rec, err = decodeRecord(val)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		if rec.Msg.UniqueID == uniqueID {
			return item.KeyCopy(nil), rec, nil
		}
	}
	return nil, nil, storage.ErrNotFound
}

// Len returns the number of queued entries for the destination.
func (s *QueueStore) Len(ctx context.Context, destination string, shared bool) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(destination, shared)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Drop deletes the whole queue of the destination.
func (s *QueueStore) Drop(ctx context.Context, destination string, shared bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(destination, shared)
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
