// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore implements storage.RetainedStore using BadgerDB.
//
// Key format: retained:{bucket}:{topic}. The bucket byte shards the topic
// space so chunked iteration can resume per bucket.
type RetainedStore struct {
	db *badger.DB
}

// NewRetainedStore creates a new BadgerDB retained message store.
func NewRetainedStore(db *badger.DB) *RetainedStore {
	return &RetainedStore{db: db}
}

func retainedBucket(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(storage.RetainedBuckets))
}

func retainedKey(topic string) []byte {
	return []byte(fmt.Sprintf("retained:%02d:%s", retainedBucket(topic), topic))
}

func bucketPrefix(bucket int) []byte {
	return []byte(fmt.Sprintf("retained:%02d:", bucket))
}

// Get retrieves a retained message by exact topic.
func (r *RetainedStore) Get(ctx context.Context, topic string) (*types.Message, error) {
	var msg *types.Message

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey(topic))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			msg = &types.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// TopicsMatching returns all retained topics matching a wildcard filter.
func (r *RetainedStore) TopicsMatching(ctx context.Context, filter string) ([]string, error) {
	var matched []string

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("retained:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			topic := topicFromKey(it.Item().Key())
			ok, err := topics.Match(filter, topic)
			if err != nil {
				return err
			}
			if ok {
				matched = append(matched, topic)
			}
		}
		return nil
	})
	return matched, err
}

// topicFromKey strips the "retained:{bucket}:" prefix.
func topicFromKey(key []byte) string {
	s := string(key)
	// "retained:" + 2 bucket digits + ":"
	return s[len("retained:")+3:]
}

// Persist stores or replaces a retained message.
func (r *RetainedStore) Persist(ctx context.Context, topic string, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retained message: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(topic), data)
	})
}

// Remove deletes a retained message.
func (r *RetainedStore) Remove(ctx context.Context, topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(retainedKey(topic))
	})
}

// GetChunk reads the next page of a full-store scan, resuming each bucket
// after its cursor key.
func (r *RetainedStore) GetChunk(ctx context.Context, cursor *storage.ChunkCursor, limit int) (*storage.RetainedChunk, error) {
	if cursor == nil {
		cursor = storage.NewChunkCursor()
	}

	next := storage.NewChunkCursor()
	for k, v := range cursor.LastKey {
		next.LastKey[k] = v
	}
	for k := range cursor.Finished {
		next.Finished[k] = struct{}{}
	}

	chunk := &storage.RetainedChunk{
		Messages: make(map[string]*types.Message),
		Cursor:   next,
	}

	err := r.db.View(func(txn *badger.Txn) error {
		remaining := limit
		for b := 0; b < storage.RetainedBuckets; b++ {
			if _, done := next.Finished[b]; done {
				continue
			}
			if remaining <= 0 {
				return nil
			}

			prefix := bucketPrefix(b)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			last, hasLast := next.LastKey[b]
			if hasLast {
				// Seek past the last returned topic.
				it.Seek(append(prefix, []byte(last+"\x00")...))
			} else {
				it.Rewind()
			}

			exhausted := true
			for ; it.Valid(); it.Next() {
				if remaining <= 0 {
					exhausted = false
					break
				}
				topic := topicFromKey(it.Item().Key())
				var msg types.Message
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &msg)
				})
				if err != nil {
					it.Close()
					return err
				}
				chunk.Messages[topic] = &msg
				next.LastKey[b] = topic
				remaining--
			}
			it.Close()

			if exhausted {
				next.Finished[b] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunk.Finished = next.Done()
	return chunk, nil
}
