// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestSubscriptionRoundtrip(t *testing.T) {
	s := setupStore(t)
	subs := s.Subscriptions()

	existed, err := subs.Add(ctx, &types.Subscription{ClientID: "c1", Filter: "a/b", TopicFilter: "a/b", QoS: 1})
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = subs.Add(ctx, &types.Subscription{ClientID: "c1", Filter: "a/b", TopicFilter: "a/b", QoS: 2})
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := subs.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, byte(2), got[0].QoS)

	require.NoError(t, subs.Remove(ctx, "c1", "a/b"))
	got, err = subs.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscriptionAddBatch(t *testing.T) {
	s := setupStore(t)
	subs := s.Subscriptions()

	_, err := subs.Add(ctx, &types.Subscription{ClientID: "c1", Filter: "a", TopicFilter: "a"})
	require.NoError(t, err)

	results, err := subs.AddBatch(ctx, []*types.Subscription{
		{ClientID: "c1", Filter: "a", TopicFilter: "a"},
		{ClientID: "c1", Filter: "b", TopicFilter: "b"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Existed)
	assert.False(t, results[1].Existed)
}

func TestRetainedRoundtrip(t *testing.T) {
	s := setupStore(t)
	ret := s.Retained()

	msg := &types.Message{Topic: "test/topic", Payload: []byte("retained message"), QoS: 1, Retain: true}
	require.NoError(t, ret.Persist(ctx, "test/topic", msg))

	got, err := ret.Get(ctx, "test/topic")
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.QoS, got.QoS)

	require.NoError(t, ret.Remove(ctx, "test/topic"))
	_, err = ret.Get(ctx, "test/topic")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetainedMatchAndChunk(t *testing.T) {
	s := setupStore(t)
	ret := s.Retained()

	total := 40
	for i := 0; i < total; i++ {
		topic := fmt.Sprintf("sensors/%02d/temp", i)
		require.NoError(t, ret.Persist(ctx, topic, &types.Message{Topic: topic, Payload: []byte("v")}))
	}

	matched, err := ret.TopicsMatching(ctx, "sensors/+/temp")
	require.NoError(t, err)
	assert.Len(t, matched, total)

	seen := make(map[string]int)
	cursor := storage.NewChunkCursor()
	for {
		chunk, err := ret.GetChunk(ctx, cursor, 9)
		require.NoError(t, err)
		for topic := range chunk.Messages {
			seen[topic]++
		}
		if chunk.Finished {
			break
		}
		cursor = chunk.Cursor
	}
	require.Len(t, seen, total)
	for topic, n := range seen {
		assert.Equal(t, 1, n, "topic %s delivered %d times", topic, n)
	}
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Queues().Add(ctx, "c1", false, []*types.Message{
		{Topic: "t", Payload: []byte("p"), QoS: 1, UniqueID: "m1"},
	}))
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	out, err := s.Queues().ReadNew(ctx, "c1", false, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].UniqueID)

	// New entries must sort after the restored ones.
	require.NoError(t, s.Queues().Add(ctx, "c1", false, []*types.Message{{UniqueID: "m2"}}))
	out, err = s.Queues().ReadNew(ctx, "c1", false, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m2", out[0].UniqueID)
}

func TestQueueCompressedPayload(t *testing.T) {
	s := setupStore(t)
	q := s.Queues()

	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, q.Add(ctx, "c1", false, []*types.Message{
		{Topic: "t", Payload: payload, QoS: 1, UniqueID: "big"},
	}))

	out, err := q.ReadNew(ctx, "c1", false, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, payload, out[0].Payload)
}

func TestQueueReplaceMarker(t *testing.T) {
	s := setupStore(t)
	q := s.Queues()

	require.NoError(t, q.Add(ctx, "c1", false, []*types.Message{{Topic: "t", QoS: 2, UniqueID: "m1"}}))
	_, err := q.ReadNew(ctx, "c1", false, 1)
	require.NoError(t, err)

	require.NoError(t, q.Replace(ctx, "c1", false, "m1", types.NewPubrelMarker(3)))

	inflight, err := q.ReadInflight(ctx, "c1", false, 10)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, types.KindPubrel, inflight[0].Kind)
	assert.Equal(t, uint16(3), inflight[0].PacketID)

	require.NoError(t, q.Remove(ctx, "c1", false, "m1"))
	require.NoError(t, q.Remove(ctx, "c1", false, "m1")) // idempotent

	n, err := q.Len(ctx, "c1", false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueDrop(t *testing.T) {
	s := setupStore(t)
	q := s.Queues()

	require.NoError(t, q.Add(ctx, "g/f", true, []*types.Message{{UniqueID: "a"}, {UniqueID: "b"}}))
	require.NoError(t, q.Drop(ctx, "g/f", true))

	n, err := q.Len(ctx, "g/f", true)
	require.NoError(t, err)
	assert.Zero(t, n)
}
