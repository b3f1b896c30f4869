// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/absmach/mqcore/config"
	"github.com/absmach/mqcore/router"
	"github.com/absmach/mqcore/session"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/storage/memory"
	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleSink struct{}

func (idleSink) IsActive() bool { return true }

func (idleSink) Write(context.Context, *types.Frame) error { return nil }

type recordingNotifier struct {
	mu      sync.Mutex
	clients []string
	shared  []string // "{groupKey}->{member}"
}

func (n *recordingNotifier) NotifyClient(clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients = append(n.clients, clientID)
}

func (n *recordingNotifier) NotifyShared(groupKey, clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shared = append(n.shared, groupKey+"->"+clientID)
}

// failingQueues fails appends for one destination.
type failingQueues struct {
	storage.QueueStore
	failDest string
}

func (f *failingQueues) Add(ctx context.Context, destination string, shared bool, msgs []*types.Message) error {
	if destination == f.failDest {
		return errors.New("backend down")
	}
	return f.QueueStore.Add(ctx, destination, shared, msgs)
}

type failingStore struct {
	storage.Store
	queues storage.QueueStore
}

func (f *failingStore) Queues() storage.QueueStore { return f.queues }

func subscribe(rt *router.TrieRouter, clientID, filter string, qos byte, opts types.SubscribeOptions) {
	group, topicFilter, _ := topics.ParseShared(filter)
	rt.Subscribe(&types.Subscription{
		ClientID:    clientID,
		Filter:      filter,
		TopicFilter: topicFilter,
		ShareGroup:  group,
		QoS:         qos,
		Options:     opts,
	})
}

func setup(t *testing.T, opts ...Option) (*Distributor, *router.TrieRouter, storage.Store, session.Cache) {
	t.Helper()
	rt := router.NewRouter()
	store := memory.New()
	sessions := session.NewShardedCache()
	d := NewDistributor(config.Default().Delivery, rt, store, sessions, opts...)
	return d, rt, store, sessions
}

func connect(sessions session.Cache, clientID string) {
	sessions.GetOrCreate(clientID, 10).Connect(idleSink{}, 10)
}

func readAll(t *testing.T, store storage.Store, dest string, shared bool) []*types.Message {
	t.Helper()
	msgs, err := store.Queues().ReadNew(context.Background(), dest, shared, 100)
	require.NoError(t, err)
	return msgs
}

func TestDistributeDirect(t *testing.T) {
	notifier := &recordingNotifier{}
	d, rt, store, sessions := setup(t, WithNotifier(notifier))

	subscribe(rt, "sub1", "sensors/#", 2, types.SubscribeOptions{})
	subscribe(rt, "sub2", "sensors/+/temp", 0, types.SubscribeOptions{})
	connect(sessions, "sub1")
	connect(sessions, "sub2")

	msg := &types.Message{Topic: "sensors/room1/temp", Payload: []byte("21"), QoS: 1}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	got1 := readAll(t, store, "sub1", false)
	require.Len(t, got1, 1)
	// min(granted 2, published 1)
	assert.Equal(t, byte(1), got1[0].QoS)
	assert.Equal(t, []byte("21"), got1[0].Payload)
	assert.NotEmpty(t, got1[0].UniqueID)

	got2 := readAll(t, store, "sub2", false)
	require.Len(t, got2, 1)
	assert.Equal(t, byte(0), got2[0].QoS)

	assert.ElementsMatch(t, []string{"sub1", "sub2"}, notifier.clients)
}

func TestDistributeNoLocal(t *testing.T) {
	d, rt, store, sessions := setup(t)

	subscribe(rt, "pub", "a/#", 1, types.SubscribeOptions{NoLocal: true})
	subscribe(rt, "other", "a/#", 1, types.SubscribeOptions{})
	connect(sessions, "pub")
	connect(sessions, "other")

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	assert.Empty(t, readAll(t, store, "pub", false))
	assert.Len(t, readAll(t, store, "other", false), 1)
}

func TestDistributeRetainAsPublished(t *testing.T) {
	d, rt, store, sessions := setup(t)

	subscribe(rt, "rap", "a/#", 1, types.SubscribeOptions{RetainAsPublished: true})
	subscribe(rt, "plain", "a/#", 1, types.SubscribeOptions{})
	connect(sessions, "rap")
	connect(sessions, "plain")

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1, Retain: true}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	rap := readAll(t, store, "rap", false)
	require.Len(t, rap, 1)
	assert.True(t, rap[0].Retain)

	plain := readAll(t, store, "plain", false)
	require.Len(t, plain, 1)
	assert.False(t, plain[0].Retain)
}

func TestDistributeSubscriptionIDs(t *testing.T) {
	d, rt, store, sessions := setup(t)

	rt.SubscribeBatch([]*types.Subscription{
		{ClientID: "sub1", Filter: "a/#", TopicFilter: "a/#", QoS: 1, SubscriptionID: 7},
		{ClientID: "sub1", Filter: "a/+", TopicFilter: "a/+", QoS: 1, SubscriptionID: 9},
	})
	connect(sessions, "sub1")

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	got := readAll(t, store, "sub1", false)
	require.Len(t, got, 1)
	assert.Equal(t, []uint32{7, 9}, got[0].SubscriptionIDs)
}

func TestDistributeRetainedStore(t *testing.T) {
	d, _, store, _ := setup(t)
	ctx := context.Background()

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1, Retain: true}
	require.NoError(t, d.Distribute(ctx, msg, "pub"))

	stored, err := store.Retained().Get(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, stored.Retain)
	assert.Equal(t, []byte("x"), stored.Payload)

	// Empty payload clears the retained message.
	clear := &types.Message{Topic: "a/b", QoS: 0, Retain: true}
	require.NoError(t, d.Distribute(ctx, clear, "pub"))

	_, err = store.Retained().Get(ctx, "a/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Clearing an absent topic is not an error.
	require.NoError(t, d.Distribute(ctx, clear, "pub"))
}

func TestDistributeQoS0Offline(t *testing.T) {
	d, rt, store, _ := setup(t)

	subscribe(rt, "offline", "a/#", 0, types.SubscribeOptions{})

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 0}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))
	assert.Empty(t, readAll(t, store, "offline", false))

	// With the override enabled the message is queued anyway.
	cfg := config.Default().Delivery
	cfg.QueueQoS0Offline = true
	d2 := NewDistributor(cfg, rt, store, session.NewShardedCache())
	require.NoError(t, d2.Distribute(context.Background(), msg, "pub"))
	assert.Len(t, readAll(t, store, "offline", false), 1)
}

func TestDistributeQoS1Offline(t *testing.T) {
	d, rt, store, _ := setup(t)

	subscribe(rt, "offline", "a/#", 1, types.SubscribeOptions{})

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))
	assert.Len(t, readAll(t, store, "offline", false), 1)
}

func TestDistributeShared(t *testing.T) {
	notifier := &recordingNotifier{}
	d, rt, store, sessions := setup(t, WithNotifier(notifier))

	subscribe(rt, "w1", "$share/workers/jobs/#", 1, types.SubscribeOptions{})
	subscribe(rt, "w2", "$share/workers/jobs/#", 1, types.SubscribeOptions{})
	connect(sessions, "w1")
	connect(sessions, "w2")

	msg := &types.Message{Topic: "jobs/build", Payload: []byte("x"), QoS: 2}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	queued := readAll(t, store, "workers/jobs/#", true)
	require.Len(t, queued, 1)
	// Shared delivery is capped at QoS 1.
	assert.Equal(t, byte(1), queued[0].QoS)

	require.Len(t, notifier.shared, 1)
	assert.Contains(t, []string{"workers/jobs/#->w1", "workers/jobs/#->w2"}, notifier.shared[0])
}

func TestDistributeSharedRoundRobin(t *testing.T) {
	notifier := &recordingNotifier{}
	d, rt, store, sessions := setup(t, WithNotifier(notifier))

	subscribe(rt, "w1", "$share/g/t", 1, types.SubscribeOptions{})
	subscribe(rt, "w2", "$share/g/t", 1, types.SubscribeOptions{})
	connect(sessions, "w1")
	connect(sessions, "w2")

	for i := 0; i < 4; i++ {
		msg := &types.Message{Topic: "t", Payload: []byte("x"), QoS: 1}
		require.NoError(t, d.Distribute(context.Background(), msg, "pub"))
	}

	assert.Len(t, readAll(t, store, "g/t", true), 4)
	// Members alternate.
	assert.Equal(t, []string{"g/t->w1", "g/t->w2", "g/t->w1", "g/t->w2"}, notifier.shared)
}

func TestDistributeSharedNoConnectedMember(t *testing.T) {
	notifier := &recordingNotifier{}
	d, rt, store, _ := setup(t, WithNotifier(notifier))

	subscribe(rt, "w1", "$share/g/t", 1, types.SubscribeOptions{})

	msg := &types.Message{Topic: "t", Payload: []byte("x"), QoS: 1}
	require.NoError(t, d.Distribute(context.Background(), msg, "pub"))

	// Queued for the group, nobody notified.
	assert.Len(t, readAll(t, store, "g/t", true), 1)
	assert.Empty(t, notifier.shared)
}

func TestDistributeErrorIsolation(t *testing.T) {
	rt := router.NewRouter()
	mem := memory.New()
	store := &failingStore{
		Store:  mem,
		queues: &failingQueues{QueueStore: mem.Queues(), failDest: "broken"},
	}
	sessions := session.NewShardedCache()
	d := NewDistributor(config.Default().Delivery, rt, store, sessions)

	subscribe(rt, "broken", "a/#", 1, types.SubscribeOptions{})
	subscribe(rt, "healthy", "a/#", 1, types.SubscribeOptions{})
	connect(sessions, "broken")
	connect(sessions, "healthy")

	msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
	err := d.Distribute(context.Background(), msg, "pub")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// The healthy destination still got its copy.
	assert.Len(t, readAll(t, mem, "healthy", false), 1)
}

func TestBreakerTripsPerDestination(t *testing.T) {
	rt := router.NewRouter()
	mem := memory.New()
	store := &failingStore{
		Store:  mem,
		queues: &failingQueues{QueueStore: mem.Queues(), failDest: "broken"},
	}
	sessions := session.NewShardedCache()
	d := NewDistributor(config.Default().Delivery, rt, store, sessions)

	subscribe(rt, "broken", "a/#", 1, types.SubscribeOptions{})
	subscribe(rt, "healthy", "a/#", 1, types.SubscribeOptions{})
	connect(sessions, "broken")
	connect(sessions, "healthy")

	// Five consecutive failures open the breaker of "broken".
	for i := 0; i < 6; i++ {
		msg := &types.Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}
		require.Error(t, d.Distribute(context.Background(), msg, "pub"))
	}

	// The open breaker covers only its own destination, "healthy" kept
	// receiving throughout.
	assert.Len(t, readAll(t, mem, "healthy", false), 6)
}

func TestRoundRobinStrategy(t *testing.T) {
	s := NewRoundRobin()
	assert.Equal(t, "", s.Select("g", nil))

	members := []string{"a", "b", "c"}
	got := []string{
		s.Select("g", members),
		s.Select("g", members),
		s.Select("g", members),
		s.Select("g", members),
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	// Groups rotate independently.
	assert.Equal(t, "a", s.Select("other", members))
}
