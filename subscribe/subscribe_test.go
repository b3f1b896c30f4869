// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscribe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/absmach/mqcore/config"
	"github.com/absmach/mqcore/router"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/storage/memory"
	"github.com/absmach/mqcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowFunc func(clientID, filter string) Decision

func (f allowFunc) Authorize(_ context.Context, clientID, filter string) Decision {
	return f(clientID, filter)
}

type recordingRetained struct {
	mu    sync.Mutex
	calls []retainedCall
}

type retainedCall struct {
	filter  string
	existed bool
}

func (r *recordingRetained) DeliverOnSubscribe(_ context.Context, sub *types.Subscription, existed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, retainedCall{filter: sub.Filter, existed: existed})
	return nil
}

// failingSubStore wraps a subscription store and fails selected filters.
type failingSubStore struct {
	storage.SubscriptionStore
	failFilters map[string]bool
	failBatch   bool
}

func (f *failingSubStore) Add(ctx context.Context, sub *types.Subscription) (bool, error) {
	if f.failFilters[sub.Filter] {
		return false, errors.New("store down")
	}
	return f.SubscriptionStore.Add(ctx, sub)
}

func (f *failingSubStore) AddBatch(ctx context.Context, subs []*types.Subscription) ([]storage.AddResult, error) {
	if f.failBatch {
		return nil, errors.New("store down")
	}
	results := make([]storage.AddResult, len(subs))
	for i, sub := range subs {
		if f.failFilters[sub.Filter] {
			results[i] = storage.AddResult{Err: errors.New("store down")}
			continue
		}
		existed, err := f.SubscriptionStore.Add(ctx, sub)
		results[i] = storage.AddResult{Existed: existed, Err: err}
	}
	return results, nil
}

func setupManager(t *testing.T, opts ...Option) (*Manager, *router.TrieRouter, storage.SubscriptionStore) {
	t.Helper()
	rt := router.NewRouter()
	store := memory.New().Subscriptions()
	return NewManager(config.Default(), rt, store, opts...), rt, store
}

func TestProcessGrantsAndRegisters(t *testing.T) {
	m, rt, store := setupManager(t)

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Version:  5,
		Topics: []TopicRequest{
			{Filter: "sensors/+/temp", QoS: 1},
			{Filter: "alerts/#", QoS: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []types.ReasonCode{types.ReasonGrantedQoS1, types.ReasonGrantedQoS2}, ack.Reasons)
	assert.Empty(t, ack.Reason)

	matches, err := rt.FindSubscribers("sensors/room1/temp")
	require.NoError(t, err)
	require.Len(t, matches.Subscribers, 1)
	assert.Equal(t, "client1", matches.Subscribers[0].ClientID)

	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestProcessEmptyRequest(t *testing.T) {
	m, _, _ := setupManager(t)
	_, err := m.Process(context.Background(), &Request{ClientID: "client1"})
	assert.ErrorIs(t, err, ErrEmptySubscribe)
}

func TestProcessInvalidFilterFatal(t *testing.T) {
	m, _, store := setupManager(t)

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "valid/topic", QoS: 1},
			{Filter: "bad/#/middle", QoS: 0},
		},
	})
	require.Error(t, err)

	// Nothing persisted when the request is a protocol violation.
	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestProcessCapabilityGates(t *testing.T) {
	cfg := config.Default()
	cfg.Subscription.WildcardsEnabled = false
	m := NewManager(cfg, router.NewRouter(), memory.New().Subscriptions())

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/+/b", QoS: 0}},
	})
	assert.ErrorIs(t, err, ErrWildcardsNotSupported)

	cfg = config.Default()
	cfg.Subscription.SharedEnabled = false
	m = NewManager(cfg, router.NewRouter(), memory.New().Subscriptions())

	_, err = m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "$share/g/a/b", QoS: 0}},
	})
	assert.ErrorIs(t, err, ErrSharedNotSupported)
}

func TestProcessFilterTooLong(t *testing.T) {
	cfg := config.Default()
	cfg.Topics.MaxLength = 10
	m := NewManager(cfg, router.NewRouter(), memory.New().Subscriptions())

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/very/long/filter", QoS: 0}},
	})
	assert.ErrorIs(t, err, ErrFilterTooLong)
}

func TestProcessSubscriptionIDRange(t *testing.T) {
	m, _, _ := setupManager(t)
	_, err := m.Process(context.Background(), &Request{
		ClientID:       "client1",
		SubscriptionID: types.MaxSubscriptionID + 1,
		Topics:         []TopicRequest{{Filter: "a/b", QoS: 0}},
	})
	assert.ErrorIs(t, err, ErrInvalidSubscriptionID)
}

func TestProcessSharedQoSDowngrade(t *testing.T) {
	m, _, store := setupManager(t)

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "$share/workers/jobs/#", QoS: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ReasonCode{types.ReasonGrantedQoS1}, ack.Reasons)

	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, byte(1), subs[0].QoS)
	assert.Equal(t, "workers", subs[0].ShareGroup)
	assert.Equal(t, "jobs/#", subs[0].TopicFilter)
}

func TestProcessDuplicateFilterLastWins(t *testing.T) {
	m, rt, store := setupManager(t)

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "a/b", QoS: 0},
			{Filter: "a/b", QoS: 2},
		},
	})
	require.NoError(t, err)
	// Both positions answer with the surviving entry's grant.
	assert.Equal(t, []types.ReasonCode{types.ReasonGrantedQoS2, types.ReasonGrantedQoS2}, ack.Reasons)

	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, byte(2), subs[0].QoS)

	sub, err := rt.FindSubscriber("client1", "a/b")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, byte(2), sub.QoS)
}

func TestProcessAuthorization(t *testing.T) {
	auth := allowFunc(func(_, filter string) Decision {
		if filter == "secret/data" {
			return Denied
		}
		return Allowed
	})
	m, rt, _ := setupManager(t, WithAuthorizer(auth))

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "public/data", QoS: 1},
			{Filter: "secret/data", QoS: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ReasonCode{types.ReasonGrantedQoS1, types.ReasonNotAuthorized}, ack.Reasons)
	assert.Contains(t, ack.Reason, "secret/data")

	_, err = rt.FindSubscribers("secret/data")
	require.NoError(t, err)
	sub, err := rt.FindSubscriber("client1", "secret/data")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestProcessNotEvaluatedIsDenied(t *testing.T) {
	auth := allowFunc(func(_, _ string) Decision { return NotEvaluated })
	m, _, _ := setupManager(t, WithAuthorizer(auth))

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/b", QoS: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ReasonCode{types.ReasonNotAuthorized}, ack.Reasons)
}

func TestProcessPerFilterPersistFailure(t *testing.T) {
	mem := memory.New().Subscriptions()
	store := &failingSubStore{
		SubscriptionStore: mem,
		failFilters:       map[string]bool{"b/c": true},
	}
	m := NewManager(config.Default(), router.NewRouter(), store)

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "a/b", QoS: 1},
			{Filter: "b/c", QoS: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ReasonCode{types.ReasonGrantedQoS1, types.ReasonUnspecifiedError}, ack.Reasons)
	assert.Contains(t, ack.Reason, "b/c")
}

func TestProcessBatchPersistFailure(t *testing.T) {
	store := &failingSubStore{
		SubscriptionStore: memory.New().Subscriptions(),
		failBatch:         true,
	}
	m := NewManager(config.Default(), router.NewRouter(), store)

	ack, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Version:  4,
		Topics: []TopicRequest{
			{Filter: "a/b", QoS: 1},
			{Filter: "b/c", QoS: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ReasonCode{types.ReasonUnspecifiedError, types.ReasonUnspecifiedError}, ack.Reasons)
}

func TestProcessRetainedTrigger(t *testing.T) {
	rec := &recordingRetained{}
	m, _, _ := setupManager(t, WithRetainedDeliverer(rec))

	// First subscribe: new subscription.
	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/b", QoS: 1}},
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, retainedCall{filter: "a/b", existed: false}, rec.calls[0])

	// Second subscribe to the same filter: store reports it existed.
	_, err = m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/b", QoS: 1}},
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, retainedCall{filter: "a/b", existed: true}, rec.calls[1])
}

func TestProcessRetainedSkipsFailedAndShared(t *testing.T) {
	rec := &recordingRetained{}
	store := &failingSubStore{
		SubscriptionStore: memory.New().Subscriptions(),
		failFilters:       map[string]bool{"broken/f": true},
	}
	m := NewManager(config.Default(), router.NewRouter(), store, WithRetainedDeliverer(rec))

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "ok/f", QoS: 0},
			{Filter: "broken/f", QoS: 0},
			{Filter: "$share/g/shared/f", QoS: 0},
		},
	})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ok/f", rec.calls[0].filter)
}

func TestUnsubscribe(t *testing.T) {
	m, rt, store := setupManager(t)

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics:   []TopicRequest{{Filter: "a/b", QoS: 1}},
	})
	require.NoError(t, err)

	reasons := m.Unsubscribe(context.Background(), "client1", []string{"a/b", "never/was"})
	assert.Equal(t, []types.ReasonCode{types.ReasonSuccess, types.ReasonNoSubscriptionExisted}, reasons)

	sub, err := rt.FindSubscriber("client1", "a/b")
	require.NoError(t, err)
	assert.Nil(t, sub)

	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestRemoveAll(t *testing.T) {
	m, rt, store := setupManager(t)

	_, err := m.Process(context.Background(), &Request{
		ClientID: "client1",
		Topics: []TopicRequest{
			{Filter: "a/b", QoS: 1},
			{Filter: "c/d", QoS: 0},
		},
	})
	require.NoError(t, err)

	require.NoError(t, m.RemoveAll(context.Background(), "client1"))

	matches, err := rt.FindSubscribers("a/b")
	require.NoError(t, err)
	assert.Empty(t, matches.Subscribers)

	subs, err := store.Get(context.Background(), "client1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
