// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package distribute implements the publish distributor: it fans a PUBLISH
// out to every matching subscriber queue and maintains the retained store.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/absmach/mqcore/config"
	"github.com/absmach/mqcore/router"
	"github.com/absmach/mqcore/session"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/types"
)

// Breaker name prefixes. Every destination queue gets its own circuit
// breaker, so a failing queue pauses appends to that destination only.
const (
	classClient   = "client"
	classShared   = "shared"
	classRetained = "retained"
)

// Notifier wakes the delivery engine after a queue append. A nil notifier
// leaves messages queued until the next poll.
type Notifier interface {
	// NotifyClient signals new traffic on a client queue.
	NotifyClient(clientID string)
	// NotifyShared signals new traffic on a shared group queue, offered to
	// the selected member.
	NotifyShared(groupKey, clientID string)
}

// Distributor routes published messages into destination queues.
type Distributor struct {
	cfg      config.DeliveryConfig
	router   *router.TrieRouter
	retained storage.RetainedStore
	queues   storage.QueueStore
	sessions session.Cache
	strategy Strategy
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures the Distributor.
type Option func(*Distributor)

// WithStrategy overrides the share-group member selection strategy.
func WithStrategy(s Strategy) Option {
	return func(d *Distributor) { d.strategy = s }
}

// WithNotifier installs the delivery engine wake-up hook.
func WithNotifier(n Notifier) Option {
	return func(d *Distributor) { d.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// NewDistributor creates a publish distributor.
func NewDistributor(cfg config.DeliveryConfig, rt *router.TrieRouter, store storage.Store, sessions session.Cache, opts ...Option) *Distributor {
	d := &Distributor{
		cfg:      cfg,
		router:   rt,
		retained: store.Retained(),
		queues:   store.Queues(),
		sessions: sessions,
		strategy: NewRoundRobin(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// breakerFor lazily creates the circuit breaker of one destination.
func (d *Distributor) breakerFor(name string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				d.logger.Warn("queue circuit breaker state changed",
					slog.String("destination", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
		d.breakers[name] = cb
	}
	return cb
}

// Distribute fans a published message out to all matching destinations.
// Failures are isolated per destination and returned joined; a partial
// failure still delivers to every other destination.
func (d *Distributor) Distribute(ctx context.Context, msg *types.Message, publisherID string) error {
	d.logger.Debug("distribute",
		slog.String("topic", msg.Topic),
		slog.Int("qos", int(msg.QoS)),
		slog.Bool("retain", msg.Retain),
		slog.String("publisher", publisherID))

	if msg.UniqueID == "" {
		msg.UniqueID = uuid.NewString()
	}
	if msg.PublishTime.IsZero() {
		msg.PublishTime = time.Now()
	}

	var errs []error
	if msg.Retain {
		if err := d.storeRetained(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}

	matches, err := d.router.FindSubscribers(msg.Topic)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	for _, sub := range matches.Subscribers {
		wg.Add(1)
		go func(sub *router.Subscriber) {
			defer wg.Done()
			collect(d.deliverDirect(ctx, msg, sub, publisherID))
		}(sub)
	}
	for _, groupKey := range matches.SharedGroups {
		wg.Add(1)
		go func(groupKey string) {
			defer wg.Done()
			collect(d.deliverShared(ctx, msg, groupKey))
		}(groupKey)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// storeRetained updates the retained store for a retain-flagged publish. An
// empty payload removes the retained message for the topic.
func (d *Distributor) storeRetained(ctx context.Context, msg *types.Message) error {
	cb := d.breakerFor(classRetained)
	_, err := cb.Execute(func() (interface{}, error) {
		if len(msg.Payload) == 0 {
			err := d.retained.Remove(ctx, msg.Topic)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		cp := types.CopyMessage(msg)
		cp.Retain = true
		cp.PacketID = 0
		cp.Dup = false
		return nil, d.retained.Persist(ctx, msg.Topic, cp)
	})
	if err != nil {
		return fmt.Errorf("retained store update for %q: %w", msg.Topic, err)
	}
	return nil
}

// deliverDirect queues a per-subscriber copy of the message.
func (d *Distributor) deliverDirect(ctx context.Context, msg *types.Message, sub *router.Subscriber, publisherID string) error {
	if sub.NoLocal && sub.ClientID == publisherID {
		return nil
	}

	out := types.CopyMessage(msg)
	out.QoS = min(sub.QoS, msg.QoS)
	out.Retain = msg.Retain && sub.RetainAsPublished
	out.PacketID = 0
	out.Dup = false
	out.UniqueID = uuid.NewString()
	out.SubscriptionIDs = append([]uint32(nil), sub.SubscriptionIDs...)

	if out.QoS == 0 && !d.cfg.QueueQoS0Offline && !d.connected(sub.ClientID) {
		// QoS 0 carries no delivery guarantee; queueing it for an
		// offline client only grows the queue.
		return nil
	}

	if err := d.enqueue(ctx, classClient, sub.ClientID, false, out); err != nil {
		return fmt.Errorf("deliver to %s: %w", sub.ClientID, err)
	}
	if d.notifier != nil {
		d.notifier.NotifyClient(sub.ClientID)
	}
	return nil
}

// deliverShared queues one copy for the whole share group and offers it to a
// member picked by the strategy. Only connected members are candidates; with
// none connected the message stays queued for the next one to connect.
func (d *Distributor) deliverShared(ctx context.Context, msg *types.Message, groupKey string) error {
	group, filter, ok := splitGroupKey(groupKey)
	if !ok {
		return fmt.Errorf("malformed share group key %q", groupKey)
	}

	out := types.CopyMessage(msg)
	// Shared groups are granted at most QoS 1. The member cap is applied
	// at delivery time, the queue holds the group-wide copy.
	out.QoS = min(msg.QoS, 1)
	out.Retain = false
	out.PacketID = 0
	out.Dup = false
	out.UniqueID = uuid.NewString()
	out.SubscriptionIDs = nil

	if err := d.enqueue(ctx, classShared, groupKey, true, out); err != nil {
		return fmt.Errorf("deliver to group %s: %w", groupKey, err)
	}

	if d.notifier != nil {
		var candidates []string
		for _, m := range d.router.GroupMembers(group, filter) {
			if d.connected(m.ClientID) {
				candidates = append(candidates, m.ClientID)
			}
		}
		if member := d.strategy.Select(groupKey, candidates); member != "" {
			d.notifier.NotifyShared(groupKey, member)
		}
	}
	return nil
}

func (d *Distributor) enqueue(ctx context.Context, class, destination string, shared bool, out *types.Message) error {
	cb := d.breakerFor(class + ":" + destination)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, d.queues.Add(ctx, destination, shared, []*types.Message{out})
	})
	return err
}

func (d *Distributor) connected(clientID string) bool {
	s := d.sessions.Get(clientID)
	return s != nil && s.Connected()
}

// splitGroupKey splits a "{group}/{filter}" key.
func splitGroupKey(groupKey string) (group, filter string, ok bool) {
	parts := strings.SplitN(groupKey, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
