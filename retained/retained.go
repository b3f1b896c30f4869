// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retained implements retained-message delivery on subscribe.
package retained

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/mqcore/distribute"
	"github.com/absmach/mqcore/iterate"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
)

const defaultChunkSize = 100

// Deliverer queues retained messages for fresh subscriptions. It satisfies
// subscribe.RetainedDeliverer.
type Deliverer struct {
	retained  storage.RetainedStore
	queues    storage.QueueStore
	notifier  distribute.Notifier
	chunkSize int
	logger    *slog.Logger
}

// Option configures the Deliverer.
type Option func(*Deliverer)

// WithNotifier installs the delivery engine wake-up hook.
func WithNotifier(n distribute.Notifier) Option {
	return func(d *Deliverer) { d.notifier = n }
}

// WithChunkSize sets the page size of wildcard scans.
func WithChunkSize(n int) Option {
	return func(d *Deliverer) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// NewDeliverer creates a retained-message deliverer.
func NewDeliverer(retained storage.RetainedStore, queues storage.QueueStore, opts ...Option) *Deliverer {
	d := &Deliverer{
		retained:  retained,
		queues:    queues,
		chunkSize: defaultChunkSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DeliverOnSubscribe queues the retained messages matching a just persisted
// subscription, honoring its retain-handling mode. existed reports whether
// the exact filter was already subscribed before this request.
func (d *Deliverer) DeliverOnSubscribe(ctx context.Context, sub *types.Subscription, existed bool) error {
	switch sub.Options.RetainHandling {
	case types.RetainDoNotSend:
		return nil
	case types.RetainSendIfNew:
		if existed {
			return nil
		}
	}

	if !topics.HasWildcard(sub.TopicFilter) {
		msg, err := d.retained.Get(ctx, sub.TopicFilter)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("retained lookup for %q: %w", sub.TopicFilter, err)
		}
		return d.enqueue(ctx, sub, []*types.Message{msg})
	}
	return d.deliverWildcard(ctx, sub)
}

// deliverWildcard scans the whole retained store in chunks and queues every
// topic the filter matches, page by page.
func (d *Deliverer) deliverWildcard(ctx context.Context, sub *types.Subscription) error {
	fetch := func(ctx context.Context, cursor any) (*iterate.Chunk[string, *types.Message], error) {
		c, _ := cursor.(*storage.ChunkCursor)
		if c == nil {
			c = storage.NewChunkCursor()
		}
		page, err := d.retained.GetChunk(ctx, c, d.chunkSize)
		if err != nil {
			return nil, err
		}
		return &iterate.Chunk[string, *types.Message]{
			Items:    page.Messages,
			Cursor:   page.Cursor,
			Finished: page.Finished,
		}, nil
	}

	it := iterate.New(fetch)
	err := it.Run(ctx, func(ctx context.Context, items map[string]*types.Message, _ bool) error {
		var matched []*types.Message
		for topic, msg := range items {
			ok, err := topics.Match(sub.TopicFilter, topic)
			if err != nil {
				return err
			}
			if ok {
				matched = append(matched, msg)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		return d.enqueue(ctx, sub, matched)
	})
	if err != nil {
		return fmt.Errorf("retained scan for %q: %w", sub.TopicFilter, err)
	}
	return nil
}

// enqueue pushes retained copies through the regular queue path.
func (d *Deliverer) enqueue(ctx context.Context, sub *types.Subscription, msgs []*types.Message) error {
	now := time.Now()
	out := make([]*types.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Expired(now) {
			continue
		}
		cp := types.CopyMessage(msg)
		cp.Retain = true
		cp.Dup = false
		cp.PacketID = 0
		cp.QoS = min(msg.QoS, sub.QoS)
		cp.UniqueID = uuid.NewString()
		cp.SubscriptionIDs = nil
		if sub.SubscriptionID != 0 {
			cp.SubscriptionIDs = []uint32{sub.SubscriptionID}
		}
		out = append(out, cp)
	}
	if len(out) == 0 {
		return nil
	}

	if err := d.queues.Add(ctx, sub.ClientID, false, out); err != nil {
		return fmt.Errorf("queue retained for %s: %w", sub.ClientID, err)
	}
	d.logger.Debug("retained queued",
		slog.String("client_id", sub.ClientID),
		slog.String("filter", sub.Filter),
		slog.Int("count", len(out)))
	if d.notifier != nil {
		d.notifier.NotifyClient(sub.ClientID)
	}
	return nil
}
