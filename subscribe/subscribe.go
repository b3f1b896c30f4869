// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscribe implements the subscription manager: it validates,
// authorizes and persists SUBSCRIBE requests, registers them with the topic
// tree and triggers retained-message delivery.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/mqcore/config"
	"github.com/absmach/mqcore/router"
	"github.com/absmach/mqcore/storage"
	"github.com/absmach/mqcore/topics"
	"github.com/absmach/mqcore/types"
)

// Protocol violations. Any of these must terminate the client connection.
var (
	ErrEmptySubscribe        = errors.New("subscribe without topic filters")
	ErrFilterTooLong         = errors.New("topic filter exceeds maximum length")
	ErrTooManyLevels         = errors.New("topic filter exceeds maximum levels")
	ErrWildcardsNotSupported = errors.New("wildcard subscriptions not supported")
	ErrSharedNotSupported    = errors.New("shared subscriptions not supported")
	ErrInvalidSubscriptionID = errors.New("subscription identifier out of range")
)

// TopicRequest is one filter entry of a SUBSCRIBE packet.
type TopicRequest struct {
	Filter  string
	QoS     byte
	Options types.SubscribeOptions
}

// Request is a decoded SUBSCRIBE packet.
type Request struct {
	ClientID string
	Topics   []TopicRequest
	// SubscriptionID is the MQTT 5 subscription identifier for every filter
	// in this request, 0 if absent.
	SubscriptionID uint32
	// Version is the protocol version, 4 (MQTT 3.1.1) or 5.
	Version byte
}

// SubAck is the outcome of a processed SUBSCRIBE, one reason code per filter
// in the original request order.
type SubAck struct {
	Reasons []types.ReasonCode
	// Reason aggregates the denial reasons of failed filters, empty when
	// everything was granted.
	Reason string
}

// Decision is an authorization verdict for one filter.
type Decision int

const (
	// Allowed grants the subscription.
	Allowed Decision = iota
	// Denied rejects the subscription with NOT_AUTHORIZED.
	Denied
	// NotEvaluated means no rule matched. Treated as Denied: a registered
	// authorizer that cannot decide must not grant access.
	NotEvaluated
)

// Authorizer decides per filter whether a client may subscribe.
type Authorizer interface {
	Authorize(ctx context.Context, clientID, filter string) Decision
}

// RetainedDeliverer queues retained messages for a freshly persisted
// subscription. Implemented by the retained package.
type RetainedDeliverer interface {
	DeliverOnSubscribe(ctx context.Context, sub *types.Subscription, existed bool) error
}

// Manager processes SUBSCRIBE and UNSUBSCRIBE requests.
type Manager struct {
	topicsCfg config.TopicsConfig
	subCfg    config.SubscriptionConfig

	router     *router.TrieRouter
	store      storage.SubscriptionStore
	authorizer Authorizer
	retained   RetainedDeliverer
	logger     *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithAuthorizer installs a per-filter authorization callback.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

// WithRetainedDeliverer installs the retained-message delivery trigger.
func WithRetainedDeliverer(r RetainedDeliverer) Option {
	return func(m *Manager) { m.retained = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a subscription manager.
func NewManager(cfg *config.Config, rt *router.TrieRouter, store storage.SubscriptionStore, opts ...Option) *Manager {
	m := &Manager{
		topicsCfg: cfg.Topics,
		subCfg:    cfg.Subscription,
		router:    rt,
		store:     store,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// pending is one filter surviving validation, carrying its original request
// positions. Duplicate filters collapse into one pending entry that answers
// for all of its positions.
type pending struct {
	sub       *types.Subscription
	positions []int
	granted   types.ReasonCode
}

// Process handles one SUBSCRIBE request. A non-nil error is a protocol
// violation and the connection must be dropped without a SUBACK. Otherwise
// the returned SubAck carries one reason code per requested filter and is
// produced only after all persistence completed.
func (m *Manager) Process(ctx context.Context, req *Request) (*SubAck, error) {
	if len(req.Topics) == 0 {
		return nil, ErrEmptySubscribe
	}
	if req.SubscriptionID > types.MaxSubscriptionID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubscriptionID, req.SubscriptionID)
	}

	reasons := make([]types.ReasonCode, len(req.Topics))
	var denials []string

	// Validation and authorization run per original position. Validation
	// failures are fatal, authorization failures only mark the position.
	byFilter := make(map[string]*pending)
	order := make([]*pending, 0, len(req.Topics))
	for i, t := range req.Topics {
		sub, err := m.validate(&t, req)
		if err != nil {
			return nil, err
		}

		if m.authorizer != nil && m.authorizer.Authorize(ctx, req.ClientID, t.Filter) != Allowed {
			reasons[i] = types.ReasonNotAuthorized
			denials = append(denials, fmt.Sprintf("not authorized to subscribe to %q", t.Filter))
			m.logger.Warn("subscription denied",
				slog.String("client_id", req.ClientID),
				slog.String("filter", t.Filter))
			continue
		}

		// Duplicate filters within one packet: the last occurrence wins,
		// every occurrence is answered with its outcome.
		if p, ok := byFilter[t.Filter]; ok {
			p.sub = sub
			p.positions = append(p.positions, i)
			continue
		}
		p := &pending{sub: sub, positions: []int{i}}
		byFilter[t.Filter] = p
		order = append(order, p)
	}

	if err := m.persist(ctx, req, order); err != nil {
		return nil, err
	}

	for _, p := range order {
		for _, pos := range p.positions {
			reasons[pos] = p.granted
		}
		if p.granted.Failure() {
			denials = append(denials, fmt.Sprintf("persisting %q failed", p.sub.Filter))
		}
	}

	return &SubAck{Reasons: reasons, Reason: strings.Join(denials, "; ")}, nil
}

// validate checks one filter entry and builds its subscription. Any error is
// a protocol violation.
func (m *Manager) validate(t *TopicRequest, req *Request) (*types.Subscription, error) {
	if len(t.Filter) > m.topicsCfg.MaxLength {
		return nil, fmt.Errorf("%w: %q", ErrFilterTooLong, t.Filter)
	}

	group, topicFilter, shared := topics.ParseShared(t.Filter)
	if topics.IsShared(t.Filter) && !shared {
		return nil, fmt.Errorf("%w: %q", topics.ErrInvalidTopicFilter, t.Filter)
	}
	if err := topics.ValidateFilter(topicFilter); err != nil {
		return nil, fmt.Errorf("%w: %q", err, t.Filter)
	}
	if m.topicsCfg.MaxLevels > 0 && strings.Count(topicFilter, "/")+1 > m.topicsCfg.MaxLevels {
		return nil, fmt.Errorf("%w: %q", ErrTooManyLevels, t.Filter)
	}
	if !m.subCfg.WildcardsEnabled && topics.HasWildcard(topicFilter) {
		return nil, fmt.Errorf("%w: %q", ErrWildcardsNotSupported, t.Filter)
	}
	if shared {
		if !m.subCfg.SharedEnabled {
			return nil, fmt.Errorf("%w: %q", ErrSharedNotSupported, t.Filter)
		}
		// Shared groups deliver each message to one member, a guarantee
		// QoS 2 ordering cannot survive. Cap at QoS 1.
		if t.QoS > 1 {
			t.QoS = 1
		}
	}

	return &types.Subscription{
		ClientID:       req.ClientID,
		Filter:         t.Filter,
		TopicFilter:    topicFilter,
		ShareGroup:     group,
		QoS:            t.QoS,
		SubscriptionID: req.SubscriptionID,
		Options:        t.Options,
	}, nil
}

// persist stores the surviving filters, registers them with the topic tree
// and triggers retained delivery. Individual store failures degrade the
// affected positions to a failure reason code instead of failing the request.
func (m *Manager) persist(ctx context.Context, req *Request, order []*pending) error {
	if len(order) == 0 {
		return nil
	}

	existed := make([]bool, len(order))
	if len(order) >= 2 {
		subs := make([]*types.Subscription, len(order))
		for i, p := range order {
			subs[i] = p.sub
		}
		results, err := m.store.AddBatch(ctx, subs)
		if err != nil {
			// The whole batch failed. MQTT 3.1.1 has no per-filter
			// error granularity anyway; answer every position with
			// a generic failure and keep the connection.
			m.logger.Error("subscription batch persist failed",
				slog.String("client_id", req.ClientID),
				slog.Any("error", err))
			for _, p := range order {
				p.granted = types.ReasonUnspecifiedError
			}
			return nil
		}
		for i, res := range results {
			if res.Err != nil {
				m.logger.Error("subscription persist failed",
					slog.String("client_id", req.ClientID),
					slog.String("filter", order[i].sub.Filter),
					slog.Any("error", res.Err))
				order[i].granted = types.ReasonUnspecifiedError
				continue
			}
			existed[i] = res.Existed
			order[i].granted = types.GrantedQoS(order[i].sub.QoS)
		}
	} else {
		p := order[0]
		ex, err := m.store.Add(ctx, p.sub)
		if err != nil {
			m.logger.Error("subscription persist failed",
				slog.String("client_id", req.ClientID),
				slog.String("filter", p.sub.Filter),
				slog.Any("error", err))
			p.granted = types.ReasonUnspecifiedError
			return nil
		}
		existed[0] = ex
		p.granted = types.GrantedQoS(p.sub.QoS)
	}

	persisted := make([]*types.Subscription, 0, len(order))
	for _, p := range order {
		if !p.granted.Failure() {
			persisted = append(persisted, p.sub)
		}
	}
	m.router.SubscribeBatch(persisted)
	m.logger.Debug("subscriptions added",
		slog.String("client_id", req.ClientID),
		slog.Int("count", len(persisted)))

	if m.retained == nil || !m.subCfg.RetainedAvailable {
		return nil
	}
	for i, p := range order {
		if p.granted.Failure() || p.sub.Shared() {
			continue
		}
		if err := m.retained.DeliverOnSubscribe(ctx, p.sub, existed[i]); err != nil {
			m.logger.Error("retained delivery failed",
				slog.String("client_id", req.ClientID),
				slog.String("filter", p.sub.Filter),
				slog.Any("error", err))
		}
	}
	return nil
}

// Unsubscribe removes the filters from the topic tree and the store. One
// reason code is returned per filter.
func (m *Manager) Unsubscribe(ctx context.Context, clientID string, filters []string) []types.ReasonCode {
	reasons := make([]types.ReasonCode, len(filters))
	for i, filter := range filters {
		subs, err := m.store.Get(ctx, clientID)
		if err != nil {
			m.logger.Error("unsubscribe lookup failed",
				slog.String("client_id", clientID),
				slog.String("filter", filter),
				slog.Any("error", err))
			reasons[i] = types.ReasonUnspecifiedError
			continue
		}
		found := false
		for _, s := range subs {
			if s.Filter == filter {
				found = true
				break
			}
		}
		if !found {
			reasons[i] = types.ReasonNoSubscriptionExisted
			continue
		}

		m.router.Unsubscribe(clientID, filter)
		if err := m.store.Remove(ctx, clientID, filter); err != nil {
			m.logger.Error("unsubscribe persist failed",
				slog.String("client_id", clientID),
				slog.String("filter", filter),
				slog.Any("error", err))
			reasons[i] = types.ReasonUnspecifiedError
			continue
		}
		reasons[i] = types.ReasonSuccess
		m.logger.Debug("unsubscribed",
			slog.String("client_id", clientID),
			slog.String("filter", filter))
	}
	return reasons
}

// RemoveAll drops every subscription of the client from the tree and the
// store, used on session end.
func (m *Manager) RemoveAll(ctx context.Context, clientID string) error {
	m.router.RemoveClient(clientID)
	if err := m.store.RemoveAll(ctx, clientID); err != nil {
		return fmt.Errorf("failed to remove subscriptions of %s: %w", clientID, err)
	}
	return nil
}
