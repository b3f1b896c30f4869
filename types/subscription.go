// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// RetainHandling controls retained-message delivery on subscribe (MQTT 5).
type RetainHandling byte

const (
	// RetainSend delivers retained messages on every subscribe.
	RetainSend RetainHandling = iota
	// RetainSendIfNew delivers retained messages only if the subscription
	// did not exist before.
	RetainSendIfNew
	// RetainDoNotSend never delivers retained messages on subscribe.
	RetainDoNotSend
)

// SubscribeOptions holds the per-subscription flags from a SUBSCRIBE packet.
type SubscribeOptions struct {
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// Subscription is a single persisted subscription entry.
type Subscription struct {
	ClientID string
	// Filter is the full filter string as subscribed, including any
	// $share/{group}/ prefix.
	Filter string
	// TopicFilter is the filter with the share prefix stripped. Equal to
	// Filter for non-shared subscriptions.
	TopicFilter string
	ShareGroup  string // empty for non-shared subscriptions
	QoS         byte
	// SubscriptionID is the MQTT 5 subscription identifier, 0 if absent.
	// Valid range is 1..268435455.
	SubscriptionID uint32
	Options        SubscribeOptions
}

// Shared reports whether this is a shared subscription.
func (s *Subscription) Shared() bool {
	return s.ShareGroup != ""
}

// MaxSubscriptionID is the largest valid MQTT 5 subscription identifier.
const MaxSubscriptionID = 268435455
