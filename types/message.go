// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// Kind distinguishes entries in a client message queue.
type Kind byte

const (
	// KindPublish is a regular application message.
	KindPublish Kind = iota
	// KindPubrel is a PUBREL marker queued for a QoS 2 flow that already
	// received its PUBREC before the client disconnected.
	KindPubrel
)

// UserProperty is a single MQTT 5 user property. Order matters and duplicate
// names are allowed, so user properties are a slice, not a map.
type UserProperty struct {
	Name  string
	Value string
}

// Properties holds the optional MQTT 5 properties of a message.
type Properties struct {
	MessageExpiry   *uint32
	ResponseTopic   string
	CorrelationData []byte
	ContentType     string
	PayloadFormat   *byte
	User            []UserProperty
}

// Copy returns a deep copy of the properties.
func (p *Properties) Copy() *Properties {
	if p == nil {
		return nil
	}
	cp := &Properties{
		ResponseTopic: p.ResponseTopic,
		ContentType:   p.ContentType,
	}
	if p.MessageExpiry != nil {
		v := *p.MessageExpiry
		cp.MessageExpiry = &v
	}
	if p.PayloadFormat != nil {
		v := *p.PayloadFormat
		cp.PayloadFormat = &v
	}
	if p.CorrelationData != nil {
		cp.CorrelationData = append([]byte(nil), p.CorrelationData...)
	}
	if p.User != nil {
		cp.User = append([]UserProperty(nil), p.User...)
	}
	return cp
}

// Message represents a routed MQTT message. A nil Payload means "no payload"
// and is distinct from an empty one (retained-message deletion relies on it).
type Message struct {
	Kind            Kind
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	Dup             bool
	PacketID        uint16
	UniqueID        string // broker-assigned id, used as shared-queue removal key
	SubscriptionIDs []uint32
	Properties      *Properties
	PublishTime     time.Time
}

// CopyMessage returns a copy of the message suitable for handing to another
// destination queue. The payload slice is shared; callers must not mutate it.
func CopyMessage(m *Message) *Message {
	cp := *m
	cp.Properties = m.Properties.Copy()
	if m.SubscriptionIDs != nil {
		cp.SubscriptionIDs = append([]uint32(nil), m.SubscriptionIDs...)
	}
	return &cp
}

// Expired reports whether the message expiry interval has elapsed.
func (m *Message) Expired(now time.Time) bool {
	if m.Properties == nil || m.Properties.MessageExpiry == nil || m.PublishTime.IsZero() {
		return false
	}
	exp := m.PublishTime.Add(time.Duration(*m.Properties.MessageExpiry) * time.Second)
	return now.After(exp)
}

// NewPubrelMarker builds a queue entry that resumes a QoS 2 flow with PUBREL.
func NewPubrelMarker(packetID uint16) *Message {
	return &Message{
		Kind:     KindPubrel,
		QoS:      2,
		PacketID: packetID,
	}
}
