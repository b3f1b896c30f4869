// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks per-client delivery state: connection liveness,
// packet identifier allocation and the in-flight window.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/mqcore/packetid"
	"github.com/absmach/mqcore/types"
)

// Common errors.
var (
	ErrInflightFull   = errors.New("inflight window full")
	ErrPacketNotFound = errors.New("packet not found in inflight")
	ErrNotConnected   = errors.New("session not connected")
)

// Sink is the outbound side of a client connection. The transport layer
// implements it; the delivery engine only writes finished frames.
type Sink interface {
	// IsActive reports whether the connection can still accept frames.
	IsActive() bool
	// Write hands a frame to the transport. It returns once the frame is
	// accepted for transmission.
	Write(ctx context.Context, f *types.Frame) error
}

// Session represents the delivery state of one client.
type Session struct {
	mu sync.RWMutex

	// ID is the client identifier.
	ID string

	sink           Sink
	receiveMaximum uint16

	connectedAt    time.Time
	disconnectedAt time.Time

	allocator *packetid.Allocator
	inflight  *InflightTracker
}

// New creates a session for the client. receiveMaximum bounds the number of
// unacknowledged QoS 1/2 deliveries; zero means the protocol maximum.
func New(clientID string, receiveMaximum uint16) *Session {
	if receiveMaximum == 0 {
		receiveMaximum = 65535
	}
	return &Session{
		ID:             clientID,
		receiveMaximum: receiveMaximum,
		allocator:      packetid.NewAllocator(),
		inflight:       NewInflightTracker(int(receiveMaximum)),
	}
}

// Connect attaches an outbound sink. A new receive maximum may be negotiated
// on every connect.
func (s *Session) Connect(sink Sink, receiveMaximum uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if receiveMaximum == 0 {
		receiveMaximum = 65535
	}
	s.sink = sink
	s.receiveMaximum = receiveMaximum
	s.inflight.SetMaxSize(int(receiveMaximum))
	s.connectedAt = time.Now()
}

// Disconnect detaches the sink.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
	s.disconnectedAt = time.Now()
}

// Connected reports whether the session has an active sink.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink != nil && s.sink.IsActive()
}

// Sink returns the current outbound sink, nil when disconnected.
func (s *Session) Sink() Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

// ReceiveMaximum returns the negotiated in-flight window size.
func (s *Session) ReceiveMaximum() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiveMaximum
}

// Window returns the number of free in-flight slots.
func (s *Session) Window() int {
	s.mu.RLock()
	max := int(s.receiveMaximum)
	s.mu.RUnlock()

	free := max - s.inflight.Count()
	if free < 0 {
		return 0
	}
	return free
}

// Allocator returns the packet identifier allocator of this session.
func (s *Session) Allocator() *packetid.Allocator { return s.allocator }

// Inflight returns the in-flight tracker of this session.
func (s *Session) Inflight() *InflightTracker { return s.inflight }
