package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mqcore/types"
)

// InflightState represents the state of an in-flight outbound message.
type InflightState int

const (
	// StatePublishSent means PUBLISH was sent, waiting for PUBACK (QoS 1)
	// or PUBREC (QoS 2).
	StatePublishSent InflightState = iota
	// StatePubrelSent means PUBREC was received and PUBREL sent, waiting
	// for PUBCOMP (QoS 2).
	StatePubrelSent
)

// InflightMessage represents a message waiting for acknowledgment.
type InflightMessage struct {
	PacketID uint16
	Message  *types.Message
	State    InflightState
	SentAt   time.Time
	Retries  int
}

// InflightTracker tracks outbound QoS 1 and QoS 2 messages in flight.
type InflightTracker struct {
	mu       sync.RWMutex
	messages map[uint16]*InflightMessage
	maxSize  int
}

// NewInflightTracker creates a new inflight tracker.
func NewInflightTracker(maxSize int) *InflightTracker {
	if maxSize <= 0 {
		maxSize = 65535
	}
	return &InflightTracker{
		messages: make(map[uint16]*InflightMessage),
		maxSize:  maxSize,
	}
}

// SetMaxSize updates the window bound, e.g. after a reconnect renegotiated
// the receive maximum.
func (t *InflightTracker) SetMaxSize(maxSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxSize > 0 {
		t.maxSize = maxSize
	}
}

// Add adds a message to the inflight tracker.
func (t *InflightTracker) Add(packetID uint16, msg *types.Message, state InflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) >= t.maxSize {
		return ErrInflightFull
	}

	t.messages[packetID] = &InflightMessage{
		PacketID: packetID,
		Message:  msg,
		State:    state,
		SentAt:   time.Now(),
	}
	return nil
}

// Get retrieves an inflight message by packet ID.
func (t *InflightTracker) Get(packetID uint16) (*InflightMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, false
	}

	// Return a copy to prevent races.
	cp := *msg
	return &cp, true
}

// UpdateState updates the state of an inflight message and resets its timer.
func (t *InflightTracker) UpdateState(packetID uint16, state InflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("update state for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.State = state
	msg.SentAt = time.Now()
	return nil
}

// Ack acknowledges and removes a message (QoS 1 PUBACK or QoS 2 PUBCOMP).
func (t *InflightTracker) Ack(packetID uint16) (*InflightMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}

	delete(t.messages, packetID)
	return msg, nil
}

// Remove removes an inflight message without acknowledging it.
func (t *InflightTracker) Remove(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, packetID)
}

// GetExpired returns messages whose handshake exceeded the timeout.
func (t *InflightTracker) GetExpired(timeout time.Duration) []*InflightMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []*InflightMessage
	for _, msg := range t.messages {
		if now.Sub(msg.SentAt) >= timeout {
			cp := *msg
			expired = append(expired, &cp)
		}
	}
	return expired
}

// MarkRetry marks a message as retried and updates sent time.
func (t *InflightTracker) MarkRetry(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("mark retry for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.SentAt = time.Now()
	msg.Retries++
	return nil
}

// Count returns the number of inflight messages.
func (t *InflightTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// IsFull returns true if the tracker is at capacity.
func (t *InflightTracker) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages) >= t.maxSize
}

// Drain removes and returns all inflight messages, used on disconnect to
// hand undelivered messages back to the queue.
func (t *InflightTracker) Drain() []*InflightMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]*InflightMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		result = append(result, msg)
	}
	t.messages = make(map[uint16]*InflightMessage)
	return result
}
