// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packetid manages the 16-bit MQTT packet identifier space of a
// single client. Identifiers 1..65535 are tracked as a sorted list of free
// ranges, which keeps both allocation time and memory footprint small even
// when most of the space is taken.
package packetid

import (
	"errors"
	"sync"
)

const (
	// MinID is the smallest valid MQTT packet identifier. Zero is reserved.
	MinID = 1
	// MaxID is the largest valid MQTT packet identifier.
	MaxID = 65535
)

// Allocation errors.
var (
	// ErrNoIDAvailable means all 65535 identifiers are currently taken.
	ErrNoIDAvailable = errors.New("no packet identifier available")
	// ErrIDTaken means the requested identifier is already allocated.
	ErrIDTaken = errors.New("packet identifier already taken")
)

// freeRange is a half-open interval [start, end) of free identifiers.
type freeRange struct {
	start, end int
	next       *freeRange
}

// Allocator hands out packet identifiers for one client. Safe for concurrent
// use; new-message and redelivery polls may race on the same client.
type Allocator struct {
	mu   sync.Mutex
	root *freeRange
}

// NewAllocator creates an allocator with the full identifier space free.
func NewAllocator() *Allocator {
	return &Allocator{
		root: &freeRange{start: MinID, end: MaxID + 1},
	}
}

// TakeNext allocates the lowest free identifier.
func (a *Allocator) TakeNext() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.root.start == a.root.end {
		return 0, ErrNoIDAvailable
	}

	id := a.root.start
	a.root.start++
	if a.root.start == a.root.end && a.root.next != nil {
		a.root = a.root.next
	}
	return uint16(id), nil
}

// TakeSpecific allocates the given identifier if it is still free. Used to
// re-acquire the identifier of a resumed in-flight delivery after reconnect.
func (a *Allocator) TakeSpecific(id uint16) error {
	if id < MinID {
		return ErrIDTaken
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	want := int(id)
	var prev *freeRange
	for cur := a.root; cur != nil; cur = cur.next {
		// Ranges are sorted, so falling below the current one means the
		// identifier is already allocated.
		if want < cur.start {
			return ErrIDTaken
		}

		if want < cur.end {
			lowerStart := cur.start
			cur.start = want + 1
			if lowerStart < want {
				lower := &freeRange{start: lowerStart, end: want, next: cur}
				if prev != nil {
					prev.next = lower
				} else {
					a.root = lower
				}
			}
			// Keep the root non-empty while free identifiers remain.
			for a.root.start == a.root.end && a.root.next != nil {
				a.root = a.root.next
			}
			return nil
		}

		prev = cur
	}
	return ErrIDTaken
}

// Return frees an identifier. Returning an identifier that is already free,
// or zero, is a no-op.
func (a *Allocator) Return(id uint16) {
	if id < MinID {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	freed := int(id)
	var prev *freeRange
	for cur := a.root; cur != nil; cur = cur.next {
		switch {
		case freed+1 < cur.start:
			// Strictly below the current range; becomes its own range.
			r := &freeRange{start: freed, end: freed + 1, next: cur}
			if prev != nil {
				prev.next = r
			} else {
				a.root = r
			}
			return
		case freed+1 == cur.start:
			cur.start = freed
			return
		case freed < cur.end:
			// Already free.
			return
		case freed == cur.end:
			cur.end = freed + 1
			if cur.next != nil && cur.end == cur.next.start {
				cur.end = cur.next.end
				cur.next = cur.next.next
			}
			return
		}
		prev = cur
	}

	prev.next = &freeRange{start: freed, end: freed + 1}
}

// Free returns the number of identifiers currently available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for cur := a.root; cur != nil; cur = cur.next {
		n += cur.end - cur.start
	}
	return n
}
