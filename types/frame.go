// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// FrameType identifies an outbound frame handed to the transport.
type FrameType byte

const (
	FramePublish FrameType = iota
	FramePubrel
)

// Frame is a finished outbound packet. Encoding to wire bytes is the
// transport's job; the routing core only decides what to send.
type Frame struct {
	Type     FrameType
	PacketID uint16
	// Message is set for FramePublish.
	Message *Message
}
