// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the point to point datagram transports dhtmail
// nodes talk over.  Delivery is at most once per Send; there is no
// ordering or reliability guarantee.
package transport

import (
	"context"
	"errors"
)

// MaxMessageLength bounds a single message.
const MaxMessageLength = 1 << 20

var (
	// ErrUnreachable is returned when the destination is known not to be
	// reachable.  A nil error does not imply delivery.
	ErrUnreachable = errors.New("transport: destination unreachable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrTooLarge is returned for messages over MaxMessageLength.
	ErrTooLarge = errors.New("transport: message too large")
)

// Handler is called for every received message.  from is the sender's
// transport address.
type Handler func(from string, msg []byte)

// Transport sends and receives opaque messages.
type Transport interface {
	// Address returns the address peers reach this node at.
	Address() string

	// Send delivers msg to the node at addr, at most once.
	Send(ctx context.Context, addr string, msg []byte) error

	// OnReceive sets the handler for inbound messages.
	OnReceive(h Handler)

	// Close stops the transport.
	Close() error
}
