// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"sync"
)

// Network is an in-memory network of Loopback transports.
type Network struct {
	sync.RWMutex

	nodes map[string]*Loopback

	// Filter, if set, is consulted for every message; returning false
	// drops it silently.
	Filter func(from, to string, msg []byte) bool
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Loopback),
	}
}

// Endpoint returns a new transport bound to addr.
func (n *Network) Endpoint(addr string) *Loopback {
	l := &Loopback{
		net:  n,
		addr: addr,
	}
	n.Lock()
	n.nodes[addr] = l
	n.Unlock()
	return l
}

func (n *Network) lookup(addr string) *Loopback {
	n.RLock()
	defer n.RUnlock()
	return n.nodes[addr]
}

func (n *Network) remove(addr string) {
	n.Lock()
	defer n.Unlock()
	delete(n.nodes, addr)
}

// Loopback is a Transport that delivers within a Network.
type Loopback struct {
	sync.RWMutex

	net     *Network
	addr    string
	handler Handler
	closed  bool
	wg      sync.WaitGroup
}

// Address returns the endpoint's address.
func (l *Loopback) Address() string {
	return l.addr
}

// OnReceive sets the inbound handler.
func (l *Loopback) OnReceive(h Handler) {
	l.Lock()
	defer l.Unlock()
	l.handler = h
}

// Send hands a copy of msg to the destination's handler on a new
// goroutine.
func (l *Loopback) Send(ctx context.Context, addr string, msg []byte) error {
	if len(msg) > MaxMessageLength {
		return ErrTooLarge
	}
	l.RLock()
	closed := l.closed
	l.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := l.net.lookup(addr)
	if dst == nil {
		return ErrUnreachable
	}
	if f := l.net.Filter; f != nil && !f(l.addr, addr, msg) {
		return nil
	}
	dst.deliver(l.addr, append([]byte{}, msg...))
	return nil
}

func (l *Loopback) deliver(from string, msg []byte) {
	l.RLock()
	defer l.RUnlock()
	if l.closed || l.handler == nil {
		return
	}
	h := l.handler
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		h(from, msg)
	}()
}

// Close detaches the endpoint and waits for running handlers.
func (l *Loopback) Close() error {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil
	}
	l.closed = true
	l.Unlock()
	l.net.remove(l.addr)
	l.wg.Wait()
	return nil
}
