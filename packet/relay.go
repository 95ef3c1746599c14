// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"github.com/katzenpost/dhtmail/common"
)

// MaxReturnChainLength bounds the number of layers in a ReturnChain.
const MaxReturnChainLength = 16

// RelayRequest carries one onion layer sealed to the receiving hop.
type RelayRequest struct {
	Payload []byte
}

// Type returns TypeRelayRequest.
func (p *RelayRequest) Type() Type { return TypeRelayRequest }

// ToBytes serializes the packet.
func (p *RelayRequest) ToBytes() []byte {
	w := newWriter(p.Type(), 4+len(p.Payload))
	w.bytes32(p.Payload)
	return w.b
}

func relayRequestFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &RelayRequest{Payload: r.bytes32()}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReturnChain is the ordered list of hop-sealed layers a response travels
// back through.  Index is the next layer to open; a node receiving a chain
// whose Index equals the number of layers is the originator.
type ReturnChain struct {
	Layers [][]byte
	Index  uint8
}

// Done reports whether every layer has been opened.
func (c *ReturnChain) Done() bool {
	return int(c.Index) >= len(c.Layers)
}

// Next returns the layer at Index.
func (c *ReturnChain) Next() []byte {
	if c.Done() {
		return nil
	}
	return c.Layers[c.Index]
}

// RelayResponse travels back along a ReturnChain.  Sealed is opaque to
// every hop.
type RelayResponse struct {
	ReturnChain ReturnChain
	Sealed      []byte
}

// Type returns TypeRelayResponse.
func (p *RelayResponse) Type() Type { return TypeRelayResponse }

// ToBytes serializes the packet.
func (p *RelayResponse) ToBytes() []byte {
	n := 2 + len(p.Sealed)
	for _, l := range p.ReturnChain.Layers {
		n += 4 + len(l)
	}
	w := newWriter(p.Type(), n)
	w.u8(uint8(len(p.ReturnChain.Layers)))
	w.u8(p.ReturnChain.Index)
	for _, l := range p.ReturnChain.Layers {
		w.bytes32(l)
	}
	w.bytes32(p.Sealed)
	return w.b
}

func relayResponseFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	n := int(r.u8())
	p := &RelayResponse{}
	p.ReturnChain.Index = r.u8()
	if n > MaxReturnChainLength || int(p.ReturnChain.Index) > n {
		return nil, common.ErrCorruptPacket
	}
	for i := 0; i < n && !r.bad; i++ {
		p.ReturnChain.Layers = append(p.ReturnChain.Layers, r.bytes32())
	}
	p.Sealed = r.bytes32()
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}
