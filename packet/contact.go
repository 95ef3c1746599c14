// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"fmt"
	"strings"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/identity"
)

const contactKeyPrefix = "dhtmail-contact:"

// ContactPacket publishes a name to destination mapping signed by the
// destination's owner.
type ContactPacket struct {
	Name        string
	Destination []byte
	Text        string
	Signature   []byte
}

// NewContactPacket returns a ContactPacket for id, signed by id.
func NewContactPacket(id *identity.Identity, text string) *ContactPacket {
	p := &ContactPacket{
		Name:        id.Name,
		Destination: id.Destination().Bytes(),
		Text:        text,
	}
	p.Signature = id.Sign(p.signedBytes())
	return p
}

// ContactKey is the DHT key a contact packet for name is stored under.
func ContactKey(name string) common.Key {
	return common.HashKey([]byte(contactKeyPrefix + strings.ToLower(strings.TrimSpace(name))))
}

// Type returns TypeContact.
func (p *ContactPacket) Type() Type { return TypeContact }

// Key returns ContactKey(p.Name).
func (p *ContactPacket) Key() common.Key { return ContactKey(p.Name) }

func (p *ContactPacket) signedBytes() []byte {
	w := &writer{}
	w.bytes16([]byte(p.Name))
	w.raw(p.Destination)
	w.bytes16([]byte(p.Text))
	return w.b
}

// Verify checks the signature against the destination's signing key.
func (p *ContactPacket) Verify() (*identity.Destination, error) {
	dest, err := identity.DestinationFromBytes(p.Destination)
	if err != nil {
		return nil, err
	}
	if !dest.Verify(p.Signature, p.signedBytes()) {
		return nil, fmt.Errorf("%w: bad contact signature", common.ErrCorruptPacket)
	}
	return dest, nil
}

// ToBytes serializes the packet.
func (p *ContactPacket) ToBytes() []byte {
	w := newWriter(p.Type(), len(p.Name)+len(p.Text)+identity.DestinationLength+identity.SignatureLength+4)
	w.bytes16([]byte(p.Name))
	w.raw(p.Destination)
	w.bytes16([]byte(p.Text))
	w.raw(p.Signature)
	return w.b
}

func contactFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &ContactPacket{}
	p.Name = string(r.bytes16())
	p.Destination = append([]byte{}, r.take(identity.DestinationLength)...)
	p.Text = string(r.bytes16())
	p.Signature = append([]byte{}, r.take(identity.SignatureLength)...)
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}
