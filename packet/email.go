// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"fmt"
	"time"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/identity"
)

// UnencryptedEmailPacket is one fragment of an email before encryption.
type UnencryptedEmailPacket struct {
	DeleteAuthorization common.UniqueID
	MessageID           common.UniqueID
	FragmentIndex       uint16
	NumFragments        uint16
	Content             []byte
}

// Type returns TypeUnencryptedEmail.
func (p *UnencryptedEmailPacket) Type() Type { return TypeUnencryptedEmail }

// ToBytes serializes the packet.
func (p *UnencryptedEmailPacket) ToBytes() []byte {
	w := newWriter(p.Type(), 2*common.UniqueIDLength+8+len(p.Content))
	w.id(p.DeleteAuthorization)
	w.id(p.MessageID)
	w.u16(p.FragmentIndex)
	w.u16(p.NumFragments)
	w.bytes32(p.Content)
	return w.b
}

func unencryptedEmailFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &UnencryptedEmailPacket{
		DeleteAuthorization: r.id(),
		MessageID:           r.id(),
		FragmentIndex:       r.u16(),
		NumFragments:        r.u16(),
		Content:             r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if p.NumFragments == 0 || p.FragmentIndex >= p.NumFragments {
		return nil, fmt.Errorf("%w: fragment %d of %d", common.ErrCorruptPacket, p.FragmentIndex, p.NumFragments)
	}
	return p, nil
}

// EncryptedEmailPacket is a fragment sealed to the recipient destination.
// Its key is the hash of the verification hash and ciphertext, so any peer
// can check that the stored bytes match the key.
type EncryptedEmailPacket struct {
	StoreTime              uint64
	DeleteVerificationHash common.Key
	Ciphertext             []byte

	key common.Key
}

// NewEncryptedEmailPacket seals u to dest.
func NewEncryptedEmailPacket(u *UnencryptedEmailPacket, dest *identity.Destination) (*EncryptedEmailPacket, error) {
	ct, err := dest.Seal(u.ToBytes())
	if err != nil {
		return nil, err
	}
	p := &EncryptedEmailPacket{
		DeleteVerificationHash: u.DeleteAuthorization.Key(),
		Ciphertext:             ct,
	}
	p.key = p.computeKey()
	return p, nil
}

func (p *EncryptedEmailPacket) computeKey() common.Key {
	return common.HashKey(p.DeleteVerificationHash[:], p.Ciphertext)
}

// Type returns TypeEncryptedEmail.
func (p *EncryptedEmailPacket) Type() Type { return TypeEncryptedEmail }

// Key returns the content address of the packet.
func (p *EncryptedEmailPacket) Key() common.Key {
	if p.key.IsZero() {
		p.key = p.computeKey()
	}
	return p.key
}

// Verify reports whether the packet's bytes hash to its key.
func (p *EncryptedEmailPacket) Verify() bool {
	return p.key == p.computeKey()
}

// SetStoreTime stamps the packet with the time a peer stored it.  The
// store time is not part of the content address.
func (p *EncryptedEmailPacket) SetStoreTime(t time.Time) {
	p.StoreTime = uint64(t.Unix())
}

// Decrypt opens the packet with the recipient identity and checks that the
// deletion key inside matches the stored verification hash.
func (p *EncryptedEmailPacket) Decrypt(id *identity.Identity) (*UnencryptedEmailPacket, error) {
	pt, err := id.Open(p.Ciphertext)
	if err != nil {
		return nil, err
	}
	inner, err := FromBytes(pt)
	if err != nil {
		return nil, err
	}
	u, ok := inner.(*UnencryptedEmailPacket)
	if !ok {
		return nil, fmt.Errorf("%w: sealed %v", common.ErrCorruptPacket, inner.Type())
	}
	if u.DeleteAuthorization.Key() != p.DeleteVerificationHash {
		return nil, fmt.Errorf("%w: deletion key mismatch", common.ErrCorruptPacket)
	}
	return u, nil
}

// ToBytes serializes the packet.
func (p *EncryptedEmailPacket) ToBytes() []byte {
	key := p.Key()
	w := newWriter(p.Type(), 2*common.KeyLength+12+len(p.Ciphertext))
	w.key(key)
	w.u64(p.StoreTime)
	w.key(p.DeleteVerificationHash)
	w.bytes32(p.Ciphertext)
	return w.b
}

func encryptedEmailFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &EncryptedEmailPacket{
		key:                    r.key(),
		StoreTime:              r.u64(),
		DeleteVerificationHash: r.key(),
		Ciphertext:             r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if !p.Verify() {
		return nil, fmt.Errorf("%w: content does not match key %s", common.ErrCorruptPacket, p.key.ShortString())
	}
	return p, nil
}
