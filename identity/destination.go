// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides email destinations, the local identities that
// own them and the address book used to resolve recipients.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/nike/x25519"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/crypto/sealbox"
)

const (
	// DestinationLength is the length of a serialized Destination.
	DestinationLength = x25519.PublicKeySize + eddsa.PublicKeySize

	// SignatureLength is the length of an ed25519 signature.
	SignatureLength = eddsa.SignatureSize
)

// ErrInvalidDestination is returned for malformed destination strings.
var ErrInvalidDestination = errors.New("identity: invalid destination")

// Destination is the public half of a mailbox: the key fragments are
// encrypted to and the key signatures are verified with.
type Destination struct {
	EncryptionKey *x25519.PublicKey
	SigningKey    *eddsa.PublicKey
}

// DestinationFromBytes parses a serialized Destination.
func DestinationFromBytes(b []byte) (*Destination, error) {
	if len(b) != DestinationLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidDestination, len(b))
	}
	d := &Destination{
		EncryptionKey: new(x25519.PublicKey),
		SigningKey:    new(eddsa.PublicKey),
	}
	if err := d.EncryptionKey.FromBytes(b[:x25519.PublicKeySize]); err != nil {
		return nil, err
	}
	if err := d.SigningKey.FromBytes(b[x25519.PublicKeySize:]); err != nil {
		return nil, err
	}
	return d, nil
}

// DestinationFromString parses the base64 form of a Destination.  Either
// the standard or the URL-safe alphabet is accepted.
func DestinationFromString(s string) (*Destination, error) {
	s = strings.TrimSpace(s)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
	}
	return DestinationFromBytes(raw)
}

// Bytes returns the serialized Destination.
func (d *Destination) Bytes() []byte {
	out := make([]byte, 0, DestinationLength)
	out = append(out, d.EncryptionKey.Bytes()...)
	return append(out, d.SigningKey.Bytes()...)
}

// String returns the base64 form used in email addresses.
func (d *Destination) String() string {
	return base64.StdEncoding.EncodeToString(d.Bytes())
}

// Key returns the DHT key under which index packets for the destination
// are stored.
func (d *Destination) Key() common.Key {
	return common.HashKey(d.Bytes())
}

// Equal returns true if both destinations carry the same keys.
func (d *Destination) Equal(other *Destination) bool {
	if other == nil {
		return false
	}
	return d.Key() == other.Key()
}

// Seal encrypts msg so only the owner of the destination can read it.
func (d *Destination) Seal(msg []byte) ([]byte, error) {
	return sealbox.Seal(d.EncryptionKey, msg)
}

// Verify checks an ed25519 signature made by the destination's owner.
func (d *Destination) Verify(signature, msg []byte) bool {
	if len(signature) != SignatureLength {
		return false
	}
	return d.SigningKey.Verify(signature, msg)
}
