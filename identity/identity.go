// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/dhtmail/crypto/sealbox"
)

// Identity is a local mailbox.  It holds the private keys for its
// Destination and is never transmitted.
type Identity struct {
	Name        string
	Description string
	IsDefault   bool

	destination *Destination
	encKey      *x25519.PrivateKey
	signKey     *eddsa.PrivateKey
}

// New generates an identity with fresh keys.
func New(name, description string) (*Identity, error) {
	encKey, encPub, err := sealbox.NewKeypair()
	if err != nil {
		return nil, err
	}
	signKey, signPub, err := eddsa.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Name:        name,
		Description: description,
		destination: &Destination{
			EncryptionKey: encPub,
			SigningKey:    signPub,
		},
		encKey:  encKey,
		signKey: signKey,
	}, nil
}

// Destination returns the public half of the identity.
func (id *Identity) Destination() *Destination {
	return id.destination
}

// Address returns the "Name <destination>" form of the identity.
func (id *Identity) Address() string {
	return FormatAddress(id.Name, id.destination)
}

// Open decrypts a message sealed to the identity's destination.
func (id *Identity) Open(box []byte) ([]byte, error) {
	return sealbox.Open(id.encKey, box)
}

// Sign signs msg with the identity's signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return id.signKey.SignMessage(msg)
}

// Reset clears the private key material.
func (id *Identity) Reset() {
	id.encKey.Reset()
	id.signKey.Reset()
}

type identityRecord struct {
	Name          string
	Description   string
	IsDefault     bool
	EncryptionKey []byte
	SigningKey    []byte
}

func (id *Identity) record() *identityRecord {
	return &identityRecord{
		Name:          id.Name,
		Description:   id.Description,
		IsDefault:     id.IsDefault,
		EncryptionKey: id.encKey.Bytes(),
		SigningKey:    append([]byte{}, id.signKey.Bytes()...),
	}
}

func (r *identityRecord) identity() (*Identity, error) {
	encKey := new(x25519.PrivateKey)
	if err := encKey.FromBytes(r.EncryptionKey); err != nil {
		return nil, err
	}
	signKey := new(eddsa.PrivateKey)
	if err := signKey.FromBytes(r.SigningKey); err != nil {
		return nil, err
	}
	encPub, ok := encKey.Public().(*x25519.PublicKey)
	if !ok {
		return nil, errors.New("identity: unexpected public key type")
	}
	return &Identity{
		Name:        r.Name,
		Description: r.Description,
		IsDefault:   r.IsDefault,
		destination: &Destination{
			EncryptionKey: encPub,
			SigningKey:    signKey.PublicKey(),
		},
		encKey:  encKey,
		signKey: signKey,
	}, nil
}
