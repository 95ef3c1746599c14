// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sealbox seals messages to an X25519 public key using an
// ephemeral key exchange, BLAKE2b key derivation and NaCl secretbox.  It is
// used for email fragments addressed to a destination and for relay onion
// layers addressed to a hop.
package sealbox

import (
	"errors"
	"io"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of public, private and symmetric keys.
	KeySize = 32

	// NonceSize is the secretbox nonce size.
	NonceSize = 24

	// Overhead is the number of bytes Seal adds to a message.
	Overhead = KeySize + NonceSize + secretbox.Overhead

	// SymmetricOverhead is the number of bytes SealSymmetric adds.
	SymmetricOverhead = NonceSize + secretbox.Overhead

	kdfDomain = "dhtmail-sealbox-v1"
)

// ErrOpen is returned when a box fails to authenticate.
var ErrOpen = errors.New("sealbox: message authentication failed")

// NewKeypair generates an X25519 keypair.
func NewKeypair() (*x25519.PrivateKey, *x25519.PublicKey, error) {
	priv, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, priv.Public().(*x25519.PublicKey), nil
}

func deriveKey(shared, ephemeral, recipient []byte) *[KeySize]byte {
	h, err := blake2b.New256([]byte(kdfDomain))
	if err != nil {
		panic(err)
	}
	h.Write(shared)
	h.Write(ephemeral)
	h.Write(recipient)
	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return &key
}

// Seal encrypts msg to the recipient public key.
func Seal(recipient *x25519.PublicKey, msg []byte) ([]byte, error) {
	ephPriv, ephPub, err := NewKeypair()
	if err != nil {
		return nil, err
	}
	defer ephPriv.Reset()

	shared, err := curve25519.X25519(ephPriv[:], recipient[:])
	if err != nil {
		return nil, err
	}
	key := deriveKey(shared, ephPub[:], recipient[:])

	out := make([]byte, KeySize, Overhead+len(msg))
	copy(out, ephPub[:])
	return sealWithKey(out, key, msg)
}

// Open decrypts a box produced by Seal.
func Open(priv *x25519.PrivateKey, box []byte) ([]byte, error) {
	if len(box) < Overhead {
		return nil, ErrOpen
	}
	pub := priv.Public().(*x25519.PublicKey)
	shared, err := curve25519.X25519(priv[:], box[:KeySize])
	if err != nil {
		return nil, ErrOpen
	}
	key := deriveKey(shared, box[:KeySize], pub[:])
	return OpenSymmetric(key, box[KeySize:])
}

// NewSymmetricKey returns a random secretbox key.
func NewSymmetricKey() *[KeySize]byte {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		panic(err)
	}
	return &key
}

// SealSymmetric encrypts msg under a shared secretbox key.
func SealSymmetric(key *[KeySize]byte, msg []byte) ([]byte, error) {
	return sealWithKey(make([]byte, 0, SymmetricOverhead+len(msg)), key, msg)
}

// OpenSymmetric decrypts a box produced by SealSymmetric.
func OpenSymmetric(key *[KeySize]byte, box []byte) ([]byte, error) {
	if len(box) < SymmetricOverhead {
		return nil, ErrOpen
	}
	var nonce [NonceSize]byte
	copy(nonce[:], box[:NonceSize])
	msg, ok := secretbox.Open(nil, box[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return msg, nil
}

func sealWithKey(out []byte, key *[KeySize]byte, msg []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, msg, &nonce, key), nil
}
