// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides identifiers, DHT keys and error kinds shared by
// every dhtmail package.
package common

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// UniqueIDLength is the length of a UniqueID in bytes.
	UniqueIDLength = 32

	// UniqueIDStringLength is the length of the base64 form of a UniqueID.
	UniqueIDStringLength = 44
)

// UniqueID is a random identifier used for message IDs, request IDs and
// deletion authorization tokens.
type UniqueID [UniqueIDLength]byte

// NewUniqueID returns a fresh random UniqueID.
func NewUniqueID() UniqueID {
	var id UniqueID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(err)
	}
	return id
}

// UniqueIDFromBytes copies b into a UniqueID.
func UniqueIDFromBytes(b []byte) (UniqueID, error) {
	var id UniqueID
	if len(b) != UniqueIDLength {
		return id, fmt.Errorf("common: invalid UniqueID length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// UniqueIDFromString parses the 44 character base64 form.
func UniqueIDFromString(s string) (UniqueID, error) {
	if len(s) != UniqueIDStringLength {
		return UniqueID{}, fmt.Errorf("common: invalid UniqueID string length %d", len(s))
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return UniqueID{}, err
	}
	return UniqueIDFromBytes(raw)
}

// Bytes returns a copy of the identifier.
func (u UniqueID) Bytes() []byte {
	b := make([]byte, UniqueIDLength)
	copy(b, u[:])
	return b
}

// String returns the base64 form.
func (u UniqueID) String() string {
	return base64.StdEncoding.EncodeToString(u[:])
}

// Compare orders identifiers as unsigned big-endian integers.
func (u UniqueID) Compare(other UniqueID) int {
	return bytes.Compare(u[:], other[:])
}

// Equal is byte-exact equality.
func (u UniqueID) Equal(other UniqueID) bool {
	return u == other
}

// Key returns the hash of the identifier, which is what gets stored next
// to a packet when the identifier is used as a deletion key.
func (u UniqueID) Key() Key {
	return HashKey(u[:])
}
