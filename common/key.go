// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/katzenpost/hpqc/hash"
)

// KeyLength is the length of a DHT key in bytes.
const KeyLength = hash.HashSize

// Key identifies a location in the DHT keyspace.  Node IDs share the same
// keyspace.
type Key [KeyLength]byte

// HashKey returns the BLAKE2b-256 digest of the concatenated parts.
func HashKey(parts ...[]byte) Key {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return Key(hash.Sum256(buf))
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeyLength {
		return k, fmt.Errorf("common: invalid key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromString parses the base64 form of a key.
func KeyFromString(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, err
	}
	return KeyFromBytes(raw)
}

// Bytes returns a copy of the key.
func (k Key) Bytes() []byte {
	b := make([]byte, KeyLength)
	copy(b, k[:])
	return b
}

// String returns the base64 form.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ShortString is used in log lines.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:6])
}

// IsZero returns true for the all zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Distance returns the XOR distance between a and b.
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a (-1), b (+1) or neither (0) is closer
// to target.
func CompareDistance(target, a, b Key) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// PrefixLen returns the number of leading bits a and b share.
func PrefixLen(a, b Key) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KeyLength * 8
}
