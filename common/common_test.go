// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniqueIDString(t *testing.T) {
	require := require.New(t)

	id := NewUniqueID()
	s := id.String()
	require.Len(s, UniqueIDStringLength)

	id2, err := UniqueIDFromString(s)
	require.NoError(err)
	require.True(id.Equal(id2))

	_, err = UniqueIDFromString(s[:40])
	require.Error(err)
}

func TestUniqueIDCompare(t *testing.T) {
	require := require.New(t)

	var a, b UniqueID
	a[0] = 0x01
	b[0] = 0xff
	require.Equal(-1, a.Compare(b))
	require.Equal(1, b.Compare(a))
	require.Equal(0, a.Compare(a))

	// unsigned: 0x80 sorts after 0x7f
	a[0], b[0] = 0x80, 0x7f
	require.Equal(1, a.Compare(b))
}

func TestKeyDistance(t *testing.T) {
	require := require.New(t)

	var a, b Key
	require.Equal(KeyLength*8, PrefixLen(a, b))
	b[0] = 0x80
	require.Equal(0, PrefixLen(a, b))
	b[0] = 0x01
	require.Equal(7, PrefixLen(a, b))
	b[0] = 0
	b[1] = 0x10
	require.Equal(11, PrefixLen(a, b))

	target := Key{}
	near := Key{0x00, 0x01}
	far := Key{0x10}
	require.Equal(-1, CompareDistance(target, near, far))
	require.Equal(1, CompareDistance(target, far, near))
	require.Equal(Key{0x10, 0x01}, Distance(near, far))
}

func TestKeyString(t *testing.T) {
	require := require.New(t)
	k := HashKey([]byte("hello"), []byte("world"))
	require.Equal(HashKey([]byte("helloworld")), k)
	k2, err := KeyFromString(k.String())
	require.NoError(err)
	require.Equal(k, k2)
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(fmt.Errorf("store: %w", ErrDHTTimeout)))
	require.True(t, IsRetryable(ErrRelayChainUnavailable))
	require.False(t, IsRetryable(ErrCorruptPacket))
}
