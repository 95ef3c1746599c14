// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package hashcash

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintVerify(t *testing.T) {
	require := require.New(t)
	now := time.Now()
	stamp, err := Mint("resource", 8, now)
	require.NoError(err)
	require.NoError(Verify(stamp, "resource", 8, time.Hour, now))

	s, err := Parse(stamp)
	require.NoError(err)
	require.Equal(8, s.Bits)
	require.Equal("resource", s.Resource)

	require.ErrorIs(Verify(stamp, "other", 8, time.Hour, now), ErrInvalidStamp)
	require.ErrorIs(Verify(stamp, "resource", 9, time.Hour, now), ErrInvalidStamp)
	require.ErrorIs(Verify(stamp, "resource", 8, time.Hour, now.Add(2*time.Hour)), ErrExpired)
	require.ErrorIs(Verify("garbage", "resource", 0, 0, now), ErrInvalidStamp)

	_, err = Mint("a:b", 1, now)
	require.Error(err)
}

func TestForgedBits(t *testing.T) {
	require := require.New(t)
	now := time.Now()
	stamp, err := Mint("r", 0, now)
	require.NoError(err)
	// Claiming more bits than the stamp carries must fail, unless the
	// stamp happens to carry them.
	s, err := Parse(stamp)
	require.NoError(err)
	forged := strings.Replace(stamp, "1:0:", "1:32:", 1)
	if value(forged) < 32 {
		require.ErrorIs(Verify(forged, "r", 0, time.Hour, now), ErrInvalidStamp)
	}
	require.Equal(0, s.Bits)
}

func TestReplay(t *testing.T) {
	require := require.New(t)
	v, err := NewVerifier(4, time.Hour)
	require.NoError(err)
	now := time.Now()
	stamp, err := Mint("k", 4, now)
	require.NoError(err)
	require.NoError(v.Verify(stamp, "k", now))
	require.ErrorIs(v.Verify(stamp, "k", now), ErrReplayed)
}
