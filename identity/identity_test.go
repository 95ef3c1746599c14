// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/storage"
)

func TestDestinationString(t *testing.T) {
	require := require.New(t)
	id, err := New("alice", "")
	require.NoError(err)

	s := id.Destination().String()
	d, err := DestinationFromString(s)
	require.NoError(err)
	require.True(d.Equal(id.Destination()))
	require.Equal(id.Destination().Key(), d.Key())

	_, err = DestinationFromString("AAAA")
	require.ErrorIs(err, ErrInvalidDestination)
}

func TestSealSign(t *testing.T) {
	require := require.New(t)
	id, err := New("alice", "")
	require.NoError(err)
	other, err := New("bob", "")
	require.NoError(err)

	box, err := id.Destination().Seal([]byte("hello"))
	require.NoError(err)
	pt, err := id.Open(box)
	require.NoError(err)
	require.Equal([]byte("hello"), pt)
	_, err = other.Open(box)
	require.Error(err)

	sig := id.Sign([]byte("msg"))
	require.True(id.Destination().Verify(sig, []byte("msg")))
	require.False(other.Destination().Verify(sig, []byte("msg")))
}

func TestParseAddress(t *testing.T) {
	require := require.New(t)
	id, err := New("alice", "")
	require.NoError(err)

	name, dest, err := ParseAddress(id.Address())
	require.NoError(err)
	require.Equal("alice", name)
	require.True(dest.Equal(id.Destination()))

	name, dest, err = ParseAddress("bob")
	require.NoError(err)
	require.Equal("bob", name)
	require.Nil(dest)
}

func TestStore(t *testing.T) {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	cache := storage.NewPasswordCache(backend.GetLogger("storage"), t.TempDir(), storage.KDFParams{N: 16, R: 8, P: 1})
	require.NoError(cache.Unlock([]byte("pw")))

	s := NewStore(backend.GetLogger("identity"), cache)
	alice, err := New("alice", "primary")
	require.NoError(err)
	bob, err := New("bob", "")
	require.NoError(err)
	s.Add(alice)
	require.NoError(s.AddressBook().Add(&Contact{Name: "Bob", Destination: bob.Destination().String()}))
	require.NoError(s.Save())

	s2 := NewStore(backend.GetLogger("identity"), cache)
	require.NoError(s2.Load())
	def, ok := s2.Default()
	require.True(ok)
	require.Equal("alice", def.Name)
	require.True(def.Destination().Equal(alice.Destination()))

	box, err := alice.Destination().Seal([]byte("x"))
	require.NoError(err)
	pt, err := def.Open(box)
	require.NoError(err)
	require.Equal([]byte("x"), pt)

	d, err := s2.Resolve("Bob")
	require.NoError(err)
	require.True(d.Equal(bob.Destination()))
	d, err = s2.Resolve("alice")
	require.NoError(err)
	require.True(d.Equal(alice.Destination()))
	_, err = s2.Resolve("carol")
	require.ErrorIs(err, ErrUnknownAddress)
}
