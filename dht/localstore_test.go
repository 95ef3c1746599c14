// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/packet"
)

func newTestStore(t *testing.T) *LocalStore {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := NewLocalStore(backend.GetLogger("store"), filepath.Join(t.TempDir(), "dht.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEmail(t *testing.T, id *identity.Identity, content string) (*packet.EncryptedEmailPacket, common.UniqueID) {
	auth := common.NewUniqueID()
	u := &packet.UnencryptedEmailPacket{
		DeleteAuthorization: auth,
		MessageID:           common.NewUniqueID(),
		NumFragments:        1,
		Content:             []byte(content),
	}
	e, err := packet.NewEncryptedEmailPacket(u, id.Destination())
	require.NoError(t, err)
	return e, auth
}

func newTestIdentity(t *testing.T, name string) *identity.Identity {
	id, err := identity.New(name, "")
	require.NoError(t, err)
	return id
}

func TestLocalStoreEmail(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	e, _ := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")

	_, err := s.Get(packet.TypeEncryptedEmail, e.Key())
	require.ErrorIs(err, ErrNotFound)

	require.NoError(s.Put(e))
	require.NoError(s.Put(e))

	got, err := s.Get(packet.TypeEncryptedEmail, e.Key())
	require.NoError(err)
	stored := got.(*packet.EncryptedEmailPacket)
	require.Equal(e.Ciphertext, stored.Ciphertext)
	require.NotZero(stored.StoreTime)
	require.Equal(e.Key(), stored.Key())
}

func TestLocalStoreEmailDelete(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	e, auth := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")
	require.NoError(s.Put(e))

	bad := &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: common.NewUniqueID()}
	require.ErrorIs(s.Put(bad), common.ErrDeletionUnauthorized)
	_, err := s.Get(packet.TypeEncryptedEmail, e.Key())
	require.NoError(err)

	del := &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: auth}
	require.NoError(s.Put(del))

	_, err = s.Get(packet.TypeEncryptedEmail, e.Key())
	require.ErrorIs(err, ErrDeleted)
	var deleted *DeletedError
	require.True(errors.As(err, &deleted))
	require.Equal(del.ToBytes(), deleted.Request.ToBytes())

	// The packet may not come back.
	require.ErrorIs(s.Put(e), ErrDeleted)

	got, err := s.Get(packet.TypeEmailDeleteRequest, e.Key())
	require.NoError(err)
	require.Equal(del.ToBytes(), got.ToBytes())
}

func TestLocalStoreDeleteBeforePacket(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	id := newTestIdentity(t, "alice")
	e, auth := newTestEmail(t, id, "foobar")

	require.NoError(s.Put(&packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: auth}))
	require.ErrorIs(s.Put(e), ErrDeleted)

	// A deletion that does not authorize the packet does not block it.
	other, _ := newTestEmail(t, id, "barfoo")
	require.NoError(s.Put(&packet.EmailDeleteRequest{EmailKey: other.Key(), DeleteAuthorization: common.NewUniqueID()}))
	require.NoError(s.Put(other))
}

func TestLocalStoreBogusDeleteFirst(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	id := newTestIdentity(t, "alice")

	// Before the packet: a bogus key does not keep the real one out.
	e, auth := newTestEmail(t, id, "foobar")
	require.NoError(s.Put(&packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: common.NewUniqueID()}))
	del := &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: auth}
	require.NoError(s.Put(del))
	require.ErrorIs(s.Put(e), ErrDeleted)
	got, err := s.Get(packet.TypeEmailDeleteRequest, e.Key())
	require.NoError(err)
	require.Equal(del.ToBytes(), got.ToBytes())

	// After the packet: the real key replaces the bogus tombstone.
	e2, auth2 := newTestEmail(t, id, "barfoo")
	require.NoError(s.Put(&packet.EmailDeleteRequest{EmailKey: e2.Key(), DeleteAuthorization: common.NewUniqueID()}))
	require.NoError(s.Put(e2))
	del2 := &packet.EmailDeleteRequest{EmailKey: e2.Key(), DeleteAuthorization: auth2}
	require.NoError(s.Put(del2))
	got, err = s.Get(packet.TypeEmailDeleteRequest, e2.Key())
	require.NoError(err)
	require.Equal(del2.ToBytes(), got.ToBytes())
	require.ErrorIs(s.Put(e2), ErrDeleted)
}

func TestLocalStoreIndex(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	dest := newTestIdentity(t, "alice").Destination().Key()

	a, b := common.NewUniqueID(), common.NewUniqueID()
	ka, kb := common.HashKey([]byte("a")), common.HashKey([]byte("b"))

	first := packet.NewIndexPacket(dest)
	first.Put(packet.IndexEntry{EmailKey: ka, DeleteVerificationHash: a.Key()})
	second := packet.NewIndexPacket(dest)
	second.Put(packet.IndexEntry{EmailKey: kb, DeleteVerificationHash: b.Key()})
	require.NoError(s.Put(first))
	require.NoError(s.Put(second))

	got, err := s.Get(packet.TypeIndex, dest)
	require.NoError(err)
	idx := got.(*packet.IndexPacket)
	require.True(idx.Contains(ka))
	require.True(idx.Contains(kb))
	for _, e := range idx.Entries {
		require.NotZero(e.StoreTime)
	}

	bad := &packet.IndexDeleteRequest{DestinationKey: dest}
	bad.Add(ka, b)
	require.ErrorIs(s.Put(bad), common.ErrDeletionUnauthorized)

	del := &packet.IndexDeleteRequest{DestinationKey: dest}
	del.Add(ka, a)
	require.NoError(s.Put(del))
	got, err = s.Get(packet.TypeIndex, dest)
	require.NoError(err)
	require.Equal([]common.Key{kb}, got.(*packet.IndexPacket).EmailKeys())

	// Storing the old index again does not bring the entry back.
	require.NoError(s.Put(first))
	got, err = s.Get(packet.TypeIndex, dest)
	require.NoError(err)
	require.False(got.(*packet.IndexPacket).Contains(ka))

	got, err = s.Get(packet.TypeIndexDeleteRequest, dest)
	require.NoError(err)
	require.Len(got.(*packet.IndexDeleteRequest).Entries, 1)
}

func TestLocalStoreContact(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	alice := newTestIdentity(t, "alice")
	impostor := newTestIdentity(t, "Alice")
	require.NoError(s.Put(packet.NewContactPacket(alice, "hi")))
	require.NoError(s.Put(packet.NewContactPacket(alice, "updated")))
	require.ErrorIs(s.Put(packet.NewContactPacket(impostor, "me too")), ErrContactExists)

	got, err := s.Get(packet.TypeContact, packet.ContactKey("ALICE"))
	require.NoError(err)
	dest, err := got.(*packet.ContactPacket).Verify()
	require.NoError(err)
	require.True(dest.Equal(alice.Destination()))
}

func TestLocalStoreSweep(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	id := newTestIdentity(t, "alice")

	now := time.Now()
	s.now = func() time.Time { return now.Add(-2 * time.Hour) }
	old, auth := newTestEmail(t, id, "old")
	require.NoError(s.Put(old))
	require.NoError(s.Put(&packet.EmailDeleteRequest{EmailKey: common.HashKey([]byte("gone")), DeleteAuthorization: auth}))

	s.now = func() time.Time { return now }
	fresh, _ := newTestEmail(t, id, "fresh")
	require.NoError(s.Put(fresh))

	n, err := s.Sweep()
	require.NoError(err)
	require.Equal(2, n)

	_, err = s.Get(packet.TypeEncryptedEmail, old.Key())
	require.ErrorIs(err, ErrNotFound)
	_, err = s.Get(packet.TypeEncryptedEmail, fresh.Key())
	require.NoError(err)
}
