// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/identity"
)

func randomKey() common.Key {
	return common.NewUniqueID().Key()
}

func testPackets(t *testing.T) []Packet {
	require := require.New(t)
	id, err := identity.New("alice", "")
	require.NoError(err)

	u := &UnencryptedEmailPacket{
		DeleteAuthorization: common.NewUniqueID(),
		MessageID:           common.NewUniqueID(),
		FragmentIndex:       1,
		NumFragments:        3,
		Content:             []byte("fragment"),
	}
	e, err := NewEncryptedEmailPacket(u, id.Destination())
	require.NoError(err)

	idx := NewIndexPacket(id.Destination().Key())
	idx.Put(IndexEntry{EmailKey: e.Key(), DeleteVerificationHash: e.DeleteVerificationHash, StoreTime: 42})
	idx.Put(IndexEntry{EmailKey: randomKey(), DeleteVerificationHash: randomKey()})

	xdel := &IndexDeleteRequest{DestinationKey: idx.DestinationKey}
	xdel.Add(e.Key(), u.DeleteAuthorization)

	peer := common.PeerInfo{Address: "127.0.0.1:1234"}
	peer.PublicKey[0] = 7

	return []Packet{
		u,
		e,
		idx,
		NewIndexPacket(randomKey()),
		&EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: u.DeleteAuthorization},
		xdel,
		NewContactPacket(id, "hello"),
		NewStoreRequest(e, []byte("1:16:stamp")),
		&RetrieveRequest{RequestID: common.NewUniqueID(), DataType: TypeIndex, Key: randomKey()},
		&FindClosePeersRequest{RequestID: common.NewUniqueID(), Key: randomKey()},
		&Response{RequestID: common.NewUniqueID(), Status: StatusDeleted, Payload: []byte{1, 2}},
		&Response{RequestID: common.NewUniqueID(), Status: StatusNoDataFound},
		&PeerListRequest{},
		&PeerList{Peers: []common.PeerInfo{peer, {Address: "x"}}},
		&PeerList{},
		&RelayRequest{Payload: []byte("onion")},
		&RelayResponse{ReturnChain: ReturnChain{Layers: [][]byte{[]byte("a"), []byte("bb")}, Index: 1}, Sealed: []byte("s")},
	}
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)
	for _, p := range testPackets(t) {
		b := p.ToBytes()
		require.Equal(byte(p.Type()), b[0])
		require.Equal(byte(ProtocolVersion), b[1])

		out, err := FromBytes(b)
		require.NoError(err, "%v", p.Type())
		require.Equal(p, out, "%v", p.Type())
		require.Equal(b, out.ToBytes())
	}
}

func TestCorruptPackets(t *testing.T) {
	require := require.New(t)
	_, err := FromBytes(nil)
	require.ErrorIs(err, common.ErrCorruptPacket)
	_, err = FromBytes([]byte{'Z', ProtocolVersion})
	require.ErrorIs(err, common.ErrCorruptPacket)
	_, err = FromBytes([]byte{'A', ProtocolVersion + 1})
	require.ErrorIs(err, common.ErrCorruptPacket)
	_, err = FromBytes([]byte{'A', ProtocolVersion, 0})
	require.ErrorIs(err, common.ErrCorruptPacket)

	for _, p := range testPackets(t) {
		b := p.ToBytes()
		if len(b) == HeaderLength {
			continue
		}
		_, err = FromBytes(b[:len(b)-1])
		require.ErrorIs(err, common.ErrCorruptPacket, "%v", p.Type())
		_, err = FromBytes(append(b, 0))
		require.ErrorIs(err, common.ErrCorruptPacket, "%v", p.Type())
	}
}

func TestEncryptedEmailContentAddress(t *testing.T) {
	require := require.New(t)
	id, err := identity.New("bob", "")
	require.NoError(err)
	u := &UnencryptedEmailPacket{
		DeleteAuthorization: common.NewUniqueID(),
		MessageID:           common.NewUniqueID(),
		NumFragments:        1,
		Content:             []byte("foobar"),
	}
	e, err := NewEncryptedEmailPacket(u, id.Destination())
	require.NoError(err)
	require.True(e.Verify())

	// Store time is not covered by the key.
	key := e.Key()
	e.StoreTime = 1234
	out, err := FromBytes(e.ToBytes())
	require.NoError(err)
	require.Equal(key, out.(DataPacket).Key())

	b := e.ToBytes()
	b[len(b)-1] ^= 1
	_, err = FromBytes(b)
	require.ErrorIs(err, common.ErrCorruptPacket)

	dec, err := e.Decrypt(id)
	require.NoError(err)
	require.Equal(u, dec)

	other, err := identity.New("eve", "")
	require.NoError(err)
	_, err = e.Decrypt(other)
	require.Error(err)
}

func TestIndexMerge(t *testing.T) {
	require := require.New(t)
	dest := randomKey()
	e1 := IndexEntry{EmailKey: randomKey(), DeleteVerificationHash: randomKey(), StoreTime: 10}
	e2 := IndexEntry{EmailKey: randomKey(), DeleteVerificationHash: randomKey(), StoreTime: 20}
	e1late := e1
	e1late.StoreTime = 30

	a := NewIndexPacket(dest)
	a.Put(e1)
	a.Put(e1)
	b := NewIndexPacket(dest)
	b.Put(e2)
	b.Put(e1late)

	ab := NewIndexPacket(dest)
	require.NoError(ab.Merge(a))
	require.NoError(ab.Merge(b))
	ba := NewIndexPacket(dest)
	require.NoError(ba.Merge(b))
	require.NoError(ba.Merge(a))
	require.NoError(ba.Merge(a))

	require.Equal(ab, ba)
	require.Len(ab.Entries, 2)
	require.ElementsMatch([]common.Key{e1.EmailKey, e2.EmailKey}, ab.EmailKeys())
	got, ok := ab.Get(e1.EmailKey)
	require.True(ok)
	require.Equal(uint64(10), got.StoreTime)

	require.Error(ab.Merge(NewIndexPacket(randomKey())))
}

func TestIndexMergeConflictingHashes(t *testing.T) {
	require := require.New(t)
	dest := randomKey()
	emailKey := randomKey()
	lo, hi := randomKey(), randomKey()
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}

	for _, tc := range []struct {
		a, b IndexEntry
		want IndexEntry
	}{
		// The earlier store time wins.
		{
			a:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: lo, StoreTime: 20},
			b:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: hi, StoreTime: 10},
			want: IndexEntry{EmailKey: emailKey, DeleteVerificationHash: hi, StoreTime: 10},
		},
		// An unset store time loses.
		{
			a:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: lo},
			b:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: hi, StoreTime: 10},
			want: IndexEntry{EmailKey: emailKey, DeleteVerificationHash: hi, StoreTime: 10},
		},
		// On a tie the lower hash wins.
		{
			a:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: hi, StoreTime: 10},
			b:    IndexEntry{EmailKey: emailKey, DeleteVerificationHash: lo, StoreTime: 10},
			want: IndexEntry{EmailKey: emailKey, DeleteVerificationHash: lo, StoreTime: 10},
		},
	} {
		ab := NewIndexPacket(dest)
		ab.Put(tc.a)
		ab.Put(tc.b)
		ba := NewIndexPacket(dest)
		ba.Put(tc.b)
		ba.Put(tc.a)
		require.Equal(ab, ba)
		got, ok := ab.Get(emailKey)
		require.True(ok)
		require.Equal(tc.want, got)
	}
}

func TestIndexDelete(t *testing.T) {
	require := require.New(t)
	dest := randomKey()
	auth := common.NewUniqueID()
	idx := NewIndexPacket(dest)
	emailKey := randomKey()
	idx.Put(IndexEntry{EmailKey: emailKey, DeleteVerificationHash: auth.Key()})

	wrong := &IndexDeleteRequest{DestinationKey: dest}
	wrong.Add(emailKey, common.NewUniqueID())
	n, err := idx.ApplyDeleteRequest(wrong)
	require.ErrorIs(err, common.ErrDeletionUnauthorized)
	require.Equal(0, n)
	require.True(idx.Contains(emailKey))

	right := &IndexDeleteRequest{DestinationKey: dest}
	right.Add(emailKey, auth)
	right.Add(emailKey, auth)
	require.Len(right.Entries, 1)
	n, err = idx.ApplyDeleteRequest(right)
	require.NoError(err)
	require.Equal(1, n)
	require.False(idx.Contains(emailKey))
}

func TestEmailDeleteAuthorizes(t *testing.T) {
	require := require.New(t)
	id, err := identity.New("bob", "")
	require.NoError(err)
	u := &UnencryptedEmailPacket{
		DeleteAuthorization: common.NewUniqueID(),
		MessageID:           common.NewUniqueID(),
		NumFragments:        1,
	}
	e, err := NewEncryptedEmailPacket(u, id.Destination())
	require.NoError(err)

	require.True((&EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: u.DeleteAuthorization}).Authorizes(e))
	require.False((&EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: common.NewUniqueID()}).Authorizes(e))
}

func TestContactSignature(t *testing.T) {
	require := require.New(t)
	id, err := identity.New("Alice", "")
	require.NoError(err)
	p := NewContactPacket(id, "")
	dest, err := p.Verify()
	require.NoError(err)
	require.True(dest.Equal(id.Destination()))
	require.Equal(ContactKey("alice "), p.Key())

	p.Name = "Mallory"
	_, err = p.Verify()
	require.ErrorIs(err, common.ErrCorruptPacket)
}
