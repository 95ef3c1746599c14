// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto/sealbox"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/transport"
)

func testConfig() Config {
	return Config{
		BucketSize:     8,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		HashcashBits:   4,
	}
}

// newTestNetwork starts n nodes on a loopback network and waits until
// every routing table holds every other node.
func newTestNetwork(t *testing.T, n int) []*DHT {
	return newTestNetworkOn(t, transport.NewNetwork(), n)
}

func newTestNetworkOn(t *testing.T, network *transport.Network, n int) []*DHT {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	dir := t.TempDir()

	nodes := make([]*DHT, n)
	for i := range nodes {
		tr := network.Endpoint(fmt.Sprintf("node-%d", i))
		store, err := NewLocalStore(backend.GetLogger("store"), filepath.Join(dir, fmt.Sprintf("%d.db", i)), DefaultExpiration)
		require.NoError(err)
		key, _, err := sealbox.NewKeypair()
		require.NoError(err)
		d, err := New(backend.GetLogger(fmt.Sprintf("dht-%d", i)), testConfig(), key, tr, store)
		require.NoError(err)
		d.Start()
		nodes[i] = d
		t.Cleanup(func() {
			d.Shutdown()
			tr.Close()
			store.Close()
		})
	}

	ctx := context.Background()
	seed := []common.PeerInfo{*nodes[0].Self()}
	for _, d := range nodes[1:] {
		require.NoError(d.Bootstrap(ctx, seed))
	}
	require.Eventually(func() bool {
		return nodes[0].Table().Len() == n-1
	}, 5*time.Second, 10*time.Millisecond)
	for _, d := range nodes {
		d.FindClosePeers(ctx, d.Self().ID())
	}
	require.Eventually(func() bool {
		for _, d := range nodes {
			if d.Table().Len() != n-1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return nodes
}

func TestBootstrapNoPeers(t *testing.T) {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store, err := NewLocalStore(backend.GetLogger("store"), filepath.Join(t.TempDir(), "dht.db"), DefaultExpiration)
	require.NoError(err)
	defer store.Close()
	key, _, err := sealbox.NewKeypair()
	require.NoError(err)
	d, err := New(backend.GetLogger("dht"), testConfig(), key, transport.NewNetwork().Endpoint("lonely"), store)
	require.NoError(err)
	require.ErrorIs(d.Bootstrap(context.Background(), nil), common.ErrDHTTimeout)
}

func TestSpoofedSenderDropped(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, 2)
	before := nodes[0].Table().Len()

	liar := &common.PeerInfo{Address: "node-42"}
	req := &packet.FindClosePeersRequest{RequestID: common.NewUniqueID()}
	nodes[0].onReceive("node-1", encodeFrame(liar, req.ToBytes()))
	_, ok := nodes[0].Table().Get(liar.ID())
	require.False(ok)
	require.Equal(before, nodes[0].Table().Len())
}

func TestStoreAndFindEmail(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, 6)
	ctx := context.Background()

	e, _ := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")
	acks, err := nodes[1].Store(ctx, e)
	require.NoError(err)
	require.GreaterOrEqual(acks, nodes[1].Config().quorum(5))

	got, err := nodes[4].FindValue(ctx, packet.TypeEncryptedEmail, e.Key())
	require.NoError(err)
	require.Equal(e.Ciphertext, got.(*packet.EncryptedEmailPacket).Ciphertext)

	_, err = nodes[3].FindValue(ctx, packet.TypeEncryptedEmail, common.HashKey([]byte("nothing here")))
	require.ErrorIs(err, common.ErrDHTTimeout)
	require.ErrorIs(err, ErrNotFound)
}

func TestDeleteEmail(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, 5)
	ctx := context.Background()

	e, auth := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")
	_, err := nodes[0].Store(ctx, e)
	require.NoError(err)

	_, err = nodes[2].Delete(ctx, &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: common.NewUniqueID()})
	require.Error(err)
	_, err = nodes[3].FindValue(ctx, packet.TypeEncryptedEmail, e.Key())
	require.NoError(err)

	_, err = nodes[2].Delete(ctx, &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: auth})
	require.NoError(err)
	require.Eventually(func() bool {
		_, err := nodes[3].FindValue(ctx, packet.TypeEncryptedEmail, e.Key())
		return errors.Is(err, ErrDeleted)
	}, 5*time.Second, 10*time.Millisecond)

	// Deleted packets are refused.
	_, err = nodes[1].Store(ctx, e)
	require.Error(err)
}

func TestIndexMergedAcrossPeers(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, 5)
	ctx := context.Background()
	dest := newTestIdentity(t, "alice").Destination().Key()

	var keys []common.Key
	for i, d := range nodes[:3] {
		k := common.HashKey([]byte{byte(i)})
		keys = append(keys, k)
		idx := packet.NewIndexPacket(dest)
		idx.Put(packet.IndexEntry{EmailKey: k, DeleteVerificationHash: common.NewUniqueID().Key()})
		_, err := d.Store(ctx, idx)
		require.NoError(err)
	}

	got, err := nodes[4].FindValue(ctx, packet.TypeIndex, dest)
	require.NoError(err)
	idx := got.(*packet.IndexPacket)
	for _, k := range keys {
		require.True(idx.Contains(k))
	}
}

func TestUnresponsivePeerStore(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, 5)
	ctx := context.Background()

	// One silent peer out of four leaves a majority.
	nodes[4].transport.Close()

	e, _ := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")
	acks, err := nodes[0].Store(ctx, e)
	require.NoError(err)
	require.Equal(3, acks)
}

func TestStoreReturnsAtQuorum(t *testing.T) {
	require := require.New(t)

	// node-4 swallows store requests once silent is set.
	var silent atomic.Bool
	network := transport.NewNetwork()
	network.Filter = func(from, to string, msg []byte) bool {
		if !silent.Load() || to != "node-4" {
			return true
		}
		_, pkt, err := decodeFrame(msg)
		return err != nil || len(pkt) == 0 || packet.Type(pkt[0]) != packet.TypeStoreRequest
	}
	nodes := newTestNetworkOn(t, network, 5)
	silent.Store(true)

	e, _ := newTestEmail(t, newTestIdentity(t, "alice"), "foobar")
	start := time.Now()
	acks, err := nodes[0].Store(context.Background(), e)
	require.NoError(err)
	require.Equal(3, acks)
	require.Less(time.Since(start), testConfig().RequestTimeout)
}
