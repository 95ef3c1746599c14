// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/crypto/sealbox"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/transport"
)

func testConfig() Config {
	return Config{
		MaxDelay:   10 * time.Millisecond,
		AckTimeout: 3 * time.Second,
	}
}

type testNode struct {
	dht   *dht.DHT
	relay *Relay
}

func newTestNetwork(t *testing.T, network *transport.Network, n int, cfg Config) []*testNode {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	dir := t.TempDir()

	nodes := make([]*testNode, n)
	for i := range nodes {
		tr := network.Endpoint(fmt.Sprintf("node-%d", i))
		store, err := dht.NewLocalStore(backend.GetLogger("store"), filepath.Join(dir, fmt.Sprintf("%d.db", i)), dht.DefaultExpiration)
		require.NoError(err)
		key, _, err := sealbox.NewKeypair()
		require.NoError(err)
		d, err := dht.New(backend.GetLogger("dht"), dht.Config{
			BucketSize:     8,
			RequestTimeout: 2 * time.Second,
			MaxRetries:     2,
			HashcashBits:   4,
		}, key, tr, store)
		require.NoError(err)
		r, err := New(backend.GetLogger(fmt.Sprintf("relay-%d", i)), cfg, d)
		require.NoError(err)
		d.Start()
		nodes[i] = &testNode{dht: d, relay: r}
		t.Cleanup(func() {
			r.Shutdown()
			d.Shutdown()
			tr.Close()
			store.Close()
		})
	}
	ctx := context.Background()
	for _, node := range nodes[1:] {
		require.NoError(node.dht.Bootstrap(ctx, []common.PeerInfo{*nodes[0].dht.Self()}))
	}
	require.Eventually(func() bool {
		return nodes[0].dht.Table().Len() == n-1
	}, 5*time.Second, 10*time.Millisecond)
	for _, node := range nodes {
		node.dht.FindClosePeers(ctx, node.dht.Self().ID())
	}
	return nodes
}

func newTestEmail(t *testing.T) *packet.EncryptedEmailPacket {
	id, err := identity.New("bob", "")
	require.NoError(t, err)
	u := &packet.UnencryptedEmailPacket{
		DeleteAuthorization: common.NewUniqueID(),
		MessageID:           common.NewUniqueID(),
		NumFragments:        1,
		Content:             []byte("foobar"),
	}
	e, err := packet.NewEncryptedEmailPacket(u, id.Destination())
	require.NoError(t, err)
	return e
}

func TestPoolLiveness(t *testing.T) {
	require := require.New(t)
	self := common.HashKey([]byte("self"))
	pool := NewPool(self, 3)

	a := common.PeerInfo{Address: "a"}
	b := common.PeerInfo{Address: "b"}
	require.Equal(2, pool.Add(a, b, a))
	require.Equal(2, pool.Len())

	for i := 0; i < 4; i++ {
		pool.Sample(b.ID(), i == 0)
	}
	pb, ok := pool.Get(b.ID())
	require.True(ok)
	require.Equal(25, pb.Liveness())

	live := pool.Live(60)
	require.Len(live, 1)
	require.Equal("a", live[0].Address)

	// A full pool replaces its least live peer.
	require.Equal(1, pool.Add(common.PeerInfo{Address: "c"}))
	require.Equal(1, pool.Add(common.PeerInfo{Address: "d"}))
	_, ok = pool.Get(b.ID())
	require.False(ok)
	require.Equal(0, pool.Add(common.PeerInfo{Address: "e"}))

	f := filepath.Join(t.TempDir(), "relaypeers")
	require.NoError(pool.Save(f))
	loaded := NewPool(self, 10)
	n, err := loaded.Load(f)
	require.NoError(err)
	require.Equal(3, n)
}

func TestOnionLayers(t *testing.T) {
	require := require.New(t)

	self := &common.PeerInfo{Address: "origin"}
	var chain []common.PeerInfo
	var keys []*x25519.PrivateKey
	for i := 0; i < 3; i++ {
		priv, pub, err := sealbox.NewKeypair()
		require.NoError(err)
		p := common.PeerInfo{Address: fmt.Sprintf("hop-%d", i)}
		copy(p.PublicKey[:], pub.Bytes())
		chain = append(chain, p)
		keys = append(keys, priv)
	}

	data := []byte("store me")
	o, err := buildOnion(self, chain, data)
	require.NoError(err)
	require.Equal("hop-0", o.first.Address)

	payload := o.payload
	var l forwardLayer
	for i := 0; i < 2; i++ {
		l = forwardLayer{}
		require.NoError(openLayer(keys[i], payload, &l))
		require.Equal(chain[i+1].Address, l.Next)
		require.Nil(l.Data)
		// Layers are sealed to one hop only.
		require.Error(openLayer(keys[(i+1)%3], payload, &forwardLayer{}))
		payload = l.Inner
	}
	l = forwardLayer{}
	require.NoError(openLayer(keys[2], payload, &l))
	require.Empty(l.Next)
	require.Equal(data, l.Data)
	require.Equal("hop-1", l.ReturnAddr)
	require.Equal(o.requestID[:], l.RequestID)
	require.Equal(o.replyKey[:], l.ReplyKey)

	// The return chain runs hop-1, hop-0, then back to the origin.
	c := packet.ReturnChain{Layers: l.ReturnChain}
	for _, want := range []struct {
		hop  int
		next string
	}{{1, "hop-0"}, {0, "origin"}} {
		require.False(c.Done())
		var rl returnLayer
		require.NoError(openLayer(keys[want.hop], c.Next(), &rl))
		require.Equal(want.next, rl.Next)
		c.Index++
	}
	require.True(c.Done())
}

func TestBuildChain(t *testing.T) {
	require := require.New(t)
	nodes := newTestNetwork(t, transport.NewNetwork(), 2, testConfig())

	_, err := nodes[0].relay.BuildChain()
	require.ErrorIs(err, common.ErrRelayChainUnavailable)

	nodes[0].relay.Pool().Add(common.PeerInfo{Address: "x"}, common.PeerInfo{Address: "y"}, *nodes[0].dht.Self())
	chain, err := nodes[0].relay.BuildChain()
	require.NoError(err)
	require.Len(chain, DefaultChainLength)
	require.NotEqual(chain[0].Address, chain[1].Address)
}

func TestSendDirectFallback(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	cfg.FallbackToDirect = true
	nodes := newTestNetwork(t, transport.NewNetwork(), 3, cfg)
	ctx := context.Background()

	// The pool is empty until the first refresh.
	e := newTestEmail(t)
	acks, err := nodes[0].relay.Send(ctx, e)
	require.NoError(err)
	require.Positive(acks)

	nodes[1].relay.cfg.FallbackToDirect = false
	_, err = nodes[1].relay.Send(ctx, newTestEmail(t))
	require.ErrorIs(err, common.ErrRelayChainUnavailable)
	require.True(common.IsRetryable(err))
}

func TestSendThroughChain(t *testing.T) {
	require := require.New(t)
	network := transport.NewNetwork()

	// The first relay request sent is lost, so Send has to use a fresh chain.
	var relayed, dropped atomic.Int32
	network.Filter = func(from, to string, msg []byte) bool {
		if len(msg) < 2 {
			return true
		}
		off := 2 + int(binary.BigEndian.Uint16(msg)) + common.PublicKeyLength
		if off < len(msg) && packet.Type(msg[off]) == packet.TypeRelayRequest {
			if relayed.Add(1) == 1 {
				dropped.Add(1)
				return false
			}
		}
		return true
	}
	nodes := newTestNetwork(t, network, 6, testConfig())
	ctx := context.Background()

	nodes[0].relay.RefreshPeers(ctx)
	require.GreaterOrEqual(nodes[0].relay.Pool().Len(), DefaultMinChainLength)

	e := newTestEmail(t)
	acks, err := nodes[0].relay.Send(ctx, e)
	require.NoError(err)
	require.Positive(acks)
	require.Equal(int32(1), dropped.Load())

	got, err := nodes[5].dht.FindValue(ctx, packet.TypeEncryptedEmail, e.Key())
	require.NoError(err)
	require.Equal(e.Ciphertext, got.(*packet.EncryptedEmailPacket).Ciphertext)
}
