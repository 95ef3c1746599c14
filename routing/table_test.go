// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
)

type fakePinger struct {
	sync.Mutex

	alive  bool
	pinged []common.Key
}

func (p *fakePinger) Ping(ctx context.Context, peer *common.PeerInfo) error {
	p.Lock()
	defer p.Unlock()
	p.pinged = append(p.pinged, peer.ID())
	if p.alive {
		return nil
	}
	return errors.New("timeout")
}

// pingHook fails every ping after running fn.
type pingHook struct {
	fn func()
}

func (p *pingHook) Ping(ctx context.Context, peer *common.PeerInfo) error {
	p.fn()
	return errors.New("timeout")
}

func newTestTable(t *testing.T, k int, pinger Pinger) *Table {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(backend.GetLogger("routing"), common.NewUniqueID().Key(), Config{BucketSize: k, MaxFailures: 2}, pinger)
}

// peersInBucket returns n distinct peers that all fall into bucket 0 of tbl.
func peersInBucket(tbl *Table, n int) []*common.PeerInfo {
	var out []*common.PeerInfo
	for i := 0; len(out) < n; i++ {
		p := &common.PeerInfo{Address: fmt.Sprintf("peer-%d", i)}
		if common.PrefixLen(tbl.LocalID(), p.ID()) == 0 {
			out = append(out, p)
		}
	}
	return out
}

func contains(tbl *Table, p *common.PeerInfo) bool {
	_, ok := tbl.Get(p.ID())
	return ok
}

func TestNoticePeerLiveOldest(t *testing.T) {
	require := require.New(t)
	pinger := &fakePinger{alive: true}
	tbl := newTestTable(t, 4, pinger)
	peers := peersInBucket(tbl, 5)
	ctx := context.Background()

	for _, p := range peers[:4] {
		require.True(tbl.NoticePeer(ctx, p))
	}
	require.False(tbl.NoticePeer(ctx, peers[4]))
	for _, p := range peers[:4] {
		require.True(contains(tbl, p))
	}
	require.False(contains(tbl, peers[4]))
	require.Equal([]common.Key{peers[0].ID()}, pinger.pinged)
	require.Equal(4, tbl.Len())
}

func TestNoticePeerEvictsOnlyLeastRecentlySeen(t *testing.T) {
	require := require.New(t)
	pinger := &fakePinger{}
	tbl := newTestTable(t, 4, pinger)
	peers := peersInBucket(tbl, 6)
	ctx := context.Background()

	for _, p := range peers[:4] {
		require.True(tbl.NoticePeer(ctx, p))
	}
	// Seeing peers[0] again makes peers[1] the least recently seen.
	require.True(tbl.NoticePeer(ctx, peers[0]))

	require.True(tbl.NoticePeer(ctx, peers[4]))
	require.False(contains(tbl, peers[1]))
	for _, p := range []*common.PeerInfo{peers[0], peers[2], peers[3], peers[4]} {
		require.True(contains(tbl, p))
	}

	require.True(tbl.NoticePeer(ctx, peers[5]))
	require.False(contains(tbl, peers[2]))
	require.True(contains(tbl, peers[0]))
	require.True(contains(tbl, peers[4]))
	require.Equal([]common.Key{peers[1].ID(), peers[2].ID()}, pinger.pinged)
}

func TestNoticePeerKeepsPeerSeenWhilePinging(t *testing.T) {
	require := require.New(t)
	hook := &pingHook{}
	tbl := newTestTable(t, 2, hook)
	peers := peersInBucket(tbl, 3)
	ctx := context.Background()

	for _, p := range peers[:2] {
		require.True(tbl.NoticePeer(ctx, p))
	}
	// The ping of peers[0] times out, but peers[0] contacts us meanwhile.
	hook.fn = func() { tbl.NoticePeer(ctx, peers[0]) }
	require.False(tbl.NoticePeer(ctx, peers[2]))
	require.True(contains(tbl, peers[0]))
	require.True(contains(tbl, peers[1]))
	require.False(contains(tbl, peers[2]))
}

func TestMarkUnresponsive(t *testing.T) {
	require := require.New(t)
	tbl := newTestTable(t, 2, &fakePinger{alive: true})
	peers := peersInBucket(tbl, 3)
	ctx := context.Background()
	for _, p := range peers {
		tbl.NoticePeer(ctx, p)
	}
	require.False(contains(tbl, peers[2]))

	require.False(tbl.MarkUnresponsive(peers[1].ID()))
	closest := tbl.ClosestPeers(peers[1].ID(), 10)
	require.NotContains(closest, *peers[1])
	require.Contains(closest, *peers[0])

	require.True(tbl.MarkUnresponsive(peers[1].ID()))
	require.False(contains(tbl, peers[1]))
	require.True(contains(tbl, peers[2]))
	require.Equal(2, tbl.Len())

	// A successful contact clears the failure count.
	require.False(tbl.MarkUnresponsive(peers[0].ID()))
	tbl.NoticePeer(ctx, peers[0])
	require.False(tbl.MarkUnresponsive(peers[0].ID()))
	require.True(contains(tbl, peers[0]))
}

func TestClosestPeers(t *testing.T) {
	require := require.New(t)
	tbl := newTestTable(t, 20, nil)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		tbl.NoticePeer(ctx, &common.PeerInfo{Address: fmt.Sprintf("n%d", i)})
	}
	target := common.NewUniqueID().Key()
	closest := tbl.ClosestPeers(target, 8)
	require.Len(closest, 8)
	for i := 1; i < len(closest); i++ {
		require.True(common.CompareDistance(target, closest[i-1].ID(), closest[i].ID()) < 0)
	}
	for _, p := range tbl.Peers() {
		if common.CompareDistance(target, p.ID, closest[7].ID()) < 0 {
			require.Contains(closest, p.Info)
		}
	}

	self := &common.PeerInfo{}
	tbl.localID = self.ID()
	require.False(tbl.NoticePeer(ctx, self))
}

func TestSaveLoad(t *testing.T) {
	require := require.New(t)
	tbl := newTestTable(t, 20, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		p := &common.PeerInfo{Address: fmt.Sprintf("n%d", i)}
		p.PublicKey[0] = byte(i)
		tbl.NoticePeer(ctx, p)
	}
	f := filepath.Join(t.TempDir(), "peers")
	require.NoError(tbl.Save(f))

	tbl2 := newTestTable(t, 20, nil)
	tbl2.localID = tbl.localID
	n, err := tbl2.Load(f)
	require.NoError(err)
	require.Equal(10, n)
	require.ElementsMatch(tbl.ClosestPeers(tbl.localID, 20), tbl2.ClosestPeers(tbl.localID, 20))

	n, err = tbl2.Load(filepath.Join(t.TempDir(), "missing"))
	require.NoError(err)
	require.Zero(n)
}
