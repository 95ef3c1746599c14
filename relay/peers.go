// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/packet"
)

func (r *Relay) onPeerListRequest(ctx context.Context, from *common.PeerInfo, _ packet.Packet) {
	r.pool.Add(*from)
	l := &packet.PeerList{}
	for _, p := range r.pool.Random(r.cfg.MaxPeerListSize + 1) {
		if p.Address == from.Address || len(l.Peers) == r.cfg.MaxPeerListSize {
			continue
		}
		l.Peers = append(l.Peers, p)
	}
	if err := r.dht.SendPacket(ctx, from.Address, l); err != nil {
		r.log.Debugf("Failed to send peer list to %v: %v", from, err)
	}
}

func (r *Relay) onPeerList(_ context.Context, from *common.PeerInfo, p packet.Packet) {
	r.queriesLock.Lock()
	ch, ok := r.queries[from.Address]
	delete(r.queries, from.Address)
	r.queriesLock.Unlock()
	if !ok {
		r.log.Debugf("Dropping unsolicited peer list from %v", from)
		return
	}
	ch <- p.(*packet.PeerList)
}

// query asks peer for its relay peers and records whether it answered.
func (r *Relay) query(ctx context.Context, peer *common.PeerInfo) (int, bool) {
	ch := make(chan *packet.PeerList, 1)
	r.queriesLock.Lock()
	if _, busy := r.queries[peer.Address]; busy {
		r.queriesLock.Unlock()
		return 0, false
	}
	r.queries[peer.Address] = ch
	r.queriesLock.Unlock()
	defer func() {
		r.queriesLock.Lock()
		if r.queries[peer.Address] == ch {
			delete(r.queries, peer.Address)
		}
		r.queriesLock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.dht.Config().RequestTimeout)
	defer cancel()
	if err := r.dht.SendPacket(ctx, peer.Address, &packet.PeerListRequest{}); err != nil {
		r.pool.Sample(peer.ID(), false)
		return 0, false
	}
	select {
	case l := <-ch:
		r.pool.Sample(peer.ID(), true)
		peers := l.Peers
		if len(peers) > r.cfg.MaxPeerListSize {
			peers = peers[:r.cfg.MaxPeerListSize]
		}
		return r.pool.Add(peers...), true
	case <-ctx.Done():
		r.pool.Sample(peer.ID(), false)
		return 0, false
	}
}

// RefreshPeers seeds the pool from the routing table when it runs low,
// then queries a random sample of pool peers, learning their peers and
// updating their liveness.  It returns the number of peers added.
func (r *Relay) RefreshPeers(ctx context.Context) int {
	if r.pool.Len() < r.cfg.MaxPeerListSize {
		for _, p := range r.dht.Table().Peers() {
			r.pool.Add(p.Info)
		}
	}
	var (
		wg              sync.WaitGroup
		lock            sync.Mutex
		added, answered int
	)
	targets := r.pool.Random(r.cfg.MaxPeerListSize)
	for i := range targets {
		peer := &targets[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, ok := r.query(ctx, peer)
			lock.Lock()
			defer lock.Unlock()
			added += n
			if ok {
				answered++
			}
		}()
	}
	wg.Wait()
	r.log.Debugf("Relay pool refresh: %d of %d queried peers answered, %d peers added, %d in pool.", answered, len(targets), added, r.pool.Len())
	return added
}

func (r *Relay) refreshWorker() {
	ctx, cancel := r.HaltContext(context.Background())
	defer cancel()
	t := time.NewTicker(r.cfg.PeerRefreshInterval)
	defer t.Stop()
	r.RefreshPeers(ctx)
	for {
		select {
		case <-r.HaltCh():
			return
		case <-t.C:
			r.RefreshPeers(ctx)
		}
	}
}
