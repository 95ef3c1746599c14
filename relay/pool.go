// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/utils"
)

// livenessWindow is the number of most recent query results kept per peer.
const livenessWindow = 20

// PoolPeer is a relay candidate and its recent query results.
type PoolPeer struct {
	Info     common.PeerInfo
	Samples  []bool
	LastSeen time.Time
}

// Liveness is the percentage of answered queries.  A peer never queried
// counts as live.
func (p *PoolPeer) Liveness() int {
	if len(p.Samples) == 0 {
		return 100
	}
	ok := 0
	for _, s := range p.Samples {
		if s {
			ok++
		}
	}
	return ok * 100 / len(p.Samples)
}

// Pool is the set of peers relay chains are built from.
type Pool struct {
	sync.RWMutex

	self  common.Key
	max   int
	peers map[common.Key]*PoolPeer
}

// NewPool returns an empty pool holding up to max peers, never self.
func NewPool(self common.Key, max int) *Pool {
	return &Pool{
		self:  self,
		max:   max,
		peers: make(map[common.Key]*PoolPeer),
	}
}

// Add inserts peers that are not known yet and returns how many were
// added.  When the pool is full the least live peer is replaced.
func (p *Pool) Add(peers ...common.PeerInfo) int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for _, info := range peers {
		id := info.ID()
		if id == p.self {
			continue
		}
		if _, ok := p.peers[id]; ok {
			continue
		}
		if len(p.peers) >= p.max && !p.evictLocked() {
			continue
		}
		p.peers[id] = &PoolPeer{Info: info}
		n++
	}
	return n
}

func (p *Pool) evictLocked() bool {
	var worst *PoolPeer
	for _, c := range p.peers {
		if worst == nil || c.Liveness() < worst.Liveness() {
			worst = c
		}
	}
	if worst == nil || worst.Liveness() == 100 {
		return false
	}
	delete(p.peers, worst.Info.ID())
	return true
}

// Sample records a query result for the peer with the given ID.
func (p *Pool) Sample(id common.Key, ok bool) {
	p.Lock()
	defer p.Unlock()
	c, found := p.peers[id]
	if !found {
		return
	}
	c.Samples = append(c.Samples, ok)
	if len(c.Samples) > livenessWindow {
		c.Samples = c.Samples[len(c.Samples)-livenessWindow:]
	}
	if ok {
		c.LastSeen = time.Now()
	}
}

// Get returns the pool entry for id.
func (p *Pool) Get(id common.Key) (PoolPeer, bool) {
	p.RLock()
	defer p.RUnlock()
	c, ok := p.peers[id]
	if !ok {
		return PoolPeer{}, false
	}
	out := *c
	out.Samples = append([]bool{}, c.Samples...)
	return out, true
}

// Len returns the number of peers in the pool.
func (p *Pool) Len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.peers)
}

// Live returns the peers with at least minPercent liveness, in random
// order.
func (p *Pool) Live(minPercent int) []common.PeerInfo {
	p.RLock()
	out := make([]common.PeerInfo, 0, len(p.peers))
	for _, c := range p.peers {
		if c.Liveness() >= minPercent {
			out = append(out, c.Info)
		}
	}
	p.RUnlock()
	rand.NewMath().Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Random returns up to n peers of any liveness, in random order.
func (p *Pool) Random(n int) []common.PeerInfo {
	out := p.Live(0)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Save writes the pool to name.
func (p *Pool) Save(name string) error {
	p.RLock()
	peers := make([]PoolPeer, 0, len(p.peers))
	for _, c := range p.peers {
		peers = append(peers, *c)
	}
	p.RUnlock()
	raw, err := cbor.Marshal(peers)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(name, raw, 0600)
}

// Load adds the peers saved in name, with their samples.  A missing file
// is not an error.
func (p *Pool) Load(name string) (int, error) {
	if err := utils.RecoverAtomic(name); err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var peers []PoolPeer
	if err := cbor.Unmarshal(raw, &peers); err != nil {
		return 0, err
	}
	p.Lock()
	defer p.Unlock()
	n := 0
	for i := range peers {
		id := peers[i].Info.ID()
		if id == p.self || len(p.peers) >= p.max {
			continue
		}
		if _, ok := p.peers[id]; ok {
			continue
		}
		c := peers[i]
		p.peers[id] = &c
		n++
	}
	return n, nil
}
