// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package routing

import (
	"sync"
	"time"

	"github.com/katzenpost/dhtmail/common"
)

// Peer is a routing table entry.
type Peer struct {
	Info      common.PeerInfo
	ID        common.Key
	FirstSeen time.Time
	LastSeen  time.Time

	// Failures counts consecutive unanswered requests.
	Failures int

	// BackoffUntil is when the peer may be queried again.
	BackoffUntil time.Time
}

func newPeer(info *common.PeerInfo, now time.Time) *Peer {
	return &Peer{
		Info:      *info,
		ID:        info.ID(),
		FirstSeen: now,
		LastSeen:  now,
	}
}

// bucket holds peers ordered from least to most recently seen, plus a
// replacement cache of peers that did not fit.
type bucket struct {
	sync.RWMutex

	peers        []*Peer
	replacements []*Peer
}

func (b *bucket) indexOf(id common.Key) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// touch moves the peer at i to the most recently seen end.
func (b *bucket) touch(i int, now time.Time) {
	p := b.peers[i]
	p.LastSeen = now
	p.Failures = 0
	p.BackoffUntil = time.Time{}
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.peers = append(b.peers, p)
}

func (b *bucket) remove(i int) *Peer {
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return p
}

func (b *bucket) addReplacement(p *Peer, max int) {
	for i, r := range b.replacements {
		if r.ID == p.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append(b.replacements, p)
	if len(b.replacements) > max {
		b.replacements = b.replacements[len(b.replacements)-max:]
	}
}

// promote moves the most recently seen replacement into the bucket.
func (b *bucket) promote() *Peer {
	n := len(b.replacements)
	if n == 0 {
		return nil
	}
	p := b.replacements[n-1]
	b.replacements = b.replacements[:n-1]
	b.peers = append(b.peers, p)
	return p
}
