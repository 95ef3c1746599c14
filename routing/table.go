// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package routing implements the Kademlia routing table.
package routing

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/retry"
	"github.com/katzenpost/dhtmail/core/utils"
)

const (
	// DefaultBucketSize is the Kademlia k.
	DefaultBucketSize = 20

	// DefaultMaxFailures is how many consecutive failures remove a peer.
	DefaultMaxFailures = 3

	numBuckets = common.KeyLength*8 + 1
)

// Pinger pings a peer for liveness.
type Pinger interface {
	Ping(ctx context.Context, peer *common.PeerInfo) error
}

// Config is the routing table configuration.
type Config struct {
	BucketSize       int
	ReplacementCache int
	MaxFailures      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) applyDefaults() {
	if c.BucketSize <= 0 {
		c.BucketSize = DefaultBucketSize
	}
	if c.ReplacementCache <= 0 {
		c.ReplacementCache = c.BucketSize
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = retry.DefaultBaseDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = retry.DefaultMaxDelay
	}
}

// Table is a Kademlia routing table.  Every bucket has its own lock, so
// updates to one bucket never block lookups that only read others.
type Table struct {
	log     *logging.Logger
	localID common.Key
	cfg     Config
	pinger  Pinger
	now     func() time.Time

	buckets [numBuckets]bucket
}

// New returns an empty table for the node localID.
func New(log *logging.Logger, localID common.Key, cfg Config, pinger Pinger) *Table {
	cfg.applyDefaults()
	return &Table{
		log:     log,
		localID: localID,
		cfg:     cfg,
		pinger:  pinger,
		now:     time.Now,
	}
}

// LocalID returns the ID of the node owning the table.
func (t *Table) LocalID() common.Key {
	return t.localID
}

// BucketSize returns k.
func (t *Table) BucketSize() int {
	return t.cfg.BucketSize
}

func (t *Table) bucketFor(id common.Key) *bucket {
	return &t.buckets[common.PrefixLen(t.localID, id)]
}

// NoticePeer records that info was observed.  A known peer becomes the
// most recently seen entry of its bucket.  If the bucket is full the
// least recently seen entry is pinged and evicted only if the ping fails;
// otherwise info goes to the bucket's replacement cache.  It returns true
// if info is in the table afterwards.
func (t *Table) NoticePeer(ctx context.Context, info *common.PeerInfo) bool {
	id := info.ID()
	if id == t.localID {
		return false
	}
	b := t.bucketFor(id)
	now := t.now()

	b.Lock()
	if i := b.indexOf(id); i >= 0 {
		b.touch(i, now)
		b.Unlock()
		return true
	}
	if len(b.peers) < t.cfg.BucketSize {
		b.peers = append(b.peers, newPeer(info, now))
		b.Unlock()
		t.log.Debugf("Added peer %v", info)
		return true
	}
	oldest := b.peers[0]
	seen := oldest.LastSeen
	b.Unlock()

	var err error
	if t.pinger != nil {
		err = t.pinger.Ping(ctx, &oldest.Info)
	}

	b.Lock()
	defer b.Unlock()
	i := b.indexOf(oldest.ID)
	switch {
	case i < 0:
		// Removed while pinging, there may be room now.
		if len(b.peers) < t.cfg.BucketSize {
			b.peers = append(b.peers, newPeer(info, t.now()))
			return true
		}
	case err == nil:
		b.touch(i, t.now())
	case i != 0 || !b.peers[i].LastSeen.Equal(seen):
		// Heard from while pinging.
	default:
		t.log.Debugf("Evicting unresponsive peer %v: %v", &oldest.Info, err)
		b.remove(i)
		b.peers = append(b.peers, newPeer(info, t.now()))
		return true
	}
	b.addReplacement(newPeer(info, now), t.cfg.ReplacementCache)
	return false
}

// MarkUnresponsive records a request to id that went unanswered.  The
// peer is skipped by ClosestPeers for a backoff period and removed, with
// a replacement promoted, after MaxFailures consecutive failures.  It
// returns true if the peer was removed.
func (t *Table) MarkUnresponsive(id common.Key) bool {
	b := t.bucketFor(id)
	b.Lock()
	defer b.Unlock()
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	p := b.peers[i]
	p.Failures++
	if p.Failures >= t.cfg.MaxFailures {
		b.remove(i)
		if r := b.promote(); r != nil {
			t.log.Debugf("Replaced peer %v with %v", &p.Info, &r.Info)
		} else {
			t.log.Debugf("Removed peer %v", &p.Info)
		}
		return true
	}
	p.BackoffUntil = t.now().Add(retry.Delay(t.cfg.BaseBackoff, t.cfg.MaxBackoff, retry.DefaultJitter, p.Failures-1))
	return false
}

// Remove drops id from the table.
func (t *Table) Remove(id common.Key) {
	b := t.bucketFor(id)
	b.Lock()
	defer b.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.remove(i)
	}
}

// Get returns a copy of the entry for id.
func (t *Table) Get(id common.Key) (Peer, bool) {
	b := t.bucketFor(id)
	b.RLock()
	defer b.RUnlock()
	if i := b.indexOf(id); i >= 0 {
		return *b.peers[i], true
	}
	return Peer{}, false
}

// ClosestPeers returns up to count peers ordered by XOR distance to key,
// skipping peers in a backoff period.
func (t *Table) ClosestPeers(key common.Key, count int) []common.PeerInfo {
	now := t.now()
	var candidates []*Peer
	for i := range t.buckets {
		b := &t.buckets[i]
		b.RLock()
		for _, p := range b.peers {
			if now.Before(p.BackoffUntil) {
				continue
			}
			cp := *p
			candidates = append(candidates, &cp)
		}
		b.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return common.CompareDistance(key, candidates[i].ID, candidates[j].ID) < 0
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]common.PeerInfo, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, p.Info)
	}
	return out
}

// Peers returns every peer in the table.
func (t *Table) Peers() []Peer {
	var out []Peer
	for i := range t.buckets {
		b := &t.buckets[i]
		b.RLock()
		for _, p := range b.peers {
			out = append(out, *p)
		}
		b.RUnlock()
	}
	return out
}

// Len returns the number of peers in the table.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.RLock()
		n += len(b.peers)
		b.RUnlock()
	}
	return n
}

// Save writes the known peers to name.
func (t *Table) Save(name string) error {
	peers := t.Peers()
	infos := make([]common.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info)
	}
	raw, err := cbor.Marshal(infos)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(name, raw, 0600)
}

// Load adds the peers saved in name without pinging anyone.  A missing
// file is not an error.
func (t *Table) Load(name string) (int, error) {
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
	var infos []common.PeerInfo
	if err := cbor.Unmarshal(raw, &infos); err != nil {
		return 0, err
	}
	n := 0
	for i := range infos {
		if t.NoticePeer(context.Background(), &infos[i]) {
			n++
		}
	}
	return n, nil
}
