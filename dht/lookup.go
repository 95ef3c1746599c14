// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
)

// shortlist is the candidate set of an iterative lookup, ordered by
// distance to the target.
type shortlist struct {
	target    common.Key
	self      common.Key
	peers     []common.PeerInfo
	seen      map[common.Key]bool
	queried   map[common.Key]bool
	responded map[common.Key]bool
}

func newShortlist(target, self common.Key) *shortlist {
	return &shortlist{
		target:    target,
		self:      self,
		seen:      make(map[common.Key]bool),
		queried:   make(map[common.Key]bool),
		responded: make(map[common.Key]bool),
	}
}

// add inserts peers and reports whether the closest known peer changed.
func (s *shortlist) add(peers []common.PeerInfo) bool {
	var best common.Key
	if len(s.peers) > 0 {
		best = s.peers[0].ID()
	}
	added := false
	for _, p := range peers {
		id := p.ID()
		if id == s.self || s.seen[id] {
			continue
		}
		s.seen[id] = true
		s.peers = append(s.peers, p)
		added = true
	}
	if !added {
		return false
	}
	sort.Slice(s.peers, func(i, j int) bool {
		return common.CompareDistance(s.target, s.peers[i].ID(), s.peers[j].ID()) < 0
	})
	return len(s.peers) > 0 && (best.IsZero() || s.peers[0].ID() != best)
}

// next returns up to n unqueried peers among the k closest and marks them
// queried.
func (s *shortlist) next(n, k int) []common.PeerInfo {
	var out []common.PeerInfo
	for i := 0; i < len(s.peers) && i < k && len(out) < n; i++ {
		id := s.peers[i].ID()
		if s.queried[id] {
			continue
		}
		s.queried[id] = true
		out = append(out, s.peers[i])
	}
	return out
}

// closest returns up to k peers that answered, closest first.
func (s *shortlist) closest(k int) []common.PeerInfo {
	var out []common.PeerInfo
	for _, p := range s.peers {
		if len(out) == k {
			break
		}
		if s.responded[p.ID()] {
			out = append(out, p)
		}
	}
	return out
}

type queryFunc func(ctx context.Context, peer *common.PeerInfo) (closer []common.PeerInfo, stop bool, err error)

type queryResult struct {
	peer   common.PeerInfo
	closer []common.PeerInfo
	stop   bool
	err    error
}

// lookup runs an iterative Kademlia lookup for key, alpha queries at a
// time, until a round finds no closer peer, a query asks to stop, or
// MaxHops rounds have run.  When a round brings no progress the remaining
// unqueried peers among the k closest are queried once before finishing.
// It returns the k closest peers that answered.
func (d *DHT) lookup(ctx context.Context, key common.Key, query queryFunc) []common.PeerInfo {
	k := d.cfg.BucketSize
	sl := newShortlist(key, d.self.ID())
	sl.add(d.table.ClosestPeers(key, k))

	finalRound := false
	for hop := 0; hop < d.cfg.MaxHops; hop++ {
		n := d.cfg.Alpha
		if finalRound {
			n = k
		}
		batch := sl.next(n, k)
		if len(batch) == 0 {
			break
		}
		results := make(chan queryResult, len(batch))
		for _, p := range batch {
			p := p
			go func() {
				closer, stop, err := query(ctx, &p)
				results <- queryResult{peer: p, closer: closer, stop: stop, err: err}
			}()
		}
		improved, stop := false, false
		for range batch {
			r := <-results
			if r.err != nil {
				d.log.Debugf("Lookup of %s: %v unanswered: %v", key.ShortString(), &r.peer, r.err)
				continue
			}
			sl.responded[r.peer.ID()] = true
			if sl.add(r.closer) {
				improved = true
			}
			stop = stop || r.stop
		}
		if stop || finalRound || ctx.Err() != nil {
			break
		}
		if !improved {
			finalRound = true
		}
	}
	return sl.closest(k)
}

// FindClosePeers returns the k peers closest to key that answered.
func (d *DHT) FindClosePeers(ctx context.Context, key common.Key) []common.PeerInfo {
	return d.lookup(ctx, key, func(ctx context.Context, peer *common.PeerInfo) ([]common.PeerInfo, bool, error) {
		req := &packet.FindClosePeersRequest{RequestID: common.NewUniqueID(), Key: key}
		resp, err := d.request(ctx, peer, req.RequestID, req)
		if err != nil {
			return nil, false, err
		}
		return peerListPayload(resp), false, nil
	})
}

func peerListPayload(resp *packet.Response) []common.PeerInfo {
	p, err := resp.Packet()
	if err != nil || p == nil {
		return nil
	}
	if l, ok := p.(*packet.PeerList); ok {
		return l.Peers
	}
	return nil
}

// FindValue looks up the packet of type t stored under key.  Email and
// contact lookups stop at the first valid value.  Index lookups query the
// k closest peers and merge every index returned.
//
// If a peer answers that an email packet was deleted and the delete
// request authorizes the packet found elsewhere, the request is sent to
// the peers still holding the packet and a *DeletedError is returned.
func (d *DHT) FindValue(ctx context.Context, t packet.Type, key common.Key) (packet.DataPacket, error) {
	var (
		lock    sync.Mutex
		value   packet.DataPacket
		merged  *packet.IndexPacket
		holders []common.PeerInfo
		deleted packet.DeleteRequest
	)
	d.lookup(ctx, key, func(ctx context.Context, peer *common.PeerInfo) ([]common.PeerInfo, bool, error) {
		req := &packet.RetrieveRequest{RequestID: common.NewUniqueID(), DataType: t, Key: key}
		resp, err := d.request(ctx, peer, req.RequestID, req)
		if err != nil {
			return nil, false, err
		}
		switch resp.Status {
		case packet.StatusOK:
			p, err := packet.DataFromBytes(resp.Payload)
			if err != nil || p.Type() != t || p.Key() != key {
				d.log.Warningf("Peer %v returned a bad %v for %s", peer, t, key.ShortString())
				return nil, false, nil
			}
			lock.Lock()
			defer lock.Unlock()
			holders = append(holders, *peer)
			if idx, ok := p.(*packet.IndexPacket); ok {
				if merged == nil {
					merged = packet.NewIndexPacket(key)
				}
				if err := merged.Merge(idx); err != nil {
					d.log.Warningf("Peer %v returned an unmergeable index: %v", peer, err)
				}
				return nil, false, nil
			}
			if value == nil {
				value = p
			}
			return nil, true, nil
		case packet.StatusDeleted:
			p, err := packet.DataFromBytes(resp.Payload)
			if err != nil {
				return nil, false, nil
			}
			if del, ok := p.(packet.DeleteRequest); ok && del.Target() == t && del.Key() == key {
				lock.Lock()
				deleted = del
				lock.Unlock()
			}
			return nil, false, nil
		case packet.StatusNoDataFound:
			return peerListPayload(resp), false, nil
		default:
			return nil, false, nil
		}
	})

	var err error
	switch {
	case merged != nil:
		instrument.DHTOperation("find", nil)
		return merged, nil
	case value != nil && deleted != nil:
		if del, ok := deleted.(*packet.EmailDeleteRequest); ok {
			if e, ok := value.(*packet.EncryptedEmailPacket); ok && del.Authorizes(e) {
				d.propagateDelete(ctx, del, holders)
				err = &DeletedError{Request: del}
				break
			}
		}
		d.log.Warningf("Ignoring unauthorized delete for %s", key.ShortString())
		instrument.DHTOperation("find", nil)
		return value, nil
	case value != nil:
		instrument.DHTOperation("find", nil)
		return value, nil
	case deleted != nil:
		err = &DeletedError{Request: deleted}
	default:
		err = fmt.Errorf("%w: %v %s: %w", common.ErrDHTTimeout, t, key.ShortString(), ErrNotFound)
	}
	instrument.DHTOperation("find", err)
	return nil, err
}

func (d *DHT) propagateDelete(ctx context.Context, del packet.DeleteRequest, holders []common.PeerInfo) {
	d.log.Debugf("Passing delete of %s on to %d peers", del.Key().ShortString(), len(holders))
	var wg sync.WaitGroup
	for i := range holders {
		peer := &holders[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.storeAt(ctx, peer, del); err != nil && !errors.Is(err, ErrDeleted) {
				d.log.Debugf("Delete propagation to %v failed: %v", peer, err)
			}
		}()
	}
	wg.Wait()
}
