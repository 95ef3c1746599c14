// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/packet"
)

// DefaultRetention is how long an incomplete fragment set is held.
const DefaultRetention = 7 * 24 * time.Hour

// Message is a fully reassembled email, with the requests that delete its
// fragments from the DHT.
type Message struct {
	ID             common.UniqueID
	Data           []byte
	DeleteRequests []*packet.EmailDeleteRequest
}

// Expired describes a fragment set dropped at its retention deadline.
type Expired struct {
	ID             common.UniqueID
	Received       int
	Total          int
	DeleteRequests []*packet.EmailDeleteRequest
}

type fragmentSet struct {
	id       common.UniqueID
	deadline time.Time
	node     *avl.Node

	fragments [][]byte
	have      []bool
	received  int
	deletes   []*packet.EmailDeleteRequest
	complete  bool
}

// Reassembler collects fragments until every fragment of a message is
// present.  A completed message is remembered until its deadline so that
// late duplicates do not produce it again.
type Reassembler struct {
	sync.Mutex

	retention time.Duration
	sets      map[common.UniqueID]*fragmentSet
	deadlines *avl.Tree
}

// NewReassembler returns a Reassembler holding incomplete sets for
// retention.
func NewReassembler(retention time.Duration) *Reassembler {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reassembler{
		retention: retention,
		sets:      make(map[common.UniqueID]*fragmentSet),
		deadlines: avl.New(func(a, b interface{}) int {
			setA, setB := a.(*fragmentSet), b.(*fragmentSet)
			switch {
			case setA.deadline.Before(setB.deadline):
				return -1
			case setB.deadline.Before(setA.deadline):
				return 1
			default:
				return setA.id.Compare(setB.id)
			}
		}),
	}
}

// Add inserts the fragment u, stored in the DHT under emailKey.  Adding a
// fragment twice has no effect.  When u completes its message the
// reassembled message is returned, exactly once per message ID.
func (r *Reassembler) Add(emailKey common.Key, u *packet.UnencryptedEmailPacket, now time.Time) (*Message, error) {
	if u.NumFragments == 0 || u.FragmentIndex >= u.NumFragments {
		return nil, fmt.Errorf("%w: fragment %d of %d", common.ErrCorruptPacket, u.FragmentIndex, u.NumFragments)
	}

	r.Lock()
	defer r.Unlock()

	s, ok := r.sets[u.MessageID]
	if !ok {
		s = &fragmentSet{
			id:        u.MessageID,
			deadline:  now.Add(r.retention),
			fragments: make([][]byte, u.NumFragments),
			have:      make([]bool, u.NumFragments),
		}
		s.node = r.deadlines.Insert(s)
		r.sets[s.id] = s
	}
	if s.complete {
		return nil, nil
	}
	if len(s.have) != int(u.NumFragments) {
		return nil, fmt.Errorf("%w: message %s has %d fragments, not %d", common.ErrCorruptPacket, s.id, len(s.have), u.NumFragments)
	}
	if s.have[u.FragmentIndex] {
		return nil, nil
	}
	s.have[u.FragmentIndex] = true
	s.fragments[u.FragmentIndex] = u.Content
	s.received++
	s.deletes = append(s.deletes, &packet.EmailDeleteRequest{
		EmailKey:            emailKey,
		DeleteAuthorization: u.DeleteAuthorization,
	})
	if s.received < len(s.have) {
		return nil, nil
	}

	m := &Message{
		ID:             s.id,
		Data:           bytes.Join(s.fragments, nil),
		DeleteRequests: s.deletes,
	}
	s.complete = true
	s.fragments, s.deletes = nil, nil
	return m, nil
}

// Pending returns the number of incomplete fragment sets.
func (r *Reassembler) Pending() int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, s := range r.sets {
		if !s.complete {
			n++
		}
	}
	return n
}

// Sweep forgets every set whose deadline is not after now and returns the
// incomplete ones, with deletion requests for the fragments received.
func (r *Reassembler) Sweep(now time.Time) []*Expired {
	r.Lock()
	defer r.Unlock()

	var out []*Expired
	iter := r.deadlines.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		s := node.Value.(*fragmentSet)
		if s.deadline.After(now) {
			break
		}
		delete(r.sets, s.id)
		r.deadlines.Remove(node)
		if s.complete {
			continue
		}
		out = append(out, &Expired{
			ID:             s.id,
			Received:       s.received,
			Total:          len(s.have),
			DeleteRequests: s.deletes,
		})
	}
	return out
}

// Release forgets the set for id, so a message whose delivery failed is
// reassembled again from fragments added later.
func (r *Reassembler) Release(id common.UniqueID) {
	r.Lock()
	defer r.Unlock()
	s, ok := r.sets[id]
	if !ok {
		return
	}
	delete(r.sets, id)
	r.deadlines.Remove(s.node)
}
