// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/katzenpost/dhtmail/common"
)

// IndexEntry references one encrypted email packet.
type IndexEntry struct {
	EmailKey               common.Key
	DeleteVerificationHash common.Key
	StoreTime              uint64
}

// IndexPacket lists the email packets stored for a destination.  Entries
// form a set keyed by EmailKey and are kept sorted.
type IndexPacket struct {
	DestinationKey common.Key
	Entries        []IndexEntry
}

// NewIndexPacket returns an empty index for destKey.
func NewIndexPacket(destKey common.Key) *IndexPacket {
	return &IndexPacket{DestinationKey: destKey}
}

// Type returns TypeIndex.
func (p *IndexPacket) Type() Type { return TypeIndex }

// Key returns the destination key.
func (p *IndexPacket) Key() common.Key { return p.DestinationKey }

func (p *IndexPacket) find(k common.Key) (int, bool) {
	i := sort.Search(len(p.Entries), func(i int) bool {
		return bytes.Compare(p.Entries[i].EmailKey[:], k[:]) >= 0
	})
	return i, i < len(p.Entries) && p.Entries[i].EmailKey == k
}

// Put adds an entry.  If the email key is already present the entry with
// the earlier store time wins, then the one with the lower verification
// hash, so Put is idempotent and order independent.
func (p *IndexPacket) Put(e IndexEntry) {
	i, ok := p.find(e.EmailKey)
	if ok {
		if e.precedes(&p.Entries[i]) {
			p.Entries[i] = e
		}
		return
	}
	p.Entries = append(p.Entries, IndexEntry{})
	copy(p.Entries[i+1:], p.Entries[i:])
	p.Entries[i] = e
}

// precedes orders entries for the same email key.  An unset store time
// sorts last.
func (e *IndexEntry) precedes(o *IndexEntry) bool {
	a, b := e.StoreTime-1, o.StoreTime-1
	if a != b {
		return a < b
	}
	return bytes.Compare(e.DeleteVerificationHash[:], o.DeleteVerificationHash[:]) < 0
}

// Contains reports whether k is in the index.
func (p *IndexPacket) Contains(k common.Key) bool {
	_, ok := p.find(k)
	return ok
}

// Get returns the entry for k.
func (p *IndexPacket) Get(k common.Key) (IndexEntry, bool) {
	i, ok := p.find(k)
	if !ok {
		return IndexEntry{}, false
	}
	return p.Entries[i], true
}

// EmailKeys returns the referenced email packet keys in order.
func (p *IndexPacket) EmailKeys() []common.Key {
	out := make([]common.Key, 0, len(p.Entries))
	for _, e := range p.Entries {
		out = append(out, e.EmailKey)
	}
	return out
}

// Merge adds all entries of other.  Merging indexes for different
// destinations is an error.
func (p *IndexPacket) Merge(other *IndexPacket) error {
	if other.DestinationKey != p.DestinationKey {
		return fmt.Errorf("packet: cannot merge index %s into %s", other.DestinationKey.ShortString(), p.DestinationKey.ShortString())
	}
	for _, e := range other.Entries {
		p.Put(e)
	}
	return nil
}

// SetStoreTime stamps entries that have no store time yet.
func (p *IndexPacket) SetStoreTime(t uint64) {
	for i := range p.Entries {
		if p.Entries[i].StoreTime == 0 {
			p.Entries[i].StoreTime = t
		}
	}
}

// ApplyDeleteRequest removes every entry whose deletion key hashes to the
// stored verification hash.  It returns the number of entries removed; if
// any presented key did not match, the error is ErrDeletionUnauthorized and
// the mismatched entries are left in place.
func (p *IndexPacket) ApplyDeleteRequest(req *IndexDeleteRequest) (int, error) {
	if req.DestinationKey != p.DestinationKey {
		return 0, common.ErrDeletionUnauthorized
	}
	removed, unauthorized := 0, 0
	for _, d := range req.Entries {
		i, ok := p.find(d.EmailKey)
		if !ok {
			continue
		}
		if d.DeleteAuthorization.Key() != p.Entries[i].DeleteVerificationHash {
			unauthorized++
			continue
		}
		p.Entries = append(p.Entries[:i], p.Entries[i+1:]...)
		removed++
	}
	if unauthorized > 0 {
		return removed, fmt.Errorf("%w: %d index entries", common.ErrDeletionUnauthorized, unauthorized)
	}
	return removed, nil
}

// ToBytes serializes the packet.
func (p *IndexPacket) ToBytes() []byte {
	const entryLength = 2*common.KeyLength + 8
	w := newWriter(p.Type(), common.KeyLength+4+len(p.Entries)*entryLength)
	w.key(p.DestinationKey)
	w.u32(uint32(len(p.Entries)))
	for _, e := range p.Entries {
		w.key(e.EmailKey)
		w.key(e.DeleteVerificationHash)
		w.u64(e.StoreTime)
	}
	return w.b
}

func indexFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &IndexPacket{DestinationKey: r.key()}
	n := r.u32()
	if n > MaxPacketLength/(2*common.KeyLength) {
		return nil, common.ErrCorruptPacket
	}
	for i := uint32(0); i < n && !r.bad; i++ {
		p.Put(IndexEntry{
			EmailKey:               r.key(),
			DeleteVerificationHash: r.key(),
			StoreTime:              r.u64(),
		})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if len(p.Entries) != int(n) {
		return nil, fmt.Errorf("%w: duplicate index entries", common.ErrCorruptPacket)
	}
	return p, nil
}

// IndexDeleteEntry authorizes removal of one index entry.
type IndexDeleteEntry struct {
	EmailKey            common.Key
	DeleteAuthorization common.UniqueID
}

// IndexDeleteRequest removes entries from a destination's index.
type IndexDeleteRequest struct {
	DestinationKey common.Key
	Entries        []IndexDeleteEntry
}

// Type returns TypeIndexDeleteRequest.
func (p *IndexDeleteRequest) Type() Type { return TypeIndexDeleteRequest }

// Key returns the destination key.
func (p *IndexDeleteRequest) Key() common.Key { return p.DestinationKey }

// Target returns TypeIndex.
func (p *IndexDeleteRequest) Target() Type { return TypeIndex }

// Add appends an entry unless one for the same email key is present.
func (p *IndexDeleteRequest) Add(emailKey common.Key, auth common.UniqueID) {
	for _, e := range p.Entries {
		if e.EmailKey == emailKey {
			return
		}
	}
	p.Entries = append(p.Entries, IndexDeleteEntry{EmailKey: emailKey, DeleteAuthorization: auth})
}

// ToBytes serializes the packet.
func (p *IndexDeleteRequest) ToBytes() []byte {
	w := newWriter(p.Type(), common.KeyLength+4+len(p.Entries)*(common.KeyLength+common.UniqueIDLength))
	w.key(p.DestinationKey)
	w.u32(uint32(len(p.Entries)))
	for _, e := range p.Entries {
		w.key(e.EmailKey)
		w.id(e.DeleteAuthorization)
	}
	return w.b
}

func indexDeleteRequestFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &IndexDeleteRequest{DestinationKey: r.key()}
	n := r.u32()
	if n > MaxPacketLength/(common.KeyLength+common.UniqueIDLength) {
		return nil, common.ErrCorruptPacket
	}
	for i := uint32(0); i < n && !r.bad; i++ {
		p.Entries = append(p.Entries, IndexDeleteEntry{
			EmailKey:            r.key(),
			DeleteAuthorization: r.id(),
		})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// EmailDeleteRequest removes an encrypted email packet.
type EmailDeleteRequest struct {
	EmailKey            common.Key
	DeleteAuthorization common.UniqueID
}

// Type returns TypeEmailDeleteRequest.
func (p *EmailDeleteRequest) Type() Type { return TypeEmailDeleteRequest }

// Key returns the key of the email packet to delete.
func (p *EmailDeleteRequest) Key() common.Key { return p.EmailKey }

// Target returns TypeEncryptedEmail.
func (p *EmailDeleteRequest) Target() Type { return TypeEncryptedEmail }

// Authorizes reports whether the request's deletion key matches e.
func (p *EmailDeleteRequest) Authorizes(e *EncryptedEmailPacket) bool {
	return e.Key() == p.EmailKey && p.DeleteAuthorization.Key() == e.DeleteVerificationHash
}

// ToBytes serializes the packet.
func (p *EmailDeleteRequest) ToBytes() []byte {
	w := newWriter(p.Type(), common.KeyLength+common.UniqueIDLength)
	w.key(p.EmailKey)
	w.id(p.DeleteAuthorization)
	return w.b
}

func emailDeleteRequestFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &EmailDeleteRequest{
		EmailKey:            r.key(),
		DeleteAuthorization: r.id(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}
