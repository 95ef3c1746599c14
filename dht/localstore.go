// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/packet"
)

const (
	metadataBucket       = "metadata"
	versionKey           = "version"
	emailBucket          = "email"
	indexBucket          = "index"
	contactBucket        = "contact"
	emailDeletionBucket  = "email-deletions"
	indexDeletionsBucket = "index-deletions"

	storeVersion = 1
)

var (
	// ErrNotFound is returned when no packet is stored under a key.
	ErrNotFound = errors.New("dht: no data found")

	// ErrDeleted is matched by DeletedError.
	ErrDeleted = errors.New("dht: data was deleted")

	// ErrContactExists is returned when a contact name is already taken by
	// another destination.
	ErrContactExists = errors.New("dht: contact name taken")
)

// DeletedError reports that the requested data was deleted, carrying the
// delete request so it can be passed on.
type DeletedError struct {
	Request packet.DeleteRequest
}

func (e *DeletedError) Error() string {
	return fmt.Sprintf("dht: %s was deleted", e.Request.Key().ShortString())
}

// Is makes errors.Is(err, ErrDeleted) hold.
func (e *DeletedError) Is(target error) bool {
	return target == ErrDeleted
}

// LocalStore keeps the packets this node is responsible for, together with
// the deletion records that keep deleted packets from being stored again.
type LocalStore struct {
	log        *logging.Logger
	db         *bolt.DB
	expiration time.Duration
	now        func() time.Time
}

// NewLocalStore creates (or loads) a store with the given file name f.
// Packets and deletion records older than expiration are removed by Sweep.
func NewLocalStore(log *logging.Logger, f string, expiration time.Duration) (*LocalStore, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &LocalStore{
		log:        log,
		db:         db,
		expiration: expiration,
		now:        time.Now,
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{emailBucket, indexBucket, contactBucket, emailDeletionBucket, indexDeletionsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("dht: incompatible store version: %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func timestamped(t time.Time, b []byte) []byte {
	out := make([]byte, 8, 8+len(b))
	binary.BigEndian.PutUint64(out, uint64(t.Unix()))
	return append(out, b...)
}

func splitTimestamped(b []byte) (time.Time, []byte, error) {
	if len(b) < 8 {
		return time.Time{}, nil, common.ErrCorruptPacket
	}
	return time.Unix(int64(binary.BigEndian.Uint64(b)), 0), b[8:], nil
}

func indexDeletionKey(dest, email common.Key) []byte {
	k := make([]byte, 0, 2*common.KeyLength)
	k = append(k, dest[:]...)
	return append(k, email[:]...)
}

// Put stores p.  Index packets are merged with what is already stored.
// Delete requests remove the packets they authorize and are remembered so
// the packets are not stored again.
func (s *LocalStore) Put(p packet.DataPacket) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		switch v := p.(type) {
		case *packet.EncryptedEmailPacket:
			return s.putEmail(tx, v, now)
		case *packet.IndexPacket:
			return s.putIndex(tx, v, now)
		case *packet.ContactPacket:
			return s.putContact(tx, v)
		case *packet.EmailDeleteRequest:
			return s.putEmailDelete(tx, v, now)
		case *packet.IndexDeleteRequest:
			return s.putIndexDelete(tx, v, now)
		default:
			return fmt.Errorf("%w: cannot store %v", common.ErrCorruptPacket, p.Type())
		}
	})
}

// maxDeleteCandidates bounds the unverified deletion keys kept for an
// email packet that has not been seen.
const maxDeleteCandidates = 8

// tombstone records deletion keys for an email packet.  A verified
// tombstone holds the one key that authorized the stored packet; an
// unverified one holds candidates received before the packet.
type tombstone struct {
	verified bool
	auths    []common.UniqueID
}

func (t *tombstone) marshal(now time.Time) []byte {
	b := make([]byte, 1, 1+len(t.auths)*common.UniqueIDLength)
	if t.verified {
		b[0] = 1
	}
	for _, a := range t.auths {
		b = append(b, a[:]...)
	}
	return timestamped(now, b)
}

// request returns the deletion request to show for key.
func (t *tombstone) request(key common.Key) *packet.EmailDeleteRequest {
	return &packet.EmailDeleteRequest{EmailKey: key, DeleteAuthorization: t.auths[0]}
}

// authorizing returns the request among the candidates that authorizes e.
func (t *tombstone) authorizing(e *packet.EncryptedEmailPacket) *packet.EmailDeleteRequest {
	for _, a := range t.auths {
		if a.Key() == e.DeleteVerificationHash {
			return &packet.EmailDeleteRequest{EmailKey: e.Key(), DeleteAuthorization: a}
		}
	}
	return nil
}

func (s *LocalStore) emailDeletion(tx *bolt.Tx, key common.Key) (*tombstone, error) {
	raw := tx.Bucket([]byte(emailDeletionBucket)).Get(key[:])
	if raw == nil {
		return nil, nil
	}
	_, b, err := splitTimestamped(raw)
	if err != nil {
		return nil, err
	}
	if len(b) < 1+common.UniqueIDLength || (len(b)-1)%common.UniqueIDLength != 0 {
		return nil, common.ErrCorruptPacket
	}
	t := &tombstone{verified: b[0] == 1}
	for b = b[1:]; len(b) > 0; b = b[common.UniqueIDLength:] {
		var a common.UniqueID
		copy(a[:], b)
		t.auths = append(t.auths, a)
	}
	return t, nil
}

func (s *LocalStore) putEmail(tx *bolt.Tx, p *packet.EncryptedEmailPacket, now time.Time) error {
	key := p.Key()
	t, err := s.emailDeletion(tx, key)
	if err != nil {
		return err
	}
	if t != nil {
		dels := tx.Bucket([]byte(emailDeletionBucket))
		if del := t.authorizing(p); del != nil {
			if !t.verified {
				verified := &tombstone{verified: true, auths: []common.UniqueID{del.DeleteAuthorization}}
				if err := dels.Put(key[:], verified.marshal(now)); err != nil {
					return err
				}
			}
			return &DeletedError{Request: del}
		}
		// None of the candidates matches the packet.
		if err := dels.Delete(key[:]); err != nil {
			return err
		}
	}
	bkt := tx.Bucket([]byte(emailBucket))
	if bkt.Get(key[:]) != nil {
		return nil
	}
	stored := *p
	stored.SetStoreTime(now)
	return bkt.Put(key[:], stored.ToBytes())
}

func (s *LocalStore) getIndex(tx *bolt.Tx, key common.Key) (*packet.IndexPacket, error) {
	raw := tx.Bucket([]byte(indexBucket)).Get(key[:])
	if raw == nil {
		return nil, nil
	}
	p, err := packet.FromBytes(raw)
	if err != nil {
		return nil, err
	}
	idx, ok := p.(*packet.IndexPacket)
	if !ok {
		return nil, common.ErrCorruptPacket
	}
	return idx, nil
}

func (s *LocalStore) putIndex(tx *bolt.Tx, p *packet.IndexPacket, now time.Time) error {
	idx, err := s.getIndex(tx, p.DestinationKey)
	if err != nil {
		return err
	}
	if idx == nil {
		idx = packet.NewIndexPacket(p.DestinationKey)
	}
	incoming := &packet.IndexPacket{DestinationKey: p.DestinationKey, Entries: append([]packet.IndexEntry{}, p.Entries...)}
	incoming.SetStoreTime(uint64(now.Unix()))
	if err := idx.Merge(incoming); err != nil {
		return err
	}

	// Drop entries deleted before this merge.
	dels := tx.Bucket([]byte(indexDeletionsBucket))
	req := &packet.IndexDeleteRequest{DestinationKey: p.DestinationKey}
	for _, e := range p.Entries {
		raw := dels.Get(indexDeletionKey(p.DestinationKey, e.EmailKey))
		if raw == nil {
			continue
		}
		_, auth, err := splitTimestamped(raw)
		if err != nil {
			return err
		}
		id, err := common.UniqueIDFromBytes(auth)
		if err != nil {
			return err
		}
		req.Add(e.EmailKey, id)
	}
	if len(req.Entries) > 0 {
		if _, err := idx.ApplyDeleteRequest(req); err != nil {
			s.log.Debugf("Ignoring stale index deletion for %s: %v", p.DestinationKey.ShortString(), err)
		}
	}
	return tx.Bucket([]byte(indexBucket)).Put(p.DestinationKey[:], idx.ToBytes())
}

func (s *LocalStore) putContact(tx *bolt.Tx, p *packet.ContactPacket) error {
	dest, err := p.Verify()
	if err != nil {
		return err
	}
	key := p.Key()
	bkt := tx.Bucket([]byte(contactBucket))
	if raw := bkt.Get(key[:]); raw != nil {
		old, err := packet.FromBytes(raw)
		if err != nil {
			return err
		}
		oldDest, err := old.(*packet.ContactPacket).Verify()
		if err != nil {
			return err
		}
		if !oldDest.Equal(dest) {
			return ErrContactExists
		}
	}
	return bkt.Put(key[:], p.ToBytes())
}

func (s *LocalStore) putEmailDelete(tx *bolt.Tx, p *packet.EmailDeleteRequest, now time.Time) error {
	bkt := tx.Bucket([]byte(emailBucket))
	dels := tx.Bucket([]byte(emailDeletionBucket))
	if raw := bkt.Get(p.EmailKey[:]); raw != nil {
		e, err := packet.FromBytes(raw)
		if err != nil {
			return err
		}
		if !p.Authorizes(e.(*packet.EncryptedEmailPacket)) {
			return common.ErrDeletionUnauthorized
		}
		if err := bkt.Delete(p.EmailKey[:]); err != nil {
			return err
		}
		s.log.Debugf("Deleted email packet %s", p.EmailKey.ShortString())
		t := &tombstone{verified: true, auths: []common.UniqueID{p.DeleteAuthorization}}
		return dels.Put(p.EmailKey[:], t.marshal(now))
	}

	// Without the packet the key can't be checked yet; candidates are
	// checked when the packet arrives.
	t, err := s.emailDeletion(tx, p.EmailKey)
	if err != nil {
		return err
	}
	switch {
	case t == nil:
		t = &tombstone{}
	case t.verified:
		return nil
	}
	for _, a := range t.auths {
		if a == p.DeleteAuthorization {
			return nil
		}
	}
	if len(t.auths) == maxDeleteCandidates {
		t.auths = t.auths[1:]
	}
	t.auths = append(t.auths, p.DeleteAuthorization)
	return dels.Put(p.EmailKey[:], t.marshal(now))
}

func (s *LocalStore) putIndexDelete(tx *bolt.Tx, p *packet.IndexDeleteRequest, now time.Time) error {
	idx, err := s.getIndex(tx, p.DestinationKey)
	if err != nil {
		return err
	}
	dels := tx.Bucket([]byte(indexDeletionsBucket))
	unauthorized := 0
	for _, d := range p.Entries {
		if idx != nil {
			if e, ok := idx.Get(d.EmailKey); ok && d.DeleteAuthorization.Key() != e.DeleteVerificationHash {
				unauthorized++
				continue
			}
		}
		if err := dels.Put(indexDeletionKey(p.DestinationKey, d.EmailKey), timestamped(now, d.DeleteAuthorization[:])); err != nil {
			return err
		}
	}
	if idx != nil {
		// Unauthorized entries were skipped above and are reported below.
		if n, _ := idx.ApplyDeleteRequest(p); n > 0 {
			s.log.Debugf("Deleted %d index entries for %s", n, p.DestinationKey.ShortString())
		}
		if err := tx.Bucket([]byte(indexBucket)).Put(p.DestinationKey[:], idx.ToBytes()); err != nil {
			return err
		}
	}
	if unauthorized > 0 {
		return fmt.Errorf("%w: %d index entries", common.ErrDeletionUnauthorized, unauthorized)
	}
	return nil
}

// Get returns the packet of type t stored under key.  A deleted email
// packet yields a *DeletedError.
func (s *LocalStore) Get(t packet.Type, key common.Key) (packet.DataPacket, error) {
	var out packet.DataPacket
	err := s.db.View(func(tx *bolt.Tx) error {
		switch t {
		case packet.TypeEncryptedEmail:
			if raw := tx.Bucket([]byte(emailBucket)).Get(key[:]); raw != nil {
				p, err := packet.DataFromBytes(raw)
				out = p
				return err
			}
			ts, err := s.emailDeletion(tx, key)
			if err != nil {
				return err
			}
			if ts != nil {
				return &DeletedError{Request: ts.request(key)}
			}
		case packet.TypeIndex:
			idx, err := s.getIndex(tx, key)
			if err != nil {
				return err
			}
			if idx != nil {
				out = idx
			}
		case packet.TypeContact:
			if raw := tx.Bucket([]byte(contactBucket)).Get(key[:]); raw != nil {
				p, err := packet.DataFromBytes(raw)
				out = p
				return err
			}
		case packet.TypeEmailDeleteRequest:
			ts, err := s.emailDeletion(tx, key)
			if err != nil {
				return err
			}
			if ts != nil {
				out = ts.request(key)
			}
		case packet.TypeIndexDeleteRequest:
			req := &packet.IndexDeleteRequest{DestinationKey: key}
			c := tx.Bucket([]byte(indexDeletionsBucket)).Cursor()
			for k, v := c.Seek(key[:]); k != nil && len(k) == 2*common.KeyLength && common.Key(k[:common.KeyLength]) == key; k, v = c.Next() {
				_, auth, err := splitTimestamped(v)
				if err != nil {
					return err
				}
				id, err := common.UniqueIDFromBytes(auth)
				if err != nil {
					return err
				}
				req.Add(common.Key(k[common.KeyLength:]), id)
			}
			if len(req.Entries) > 0 {
				out = req
			}
		default:
			return fmt.Errorf("%w: cannot retrieve %v", common.ErrCorruptPacket, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Sweep removes packets and deletion records older than the expiration
// period and returns how many records were removed.
func (s *LocalStore) Sweep() (int, error) {
	if s.expiration <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.expiration)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte
		bkt := tx.Bucket([]byte(emailBucket))
		if err := bkt.ForEach(func(k, v []byte) error {
			p, err := packet.FromBytes(v)
			if err != nil || time.Unix(int64(p.(*packet.EncryptedEmailPacket).StoreTime), 0).Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed += len(stale)

		bkt = tx.Bucket([]byte(indexBucket))
		type update struct {
			k   []byte
			idx *packet.IndexPacket
		}
		var updates []update
		if err := bkt.ForEach(func(k, v []byte) error {
			p, err := packet.FromBytes(v)
			if err != nil {
				updates = append(updates, update{k: append([]byte{}, k...)})
				return nil
			}
			idx := p.(*packet.IndexPacket)
			kept := idx.Entries[:0]
			for _, e := range idx.Entries {
				if time.Unix(int64(e.StoreTime), 0).Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) != len(idx.Entries) {
				idx.Entries = kept
				if len(kept) == 0 {
					idx = nil
				}
				updates = append(updates, update{k: append([]byte{}, k...), idx: idx})
			}
			return nil
		}); err != nil {
			return err
		}
		for _, u := range updates {
			var err error
			if u.idx == nil {
				err = bkt.Delete(u.k)
			} else {
				err = bkt.Put(u.k, u.idx.ToBytes())
			}
			if err != nil {
				return err
			}
		}

		for _, name := range []string{emailDeletionBucket, indexDeletionsBucket} {
			bkt := tx.Bucket([]byte(name))
			stale = stale[:0]
			if err := bkt.ForEach(func(k, v []byte) error {
				t, _, err := splitTimestamped(v)
				if err != nil || t.Before(cutoff) {
					stale = append(stale, append([]byte{}, k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range stale {
				if err := bkt.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}
