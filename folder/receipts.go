// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package folder

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/storage"
)

const receiptsBucket = "receipts"

// Receipt records a received message so it is delivered only once, along
// with the deletions the DHT has not yet acknowledged.
type Receipt struct {
	MessageID common.UniqueID `cbor:"-"`

	DestinationKey common.Key `cbor:"1,keyasint"`
	Received       time.Time  `cbor:"2,keyasint"`

	// Pending lists fragments whose email or index entry may still be
	// stored.
	Pending []*packet.EmailDeleteRequest `cbor:"3,keyasint,omitempty"`
}

// AddPending adds dels to r.Pending, skipping fragments already listed.
func (r *Receipt) AddPending(dels ...*packet.EmailDeleteRequest) {
	for _, d := range dels {
		dup := false
		for _, p := range r.Pending {
			if p.EmailKey == d.EmailKey {
				dup = true
				break
			}
		}
		if !dup {
			r.Pending = append(r.Pending, d)
		}
	}
}

func (s *Store) sealReceipt(r *Receipt) ([]byte, error) {
	raw, err := cbor.Marshal(r)
	if err != nil {
		return nil, err
	}
	return s.cache.Encrypt(raw)
}

func (s *Store) openReceipt(k, v []byte) (*Receipt, error) {
	raw, err := s.cache.Decrypt(v)
	if err != nil {
		return nil, err
	}
	r := new(Receipt)
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptFile, err)
	}
	copy(r.MessageID[:], k)
	return r, nil
}

// Deliver appends it to the inbox and stores r in one transaction.  A nil
// it stores only the receipt.
func (s *Store) Deliver(it *Item, r *Receipt) error {
	if r.Received.IsZero() {
		r.Received = time.Now()
	}
	rv, err := s.sealReceipt(r)
	if err != nil {
		return err
	}
	var iv []byte
	if it != nil {
		if it.Added.IsZero() {
			it.Added = r.Received
		}
		if iv, err = s.seal(it); err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if iv != nil {
			bkt := tx.Bucket([]byte(Inbox))
			id, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			if err := bkt.Put(itemKey(id), iv); err != nil {
				return err
			}
			it.ID = id
		}
		return tx.Bucket([]byte(receiptsBucket)).Put(r.MessageID[:], rv)
	})
}

// Receipt returns the receipt for a message ID, or ErrNotFound.
func (s *Store) Receipt(id common.UniqueID) (*Receipt, error) {
	var v []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(receiptsBucket)).Get(id[:]); raw != nil {
			v = append([]byte{}, raw...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return s.openReceipt(id[:], v)
}

// UpdateReceipt replaces the stored receipt for r.MessageID.
func (s *Store) UpdateReceipt(r *Receipt) error {
	v, err := s.sealReceipt(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(receiptsBucket))
		if bkt.Get(r.MessageID[:]) == nil {
			return ErrNotFound
		}
		return bkt.Put(r.MessageID[:], v)
	})
}

func (s *Store) receipts() ([]*Receipt, error) {
	var keys, values [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(receiptsBucket)).ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte{}, k...))
			values = append(values, append([]byte{}, v...))
			return nil
		})
	}); err != nil {
		return nil, err
	}
	out := make([]*Receipt, 0, len(keys))
	for i := range keys {
		r, err := s.openReceipt(keys[i], values[i])
		if err != nil {
			return nil, fmt.Errorf("folder: receipt %x: %w", keys[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}

// PendingReceipts returns the receipts with unacknowledged deletions.
func (s *Store) PendingReceipts() ([]*Receipt, error) {
	all, err := s.receipts()
	if err != nil {
		return nil, err
	}
	var out []*Receipt
	for _, r := range all {
		if len(r.Pending) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// PruneReceipts removes receipts received before cutoff, once the DHT has
// expired anything that could deliver their message again.
func (s *Store) PruneReceipts(cutoff time.Time) (int, error) {
	all, err := s.receipts()
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(receiptsBucket))
		for _, r := range all {
			if !r.Received.Before(cutoff) {
				continue
			}
			if err := bkt.Delete(r.MessageID[:]); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
