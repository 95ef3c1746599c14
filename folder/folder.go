// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package folder keeps the outbox, inbox and sent mail in a bbolt database
// with every record encrypted under the session password.
package folder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/storage"
)

const (
	Outbox = "outbox"
	Inbox  = "inbox"
	Sent   = "sent"

	// DatabaseFile is the folder database name under the data directory.
	DatabaseFile = "mail.db"
)

var (
	// ErrEmpty is returned by Dequeue on an empty folder.
	ErrEmpty = errors.New("folder: empty")

	// ErrNotFound is returned for an unknown item ID.
	ErrNotFound = errors.New("folder: no such item")

	folders = []string{Outbox, Inbox, Sent}
	buckets = append(append([]string{}, folders...), receiptsBucket)
)

// Deletion is a sender-held deletion key for one stored fragment.
type Deletion struct {
	EmailKey            common.Key      `cbor:"1,keyasint"`
	DeleteAuthorization common.UniqueID `cbor:"2,keyasint"`
}

// Item is one email in a folder.
type Item struct {
	// ID is assigned by Enqueue and orders items by arrival.
	ID uint64 `cbor:"-"`

	Email *email.Email `cbor:"1,keyasint"`

	// Sender is the destination key of the sending identity.  It is zero
	// for anonymous mail.
	Sender common.Key `cbor:"2,keyasint,omitempty"`

	Added     time.Time  `cbor:"3,keyasint"`
	Attempts  int        `cbor:"4,keyasint,omitempty"`
	LastError string     `cbor:"5,keyasint,omitempty"`
	Deletions []Deletion `cbor:"6,keyasint,omitempty"`

	// Delivered lists the recipients whose packets were all stored.
	Delivered []string `cbor:"7,keyasint,omitempty"`

	// Failed marks outbox items that hit an error retrying can't fix.
	Failed bool `cbor:"8,keyasint,omitempty"`
}

// Store is the folder database.
type Store struct {
	log   *logging.Logger
	db    *bolt.DB
	cache *storage.PasswordCache
}

// Open opens (or creates) the folder database f.  Records are encrypted
// with cache, which re-encrypts them on a password change.
func Open(log *logging.Logger, f string, cache *storage.PasswordCache) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		log:   log,
		db:    db,
		cache: cache,
	}
	cache.Register(s)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Folder returns the named folder, one of Outbox, Inbox or Sent.
func (s *Store) Folder(name string) *Folder {
	return &Folder{name: name, s: s}
}

// Reencrypt implements storage.Reencrypter.
func (s *Store) Reencrypt(fn func([]byte) ([]byte, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			bkt := tx.Bucket([]byte(name))
			type record struct{ k, v []byte }
			var records []record
			if err := bkt.ForEach(func(k, v []byte) error {
				nv, err := fn(v)
				if err != nil {
					return fmt.Errorf("folder: %s record %x: %w", name, k, err)
				}
				records = append(records, record{append([]byte{}, k...), nv})
				return nil
			}); err != nil {
				return err
			}
			for _, r := range records {
				if err := bkt.Put(r.k, r.v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) seal(it *Item) ([]byte, error) {
	raw, err := cbor.Marshal(it)
	if err != nil {
		return nil, err
	}
	return s.cache.Encrypt(raw)
}

func (s *Store) open(k, v []byte) (*Item, error) {
	raw, err := s.cache.Decrypt(v)
	if err != nil {
		return nil, err
	}
	it := new(Item)
	if err := cbor.Unmarshal(raw, it); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptFile, err)
	}
	it.ID = binary.BigEndian.Uint64(k)
	return it, nil
}

func itemKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// Folder is one mail folder.  Records are encrypted before a write
// transaction starts and decrypted after a read transaction ends, so a
// password change never waits on a folder transaction that waits on it.
type Folder struct {
	name string
	s    *Store
}

// Name returns the folder name.
func (f *Folder) Name() string {
	return f.name
}

// Enqueue appends it, setting its ID and, if unset, its Added time.
func (f *Folder) Enqueue(it *Item) (uint64, error) {
	if it.Added.IsZero() {
		it.Added = time.Now()
	}
	v, err := f.s.seal(it)
	if err != nil {
		return 0, err
	}
	err = f.s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(f.name))
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		it.ID = id
		return bkt.Put(itemKey(id), v)
	})
	return it.ID, err
}

// Update replaces the stored item with it.ID.
func (f *Folder) Update(it *Item) error {
	v, err := f.s.seal(it)
	if err != nil {
		return err
	}
	return f.s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(f.name))
		if bkt.Get(itemKey(it.ID)) == nil {
			return ErrNotFound
		}
		return bkt.Put(itemKey(it.ID), v)
	})
}

func (f *Folder) first() (k, v []byte, err error) {
	err = f.s.db.View(func(tx *bolt.Tx) error {
		kk, vv := tx.Bucket([]byte(f.name)).Cursor().First()
		if kk == nil {
			return ErrEmpty
		}
		k, v = append([]byte{}, kk...), append([]byte{}, vv...)
		return nil
	})
	return
}

// Dequeue removes and returns the oldest item.
func (f *Folder) Dequeue() (*Item, error) {
	for {
		k, v, err := f.first()
		if err != nil {
			return nil, err
		}
		it, err := f.s.open(k, v)
		if err != nil {
			return nil, err
		}
		taken := false
		if err := f.s.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(f.name))
			if bkt.Get(k) == nil {
				return nil
			}
			taken = true
			return bkt.Delete(k)
		}); err != nil {
			return nil, err
		}
		if taken {
			return it, nil
		}
	}
}

// Get returns the item with the given ID.
func (f *Folder) Get(id uint64) (*Item, error) {
	var v []byte
	if err := f.s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket([]byte(f.name)).Get(itemKey(id)); raw != nil {
			v = append([]byte{}, raw...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return f.s.open(itemKey(id), v)
}

// List returns all items, oldest first.
func (f *Folder) List() ([]*Item, error) {
	var keys, values [][]byte
	if err := f.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(f.name)).ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte{}, k...))
			values = append(values, append([]byte{}, v...))
			return nil
		})
	}); err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(keys))
	for i := range keys {
		it, err := f.s.open(keys[i], values[i])
		if err != nil {
			return nil, fmt.Errorf("folder: %s item %d: %w", f.name, binary.BigEndian.Uint64(keys[i]), err)
		}
		out = append(out, it)
	}
	return out, nil
}

// Remove deletes the item with the given ID.
func (f *Folder) Remove(id uint64) error {
	return f.s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(f.name))
		if bkt.Get(itemKey(id)) == nil {
			return ErrNotFound
		}
		return bkt.Delete(itemKey(id))
	})
}

// Len returns the number of items.
func (f *Folder) Len() int {
	n := 0
	f.s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(f.name)).Stats().KeyN
		return nil
	})
	return n
}
