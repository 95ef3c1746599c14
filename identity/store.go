// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/storage"
)

const (
	// IdentitiesFile is the encrypted identities file name.
	IdentitiesFile = "identities"

	// AddressBookFile is the encrypted address book file name.
	AddressBookFile = "addressbook"
)

type storeState struct {
	Identities []*identityRecord
	Contacts   []*Contact
}

// Store holds the local identities and the address book and persists both
// through a storage.PasswordCache.
type Store struct {
	sync.RWMutex

	log   *logging.Logger
	cache *storage.PasswordCache

	identities []*Identity
	book       *AddressBook
}

// NewStore returns an empty store backed by cache.
func NewStore(log *logging.Logger, cache *storage.PasswordCache) *Store {
	return &Store{
		log:   log,
		cache: cache,
		book:  NewAddressBook(),
	}
}

// Files lists the files the store writes, for password changes.
func (s *Store) Files() []string {
	return []string{IdentitiesFile, AddressBookFile}
}

// AddressBook returns the address book.
func (s *Store) AddressBook() *AddressBook {
	return s.book
}

// Load reads identities and contacts.  Missing files are not an error.
func (s *Store) Load() error {
	var ids []*identityRecord
	err := s.cache.ReadCBOR(IdentitiesFile, &ids)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("identity: failed to load identities: %w", err)
	}
	var contacts []*Contact
	err = s.cache.ReadCBOR(AddressBookFile, &contacts)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("identity: failed to load address book: %w", err)
	}

	s.Lock()
	defer s.Unlock()
	s.identities = s.identities[:0]
	for _, r := range ids {
		id, err := r.identity()
		if err != nil {
			return fmt.Errorf("identity: corrupt identity %q: %w", r.Name, err)
		}
		s.identities = append(s.identities, id)
	}
	for _, c := range contacts {
		if err := s.book.Add(c); err != nil {
			s.log.Warningf("Dropping invalid contact %q: %v", c.Name, err)
		}
	}
	s.log.Debugf("Loaded %d identities and %d contacts.", len(s.identities), len(contacts))
	return nil
}

// Save writes identities and contacts.
func (s *Store) Save() error {
	s.RLock()
	ids := make([]*identityRecord, 0, len(s.identities))
	for _, id := range s.identities {
		ids = append(ids, id.record())
	}
	s.RUnlock()
	if err := s.cache.WriteCBOR(IdentitiesFile, ids); err != nil {
		return err
	}
	return s.cache.WriteCBOR(AddressBookFile, s.book.Contacts())
}

// Add adds an identity.  The first identity becomes the default.
func (s *Store) Add(id *Identity) {
	s.Lock()
	defer s.Unlock()
	if len(s.identities) == 0 {
		id.IsDefault = true
	}
	s.identities = append(s.identities, id)
}

// Remove deletes the identity with the given destination key.
func (s *Store) Remove(key common.Key) bool {
	s.Lock()
	defer s.Unlock()
	for i, id := range s.identities {
		if id.Destination().Key() == key {
			s.identities = append(s.identities[:i], s.identities[i+1:]...)
			id.Reset()
			return true
		}
	}
	return false
}

// Identities returns the local identities.
func (s *Store) Identities() []*Identity {
	s.RLock()
	defer s.RUnlock()
	return append([]*Identity{}, s.identities...)
}

// Get returns the identity owning the destination key.
func (s *Store) Get(key common.Key) (*Identity, bool) {
	s.RLock()
	defer s.RUnlock()
	for _, id := range s.identities {
		if id.Destination().Key() == key {
			return id, true
		}
	}
	return nil, false
}

// Default returns the default identity, if any.
func (s *Store) Default() (*Identity, bool) {
	s.RLock()
	defer s.RUnlock()
	for _, id := range s.identities {
		if id.IsDefault {
			return id, true
		}
	}
	if len(s.identities) > 0 {
		return s.identities[0], true
	}
	return nil, false
}

// Identity resolves a sender address to a local identity by name or
// destination.
func (s *Store) Identity(address string) (*Identity, error) {
	name, dest, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	s.RLock()
	defer s.RUnlock()
	for _, id := range s.identities {
		if dest != nil && id.Destination().Equal(dest) {
			return id, nil
		}
		if dest == nil && id.Name == name {
			return id, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, address)
}

// Resolve resolves a recipient address against local identities and then
// the address book.
func (s *Store) Resolve(address string) (*Destination, error) {
	if id, err := s.Identity(address); err == nil {
		return id.Destination(), nil
	}
	return s.book.Resolve(address)
}
