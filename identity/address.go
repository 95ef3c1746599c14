// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownAddress is returned when an address resolves to nothing.
var ErrUnknownAddress = errors.New("identity: unknown address")

// Resolver turns a recipient address into a Destination.
type Resolver interface {
	Resolve(address string) (*Destination, error)
}

// FormatAddress returns "name <destination>", or the bare destination if
// name is empty.
func FormatAddress(name string, dest *Destination) string {
	if name == "" {
		return dest.String()
	}
	return fmt.Sprintf("%s <%s>", name, dest.String())
}

// ParseAddress splits "name <destination>" into its parts.  An address
// without angle brackets is returned as the name if it does not parse as
// a destination.
func ParseAddress(address string) (string, *Destination, error) {
	address = strings.TrimSpace(address)
	if i := strings.LastIndexByte(address, '<'); i >= 0 && strings.HasSuffix(address, ">") {
		name := strings.TrimSpace(address[:i])
		dest, err := DestinationFromString(address[i+1 : len(address)-1])
		if err != nil {
			return "", nil, err
		}
		return name, dest, nil
	}
	if dest, err := DestinationFromString(address); err == nil {
		return "", dest, nil
	}
	return address, nil, nil
}

// Contact is an address book entry.
type Contact struct {
	Name        string
	Destination string
	Picture     []byte `cbor:",omitempty"`
	Text        string `cbor:",omitempty"`
}

// AddressBook maps display names to destinations.
type AddressBook struct {
	sync.RWMutex

	contacts map[string]*Contact
}

// NewAddressBook returns an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{
		contacts: make(map[string]*Contact),
	}
}

// Add inserts or replaces a contact.
func (a *AddressBook) Add(c *Contact) error {
	if c.Name == "" {
		return errors.New("identity: contact name is empty")
	}
	if _, err := DestinationFromString(c.Destination); err != nil {
		return err
	}
	a.Lock()
	defer a.Unlock()
	a.contacts[c.Name] = c
	return nil
}

// Remove deletes a contact by name.
func (a *AddressBook) Remove(name string) {
	a.Lock()
	defer a.Unlock()
	delete(a.contacts, name)
}

// Get returns a contact by name.
func (a *AddressBook) Get(name string) (*Contact, bool) {
	a.RLock()
	defer a.RUnlock()
	c, ok := a.contacts[name]
	return c, ok
}

// Contacts returns all contacts sorted by name.
func (a *AddressBook) Contacts() []*Contact {
	a.RLock()
	defer a.RUnlock()
	out := make([]*Contact, 0, len(a.contacts))
	for _, c := range a.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve accepts a bare destination, "name <destination>" or the name of
// a contact.
func (a *AddressBook) Resolve(address string) (*Destination, error) {
	name, dest, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if dest != nil {
		return dest, nil
	}
	c, ok := a.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddress, name)
	}
	return DestinationFromString(c.Destination)
}
