// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/dhtmail/core/utils"
)

const (
	// JournalFileName records a password change in progress.
	JournalFileName = "password.journal"

	stagedSuffix = ".new"
)

var renameFile = os.Rename

// journal describes a password change.  Files lists the staged files,
// password file first, and is cleared once Unlock has rolled the change
// forward or back.  Old is the old password sealed under the new key, New
// the new password sealed under the old key.
type journal struct {
	Files []string `cbor:"1,keyasint,omitempty"`
	Old   []byte   `cbor:"2,keyasint,omitempty"`
	New   []byte   `cbor:"3,keyasint,omitempty"`
}

func (c *PasswordCache) readJournal() (*journal, error) {
	p := c.Path(JournalFileName)
	if err := utils.RecoverAtomic(p); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	j := new(journal)
	if err := cbor.Unmarshal(raw, j); err != nil {
		return nil, fmt.Errorf("storage: corrupt password change journal: %w", err)
	}
	return j, nil
}

func (c *PasswordCache) writeJournal(j *journal) error {
	raw, err := cbor.Marshal(j)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(c.Path(JournalFileName), raw, fileMode)
}

// settleJournal completes a change whose password file was replaced, or
// discards the staged files of one that never got that far.
func (c *PasswordCache) settleJournal() error {
	j, err := c.readJournal()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(j.Files) == 0:
		return nil
	}

	if utils.Exists(c.passwordFile() + stagedSuffix) {
		for _, name := range j.Files {
			if err := os.Remove(c.Path(name) + stagedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		c.log.Warning("Rolled back interrupted password change.")
	} else {
		for _, name := range j.Files[1:] {
			staged := c.Path(name) + stagedSuffix
			if !utils.Exists(staged) {
				continue
			}
			if err := renameFile(staged, c.Path(name)); err != nil {
				return err
			}
		}
		c.log.Warning("Completed interrupted password change.")
	}
	j.Files = nil
	return c.writeJournal(j)
}

// loadJournal caches the other generation's key of a settled change so
// records still under it remain readable.  Each sealed password carries the
// salt of the generation that can open it, which identifies the other one.
func (c *PasswordCache) loadJournal() {
	j, err := c.readJournal()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Errorf("Failed to read password change journal: %v", err)
		}
		return
	}
	var mine []byte
	var other *Header
	for _, sealed := range [][]byte{j.Old, j.New} {
		hdr, _, err := ParseHeader(sealed)
		if err != nil {
			c.log.Errorf("Corrupt password change journal: %v", err)
			return
		}
		if hdr.Salt == c.current.Salt {
			mine = sealed
		} else {
			other = hdr
		}
	}
	if mine == nil || other == nil {
		c.log.Error("Password change journal does not match the password file.")
		return
	}
	previous, err := DefaultCipher.Decrypt(mine, c.current)
	if err != nil {
		c.log.Errorf("Failed to open password change journal: %v", err)
		return
	}
	defer utils.ExplicitBzero(previous)
	key, err := DeriveKey(previous, other.Salt, other.Params)
	if err != nil {
		c.log.Errorf("Failed to derive previous key: %v", err)
		return
	}
	c.cacheKey(key)
	c.unsettled = true
}
