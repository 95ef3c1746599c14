// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/utils"
)

// ErrLocked is returned when no password has been entered this session.
var ErrLocked = errors.New("storage: password cache is locked")

// PasswordCache holds the session password and the keys derived from it.
// Decryption and encryption take the read lock; ChangePassword takes the
// write lock so no decrypt runs with a key that is being replaced.
type PasswordCache struct {
	mu sync.RWMutex

	log    *logging.Logger
	dir    string
	params KDFParams

	password []byte
	current  *DerivedKey

	keysLock sync.Mutex
	keys     map[[SaltLength]byte]*DerivedKey

	reencrypters []Reencrypter

	// unsettled is set while records of an interrupted password change
	// may still be under the other password's key.
	unsettled bool
}

// Reencrypter is implemented by stores that keep encrypted records outside
// of whole files.  Reencrypt must pass every record through fn and replace
// it with the result, atomically.
type Reencrypter interface {
	Reencrypt(fn func(data []byte) ([]byte, error)) error
}

// NewPasswordCache returns a locked cache for files under dir.
func NewPasswordCache(log *logging.Logger, dir string, params KDFParams) *PasswordCache {
	return &PasswordCache{
		log:    log,
		dir:    dir,
		params: params,
		keys:   make(map[[SaltLength]byte]*DerivedKey),
	}
}

func (c *PasswordCache) passwordFile() string {
	return filepath.Join(c.dir, PasswordFileName)
}

// Path returns the absolute path of a file managed by the cache.
func (c *PasswordCache) Path(name string) string {
	return filepath.Join(c.dir, name)
}

// IsPasswordSet returns true once a password file exists.
func (c *PasswordCache) IsPasswordSet() bool {
	return utils.Exists(c.passwordFile())
}

// IsUnlocked returns true if a password was accepted this session.
func (c *PasswordCache) IsUnlocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// Unlock verifies password against the password file, creating the file on
// first use, and caches it for the session.
func (c *PasswordCache) Unlock(password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlockLocked(password)
}

func (c *PasswordCache) unlockLocked(password []byte) error {
	if err := c.settleJournal(); err != nil {
		return err
	}
	if err := utils.RecoverAtomic(c.passwordFile()); err != nil {
		return err
	}
	if !c.IsPasswordSet() {
		if err := os.MkdirAll(c.dir, 0700); err != nil {
			return err
		}
		key, err := NewDerivedKey(password, c.params)
		if err != nil {
			return err
		}
		if err := WritePasswordFile(c.passwordFile(), key); err != nil {
			return err
		}
		c.log.Notice("Created new password file.")
		c.setLocked(password, key)
		return nil
	}

	data, err := os.ReadFile(c.passwordFile())
	if err != nil {
		return err
	}
	pt, key, err := DefaultCipher.DecryptWithPassword(data, password)
	if err != nil || string(pt) != string(passwordMarker) {
		if err != nil && !errors.Is(err, ErrCorruptFile) {
			return err
		}
		return common.ErrPasswordIncorrect
	}
	c.setLocked(password, key)
	c.loadJournal()
	return nil
}

func (c *PasswordCache) setLocked(password []byte, key *DerivedKey) {
	c.password = append([]byte{}, password...)
	c.current = key
	c.keysLock.Lock()
	c.keys[key.Salt] = key
	c.keysLock.Unlock()
}

// Lock forgets the session password and all derived keys.
func (c *PasswordCache) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *PasswordCache) clearLocked() {
	utils.ExplicitBzero(c.password)
	c.password = nil
	c.unsettled = false
	c.current = nil
	c.keysLock.Lock()
	for salt, k := range c.keys {
		k.Reset()
		delete(c.keys, salt)
	}
	c.keysLock.Unlock()
}

// Encrypt encrypts plaintext under the session key.
func (c *PasswordCache) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrLocked
	}
	return DefaultCipher.Encrypt(plaintext, c.current)
}

// Decrypt decrypts data written under any salt, deriving and caching the
// key for salts not seen yet this session.
func (c *PasswordCache) Decrypt(data []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, ErrLocked
	}
	return c.open(data, c.password)
}

// open decrypts data with the cached key for its salt, or with a key
// derived from password.
func (c *PasswordCache) open(data, password []byte) ([]byte, error) {
	hdr, _, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	c.keysLock.Lock()
	key, ok := c.keys[hdr.Salt]
	c.keysLock.Unlock()
	if !ok || key.Params != hdr.Params {
		key, err = DeriveKey(password, hdr.Salt, hdr.Params)
		if err != nil {
			return nil, err
		}
		c.cacheKey(key)
	}
	return DefaultCipher.Decrypt(data, key)
}

func (c *PasswordCache) cacheKey(key *DerivedKey) {
	c.keysLock.Lock()
	c.keys[key.Salt] = key
	c.keysLock.Unlock()
}

// WriteFile atomically writes an encrypted file under the cache directory.
func (c *PasswordCache) WriteFile(name string, plaintext []byte) error {
	data, err := c.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(c.Path(name), data, fileMode)
}

// ReadFile reads and decrypts a file under the cache directory.
func (c *PasswordCache) ReadFile(name string) ([]byte, error) {
	if err := utils.RecoverAtomic(c.Path(name)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.Path(name))
	if err != nil {
		return nil, err
	}
	return c.Decrypt(data)
}

// WriteCBOR encodes v with CBOR and writes it encrypted.
func (c *PasswordCache) WriteCBOR(name string, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFile(name, raw)
}

// ReadCBOR reads an encrypted CBOR file into v.  A missing file leaves v
// untouched and returns an error matching os.ErrNotExist.
func (c *PasswordCache) ReadCBOR(name string, v interface{}) error {
	raw, err := c.ReadFile(name)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, v)
}

// Register adds r to the stores re-encrypted by ChangePassword.  If a
// password change was interrupted, records r still holds under the other
// password's key are re-encrypted under the session key first.
func (c *PasswordCache) Register(r Reencrypter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reencrypters = append(c.reencrypters, r)
	if !c.unsettled || c.current == nil {
		return
	}
	if err := r.Reencrypt(c.rekey(c.current, c.password)); err != nil {
		c.log.Errorf("Failed to finish interrupted password change: %v", err)
		return
	}
	if err := os.Remove(c.Path(JournalFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Errorf("Failed to remove password change journal: %v", err)
		return
	}
	c.unsettled = false
	c.log.Notice("Finished interrupted password change.")
}

// rekey returns a function re-encrypting records under to.  Records that
// already use to's salt are returned unchanged.
func (c *PasswordCache) rekey(to *DerivedKey, password []byte) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) {
		hdr, _, err := ParseHeader(data)
		if err != nil {
			return nil, err
		}
		if hdr.Salt == to.Salt && hdr.Params == to.Params {
			return data, nil
		}
		pt, err := c.open(data, password)
		if err != nil {
			return nil, err
		}
		defer utils.ExplicitBzero(pt)
		return DefaultCipher.Encrypt(pt, to)
	}
}

// ChangePassword re-encrypts the password file, every named file and every
// registered store under a key derived from newPassword.
//
// The new file contents are staged next to the old ones before anything is
// replaced, and a journal records the change so that Unlock can complete
// or undo it after a crash.  Renaming the password file is the commit
// point.  Any failure before it leaves every file and store as it was.
func (c *PasswordCache) ChangePassword(oldPassword, newPassword []byte, files ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ErrLocked
	}
	data, err := os.ReadFile(c.passwordFile())
	if err != nil {
		return err
	}
	pt, oldKey, err := DefaultCipher.DecryptWithPassword(data, oldPassword)
	if err != nil || subtle.ConstantTimeCompare(pt, passwordMarker) != 1 {
		if err != nil && !errors.Is(err, ErrCorruptFile) {
			return err
		}
		return common.ErrPasswordIncorrect
	}
	defer oldKey.Reset()
	newKey, err := NewDerivedKey(newPassword, c.params)
	if err != nil {
		return err
	}
	c.cacheKey(newKey)

	// Stage.
	names := []string{PasswordFileName}
	staged := map[string][]byte{}
	if staged[PasswordFileName], err = DefaultCipher.Encrypt(passwordMarker, newKey); err != nil {
		return err
	}
	for _, name := range files {
		if err := utils.RecoverAtomic(c.Path(name)); err != nil {
			return err
		}
		data, err := os.ReadFile(c.Path(name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if staged[name], err = c.rekey(newKey, oldPassword)(data); err != nil {
			c.log.Errorf("Failed to re-encrypt %s: %v", name, err)
			return err
		}
		names = append(names, name)
	}
	abort := func() {
		for _, name := range names {
			os.Remove(c.Path(name) + stagedSuffix)
		}
		os.Remove(c.Path(JournalFileName))
	}
	for _, name := range names {
		if err := utils.WriteFileAtomic(c.Path(name)+stagedSuffix, staged[name], fileMode); err != nil {
			abort()
			return err
		}
	}
	j := &journal{Files: names}
	if j.Old, err = DefaultCipher.Encrypt(oldPassword, newKey); err == nil {
		j.New, err = DefaultCipher.Encrypt(newPassword, oldKey)
	}
	if err == nil {
		err = c.writeJournal(j)
	}
	if err != nil {
		abort()
		return err
	}

	restore := func(done []Reencrypter) bool {
		for _, r := range done {
			if err := r.Reencrypt(c.rekey(oldKey, newPassword)); err != nil {
				// The journal lets the next Unlock finish the job.
				c.log.Errorf("Failed to restore records: %v", err)
				return false
			}
		}
		abort()
		return true
	}
	for i, r := range c.reencrypters {
		if err := r.Reencrypt(c.rekey(newKey, oldPassword)); err != nil {
			c.log.Errorf("Failed to re-encrypt records: %v", err)
			restore(c.reencrypters[:i])
			return err
		}
	}

	// Commit.
	if err := renameFile(c.Path(PasswordFileName)+stagedSuffix, c.passwordFile()); err != nil {
		restore(c.reencrypters)
		return err
	}
	utils.ExplicitBzero(c.password)
	c.password = append([]byte{}, newPassword...)
	c.current = newKey
	for _, name := range names[1:] {
		if err := renameFile(c.Path(name)+stagedSuffix, c.Path(name)); err != nil {
			// The old generation's keys stay cached, so the files not yet
			// replaced remain readable until Unlock rolls the journal
			// forward.
			return fmt.Errorf("storage: password changed but %s not replaced: %w", name, err)
		}
	}
	if err := os.Remove(c.Path(JournalFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	c.keysLock.Lock()
	for salt, k := range c.keys {
		if k != newKey {
			k.Reset()
			delete(c.keys, salt)
		}
	}
	c.keysLock.Unlock()
	c.unsettled = false
	c.log.Notice("Password changed.")
	return nil
}
