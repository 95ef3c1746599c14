// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"crypto/subtle"
	"errors"
	"os"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/utils"
)

const (
	// PasswordFileName holds the known plaintext marker, encrypted.
	PasswordFileName = "password.check"

	fileMode = 0600
)

// passwordMarker is the known plaintext used to verify passwords.
var passwordMarker = []byte("dhtmail password verification marker v1")

// WriteFile atomically writes plaintext encrypted under key to name.
func WriteFile(name string, plaintext []byte, key *DerivedKey) error {
	data, err := DefaultCipher.Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(name, data, fileMode)
}

// ReadFile decrypts name using password.
func ReadFile(name string, password []byte) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	pt, _, err := DefaultCipher.DecryptWithPassword(data, password)
	return pt, err
}

// WritePasswordFile writes the encrypted marker used by IsPasswordCorrect.
func WritePasswordFile(name string, key *DerivedKey) error {
	return WriteFile(name, passwordMarker, key)
}

// IsPasswordCorrect derives the key for file and checks that it decrypts
// the known marker exactly.  A missing file is an error, a wrong password
// is (false, nil).
func IsPasswordCorrect(password []byte, file string) (bool, error) {
	pt, err := ReadFile(file, password)
	switch {
	case err == nil:
		return subtle.ConstantTimeCompare(pt, passwordMarker) == 1, nil
	case errors.Is(err, ErrCorruptFile):
		// Bad padding is what a wrong key looks like, as long as the
		// header parsed.
		data, rerr := os.ReadFile(file)
		if rerr != nil {
			return false, rerr
		}
		if _, _, herr := ParseHeader(data); herr != nil {
			return false, herr
		}
		return false, nil
	default:
		return false, err
	}
}

// ChangePassword decrypts file with oldPassword and re-encrypts it in place
// under newKey.  The replacement is atomic.
func ChangePassword(file string, oldPassword []byte, newKey *DerivedKey) error {
	pt, err := ReadFile(file, oldPassword)
	if err != nil {
		if errors.Is(err, ErrCorruptFile) {
			return common.ErrPasswordIncorrect
		}
		return err
	}
	defer utils.ExplicitBzero(pt)
	return WriteFile(file, pt, newKey)
}
