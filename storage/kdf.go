// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/scrypt"

	"github.com/katzenpost/dhtmail/core/utils"
)

const (
	// SaltLength is the length of the KDF salt stored in every file header.
	SaltLength = 32

	// KeyLength is the length of derived AES-256 keys.
	KeyLength = 32

	// DefaultWorkFactorLog2 is log2 of the default scrypt N parameter.
	DefaultWorkFactorLog2 = 14

	// DefaultBlockSize is the default scrypt r parameter.
	DefaultBlockSize = 8

	// DefaultParallelism is the default scrypt p parameter.
	DefaultParallelism = 1
)

// defaultPassword stands in for an empty password so that the KDF never
// runs over empty input.  It is compiled into every binary and is therefore
// public knowledge: files protected by the empty password are obfuscated,
// not secret.  Nothing may rely on it for confidentiality.
var defaultPassword = []byte("dhtmail: no password set; this filler value is not a secret")

// KDFParams are the scrypt parameters, fixed when a file is written and
// stored alongside the salt.
type KDFParams struct {
	N uint32
	R uint32
	P uint32
}

// DefaultKDFParams returns N=2^14, r=8, p=1.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		N: 1 << DefaultWorkFactorLog2,
		R: DefaultBlockSize,
		P: DefaultParallelism,
	}
}

// Validate rejects parameters scrypt would refuse, and absurd ones read
// from a corrupt header.
func (p KDFParams) Validate() error {
	if p.N < 2 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("storage: scrypt N must be a power of two > 1, got %d", p.N)
	}
	if p.N > 1<<24 || p.R == 0 || p.R > 64 || p.P == 0 || p.P > 16 {
		return errors.New("storage: scrypt parameters out of range")
	}
	return nil
}

// DerivedKey is a password derived symmetric key together with the salt
// and parameters needed to derive it again.  It is never persisted.
type DerivedKey struct {
	Salt   [SaltLength]byte
	Params KDFParams
	Key    [KeyLength]byte
}

// Reset clears the key material.
func (k *DerivedKey) Reset() {
	utils.ExplicitBzero(k.Key[:])
}

func normalizePassword(password []byte) []byte {
	if len(password) == 0 {
		return defaultPassword
	}
	return password
}

// DeriveKey runs scrypt over password with the given salt and parameters.
func DeriveKey(password []byte, salt [SaltLength]byte, params KDFParams) (*DerivedKey, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, err := scrypt.Key(normalizePassword(password), salt[:], int(params.N), int(params.R), int(params.P), KeyLength)
	if err != nil {
		return nil, err
	}
	k := &DerivedKey{
		Salt:   salt,
		Params: params,
	}
	copy(k.Key[:], raw)
	utils.ExplicitBzero(raw)
	return k, nil
}

// NewDerivedKey derives a key from password under a fresh random salt.
func NewDerivedKey(password []byte, params KDFParams) (*DerivedKey, error) {
	var salt [SaltLength]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	return DeriveKey(password, salt, params)
}
