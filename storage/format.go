// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/bsaes.git"
)

const (
	// Magic starts every encrypted file.
	Magic = "DMEF"

	// FormatVersion is the current file format version.
	FormatVersion = 1

	// BlockSize is the AES block size, and so the IV size.
	BlockSize = 16

	// HeaderLength is MAGIC | VERSION | SALT | N | r | p.
	HeaderLength = len(Magic) + 4 + SaltLength + 3*4
)

// ErrCorruptFile is returned for files that are not in the encrypted
// format, are truncated, or fail to decrypt under the derived key.
var ErrCorruptFile = errors.New("storage: corrupt or unreadable encrypted file")

// Header is the plaintext prefix of an encrypted file.
type Header struct {
	Version uint32
	Salt    [SaltLength]byte
	Params  KDFParams
}

func (h *Header) marshal() []byte {
	out := make([]byte, 0, HeaderLength)
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint32(out, h.Version)
	out = append(out, h.Salt[:]...)
	out = binary.BigEndian.AppendUint32(out, h.Params.N)
	out = binary.BigEndian.AppendUint32(out, h.Params.R)
	out = binary.BigEndian.AppendUint32(out, h.Params.P)
	return out
}

// ParseHeader splits an encrypted blob into its header and the remainder.
func ParseHeader(b []byte) (*Header, []byte, error) {
	if len(b) < HeaderLength || !bytes.Equal(b[:len(Magic)], []byte(Magic)) {
		return nil, nil, ErrCorruptFile
	}
	off := len(Magic)
	h := &Header{
		Version: binary.BigEndian.Uint32(b[off:]),
	}
	if h.Version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptFile, h.Version)
	}
	off += 4
	copy(h.Salt[:], b[off:off+SaltLength])
	off += SaltLength
	h.Params.N = binary.BigEndian.Uint32(b[off:])
	h.Params.R = binary.BigEndian.Uint32(b[off+4:])
	h.Params.P = binary.BigEndian.Uint32(b[off+8:])
	if err := h.Params.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return h, b[HeaderLength:], nil
}

// Cipher encrypts and decrypts the file body using AES-256-CBC and a
// Padding strategy.
type Cipher struct {
	Padding Padding
}

// DefaultCipher uses PKCS #7 padding.
var DefaultCipher = &Cipher{Padding: PKCS7{}}

// Encrypt returns the complete file contents for plaintext under key.
func (c *Cipher) Encrypt(plaintext []byte, key *DerivedKey) ([]byte, error) {
	block, err := bsaes.NewCipher(key.Key[:])
	if err != nil {
		return nil, err
	}
	hdr := &Header{
		Version: FormatVersion,
		Salt:    key.Salt,
		Params:  key.Params,
	}
	padded := c.Padding.Pad(append([]byte{}, plaintext...), BlockSize)

	out := hdr.marshal()
	iv := make([]byte, BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	out = append(out, iv...)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return append(out, ct...), nil
}

// Decrypt decrypts a file body.  The key's salt and parameters must match
// the header, use DecryptWithPassword otherwise.
func (c *Cipher) Decrypt(data []byte, key *DerivedKey) ([]byte, error) {
	hdr, body, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Salt != key.Salt || hdr.Params != key.Params {
		return nil, fmt.Errorf("%w: key was derived with a different salt", ErrCorruptFile)
	}
	return c.decryptBody(body, key)
}

// DecryptWithPassword derives the key described by the header and decrypts.
func (c *Cipher) DecryptWithPassword(data []byte, password []byte) ([]byte, *DerivedKey, error) {
	hdr, body, err := ParseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	key, err := DeriveKey(password, hdr.Salt, hdr.Params)
	if err != nil {
		return nil, nil, err
	}
	pt, err := c.decryptBody(body, key)
	if err != nil {
		return nil, nil, err
	}
	return pt, key, nil
}

func (c *Cipher) decryptBody(body []byte, key *DerivedKey) ([]byte, error) {
	if len(body) < 2*BlockSize || len(body)%BlockSize != 0 {
		return nil, ErrCorruptFile
	}
	block, err := bsaes.NewCipher(key.Key[:])
	if err != nil {
		return nil, err
	}
	iv, ct := body[:BlockSize], body[BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	out, err := c.Padding.Unpad(pt, BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return out, nil
}
