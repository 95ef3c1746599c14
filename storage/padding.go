// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"errors"
)

// ErrBadPadding is returned when padding fails to verify.
var ErrBadPadding = errors.New("storage: invalid padding")

// Padding is a block padding scheme.
type Padding interface {
	Pad(b []byte, blockSize int) []byte
	Unpad(b []byte, blockSize int) ([]byte, error)
}

// PKCS7 implements the PKCS #7 padding scheme.
type PKCS7 struct{}

// Pad always appends between 1 and blockSize bytes.
func (PKCS7) Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad strips and checks the padding.
func (PKCS7) Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
