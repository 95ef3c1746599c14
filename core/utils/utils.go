// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small file and byte helpers.
package utils

import (
	"crypto/subtle"
	"errors"
	"os"
)

// Exists returns true if f exists.
func Exists(f string) bool {
	_, err := os.Stat(f)
	return err == nil
}

// CtIsZero returns true iff b is all zero, in constant time.
func CtIsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}

// ExplicitBzero clears b.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WriteFileAtomic replaces name with data such that a crash leaves either
// the old or the new contents on disk.  The data is written and synced to
// name+".tmp", the old file is moved to name+"~", the temporary file is
// renamed into place and the backup removed.
func WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	tmp := name + ".tmp"
	backup := name + "~"
	out, err := os.OpenFile(tmp, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err = out.Write(data); err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(name, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RecoverAtomic restores name from a backup left by an interrupted
// WriteFileAtomic, if name itself is missing.
func RecoverAtomic(name string) error {
	backup := name + "~"
	if Exists(name) || !Exists(backup) {
		return nil
	}
	return os.Rename(backup, name)
}
