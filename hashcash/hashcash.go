// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package hashcash mints and verifies hashcash version 1 stamps.  Stamps
// are hashed with BLAKE2b-256 and bound to a resource string, usually the
// DHT key of the packet being stored.
package hashcash

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
)

const (
	stampVersion = "1"
	dateFormat   = "060102150405"
	saltLength   = 12

	// MaxBits is the largest difficulty Mint accepts.
	MaxBits = 40
)

var (
	// ErrInvalidStamp is returned for malformed or insufficient stamps.
	ErrInvalidStamp = errors.New("hashcash: invalid stamp")

	// ErrExpired is returned for stamps older than the allowed age.
	ErrExpired = errors.New("hashcash: stamp expired")

	// ErrReplayed is returned for stamps seen before.
	ErrReplayed = errors.New("hashcash: stamp replayed")
)

func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v != 0 {
			return n + bits.LeadingZeros8(v)
		}
		n += 8
	}
	return n
}

func value(stamp string) int {
	sum := blake2b.Sum256([]byte(stamp))
	return leadingZeroBits(sum[:])
}

// Mint searches for a stamp over resource with at least nBits of work.
func Mint(resource string, nBits int, now time.Time) (string, error) {
	if nBits < 0 || nBits > MaxBits {
		return "", fmt.Errorf("hashcash: difficulty %d out of range", nBits)
	}
	if strings.ContainsRune(resource, ':') {
		return "", fmt.Errorf("hashcash: resource contains ':'")
	}
	var salt [saltLength]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return "", err
	}
	prefix := strings.Join([]string{
		stampVersion,
		strconv.Itoa(nBits),
		now.UTC().Format(dateFormat),
		resource,
		"",
		base64.RawStdEncoding.EncodeToString(salt[:]),
	}, ":") + ":"

	var ctr [8]byte
	for counter := uint64(0); ; counter++ {
		binary.BigEndian.PutUint64(ctr[:], counter)
		stamp := prefix + base64.RawStdEncoding.EncodeToString(ctr[:])
		if value(stamp) >= nBits {
			return stamp, nil
		}
	}
}

// Stamp is a parsed stamp.
type Stamp struct {
	Bits     int
	Date     time.Time
	Resource string
}

// Parse splits a stamp into its fields without checking the work.
func Parse(stamp string) (*Stamp, error) {
	f := strings.Split(stamp, ":")
	if len(f) != 7 || f[0] != stampVersion {
		return nil, ErrInvalidStamp
	}
	nBits, err := strconv.Atoi(f[1])
	if err != nil || nBits < 0 || nBits > 256 {
		return nil, ErrInvalidStamp
	}
	date, err := time.Parse(dateFormat, f[2])
	if err != nil {
		return nil, ErrInvalidStamp
	}
	return &Stamp{Bits: nBits, Date: date, Resource: f[3]}, nil
}

// Verify checks that stamp is over resource, claims and carries at least
// minBits of work and is no older than maxAge.
func Verify(stamp, resource string, minBits int, maxAge time.Duration, now time.Time) error {
	s, err := Parse(stamp)
	if err != nil {
		return err
	}
	if s.Resource != resource {
		return fmt.Errorf("%w: wrong resource", ErrInvalidStamp)
	}
	if s.Bits < minBits || value(stamp) < s.Bits {
		return fmt.Errorf("%w: insufficient work", ErrInvalidStamp)
	}
	if maxAge > 0 {
		age := now.Sub(s.Date)
		// Allow for some clock skew in the other direction.
		if age > maxAge || age < -maxAge {
			return ErrExpired
		}
	}
	return nil
}
