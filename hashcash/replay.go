// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package hashcash

import (
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
)

const (
	filterSizeLn2   = 20
	filterFalsePosP = 0.0001
)

// Verifier checks stamps and rejects ones it has accepted before.  It keeps
// two bloom filters and retires the older one when the current one fills,
// which is sound as long as stamps expire before a filter is retired.
type Verifier struct {
	sync.Mutex

	minBits int
	maxAge  time.Duration

	cur  *bloom.Filter
	prev *bloom.Filter
}

// NewVerifier returns a Verifier requiring minBits of work and rejecting
// stamps older than maxAge.
func NewVerifier(minBits int, maxAge time.Duration) (*Verifier, error) {
	f, err := bloom.New(rand.Reader, filterSizeLn2, filterFalsePosP)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		minBits: minBits,
		maxAge:  maxAge,
		cur:     f,
	}, nil
}

// Bits returns the required difficulty.
func (v *Verifier) Bits() int {
	return v.minBits
}

// Verify checks the stamp and records it.
func (v *Verifier) Verify(stamp, resource string, now time.Time) error {
	if err := Verify(stamp, resource, v.minBits, v.maxAge, now); err != nil {
		return err
	}

	v.Lock()
	defer v.Unlock()
	b := []byte(stamp)
	if v.prev != nil && v.prev.Test(b) {
		return ErrReplayed
	}
	if v.cur.TestAndSet(b) {
		return ErrReplayed
	}
	if v.cur.Entries() >= v.cur.MaxEntries() {
		f, err := bloom.New(rand.Reader, filterSizeLn2, filterFalsePosP)
		if err != nil {
			return nil
		}
		v.prev, v.cur = v.cur, f
	}
	return nil
}
