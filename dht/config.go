// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"time"

	"github.com/katzenpost/dhtmail/routing"
)

const (
	DefaultAlpha           = 3
	DefaultMaxHops         = 10
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultHashcashBits    = 16
	DefaultStampMaxAge     = time.Hour
	DefaultExpiration      = 100 * 24 * time.Hour
	DefaultSweepInterval   = time.Hour
	DefaultRefreshInterval = 15 * time.Minute
)

// Config is the DHT configuration.
type Config struct {
	// BucketSize is k, also the number of peers a packet is stored on.
	BucketSize int

	// Alpha is the lookup parallelism.
	Alpha int

	// StoreQuorum is how many acknowledgements make a store succeed.
	// Zero means a majority of the peers queried.
	StoreQuorum int

	// MaxHops bounds the rounds of an iterative lookup.
	MaxHops int

	RequestTimeout time.Duration
	MaxRetries     int
	MaxFailures    int

	// HashcashBits is the stamp difficulty minted and required.
	HashcashBits int
	StampMaxAge  time.Duration

	// Expiration is how long stored packets are kept.
	Expiration time.Duration

	SweepInterval   time.Duration
	RefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BucketSize <= 0 {
		c.BucketSize = routing.DefaultBucketSize
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = routing.DefaultMaxFailures
	}
	if c.HashcashBits < 0 {
		c.HashcashBits = DefaultHashcashBits
	}
	if c.StampMaxAge <= 0 {
		c.StampMaxAge = DefaultStampMaxAge
	}
	if c.Expiration <= 0 {
		c.Expiration = DefaultExpiration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
}

func (c *Config) quorum(queried int) int {
	if c.StoreQuorum > 0 {
		if c.StoreQuorum > queried {
			return queried
		}
		return c.StoreQuorum
	}
	return queried/2 + 1
}
