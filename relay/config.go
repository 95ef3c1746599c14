// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import "time"

const (
	DefaultChainLength         = 2
	DefaultMinChainLength      = 2
	DefaultMinLivenessPercent  = 60
	DefaultMaxPeerListSize     = 20
	DefaultMaxDelay            = 5 * time.Second
	DefaultAckTimeout          = 5 * time.Minute
	DefaultMaxAttempts         = 3
	DefaultPeerRefreshInterval = 10 * time.Minute
	DefaultPoolSize            = 200
)

// Config is the relay configuration.
type Config struct {
	// ChainLength is the number of hops in a chain.
	ChainLength int

	// MinChainLength is the shortest chain Send will use.
	MinChainLength int

	// MinLivenessPercent is the share of answered liveness queries a peer
	// needs to be chosen as a hop.
	MinLivenessPercent int

	// MaxPeerListSize bounds the peers returned for a PeerListRequest.
	MaxPeerListSize int

	// MinDelay and MaxDelay bound the random delay a hop waits before
	// forwarding.
	MinDelay time.Duration
	MaxDelay time.Duration

	// AckTimeout is how long Send waits for the answer through the return
	// chain before trying a fresh chain.
	AckTimeout time.Duration

	MaxAttempts int

	// FallbackToDirect makes Send store directly when no chain can be
	// built.  It gives up sender anonymity.
	FallbackToDirect bool

	PeerRefreshInterval time.Duration
	PoolSize            int
}

func (c *Config) applyDefaults() {
	if c.ChainLength <= 0 {
		c.ChainLength = DefaultChainLength
	}
	if c.MinChainLength <= 0 {
		c.MinChainLength = DefaultMinChainLength
	}
	if c.ChainLength < c.MinChainLength {
		c.ChainLength = c.MinChainLength
	}
	if c.MinLivenessPercent <= 0 {
		c.MinLivenessPercent = DefaultMinLivenessPercent
	}
	if c.MaxPeerListSize <= 0 {
		c.MaxPeerListSize = DefaultMaxPeerListSize
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MinDelay < 0 || c.MinDelay > c.MaxDelay {
		c.MinDelay = 0
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PeerRefreshInterval <= 0 {
		c.PeerRefreshInterval = DefaultPeerRefreshInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
}
