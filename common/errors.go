// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import "errors"

var (
	// ErrPasswordIncorrect is returned when a derived key fails to decrypt
	// the known plaintext marker.  Callers must not retry it with another
	// password on the user's behalf.
	ErrPasswordIncorrect = errors.New("password incorrect")

	// ErrCorruptPacket is returned for header, length or checksum
	// mismatches when parsing a packet.
	ErrCorruptPacket = errors.New("corrupt packet")

	// ErrDHTTimeout is returned when a store did not reach its quorum or a
	// lookup found no value within the hop ceiling.
	ErrDHTTimeout = errors.New("dht timeout")

	// ErrRelayChainUnavailable is returned when too few live relay peers
	// are known to build a chain.
	ErrRelayChainUnavailable = errors.New("relay chain unavailable")

	// ErrDeletionUnauthorized is returned when a deletion key does not hash
	// to the stored verification hash.
	ErrDeletionUnauthorized = errors.New("deletion unauthorized")
)

// IsRetryable returns true for the error kinds a caller may re-queue.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDHTTimeout) || errors.Is(err, ErrRelayChainUnavailable)
}
