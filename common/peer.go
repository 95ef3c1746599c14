// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import "fmt"

// PublicKeyLength is the length of a peer's X25519 public key.
const PublicKeyLength = 32

// PeerInfo is what a node knows about a peer: where to send to it and the
// key relay layers addressed to it are sealed with.
type PeerInfo struct {
	Address   string
	PublicKey [PublicKeyLength]byte
}

// ID returns the peer's position in the DHT keyspace.
func (p *PeerInfo) ID() Key {
	return HashKey([]byte(p.Address), p.PublicKey[:])
}

func (p *PeerInfo) String() string {
	return fmt.Sprintf("%s(%s)", p.Address, p.ID().ShortString())
}
