// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"encoding/binary"

	"github.com/katzenpost/dhtmail/common"
)

// A frame prefixes every packet with the sender's PeerInfo:
//
//	addrLen uint16 | addr | publicKey [32]byte | packet

func encodeFrame(sender *common.PeerInfo, pkt []byte) []byte {
	out := make([]byte, 0, 2+len(sender.Address)+common.PublicKeyLength+len(pkt))
	out = binary.BigEndian.AppendUint16(out, uint16(len(sender.Address)))
	out = append(out, sender.Address...)
	out = append(out, sender.PublicKey[:]...)
	return append(out, pkt...)
}

func decodeFrame(b []byte) (*common.PeerInfo, []byte, error) {
	if len(b) < 2 {
		return nil, nil, common.ErrCorruptPacket
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n+common.PublicKeyLength {
		return nil, nil, common.ErrCorruptPacket
	}
	p := &common.PeerInfo{Address: string(b[:n])}
	copy(p.PublicKey[:], b[n:n+common.PublicKeyLength])
	return p, b[n+common.PublicKeyLength:], nil
}
