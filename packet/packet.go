// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the dhtmail wire packets.  Every packet starts
// with a one byte type code and a one byte protocol version; integers are
// big endian.
package packet

import (
	"fmt"

	"github.com/katzenpost/dhtmail/common"
)

const (
	// ProtocolVersion is the version byte written after the type code.
	ProtocolVersion = 1

	// HeaderLength is the length of the common packet header.
	HeaderLength = 2

	// MaxPacketLength bounds any length prefixed field.
	MaxPacketLength = 1 << 20
)

// Type is the one byte packet type code.
type Type byte

const (
	TypeEncryptedEmail     Type = 'E'
	TypeUnencryptedEmail   Type = 'U'
	TypeIndex              Type = 'I'
	TypeEmailDeleteRequest Type = 'D'
	TypeIndexDeleteRequest Type = 'X'
	TypeContact            Type = 'C'
	TypeStoreRequest       Type = 'S'
	TypeRetrieveRequest    Type = 'Q'
	TypeFindClosePeers     Type = 'F'
	TypeResponse           Type = 'N'
	TypePeerListRequest    Type = 'A'
	TypePeerList           Type = 'L'
	TypeRelayRequest       Type = 'R'
	TypeRelayResponse      Type = 'K'
)

func (t Type) String() string {
	switch t {
	case TypeEncryptedEmail:
		return "EncryptedEmail"
	case TypeUnencryptedEmail:
		return "UnencryptedEmail"
	case TypeIndex:
		return "Index"
	case TypeEmailDeleteRequest:
		return "EmailDeleteRequest"
	case TypeIndexDeleteRequest:
		return "IndexDeleteRequest"
	case TypeContact:
		return "Contact"
	case TypeStoreRequest:
		return "StoreRequest"
	case TypeRetrieveRequest:
		return "RetrieveRequest"
	case TypeFindClosePeers:
		return "FindClosePeers"
	case TypeResponse:
		return "Response"
	case TypePeerListRequest:
		return "PeerListRequest"
	case TypePeerList:
		return "PeerList"
	case TypeRelayRequest:
		return "RelayRequest"
	case TypeRelayResponse:
		return "RelayResponse"
	default:
		return fmt.Sprintf("[Unknown: 0x%02x]", byte(t))
	}
}

// Packet is the common interface of all wire packets.
type Packet interface {
	// Type returns the packet's type code.
	Type() Type

	// ToBytes serializes the packet and returns the resulting slice.
	ToBytes() []byte
}

// DataPacket is a packet that is stored in the DHT under Key.
type DataPacket interface {
	Packet

	// Key returns the DHT key the packet is stored under.
	Key() common.Key
}

// DeleteRequest is a DataPacket that removes data from peers holding it.
type DeleteRequest interface {
	DataPacket

	// Target is the type of packet the request deletes from.
	Target() Type
}

var parsers = map[Type]func([]byte) (Packet, error){
	TypeEncryptedEmail:     encryptedEmailFromBytes,
	TypeUnencryptedEmail:   unencryptedEmailFromBytes,
	TypeIndex:              indexFromBytes,
	TypeEmailDeleteRequest: emailDeleteRequestFromBytes,
	TypeIndexDeleteRequest: indexDeleteRequestFromBytes,
	TypeContact:            contactFromBytes,
	TypeStoreRequest:       storeRequestFromBytes,
	TypeRetrieveRequest:    retrieveRequestFromBytes,
	TypeFindClosePeers:     findClosePeersFromBytes,
	TypeResponse:           responseFromBytes,
	TypePeerListRequest:    peerListRequestFromBytes,
	TypePeerList:           peerListFromBytes,
	TypeRelayRequest:       relayRequestFromBytes,
	TypeRelayResponse:      relayResponseFromBytes,
}

// FromBytes de-serializes the packet in b.  Unknown type codes, unknown
// versions, short buffers and trailing bytes are ErrCorruptPacket.
func FromBytes(b []byte) (Packet, error) {
	if len(b) < HeaderLength || len(b) > MaxPacketLength {
		return nil, common.ErrCorruptPacket
	}
	if b[1] != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", common.ErrCorruptPacket, b[1])
	}
	fn, ok := parsers[Type(b[0])]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %v", common.ErrCorruptPacket, Type(b[0]))
	}
	return fn(b[HeaderLength:])
}

// DataFromBytes de-serializes a packet that must be a DataPacket.
func DataFromBytes(b []byte) (DataPacket, error) {
	p, err := FromBytes(b)
	if err != nil {
		return nil, err
	}
	d, ok := p.(DataPacket)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a data packet", common.ErrCorruptPacket, p.Type())
	}
	return d, nil
}

// IsDataType reports whether t is stored in the DHT.
func IsDataType(t Type) bool {
	switch t {
	case TypeEncryptedEmail, TypeIndex, TypeContact, TypeEmailDeleteRequest, TypeIndexDeleteRequest:
		return true
	}
	return false
}
