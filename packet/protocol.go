// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"fmt"

	"github.com/katzenpost/dhtmail/common"
)

// Status is the result code carried by a Response.
type Status uint8

const (
	StatusOK Status = iota
	StatusGeneralError
	StatusNoDataFound
	StatusInvalidPacket
	StatusInvalidHashcash
	StatusDeleted
	StatusUnauthorized
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGeneralError:
		return "GeneralError"
	case StatusNoDataFound:
		return "NoDataFound"
	case StatusInvalidPacket:
		return "InvalidPacket"
	case StatusInvalidHashcash:
		return "InvalidHashcash"
	case StatusDeleted:
		return "Deleted"
	case StatusUnauthorized:
		return "Unauthorized"
	default:
		return fmt.Sprintf("[Unknown: %d]", uint8(s))
	}
}

// StoreRequest asks a peer to store a data packet.  The stamp is a
// hashcash token over the packet key.
type StoreRequest struct {
	RequestID common.UniqueID
	Stamp     []byte
	Data      []byte
}

// NewStoreRequest wraps p in a StoreRequest.
func NewStoreRequest(p DataPacket, stamp []byte) *StoreRequest {
	return &StoreRequest{
		RequestID: common.NewUniqueID(),
		Stamp:     stamp,
		Data:      p.ToBytes(),
	}
}

// Type returns TypeStoreRequest.
func (p *StoreRequest) Type() Type { return TypeStoreRequest }

// Packet parses the wrapped data packet.
func (p *StoreRequest) Packet() (DataPacket, error) {
	return DataFromBytes(p.Data)
}

// ToBytes serializes the packet.
func (p *StoreRequest) ToBytes() []byte {
	w := newWriter(p.Type(), common.UniqueIDLength+6+len(p.Stamp)+len(p.Data))
	w.id(p.RequestID)
	w.bytes16(p.Stamp)
	w.bytes32(p.Data)
	return w.b
}

func storeRequestFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &StoreRequest{
		RequestID: r.id(),
		Stamp:     r.bytes16(),
		Data:      r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// RetrieveRequest asks a peer for the packet of DataType stored at Key.
type RetrieveRequest struct {
	RequestID common.UniqueID
	DataType  Type
	Key       common.Key
}

// Type returns TypeRetrieveRequest.
func (p *RetrieveRequest) Type() Type { return TypeRetrieveRequest }

// ToBytes serializes the packet.
func (p *RetrieveRequest) ToBytes() []byte {
	w := newWriter(p.Type(), common.UniqueIDLength+1+common.KeyLength)
	w.id(p.RequestID)
	w.u8(byte(p.DataType))
	w.key(p.Key)
	return w.b
}

func retrieveRequestFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &RetrieveRequest{
		RequestID: r.id(),
		DataType:  Type(r.u8()),
		Key:       r.key(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if !IsDataType(p.DataType) {
		return nil, fmt.Errorf("%w: retrieve of %v", common.ErrCorruptPacket, p.DataType)
	}
	return p, nil
}

// FindClosePeersRequest asks a peer for the peers it knows closest to Key.
type FindClosePeersRequest struct {
	RequestID common.UniqueID
	Key       common.Key
}

// Type returns TypeFindClosePeers.
func (p *FindClosePeersRequest) Type() Type { return TypeFindClosePeers }

// ToBytes serializes the packet.
func (p *FindClosePeersRequest) ToBytes() []byte {
	w := newWriter(p.Type(), common.UniqueIDLength+common.KeyLength)
	w.id(p.RequestID)
	w.key(p.Key)
	return w.b
}

func findClosePeersFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &FindClosePeersRequest{
		RequestID: r.id(),
		Key:       r.key(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// Response answers a request.  Payload is a serialized packet or empty:
// the data packet for a successful retrieve, a PeerList for a find or an
// unsuccessful retrieve, and the delete request for StatusDeleted.
type Response struct {
	RequestID common.UniqueID
	Status    Status
	Payload   []byte
}

// Type returns TypeResponse.
func (p *Response) Type() Type { return TypeResponse }

// Packet parses the payload, returning nil for an empty payload.
func (p *Response) Packet() (Packet, error) {
	if len(p.Payload) == 0 {
		return nil, nil
	}
	return FromBytes(p.Payload)
}

// ToBytes serializes the packet.
func (p *Response) ToBytes() []byte {
	w := newWriter(p.Type(), common.UniqueIDLength+5+len(p.Payload))
	w.id(p.RequestID)
	w.u8(uint8(p.Status))
	w.bytes32(p.Payload)
	return w.b
}

func responseFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	p := &Response{
		RequestID: r.id(),
		Status:    Status(r.u8()),
		Payload:   r.bytes32(),
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}

// PeerListRequest asks for a sample of relay peers.  It has no payload.
type PeerListRequest struct{}

// Type returns TypePeerListRequest.
func (p *PeerListRequest) Type() Type { return TypePeerListRequest }

// ToBytes serializes the packet.
func (p *PeerListRequest) ToBytes() []byte {
	return newWriter(p.Type(), 0).b
}

func peerListRequestFromBytes(b []byte) (Packet, error) {
	if len(b) != 0 {
		return nil, common.ErrCorruptPacket
	}
	return &PeerListRequest{}, nil
}

// PeerList carries peer addresses and keys.
type PeerList struct {
	Peers []common.PeerInfo
}

// Type returns TypePeerList.
func (p *PeerList) Type() Type { return TypePeerList }

// ToBytes serializes the packet.
func (p *PeerList) ToBytes() []byte {
	w := newWriter(p.Type(), 2+len(p.Peers)*64)
	w.u16(uint16(len(p.Peers)))
	for i := range p.Peers {
		w.peer(&p.Peers[i])
	}
	return w.b
}

func peerListFromBytes(b []byte) (Packet, error) {
	r := &reader{b: b}
	n := int(r.u16())
	p := &PeerList{}
	for i := 0; i < n && !r.bad; i++ {
		p.Peers = append(p.Peers, r.peer())
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return p, nil
}
