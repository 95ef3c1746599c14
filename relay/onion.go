// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike/x25519"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/crypto/sealbox"
)

// forwardLayer is what a hop finds in a RelayRequest sealed to it.  Hops
// before the last one only learn the next address; the last one learns
// the packet to store and where to send the answer.
type forwardLayer struct {
	Next  string `cbor:"1,keyasint,omitempty"`
	Inner []byte `cbor:"2,keyasint,omitempty"`

	Data        []byte   `cbor:"3,keyasint,omitempty"`
	ReturnAddr  string   `cbor:"4,keyasint,omitempty"`
	ReturnChain [][]byte `cbor:"5,keyasint,omitempty"`
	ReplyKey    []byte   `cbor:"6,keyasint,omitempty"`
	RequestID   []byte   `cbor:"7,keyasint,omitempty"`
}

// returnLayer is one layer of a ReturnChain.
type returnLayer struct {
	Next string `cbor:"1,keyasint"`
}

// reply is the answer of the last hop, sealed under the reply key.
type reply struct {
	RequestID []byte `cbor:"1,keyasint"`
	Acks      int    `cbor:"2,keyasint"`
	Error     string `cbor:"3,keyasint,omitempty"`
}

func sealLayer(to *common.PeerInfo, v interface{}) ([]byte, error) {
	pub := new(x25519.PublicKey)
	if err := pub.FromBytes(to.PublicKey[:]); err != nil {
		return nil, err
	}
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sealbox.Seal(pub, raw)
}

func openLayer(priv *x25519.PrivateKey, box []byte, v interface{}) error {
	raw, err := sealbox.Open(priv, box)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, v)
}

// onion is the RelayRequest payload for one send attempt through a chain.
type onion struct {
	first     common.PeerInfo
	payload   []byte
	requestID common.UniqueID
	replyKey  *[sealbox.KeySize]byte
}

// buildOnion wraps data for chain.  The answer travels back through the
// same hops in reverse, ending at self.
func buildOnion(self *common.PeerInfo, chain []common.PeerInfo, data []byte) (*onion, error) {
	n := len(chain)
	o := &onion{
		first:     chain[0],
		requestID: common.NewUniqueID(),
		replyKey:  sealbox.NewSymmetricKey(),
	}

	var returnChain [][]byte
	for i := n - 2; i >= 0; i-- {
		next := self.Address
		if i > 0 {
			next = chain[i-1].Address
		}
		l, err := sealLayer(&chain[i], &returnLayer{Next: next})
		if err != nil {
			return nil, err
		}
		returnChain = append(returnChain, l)
	}
	returnAddr := self.Address
	if n > 1 {
		returnAddr = chain[n-2].Address
	}

	inner, err := sealLayer(&chain[n-1], &forwardLayer{
		Data:        data,
		ReturnAddr:  returnAddr,
		ReturnChain: returnChain,
		ReplyKey:    o.replyKey[:],
		RequestID:   o.requestID[:],
	})
	if err != nil {
		return nil, err
	}
	for i := n - 2; i >= 0; i-- {
		if inner, err = sealLayer(&chain[i], &forwardLayer{Next: chain[i+1].Address, Inner: inner}); err != nil {
			return nil, err
		}
	}
	o.payload = inner
	return o, nil
}
