// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package email

import (
	"fmt"
	"math"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/packet"
)

// DefaultFragmentSize is the default fragment payload size in bytes.
const DefaultFragmentSize = 10000

// Packets are the DHT packets carrying one email to one destination.
type Packets struct {
	MessageID common.UniqueID

	// Emails holds one encrypted packet per fragment, in fragment order.
	Emails []*packet.EncryptedEmailPacket

	// DeleteKeys holds the plaintext deletion key of each fragment.  The
	// recipient finds its copy inside the encrypted packet.
	DeleteKeys []common.UniqueID

	// Index references every fragment under the destination key.
	Index *packet.IndexPacket
}

// DeleteRequests returns the requests that delete every fragment.
func (p *Packets) DeleteRequests() []*packet.EmailDeleteRequest {
	out := make([]*packet.EmailDeleteRequest, 0, len(p.Emails))
	for i, e := range p.Emails {
		out = append(out, &packet.EmailDeleteRequest{
			EmailKey:            e.Key(),
			DeleteAuthorization: p.DeleteKeys[i],
		})
	}
	return out
}

// Packetize splits data into fragments of at most fragmentSize bytes,
// seals each to dest under a fresh deletion key, and builds the index
// packet that lists them.
func Packetize(data []byte, dest *identity.Destination, fragmentSize int) (*Packets, error) {
	if fragmentSize <= 0 {
		return nil, fmt.Errorf("email: invalid fragment size %d", fragmentSize)
	}
	n := (len(data) + fragmentSize - 1) / fragmentSize
	if n == 0 {
		n = 1
	}
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("email: %d bytes need too many fragments", len(data))
	}

	p := &Packets{
		MessageID: common.NewUniqueID(),
		Index:     packet.NewIndexPacket(dest.Key()),
	}
	for i := 0; i < n; i++ {
		end := (i + 1) * fragmentSize
		if end > len(data) {
			end = len(data)
		}
		u := &packet.UnencryptedEmailPacket{
			DeleteAuthorization: common.NewUniqueID(),
			MessageID:           p.MessageID,
			FragmentIndex:       uint16(i),
			NumFragments:        uint16(n),
			Content:             data[i*fragmentSize : end],
		}
		e, err := packet.NewEncryptedEmailPacket(u, dest)
		if err != nil {
			return nil, err
		}
		p.Emails = append(p.Emails, e)
		p.DeleteKeys = append(p.DeleteKeys, u.DeleteAuthorization)
		p.Index.Put(packet.IndexEntry{
			EmailKey:               e.Key(),
			DeleteVerificationHash: e.DeleteVerificationHash,
		})
	}
	return p, nil
}
