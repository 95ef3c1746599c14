// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"

	"github.com/katzenpost/dhtmail/common"
)

type writer struct {
	b []byte
}

func newWriter(t Type, sizeHint int) *writer {
	w := &writer{b: make([]byte, 0, HeaderLength+sizeHint)}
	w.b = append(w.b, byte(t), ProtocolVersion)
	return w
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *writer) raw(v []byte) { w.b = append(w.b, v...) }

func (w *writer) bytes16(v []byte) {
	w.u16(uint16(len(v)))
	w.raw(v)
}

func (w *writer) bytes32(v []byte) {
	w.u32(uint32(len(v)))
	w.raw(v)
}

func (w *writer) key(k common.Key)     { w.raw(k[:]) }
func (w *writer) id(u common.UniqueID) { w.raw(u[:]) }

func (w *writer) peer(p *common.PeerInfo) {
	w.bytes16([]byte(p.Address))
	w.raw(p.PublicKey[:])
}

// reader consumes a payload, latching the first short read.
type reader struct {
	b   []byte
	bad bool
}

func (r *reader) take(n int) []byte {
	if r.bad || len(r.b) < n {
		r.bad = true
		if n > common.KeyLength {
			return nil
		}
		return make([]byte, n)
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }

// copyOf returns nil for empty fields so parsed packets compare equal to
// the ones they were serialized from.
func copyOf(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte{}, b...)
}

func (r *reader) bytes16() []byte {
	return copyOf(r.take(int(r.u16())))
}

func (r *reader) bytes32() []byte {
	n := r.u32()
	if n > MaxPacketLength {
		r.bad = true
		return nil
	}
	return copyOf(r.take(int(n)))
}

func (r *reader) key() common.Key {
	var k common.Key
	copy(k[:], r.take(common.KeyLength))
	return k
}

func (r *reader) id() common.UniqueID {
	var u common.UniqueID
	copy(u[:], r.take(common.UniqueIDLength))
	return u
}

func (r *reader) peer() common.PeerInfo {
	var p common.PeerInfo
	p.Address = string(r.bytes16())
	copy(p.PublicKey[:], r.take(common.PublicKeyLength))
	return p
}

// done reports ErrCorruptPacket on a short read or trailing bytes.
func (r *reader) done() error {
	if r.bad || len(r.b) != 0 {
		return common.ErrCorruptPacket
	}
	return nil
}
