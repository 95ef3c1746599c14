// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package email encodes emails, splits them into encrypted DHT packets and
// reassembles received fragments.
package email

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/katzenpost/dhtmail/identity"
)

const (
	// MaxBodyLength bounds the decompressed size of an email body.
	MaxBodyLength = 32 << 20

	messageIDDomain = "dhtmail"
)

var (
	// ErrBadSignature is returned by Decode for a signed email whose
	// signature does not verify.
	ErrBadSignature = errors.New("email: bad signature")

	encoder = must(zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)))
	decoder = must(zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodyLength)))
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("email: zstd: %v", err))
	}
	return v
}

// Email is a message as the user sees it.
type Email struct {
	MessageID string    `cbor:"1,keyasint"`
	From      string    `cbor:"2,keyasint,omitempty"`
	To        []string  `cbor:"3,keyasint"`
	Subject   string    `cbor:"4,keyasint,omitempty"`
	Date      time.Time `cbor:"5,keyasint"`
	Body      []byte    `cbor:"6,keyasint,omitempty"`

	// Verified is set on received emails whose signature matched the
	// sender address.
	Verified bool `cbor:"7,keyasint,omitempty"`
}

// Anonymous reports whether the email has no sender.
func (e *Email) Anonymous() bool {
	return e.From == ""
}

// NewMessageID returns a fresh RFC 5322 Message-ID.
func NewMessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), messageIDDomain)
}

type envelope struct {
	MessageID string   `cbor:"1,keyasint"`
	From      string   `cbor:"2,keyasint,omitempty"`
	To        []string `cbor:"3,keyasint"`
	Subject   string   `cbor:"4,keyasint,omitempty"`
	Date      int64    `cbor:"5,keyasint"`
	Body      []byte   `cbor:"6,keyasint,omitempty"`
	Signature []byte   `cbor:"7,keyasint,omitempty"`
}

func (v *envelope) signedBytes() ([]byte, error) {
	unsigned := *v
	unsigned.Signature = nil
	return cbor.Marshal(&unsigned)
}

// Encode serializes e with a compressed body.  If sender is nil the email
// is anonymous; otherwise From is set to the sender's address and the
// envelope is signed.
func Encode(e *Email, sender *identity.Identity) ([]byte, error) {
	v := &envelope{
		MessageID: e.MessageID,
		To:        e.To,
		Subject:   e.Subject,
		Date:      e.Date.Unix(),
		Body:      encoder.EncodeAll(e.Body, nil),
	}
	if v.MessageID == "" {
		v.MessageID = NewMessageID()
	}
	if sender != nil {
		v.From = sender.Address()
		msg, err := v.signedBytes()
		if err != nil {
			return nil, err
		}
		v.Signature = sender.Sign(msg)
	}
	return cbor.Marshal(v)
}

// Decode parses an encoded email.  A signed email whose signature does not
// match its From address is returned together with ErrBadSignature.
func Decode(b []byte) (*Email, error) {
	v := new(envelope)
	if err := cbor.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("email: malformed envelope: %w", err)
	}
	body, err := decoder.DecodeAll(v.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("email: malformed body: %w", err)
	}
	e := &Email{
		MessageID: v.MessageID,
		From:      v.From,
		To:        v.To,
		Subject:   v.Subject,
		Date:      time.Unix(v.Date, 0),
		Body:      body,
	}
	if e.Anonymous() {
		return e, nil
	}
	_, dest, err := identity.ParseAddress(v.From)
	if err != nil || dest == nil {
		return e, fmt.Errorf("%w: no destination in sender %q", ErrBadSignature, v.From)
	}
	msg, err := v.signedBytes()
	if err != nil {
		return e, err
	}
	if !dest.Verify(v.Signature, msg) {
		return e, ErrBadSignature
	}
	e.Verified = true
	return e, nil
}
