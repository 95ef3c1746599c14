// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
)

// Finder retrieves and deletes packets in the DHT.
type Finder interface {
	FindValue(ctx context.Context, t packet.Type, key common.Key) (packet.DataPacket, error)
	Delete(ctx context.Context, req packet.DeleteRequest) (int, error)
}

// MailChecker fetches new mail for every local identity on a cron
// schedule, reassembles it into the inbox and deletes what it received
// from the DHT.
type MailChecker struct {
	worker.Worker

	log         *logging.Logger
	dht         Finder
	identities  *identity.Store
	folders     *folder.Store
	reassembler *email.Reassembler
	expiration  time.Duration
	cron        *cron.Cron
	now         func() time.Time

	running sync.Mutex
}

// NewMailChecker returns a checker that keeps incomplete messages for
// retention, and remembers received messages for expiration, the time the
// DHT keeps packets.
func NewMailChecker(log *logging.Logger, d Finder, folders *folder.Store, identities *identity.Store, retention, expiration time.Duration) *MailChecker {
	return &MailChecker{
		log:         log,
		dht:         d,
		identities:  identities,
		folders:     folders,
		reassembler: email.NewReassembler(retention),
		expiration:  expiration,
		cron:        cron.New(),
		now:         time.Now,
	}
}

// Start schedules checks on the configured cron schedule.
func (m *MailChecker) Start(schedule string) error {
	_, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := m.HaltContext(context.Background())
		defer cancel()
		if _, err := m.Check(ctx); err != nil {
			m.log.Errorf("Mail check failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Check retrieves mail for every identity once and returns the number of
// emails added to the inbox.  If a check is already in progress it returns
// immediately.
func (m *MailChecker) Check(ctx context.Context) (int, error) {
	if !m.running.TryLock() {
		m.log.Debug("Mail check already in progress.")
		return 0, nil
	}
	defer m.running.Unlock()

	received := 0
	for _, id := range m.identities.Identities() {
		if ctx.Err() != nil {
			return received, ctx.Err()
		}
		n, err := m.checkIdentity(ctx, id)
		received += n
		if err != nil {
			m.log.Warningf("Checking mail for %v: %v", id.Name, err)
		}
	}
	m.sweep(ctx)
	if err := m.flushDeletes(ctx); err != nil {
		return received, err
	}
	if m.expiration > 0 {
		if n, err := m.folders.PruneReceipts(m.now().Add(-m.expiration)); err != nil {
			m.log.Warningf("Failed to prune receipts: %v", err)
		} else if n > 0 {
			m.log.Debugf("Pruned %d receipts.", n)
		}
	}
	return received, nil
}

func (m *MailChecker) checkIdentity(ctx context.Context, id *identity.Identity) (int, error) {
	destKey := id.Destination().Key()
	p, err := m.dht.FindValue(ctx, packet.TypeIndex, destKey)
	switch {
	case err == nil:
	case errors.Is(err, dht.ErrNotFound):
		m.log.Debugf("No index for %v.", id.Name)
		return 0, nil
	default:
		return 0, err
	}
	idx, ok := p.(*packet.IndexPacket)
	if !ok {
		return 0, common.ErrCorruptPacket
	}

	received := 0
	for _, entry := range idx.Entries {
		msg, err := m.fetch(ctx, id, entry.EmailKey)
		if err != nil {
			m.log.Debugf("Skipping %v: %v", entry.EmailKey.ShortString(), err)
			continue
		}
		if msg == nil {
			continue
		}
		delivered, err := m.deliver(destKey, msg)
		if err != nil {
			m.log.Errorf("Failed to deliver message %v: %v", msg.ID, err)
			m.reassembler.Release(msg.ID)
			continue
		}
		if delivered {
			instrument.EmailReceived()
			received++
		}
	}
	if received > 0 {
		m.log.Noticef("Received %d emails for %v.", received, id.Name)
	}
	return received, nil
}

// deliver puts msg in the inbox unless a receipt shows it was delivered
// before, and records its deletions as pending either way.
func (m *MailChecker) deliver(destKey common.Key, msg *email.Message) (bool, error) {
	r, err := m.folders.Receipt(msg.ID)
	switch {
	case err == nil:
		m.log.Debugf("Message %v was already delivered.", msg.ID)
		r.AddPending(msg.DeleteRequests...)
		return false, m.folders.UpdateReceipt(r)
	case !errors.Is(err, folder.ErrNotFound):
		return false, err
	}

	r = &folder.Receipt{
		MessageID:      msg.ID,
		DestinationKey: destKey,
		Received:       m.now(),
	}
	r.AddPending(msg.DeleteRequests...)

	e, err := email.Decode(msg.Data)
	switch {
	case err == nil:
	case errors.Is(err, email.ErrBadSignature):
		m.log.Warningf("Email %v from %q failed signature verification.", e.MessageID, e.From)
	default:
		m.log.Errorf("Dropping undecodable message %v: %v", msg.ID, err)
		return false, m.folders.Deliver(nil, r)
	}
	if err := m.folders.Deliver(&folder.Item{Email: e}, r); err != nil {
		return false, err
	}
	return true, nil
}

// flushDeletes sends the pending deletions of every receipt.  A fragment
// leaves the receipt once both its email and its index entry were deleted.
func (m *MailChecker) flushDeletes(ctx context.Context) error {
	receipts, err := m.folders.PendingReceipts()
	if err != nil {
		return err
	}
	for _, r := range receipts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		idxDel := &packet.IndexDeleteRequest{DestinationKey: r.DestinationKey}
		emailOK := make([]bool, len(r.Pending))
		for i, del := range r.Pending {
			emailOK[i] = m.delete(ctx, del)
			idxDel.Add(del.EmailKey, del.DeleteAuthorization)
		}
		if !m.delete(ctx, idxDel) {
			continue
		}
		var left []*packet.EmailDeleteRequest
		for i, del := range r.Pending {
			if !emailOK[i] {
				left = append(left, del)
			}
		}
		if len(left) == len(r.Pending) {
			continue
		}
		r.Pending = left
		if err := m.folders.UpdateReceipt(r); err != nil {
			return err
		}
	}
	return nil
}

// fetch retrieves and decrypts one fragment and returns the message it
// completes, if any.
func (m *MailChecker) fetch(ctx context.Context, id *identity.Identity, key common.Key) (*email.Message, error) {
	p, err := m.dht.FindValue(ctx, packet.TypeEncryptedEmail, key)
	if err != nil {
		return nil, err
	}
	e, ok := p.(*packet.EncryptedEmailPacket)
	if !ok {
		return nil, common.ErrCorruptPacket
	}
	u, err := e.Decrypt(id)
	if err != nil {
		return nil, err
	}
	return m.reassembler.Add(key, u, m.now())
}

func (m *MailChecker) sweep(ctx context.Context) {
	for _, exp := range m.reassembler.Sweep(m.now()) {
		m.log.Warningf("Dropping message %v with %d of %d fragments.", exp.ID, exp.Received, exp.Total)
		for _, del := range exp.DeleteRequests {
			m.delete(ctx, del)
		}
	}
}

func (m *MailChecker) delete(ctx context.Context, del packet.DeleteRequest) bool {
	if _, err := m.dht.Delete(ctx, del); err != nil {
		m.log.Warningf("Failed to delete %v %v: %v", del.Target(), del.Key().ShortString(), err)
		return false
	}
	return true
}

// Pending returns the number of incomplete messages held.
func (m *MailChecker) Pending() int {
	return m.reassembler.Pending()
}

// Shutdown stops scheduling checks and cancels a running one.
func (m *MailChecker) Shutdown() {
	m.Halt()
	<-m.cron.Stop().Done()
}
