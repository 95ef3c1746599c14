// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
)

// Storer stores a data packet in the DHT and returns the number of peers
// that acknowledged it.
type Storer interface {
	Store(ctx context.Context, p packet.DataPacket) (int, error)
}

// StorerFunc adapts a function to the Storer interface.
type StorerFunc func(ctx context.Context, p packet.DataPacket) (int, error)

// Store calls f.
func (f StorerFunc) Store(ctx context.Context, p packet.DataPacket) (int, error) {
	return f(ctx, p)
}

// OutboxProcessor periodically sends the emails queued in the outbox and
// moves them to the sent folder.
type OutboxProcessor struct {
	worker.Worker

	log          *logging.Logger
	outbox       *folder.Folder
	sent         *folder.Folder
	identities   *identity.Store
	store        Storer
	fragmentSize int
	interval     time.Duration

	running sync.Mutex
	wakeCh  chan struct{}
}

// NewOutboxProcessor returns a processor that drains outbox every
// interval.
func NewOutboxProcessor(log *logging.Logger, folders *folder.Store, identities *identity.Store, store Storer, fragmentSize int, interval time.Duration) *OutboxProcessor {
	if fragmentSize <= 0 {
		fragmentSize = email.DefaultFragmentSize
	}
	return &OutboxProcessor{
		log:          log,
		outbox:       folders.Folder(folder.Outbox),
		sent:         folders.Folder(folder.Sent),
		identities:   identities,
		store:        store,
		fragmentSize: fragmentSize,
		interval:     interval,
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start launches the send loop.
func (o *OutboxProcessor) Start() {
	o.Go(o.worker)
}

// Wake asks the send loop to drain the outbox now.
func (o *OutboxProcessor) Wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *OutboxProcessor) worker() {
	ctx, cancel := o.HaltContext(context.Background())
	defer cancel()

	timer := time.NewTimer(o.interval)
	defer timer.Stop()
	for {
		select {
		case <-o.HaltCh():
			o.log.Debug("Outbox processor terminating gracefully.")
			return
		case <-timer.C:
			timer.Reset(o.interval)
		case <-o.wakeCh:
		}
		if _, err := o.Drain(ctx); err != nil {
			o.log.Errorf("Failed to drain outbox: %v", err)
		}
	}
}

// Drain attempts to send every pending outbox item and returns how many
// were sent.  If a drain is already in progress it returns immediately.
func (o *OutboxProcessor) Drain(ctx context.Context) (int, error) {
	if !o.running.TryLock() {
		o.log.Debug("Outbox drain already in progress.")
		return 0, nil
	}
	defer o.running.Unlock()

	items, err := o.outbox.List()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, it := range items {
		if it.Failed {
			continue
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := o.send(ctx, it); err != nil {
			it.Attempts++
			it.LastError = err.Error()
			it.Failed = !common.IsRetryable(err)
			if it.Failed {
				o.log.Errorf("Giving up on outbox item %d: %v", it.ID, err)
			} else {
				o.log.Warningf("Outbox item %d attempt %d failed: %v", it.ID, it.Attempts, err)
			}
			if uErr := o.outbox.Update(it); uErr != nil {
				return sent, uErr
			}
			continue
		}

		id := it.ID
		it.LastError = ""
		it.Added = time.Now()
		if _, err := o.sent.Enqueue(it); err != nil {
			return sent, err
		}
		if err := o.outbox.Remove(id); err != nil {
			return sent, err
		}
		instrument.EmailSent()
		sent++
	}
	return sent, nil
}

func (o *OutboxProcessor) sender(it *folder.Item) (*identity.Identity, error) {
	if it.Sender.IsZero() {
		return nil, nil
	}
	id, ok := o.identities.Get(it.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: sender identity %v", identity.ErrUnknownAddress, it.Sender.ShortString())
	}
	return id, nil
}

// send stores the email for every recipient not yet delivered to, and
// records the deletion keys of what it stored on the item.
func (o *OutboxProcessor) send(ctx context.Context, it *folder.Item) error {
	if len(it.Email.To) == 0 {
		return errors.New("service: email has no recipients")
	}
	sender, err := o.sender(it)
	if err != nil {
		return err
	}
	data, err := email.Encode(it.Email, sender)
	if err != nil {
		return err
	}

	for _, to := range it.Email.To {
		if slices.Contains(it.Delivered, to) {
			continue
		}
		dest, err := o.identities.Resolve(to)
		if err != nil {
			return err
		}
		pkts, err := email.Packetize(data, dest, o.fragmentSize)
		if err != nil {
			return err
		}
		if err := o.storeAll(ctx, pkts); err != nil {
			return fmt.Errorf("service: sending to %v: %w", to, err)
		}
		for _, del := range pkts.DeleteRequests() {
			it.Deletions = append(it.Deletions, folder.Deletion{
				EmailKey:            del.EmailKey,
				DeleteAuthorization: del.DeleteAuthorization,
			})
		}
		it.Delivered = append(it.Delivered, to)
		o.log.Infof("Stored %d fragments of %v for %v.", len(pkts.Emails), it.Email.MessageID, to)
	}
	return nil
}

// storeAll stores the fragments before the index, so an index never names
// a fragment that is not in the DHT.
func (o *OutboxProcessor) storeAll(ctx context.Context, pkts *email.Packets) error {
	for _, e := range pkts.Emails {
		if _, err := o.store.Store(ctx, e); err != nil {
			return err
		}
	}
	_, err := o.store.Store(ctx, pkts.Index)
	return err
}

// Shutdown stops the send loop.
func (o *OutboxProcessor) Shutdown() {
	o.Halt()
}
