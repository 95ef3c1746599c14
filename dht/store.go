// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/retry"
	"github.com/katzenpost/dhtmail/hashcash"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
)

var errStoreRejected = errors.New("dht: store rejected")

// storeAt sends one store request for p to peer, with a fresh stamp.
func (d *DHT) storeAt(ctx context.Context, peer *common.PeerInfo, p packet.DataPacket) error {
	stamp, err := hashcash.Mint(stampResource(p.Key()), d.cfg.HashcashBits, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", retry.ErrPermanent, err)
	}
	req := packet.NewStoreRequest(p, []byte(stamp))
	resp, err := d.request(ctx, peer, req.RequestID, req)
	if err != nil {
		return err
	}
	switch resp.Status {
	case packet.StatusOK:
		return nil
	case packet.StatusInvalidHashcash, packet.StatusGeneralError:
		return fmt.Errorf("%w: %v by %v", errStoreRejected, resp.Status, peer)
	case packet.StatusDeleted:
		return fmt.Errorf("%w: %w", retry.ErrPermanent, ErrDeleted)
	case packet.StatusUnauthorized:
		return fmt.Errorf("%w: %w", retry.ErrPermanent, common.ErrDeletionUnauthorized)
	default:
		return fmt.Errorf("%w: %w: %v by %v", retry.ErrPermanent, errStoreRejected, resp.Status, peer)
	}
}

// Store stores p on the k peers closest to its key and returns how many
// acknowledged.  It returns as soon as a quorum did, leaving the stores
// still in flight to finish in the background, and fails with
// ErrDHTTimeout if a quorum becomes impossible.
func (d *DHT) Store(ctx context.Context, p packet.DataPacket) (int, error) {
	key := p.Key()
	peers := d.FindClosePeers(ctx, key)
	if len(peers) == 0 {
		err := fmt.Errorf("%w: no peers to store %v %s", common.ErrDHTTimeout, p.Type(), key.ShortString())
		instrument.DHTOperation("store", err)
		return 0, err
	}
	quorum := d.cfg.quorum(len(peers))
	policy := retry.Policy{
		MaxAttempts: d.cfg.MaxRetries,
		BaseDelay:   retry.DefaultBaseDelay,
		MaxDelay:    retry.DefaultMaxDelay,
		Jitter:      retry.DefaultJitter,
	}

	// Replication continues after the caller is gone, until the DHT halts.
	storeCtx, cancel := d.HaltContext(context.WithoutCancel(ctx))
	var pending sync.WaitGroup
	results := make(chan bool, len(peers))
	for i := range peers {
		peer := &peers[i]
		pending.Add(1)
		d.Go(func() {
			defer pending.Done()
			err := policy.Do(storeCtx, func(int) error {
				return d.storeAt(storeCtx, peer, p)
			})
			if err != nil {
				d.log.Debugf("Store of %v %s at %v failed: %v", p.Type(), key.ShortString(), peer, err)
			}
			results <- err == nil
		})
	}
	go func() {
		pending.Wait()
		cancel()
	}()

	n, failed := 0, 0
	for n < quorum && len(peers)-failed >= quorum {
		select {
		case ok := <-results:
			if ok {
				n++
			} else {
				failed++
			}
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", common.ErrDHTTimeout, ctx.Err())
			instrument.DHTOperation("store", err)
			return n, err
		}
	}
	if n < quorum {
		err := fmt.Errorf("%w: %d of %d peers stored %v %s, quorum is %d", common.ErrDHTTimeout, n, len(peers), p.Type(), key.ShortString(), quorum)
		instrument.DHTOperation("store", err)
		return n, err
	}
	d.log.Debugf("Stored %v %s on %d of %d peers.", p.Type(), key.ShortString(), n, len(peers))
	instrument.DHTOperation("store", nil)
	return n, nil
}

// Delete stores a delete request, removing the packets it authorizes from
// the peers that hold them.
func (d *DHT) Delete(ctx context.Context, req packet.DeleteRequest) (int, error) {
	return d.Store(ctx, req)
}
