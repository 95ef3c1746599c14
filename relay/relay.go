// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay hides the origin of DHT stores by forwarding them through
// a chain of relay peers, with the answer returned through the same hops.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/crypto/sealbox"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
)

// ErrNoReply is returned for a send attempt that got no answer within
// AckTimeout.
var ErrNoReply = errors.New("relay: no reply through return chain")

type pendingSend struct {
	key *[sealbox.KeySize]byte
	ch  chan *reply
}

// Relay forwards relay traffic for other nodes and sends this node's
// stores through relay chains.
type Relay struct {
	worker.Worker

	log  *logging.Logger
	cfg  Config
	dht  *dht.DHT
	pool *Pool

	pendingLock sync.Mutex
	pending     map[common.UniqueID]*pendingSend

	queriesLock sync.Mutex
	queries     map[string]chan *packet.PeerList
}

// New returns a Relay serving on d.  Handlers are registered immediately.
func New(log *logging.Logger, cfg Config, d *dht.DHT) (*Relay, error) {
	cfg.applyDefaults()
	if cfg.ChainLength > packet.MaxReturnChainLength+1 {
		return nil, fmt.Errorf("relay: chain length %d exceeds %d", cfg.ChainLength, packet.MaxReturnChainLength+1)
	}
	r := &Relay{
		log:     log,
		cfg:     cfg,
		dht:     d,
		pool:    NewPool(d.Self().ID(), cfg.PoolSize),
		pending: make(map[common.UniqueID]*pendingSend),
		queries: make(map[string]chan *packet.PeerList),
	}
	d.RegisterHandler(packet.TypeRelayRequest, r.onRelayRequest)
	d.RegisterHandler(packet.TypeRelayResponse, r.onRelayResponse)
	d.RegisterHandler(packet.TypePeerListRequest, r.onPeerListRequest)
	d.RegisterHandler(packet.TypePeerList, r.onPeerList)
	return r, nil
}

// Start begins refreshing the relay peer pool.
func (r *Relay) Start() {
	r.Go(r.refreshWorker)
}

// Pool returns the relay peer pool.
func (r *Relay) Pool() *Pool {
	return r.pool
}

// Shutdown stops the relay workers.
func (r *Relay) Shutdown() {
	r.Halt()
}

func (r *Relay) delay() time.Duration {
	span := int64(r.cfg.MaxDelay - r.cfg.MinDelay)
	if span <= 0 {
		return r.cfg.MinDelay
	}
	return r.cfg.MinDelay + time.Duration(rand.NewMath().Int63n(span+1))
}

// later sends p to addr after a random delay.
func (r *Relay) later(addr string, p packet.Packet) {
	r.Go(func() {
		t := time.NewTimer(r.delay())
		defer t.Stop()
		select {
		case <-r.HaltCh():
			return
		case <-t.C:
		}
		ctx, cancel := r.HaltContext(context.Background())
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, r.dht.Config().RequestTimeout)
		defer cancelTimeout()
		if err := r.dht.SendPacket(ctx, addr, p); err != nil {
			r.log.Debugf("Relay forward failed: %v", err)
		}
	})
}

func (r *Relay) onRelayRequest(_ context.Context, from *common.PeerInfo, p packet.Packet) {
	req := p.(*packet.RelayRequest)
	r.pool.Add(*from)
	var l forwardLayer
	if err := openLayer(r.dht.PrivateKey(), req.Payload, &l); err != nil {
		r.log.Debugf("Dropping relay request from %v: %v", from, err)
		instrument.PacketDropped("relay")
		return
	}
	instrument.Relayed()
	if l.Next != "" {
		r.later(l.Next, &packet.RelayRequest{Payload: l.Inner})
		return
	}
	r.Go(func() {
		r.finish(&l)
	})
}

// finish performs the store requested by the last layer of an onion and
// sends the answer back.
func (r *Relay) finish(l *forwardLayer) {
	if len(l.ReplyKey) != sealbox.KeySize || l.ReturnAddr == "" || len(l.ReturnChain) > packet.MaxReturnChainLength {
		r.log.Debugf("Dropping malformed final relay layer")
		return
	}
	ctx, cancel := r.HaltContext(context.Background())
	defer cancel()

	rep := &reply{RequestID: l.RequestID}
	p, err := packet.DataFromBytes(l.Data)
	if err == nil {
		rep.Acks, err = r.dht.Store(ctx, p)
	}
	if err != nil {
		rep.Error = err.Error()
	}
	raw, err := cbor.Marshal(rep)
	if err != nil {
		r.log.Errorf("Failed to encode relay reply: %v", err)
		return
	}
	var key [sealbox.KeySize]byte
	copy(key[:], l.ReplyKey)
	sealed, err := sealbox.SealSymmetric(&key, raw)
	if err != nil {
		r.log.Errorf("Failed to seal relay reply: %v", err)
		return
	}
	r.later(l.ReturnAddr, &packet.RelayResponse{
		ReturnChain: packet.ReturnChain{Layers: l.ReturnChain},
		Sealed:      sealed,
	})
}

func (r *Relay) onRelayResponse(_ context.Context, from *common.PeerInfo, p packet.Packet) {
	resp := p.(*packet.RelayResponse)
	if resp.ReturnChain.Done() {
		r.deliver(resp.Sealed)
		return
	}
	var l returnLayer
	if err := openLayer(r.dht.PrivateKey(), resp.ReturnChain.Next(), &l); err != nil {
		r.log.Debugf("Dropping relay response from %v: %v", from, err)
		instrument.PacketDropped("relay")
		return
	}
	instrument.Relayed()
	resp.ReturnChain.Index++
	r.later(l.Next, resp)
}

// deliver hands a sealed reply to the pending send it belongs to.
func (r *Relay) deliver(sealed []byte) {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	for id, s := range r.pending {
		raw, err := sealbox.OpenSymmetric(s.key, sealed)
		if err != nil {
			continue
		}
		rep := new(reply)
		if err := cbor.Unmarshal(raw, rep); err != nil || !bytes.Equal(rep.RequestID, id[:]) {
			r.log.Debugf("Dropping malformed relay reply for %s", id)
			return
		}
		delete(r.pending, id)
		s.ch <- rep
		return
	}
	r.log.Debugf("Dropping relay reply for no pending send")
}

// BuildChain picks ChainLength distinct live relay peers at random.  If
// fewer than MinChainLength are live the error is ErrRelayChainUnavailable.
func (r *Relay) BuildChain() ([]common.PeerInfo, error) {
	self := r.dht.Self()
	seen := make(map[string]bool)
	var chain []common.PeerInfo
	for _, p := range r.pool.Live(r.cfg.MinLivenessPercent) {
		if len(chain) == r.cfg.ChainLength {
			break
		}
		if seen[p.Address] || p.Address == self.Address {
			continue
		}
		seen[p.Address] = true
		chain = append(chain, p)
	}
	if len(chain) < r.cfg.MinChainLength {
		return nil, fmt.Errorf("%w: %d live relay peers, need %d", common.ErrRelayChainUnavailable, len(chain), r.cfg.MinChainLength)
	}
	return chain, nil
}

// Send stores p through a relay chain and returns the number of peers that
// acknowledged the store.  A chain that does not answer within AckTimeout
// is abandoned for a fresh one, up to MaxAttempts.
func (r *Relay) Send(ctx context.Context, p packet.DataPacket) (int, error) {
	var err error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		var chain []common.PeerInfo
		if chain, err = r.BuildChain(); err != nil {
			if r.cfg.FallbackToDirect {
				r.log.Warningf("Storing %v %s directly: %v", p.Type(), p.Key().ShortString(), err)
				return r.dht.Store(ctx, p)
			}
			instrument.RelaySend(err)
			return 0, err
		}
		var acks int
		if acks, err = r.sendVia(ctx, chain, p); err == nil {
			for i := range chain {
				r.pool.Sample(chain[i].ID(), true)
			}
			instrument.RelaySend(nil)
			return acks, nil
		}
		r.log.Debugf("Relay attempt %d for %v %s failed: %v", attempt+1, p.Type(), p.Key().ShortString(), err)
		if ctx.Err() != nil {
			break
		}
	}
	err = fmt.Errorf("%w: relay send of %v %s: %v", common.ErrDHTTimeout, p.Type(), p.Key().ShortString(), err)
	instrument.RelaySend(err)
	return 0, err
}

func (r *Relay) sendVia(ctx context.Context, chain []common.PeerInfo, p packet.DataPacket) (int, error) {
	o, err := buildOnion(r.dht.Self(), chain, p.ToBytes())
	if err != nil {
		return 0, err
	}
	s := &pendingSend{key: o.replyKey, ch: make(chan *reply, 1)}
	r.pendingLock.Lock()
	r.pending[o.requestID] = s
	r.pendingLock.Unlock()
	defer func() {
		r.pendingLock.Lock()
		delete(r.pending, o.requestID)
		r.pendingLock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()
	if err := r.dht.SendPacket(ctx, o.first.Address, &packet.RelayRequest{Payload: o.payload}); err != nil {
		return 0, err
	}
	select {
	case rep := <-s.ch:
		if rep.Error != "" {
			return 0, errors.New(rep.Error)
		}
		return rep.Acks, nil
	case <-ctx.Done():
		return 0, ErrNoReply
	case <-r.HaltCh():
		return 0, ErrNoReply
	}
}
