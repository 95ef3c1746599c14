// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht implements the Kademlia store and lookup protocol on top of a
// routing table, a local packet store and a datagram transport.
package dht

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/hashcash"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/routing"
	"github.com/katzenpost/dhtmail/transport"
)

const noticeQueueLength = 64

// Handler processes a packet type the DHT itself does not handle.
type Handler func(ctx context.Context, from *common.PeerInfo, p packet.Packet)

type pendingRequest struct {
	addr string
	ch   chan *packet.Response
}

// DHT is a DHT node.
type DHT struct {
	worker.Worker

	log       *logging.Logger
	cfg       Config
	self      common.PeerInfo
	key       *x25519.PrivateKey
	transport transport.Transport
	table     *routing.Table
	store     *LocalStore
	verifier  *hashcash.Verifier

	pendingLock sync.Mutex
	pending     map[common.UniqueID]*pendingRequest

	handlersLock sync.RWMutex
	handlers     map[packet.Type]Handler

	noticeCh chan common.PeerInfo
}

// New returns a DHT node reachable at t.Address() that stores packets in
// store.  key is the node's X25519 key; its public half is announced to
// peers along with the address.
func New(log *logging.Logger, cfg Config, key *x25519.PrivateKey, t transport.Transport, store *LocalStore) (*DHT, error) {
	cfg.applyDefaults()
	verifier, err := hashcash.NewVerifier(cfg.HashcashBits, cfg.StampMaxAge)
	if err != nil {
		return nil, err
	}
	d := &DHT{
		log:       log,
		cfg:       cfg,
		key:       key,
		transport: t,
		store:     store,
		verifier:  verifier,
		pending:   make(map[common.UniqueID]*pendingRequest),
		handlers:  make(map[packet.Type]Handler),
		noticeCh:  make(chan common.PeerInfo, noticeQueueLength),
	}
	d.self.Address = t.Address()
	pub, ok := key.Public().(*x25519.PublicKey)
	if !ok {
		return nil, errors.New("dht: unexpected public key type")
	}
	copy(d.self.PublicKey[:], pub.Bytes())
	d.table = routing.New(log, d.self.ID(), routing.Config{
		BucketSize:  cfg.BucketSize,
		MaxFailures: cfg.MaxFailures,
	}, d)
	return d, nil
}

// Start begins serving requests.
func (d *DHT) Start() {
	d.transport.OnReceive(d.onReceive)
	d.Go(d.noticeWorker)
	d.Go(d.maintenanceWorker)
}

// Self returns this node's PeerInfo.
func (d *DHT) Self() *common.PeerInfo {
	return &d.self
}

// PrivateKey returns the node's X25519 key.
func (d *DHT) PrivateKey() *x25519.PrivateKey {
	return d.key
}

// Table returns the routing table.
func (d *DHT) Table() *routing.Table {
	return d.table
}

// LocalStore returns the local packet store.
func (d *DHT) LocalStore() *LocalStore {
	return d.store
}

// Config returns the effective configuration.
func (d *DHT) Config() Config {
	return d.cfg
}

// RegisterHandler routes inbound packets of type t to h.
func (d *DHT) RegisterHandler(t packet.Type, h Handler) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()
	d.handlers[t] = h
}

// SendPacket sends p to addr, framed with this node's PeerInfo.
func (d *DHT) SendPacket(ctx context.Context, addr string, p packet.Packet) error {
	return d.transport.Send(ctx, addr, encodeFrame(&d.self, p.ToBytes()))
}

func (d *DHT) onReceive(from string, msg []byte) {
	sender, raw, err := decodeFrame(msg)
	if err != nil {
		d.log.Debugf("Dropping unframed message from %s", from)
		instrument.PacketDropped("frame")
		return
	}
	if sender.Address != from {
		d.log.Debugf("Dropping message from %s claiming to be %s", from, sender.Address)
		instrument.PacketDropped("spoofed")
		return
	}
	p, err := packet.FromBytes(raw)
	if err != nil {
		d.log.Debugf("Dropping corrupt packet from %s: %v", from, err)
		instrument.PacketDropped("corrupt")
		return
	}
	instrument.Incoming(p.Type().String())

	select {
	case d.noticeCh <- *sender:
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()
	switch v := p.(type) {
	case *packet.StoreRequest:
		d.reply(ctx, sender, d.handleStore(v))
	case *packet.RetrieveRequest:
		d.reply(ctx, sender, d.handleRetrieve(v))
	case *packet.FindClosePeersRequest:
		d.reply(ctx, sender, &packet.Response{
			RequestID: v.RequestID,
			Status:    packet.StatusOK,
			Payload:   d.closePeerList(v.Key, sender).ToBytes(),
		})
	case *packet.Response:
		d.handleResponse(from, v)
	default:
		d.handlersLock.RLock()
		h, ok := d.handlers[p.Type()]
		d.handlersLock.RUnlock()
		if !ok {
			d.log.Debugf("No handler for %v from %s", p.Type(), from)
			instrument.PacketDropped("unhandled")
			return
		}
		h(ctx, sender, p)
	}
}

func (d *DHT) reply(ctx context.Context, to *common.PeerInfo, resp *packet.Response) {
	if err := d.SendPacket(ctx, to.Address, resp); err != nil {
		d.log.Debugf("Failed to reply to %v: %v", to, err)
	}
}

func stampResource(key common.Key) string {
	return hex.EncodeToString(key[:])
}

func (d *DHT) handleStore(req *packet.StoreRequest) *packet.Response {
	resp := &packet.Response{RequestID: req.RequestID}
	defer func() {
		instrument.StoreRequest(resp.Status.String())
	}()

	p, err := req.Packet()
	if err != nil {
		d.log.Debugf("Store request %s carries a bad packet: %v", req.RequestID, err)
		resp.Status = packet.StatusInvalidPacket
		return resp
	}
	if err := d.verifier.Verify(string(req.Stamp), stampResource(p.Key()), time.Now()); err != nil {
		d.log.Debugf("Rejecting store of %s: %v", p.Key().ShortString(), err)
		resp.Status = packet.StatusInvalidHashcash
		return resp
	}
	err = d.store.Put(p)
	var deleted *DeletedError
	switch {
	case err == nil:
		resp.Status = packet.StatusOK
	case errors.As(err, &deleted):
		resp.Status = packet.StatusDeleted
		resp.Payload = deleted.Request.ToBytes()
	case errors.Is(err, common.ErrDeletionUnauthorized), errors.Is(err, ErrContactExists):
		d.log.Warningf("Unauthorized store of %v %s: %v", p.Type(), p.Key().ShortString(), err)
		resp.Status = packet.StatusUnauthorized
	case errors.Is(err, common.ErrCorruptPacket):
		resp.Status = packet.StatusInvalidPacket
	default:
		d.log.Errorf("Failed to store %v %s: %v", p.Type(), p.Key().ShortString(), err)
		resp.Status = packet.StatusGeneralError
	}
	return resp
}

func (d *DHT) handleRetrieve(req *packet.RetrieveRequest) *packet.Response {
	resp := &packet.Response{RequestID: req.RequestID}
	p, err := d.store.Get(req.DataType, req.Key)
	var deleted *DeletedError
	switch {
	case err == nil:
		resp.Status = packet.StatusOK
		resp.Payload = p.ToBytes()
	case errors.As(err, &deleted):
		resp.Status = packet.StatusDeleted
		resp.Payload = deleted.Request.ToBytes()
	case errors.Is(err, ErrNotFound):
		resp.Status = packet.StatusNoDataFound
		resp.Payload = d.closePeerList(req.Key, nil).ToBytes()
	default:
		d.log.Errorf("Failed to retrieve %v %s: %v", req.DataType, req.Key.ShortString(), err)
		resp.Status = packet.StatusGeneralError
	}
	return resp
}

func (d *DHT) closePeerList(key common.Key, exclude *common.PeerInfo) *packet.PeerList {
	l := &packet.PeerList{}
	for _, p := range d.table.ClosestPeers(key, d.cfg.BucketSize+1) {
		if exclude != nil && p.ID() == exclude.ID() {
			continue
		}
		l.Peers = append(l.Peers, p)
	}
	if len(l.Peers) > d.cfg.BucketSize {
		l.Peers = l.Peers[:d.cfg.BucketSize]
	}
	return l
}

func (d *DHT) handleResponse(from string, resp *packet.Response) {
	d.pendingLock.Lock()
	req, ok := d.pending[resp.RequestID]
	if ok && req.addr == from {
		delete(d.pending, resp.RequestID)
	}
	d.pendingLock.Unlock()
	if !ok || req.addr != from {
		d.log.Debugf("Dropping unsolicited response %s from %s", resp.RequestID, from)
		instrument.PacketDropped("unsolicited")
		return
	}
	req.ch <- resp
}

// request sends req to peer and waits for the response carrying id.  A
// peer that does not answer within RequestTimeout is marked unresponsive.
func (d *DHT) request(ctx context.Context, peer *common.PeerInfo, id common.UniqueID, req packet.Packet) (*packet.Response, error) {
	ch := make(chan *packet.Response, 1)
	d.pendingLock.Lock()
	d.pending[id] = &pendingRequest{addr: peer.Address, ch: ch}
	d.pendingLock.Unlock()
	defer func() {
		d.pendingLock.Lock()
		delete(d.pending, id)
		d.pendingLock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	if err := d.SendPacket(ctx, peer.Address, req); err != nil {
		d.table.MarkUnresponsive(peer.ID())
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			instrument.RequestTimeout()
			d.table.MarkUnresponsive(peer.ID())
		}
		return nil, fmt.Errorf("%w: no response from %v", common.ErrDHTTimeout, peer)
	case <-d.HaltCh():
		return nil, transport.ErrClosed
	}
}

// Ping implements routing.Pinger with a FindClosePeers request.
func (d *DHT) Ping(ctx context.Context, peer *common.PeerInfo) error {
	req := &packet.FindClosePeersRequest{RequestID: common.NewUniqueID(), Key: d.self.ID()}
	_, err := d.request(ctx, peer, req.RequestID, req)
	return err
}

func (d *DHT) noticeWorker() {
	ctx, cancel := d.HaltContext(context.Background())
	defer cancel()
	for {
		select {
		case <-d.HaltCh():
			return
		case p := <-d.noticeCh:
			d.table.NoticePeer(ctx, &p)
			instrument.RoutingTableSize(d.table.Len())
		}
	}
}

func (d *DHT) maintenanceWorker() {
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(d.cfg.RefreshInterval)
	defer refresh.Stop()
	ctx, cancel := d.HaltContext(context.Background())
	defer cancel()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-sweep.C:
			n, err := d.store.Sweep()
			if err != nil {
				d.log.Errorf("Sweep failed: %v", err)
			} else if n > 0 {
				d.log.Debugf("Swept %d expired records.", n)
			}
		case <-refresh.C:
			d.refresh(ctx)
		}
	}
}

// refresh looks up a random key so buckets far from our own ID are filled.
func (d *DHT) refresh(ctx context.Context) {
	var k common.Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return
	}
	peers := d.FindClosePeers(ctx, k)
	d.log.Debugf("Refresh found %d peers, table holds %d.", len(peers), d.table.Len())
}

// Bootstrap adds the given peers and looks up our own ID through them.
func (d *DHT) Bootstrap(ctx context.Context, peers []common.PeerInfo) error {
	for i := range peers {
		d.table.NoticePeer(ctx, &peers[i])
	}
	if d.table.Len() == 0 {
		return fmt.Errorf("%w: no bootstrap peers", common.ErrDHTTimeout)
	}
	found := d.FindClosePeers(ctx, d.self.ID())
	d.log.Noticef("Bootstrapped with %d peers, %d close peers found.", len(peers), len(found))
	if len(found) == 0 {
		return fmt.Errorf("%w: no bootstrap peer answered", common.ErrDHTTimeout)
	}
	return nil
}

// Shutdown stops the node's workers.  The transport and store are owned
// by the caller.
func (d *DHT) Shutdown() {
	d.Halt()
}
