// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package service wires the DHT, relay and mail folders into a mail node.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/core/utils"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/identity"
	"github.com/katzenpost/dhtmail/internal/instrument"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/storage"
	"github.com/katzenpost/dhtmail/transport"
)

const (
	// NodeKeyFile is the encrypted node key file name.
	NodeKeyFile = "node.key"

	// DHTDatabaseFile is the local DHT store file name.
	DHTDatabaseFile = "dht.db"

	// PeersFile holds the routing table across restarts.
	PeersFile = "peers"

	// RelayPeersFile holds the relay peer pool across restarts.
	RelayPeersFile = "relay_peers"

	bootstrapTimeout = time.Minute
)

// Node is a dhtmail node.
type Node struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	cache      *storage.PasswordCache
	identities *identity.Store
	folders    *folder.Store
	transport  transport.Transport
	store      *dht.LocalStore
	dht        *dht.DHT
	relay      *relay.Relay
	outbox     *OutboxProcessor
	checker    *MailChecker
	metrics    *http.Server

	haltedCh chan interface{}
	haltOnce sync.Once
}

// New returns a started node using the transport named in cfg.
func New(cfg *config.Config, password []byte) (*Node, error) {
	return NewWithTransport(cfg, password, nil)
}

// NewWithTransport returns a started node.  If t is nil a transport is
// created from the configuration.
func NewWithTransport(cfg *config.Config, password []byte, t transport.Transport) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		transport: t,
		haltedCh:  make(chan interface{}),
	}
	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}
	n.log.Notice("Starting dhtmail node.")
	if cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	n.cache = storage.NewPasswordCache(n.logBackend.GetLogger("storage"), cfg.Node.DataDir, cfg.Storage.KDFParams())
	if err := n.cache.Unlock(password); err != nil {
		return nil, err
	}
	n.identities = identity.NewStore(n.logBackend.GetLogger("identity"), n.cache)
	if err := n.identities.Load(); err != nil {
		return nil, err
	}
	var err error
	if n.folders, err = folder.Open(n.logBackend.GetLogger("folder"), filepath.Join(cfg.Node.DataDir, folder.DatabaseFile), n.cache); err != nil {
		return nil, err
	}
	if err := n.startNetwork(); err != nil {
		return nil, err
	}

	var storer Storer = n.dht
	if cfg.Relay.Enable {
		storer = StorerFunc(n.relay.Send)
	}
	n.outbox = NewOutboxProcessor(n.logBackend.GetLogger("outbox"), n.folders, n.identities, storer,
		cfg.Email.FragmentSize, time.Duration(cfg.Email.SendIntervalSec)*time.Second)
	n.outbox.Start()
	n.checker = NewMailChecker(n.logBackend.GetLogger("checker"), n.dht, n.folders, n.identities,
		time.Duration(cfg.Email.RetentionHours)*time.Hour,
		time.Duration(cfg.DHT.ExpirationDays)*24*time.Hour)
	if err := n.checker.Start(cfg.Email.CheckSchedule); err != nil {
		return nil, err
	}

	isOk = true
	return n, nil
}

func (n *Node) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := n.cfg.Node.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("service: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("service: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("service: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("service: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (n *Node) initLogging() error {
	p := n.cfg.Logging.File
	if !n.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(n.cfg.Node.DataDir, p)
	}

	var err error
	n.logBackend, err = log.New(p, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

// initNodeKey loads the node's X25519 key, generating and saving one on
// first start.
func (n *Node) initNodeKey() (*x25519.PrivateKey, error) {
	raw, err := n.cache.ReadFile(NodeKeyFile)
	switch {
	case err == nil:
		defer utils.ExplicitBzero(raw)
		key := new(x25519.PrivateKey)
		if err := key.FromBytes(raw); err != nil {
			return nil, fmt.Errorf("service: corrupt node key: %w", err)
		}
		return key, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	key, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw = key.Bytes()
	defer utils.ExplicitBzero(raw)
	if err := n.cache.WriteFile(NodeKeyFile, raw); err != nil {
		return nil, err
	}
	n.log.Notice("Generated a new node key.")
	return key, nil
}

func (n *Node) startNetwork() error {
	cfg := n.cfg
	key, err := n.initNodeKey()
	if err != nil {
		return err
	}

	if n.transport == nil {
		if cfg.Node.Transport != config.TransportQUIC {
			return fmt.Errorf("service: transport %q needs to be supplied by the caller", cfg.Node.Transport)
		}
		if n.transport, err = transport.NewQUIC(n.logBackend.GetLogger("transport"), cfg.Node.Address); err != nil {
			return err
		}
	}

	dhtCfg := cfg.DHTConfig()
	if n.store, err = dht.NewLocalStore(n.logBackend.GetLogger("localstore"), n.path(DHTDatabaseFile), dhtCfg.Expiration); err != nil {
		return err
	}
	if n.dht, err = dht.New(n.logBackend.GetLogger("dht"), dhtCfg, key, n.transport, n.store); err != nil {
		return err
	}
	if loaded, err := n.dht.Table().Load(n.path(PeersFile)); err != nil {
		n.log.Warningf("Failed to load saved peers: %v", err)
	} else if loaded > 0 {
		n.log.Noticef("Loaded %d saved peers.", loaded)
	}
	if n.relay, err = relay.New(n.logBackend.GetLogger("relay"), cfg.RelayConfig(), n.dht); err != nil {
		return err
	}
	if _, err := n.relay.Pool().Load(n.path(RelayPeersFile)); err != nil {
		n.log.Warningf("Failed to load relay peers: %v", err)
	}

	if cfg.Metrics.Enable {
		n.metrics = instrument.StartListener(cfg.Metrics.Address, n.logBackend.GetLogWriter("metrics", "ERROR"))
		n.log.Noticef("Serving metrics on %v.", cfg.Metrics.Address)
	} else {
		instrument.Init()
	}

	n.dht.Start()
	n.relay.Start()
	n.log.Noticef("Node %v listening on %v.", n.dht.Self().ID().ShortString(), n.transport.Address())
	return nil
}

func (n *Node) path(name string) string {
	return filepath.Join(n.cfg.Node.DataDir, name)
}

// Bootstrap joins the DHT through the configured bootstrap peers, and
// the peers saved from the last run.
func (n *Node) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	var peers []common.PeerInfo
	for i := range n.cfg.Node.BootstrapPeers {
		info, err := n.cfg.Node.BootstrapPeers[i].PeerInfo()
		if err != nil {
			return err
		}
		peers = append(peers, *info)
	}
	if err := n.dht.Bootstrap(ctx, peers); err != nil {
		return err
	}
	if found := n.relay.RefreshPeers(ctx); found > 0 {
		n.log.Noticef("Found %d relay peers.", found)
	}
	return nil
}

// Self returns the node's peer information.
func (n *Node) Self() *common.PeerInfo {
	return n.dht.Self()
}

// DHT returns the DHT node.
func (n *Node) DHT() *dht.DHT {
	return n.dht
}

// Relay returns the relay.
func (n *Node) Relay() *relay.Relay {
	return n.relay
}

// Identities returns the identity store.
func (n *Node) Identities() *identity.Store {
	return n.identities
}

// Folder returns the named mail folder.
func (n *Node) Folder(name string) *folder.Folder {
	return n.folders.Folder(name)
}

// Outbox returns the outbox processor.
func (n *Node) Outbox() *OutboxProcessor {
	return n.outbox
}

// Checker returns the mail checker.
func (n *Node) Checker() *MailChecker {
	return n.checker
}

// CreateIdentity creates, adds and saves a new identity.
func (n *Node) CreateIdentity(name, description string) (*identity.Identity, error) {
	id, err := identity.New(name, description)
	if err != nil {
		return nil, err
	}
	n.identities.Add(id)
	if err := n.identities.Save(); err != nil {
		return nil, err
	}
	return id, nil
}

// Send queues e in the outbox and wakes the outbox processor.  An empty
// from sends anonymously, otherwise it names a local identity.
func (n *Node) Send(e *email.Email, from string) (uint64, error) {
	if len(e.To) == 0 {
		return 0, errors.New("service: email has no recipients")
	}
	for _, to := range e.To {
		if _, err := n.identities.Resolve(to); err != nil {
			return 0, err
		}
	}
	it := &folder.Item{Email: e}
	if from != "" {
		id, err := n.identities.Identity(from)
		if err != nil {
			return 0, err
		}
		it.Sender = id.Destination().Key()
	}
	if e.MessageID == "" {
		e.MessageID = email.NewMessageID()
	}
	if e.Date.IsZero() {
		e.Date = time.Now()
	}
	itemID, err := n.folders.Folder(folder.Outbox).Enqueue(it)
	if err != nil {
		return 0, err
	}
	n.log.Infof("Queued %v for %d recipients.", e.MessageID, len(e.To))
	n.outbox.Wake()
	return itemID, nil
}

// ChangePassword re-encrypts every local file under newPassword.
func (n *Node) ChangePassword(oldPassword, newPassword []byte) error {
	files := append(n.identities.Files(), NodeKeyFile)
	return n.cache.ChangePassword(oldPassword, newPassword, files...)
}

// LogBackend returns the log backend.
func (n *Node) LogBackend() *log.Backend {
	return n.logBackend
}

// RotateLog rotates the log file if logging to a file is enabled.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		n.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	n.log.Notice("Log file rotated.")
}

// Shutdown cleanly shuts down the node.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

func (n *Node) halt() {
	n.log.Notice("Starting graceful shutdown.")

	// Stop producing work first.
	if n.checker != nil {
		n.checker.Shutdown()
	}
	if n.outbox != nil {
		n.outbox.Shutdown()
	}

	// Then the network, saving what we learned about peers.
	if n.relay != nil {
		n.relay.Shutdown()
		if err := n.relay.Pool().Save(n.path(RelayPeersFile)); err != nil {
			n.log.Errorf("Failed to save relay peers: %v", err)
		}
	}
	if n.dht != nil {
		n.dht.Shutdown()
		if err := n.dht.Table().Save(n.path(PeersFile)); err != nil {
			n.log.Errorf("Failed to save peers: %v", err)
		}
	}
	if n.transport != nil {
		n.transport.Close()
	}
	if n.metrics != nil {
		n.metrics.Close()
	}

	// Now it's safe to close the databases.
	if n.store != nil {
		n.store.Close()
	}
	if n.folders != nil {
		n.folders.Close()
	}
	if n.cache != nil {
		n.cache.Lock()
	}

	n.log.Notice("Shutdown complete.")
	close(n.haltedCh)
}
