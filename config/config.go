// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the dhtmail node configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/dht"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/storage"
)

const (
	defaultAddress         = "127.0.0.1:7661"
	defaultLogLevel        = "NOTICE"
	defaultMetricsAddress  = ":6543"
	defaultCheckSchedule   = "@every 30m"
	defaultSendIntervalSec = 60
	defaultRetentionHours  = 7 * 24
	defaultExpirationDays  = 100

	// TransportQUIC is the QUIC transport.
	TransportQUIC = "quic"

	// TransportLoopback is the in-process transport, for tests.
	TransportLoopback = "loopback"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Peer is a bootstrap peer.
type Peer struct {
	// Address is the transport address.
	Address string

	// PublicKey is the peer's base64 encoded X25519 key.
	PublicKey string
}

// PeerInfo decodes the peer.
func (p *Peer) PeerInfo() (*common.PeerInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: Node: bootstrap peer %v: %v", p.Address, err)
	}
	if len(raw) != common.PublicKeyLength {
		return nil, fmt.Errorf("config: Node: bootstrap peer %v: public key is %d bytes", p.Address, len(raw))
	}
	info := &common.PeerInfo{Address: p.Address}
	copy(info.PublicKey[:], raw)
	return info, nil
}

// Node is the node configuration.
type Node struct {
	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Address is the address the transport listens on.
	Address string

	// Transport is TransportQUIC or TransportLoopback.
	Transport string

	// BootstrapPeers are contacted to join the DHT.
	BootstrapPeers []Peer
}

func (nCfg *Node) applyDefaults() {
	if nCfg.Address == "" {
		nCfg.Address = defaultAddress
	}
	if nCfg.Transport == "" {
		nCfg.Transport = TransportQUIC
	}
}

func (nCfg *Node) validate() error {
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	switch nCfg.Transport {
	case TransportQUIC, TransportLoopback:
	default:
		return fmt.Errorf("config: Node: Transport '%v' is invalid", nCfg.Transport)
	}
	for i := range nCfg.BootstrapPeers {
		if _, err := nCfg.BootstrapPeers[i].PeerInfo(); err != nil {
			return err
		}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	if !lCfg.Disable && lCfg.File != "" && !filepath.IsAbs(lCfg.File) {
		return errors.New("config: Logging: File must be an absolute path")
	}
	return nil
}

// DHT is the DHT configuration.  Zero values select the defaults.
type DHT struct {
	BucketSize       int
	Alpha            int
	StoreQuorum      int
	MaxHops          int
	RequestTimeoutMs int
	MaxRetries       int
	MaxFailures      int
	HashcashBits     int
	StampMaxAgeSec   int
	ExpirationDays   int
}

func (dCfg *DHT) applyDefaults() {
	if dCfg.HashcashBits == 0 {
		dCfg.HashcashBits = dht.DefaultHashcashBits
	}
	if dCfg.ExpirationDays == 0 {
		dCfg.ExpirationDays = defaultExpirationDays
	}
}

func (dCfg *DHT) validate() error {
	if dCfg.StoreQuorum < 0 || dCfg.BucketSize < 0 || dCfg.Alpha < 0 {
		return errors.New("config: DHT: negative size")
	}
	if dCfg.BucketSize > 0 && dCfg.StoreQuorum > dCfg.BucketSize {
		return fmt.Errorf("config: DHT: StoreQuorum %d exceeds BucketSize %d", dCfg.StoreQuorum, dCfg.BucketSize)
	}
	if dCfg.HashcashBits < 0 || dCfg.HashcashBits > 32 {
		return fmt.Errorf("config: DHT: HashcashBits %d out of range", dCfg.HashcashBits)
	}
	return nil
}

// Relay is the relay configuration.
type Relay struct {
	// Enable sends stores through relay chains.  Nodes always forward
	// relay traffic for others.
	Enable             bool
	ChainLength        int
	MinChainLength     int
	MinLivenessPercent int
	MaxPeerListSize    int
	MinDelayMs         int
	MaxDelayMs         int
	AckTimeoutMs       int
	MaxAttempts        int
	FallbackToDirect   bool
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.ChainLength == 0 {
		rCfg.ChainLength = relay.DefaultChainLength
	}
	if rCfg.MinChainLength == 0 {
		rCfg.MinChainLength = relay.DefaultMinChainLength
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.MinChainLength < 1 || rCfg.ChainLength < rCfg.MinChainLength {
		return fmt.Errorf("config: Relay: ChainLength %d must be at least MinChainLength %d", rCfg.ChainLength, rCfg.MinChainLength)
	}
	if rCfg.MinLivenessPercent < 0 || rCfg.MinLivenessPercent > 100 {
		return fmt.Errorf("config: Relay: MinLivenessPercent %d out of range", rCfg.MinLivenessPercent)
	}
	if rCfg.MaxDelayMs > 0 && rCfg.MinDelayMs > rCfg.MaxDelayMs {
		return errors.New("config: Relay: MinDelayMs exceeds MaxDelayMs")
	}
	return nil
}

// Email is the mail handling configuration.
type Email struct {
	FragmentSize   int
	RetentionHours int

	// CheckSchedule is a cron schedule for checking mail.
	CheckSchedule string

	SendIntervalSec int
}

func (eCfg *Email) applyDefaults() {
	if eCfg.FragmentSize == 0 {
		eCfg.FragmentSize = email.DefaultFragmentSize
	}
	if eCfg.RetentionHours == 0 {
		eCfg.RetentionHours = defaultRetentionHours
	}
	if eCfg.CheckSchedule == "" {
		eCfg.CheckSchedule = defaultCheckSchedule
	}
	if eCfg.SendIntervalSec == 0 {
		eCfg.SendIntervalSec = defaultSendIntervalSec
	}
}

func (eCfg *Email) validate() error {
	if eCfg.FragmentSize < 0 || eCfg.RetentionHours < 0 || eCfg.SendIntervalSec < 0 {
		return errors.New("config: Email: negative value")
	}
	if _, err := cron.ParseStandard(eCfg.CheckSchedule); err != nil {
		return fmt.Errorf("config: Email: CheckSchedule '%v' is invalid: %v", eCfg.CheckSchedule, err)
	}
	return nil
}

// Storage is the local storage configuration.
type Storage struct {
	KDFWorkFactorLog2 int
	KDFBlockSize      int
	KDFParallelism    int
}

func (sCfg *Storage) applyDefaults() {
	if sCfg.KDFWorkFactorLog2 == 0 {
		sCfg.KDFWorkFactorLog2 = storage.DefaultWorkFactorLog2
	}
	if sCfg.KDFBlockSize == 0 {
		sCfg.KDFBlockSize = storage.DefaultBlockSize
	}
	if sCfg.KDFParallelism == 0 {
		sCfg.KDFParallelism = storage.DefaultParallelism
	}
}

func (sCfg *Storage) validate() error {
	if sCfg.KDFWorkFactorLog2 < 1 || sCfg.KDFWorkFactorLog2 > 24 {
		return fmt.Errorf("config: Storage: KDFWorkFactorLog2 %d out of range", sCfg.KDFWorkFactorLog2)
	}
	return sCfg.KDFParams().Validate()
}

// KDFParams returns the scrypt parameters for new files.
func (sCfg *Storage) KDFParams() storage.KDFParams {
	return storage.KDFParams{
		N: 1 << uint(sCfg.KDFWorkFactorLog2),
		R: uint32(sCfg.KDFBlockSize),
		P: uint32(sCfg.KDFParallelism),
	}
}

// Metrics is the Prometheus listener configuration.
type Metrics struct {
	Enable  bool
	Address string
}

// Config is the top level dhtmail configuration.
type Config struct {
	Node    *Node
	Logging *Logging
	DHT     *DHT
	Relay   *Relay
	Email   *Email
	Storage *Storage
	Metrics *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.DHT == nil {
		cfg.DHT = &DHT{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Email == nil {
		cfg.Email = &Email{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetricsAddress
	}

	cfg.Node.applyDefaults()
	cfg.DHT.applyDefaults()
	cfg.Relay.applyDefaults()
	cfg.Email.applyDefaults()
	cfg.Storage.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.DHT.validate(); err != nil {
		return err
	}
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	if err := cfg.Email.validate(); err != nil {
		return err
	}
	return cfg.Storage.validate()
}

// InitLogBackend returns the log backend described by the Logging section.
func (cfg *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// DHTConfig returns the dht package configuration.
func (cfg *Config) DHTConfig() dht.Config {
	d := cfg.DHT
	return dht.Config{
		BucketSize:     d.BucketSize,
		Alpha:          d.Alpha,
		StoreQuorum:    d.StoreQuorum,
		MaxHops:        d.MaxHops,
		RequestTimeout: ms(d.RequestTimeoutMs),
		MaxRetries:     d.MaxRetries,
		MaxFailures:    d.MaxFailures,
		HashcashBits:   d.HashcashBits,
		StampMaxAge:    time.Duration(d.StampMaxAgeSec) * time.Second,
		Expiration:     time.Duration(d.ExpirationDays) * 24 * time.Hour,
	}
}

// RelayConfig returns the relay package configuration.
func (cfg *Config) RelayConfig() relay.Config {
	r := cfg.Relay
	return relay.Config{
		ChainLength:        r.ChainLength,
		MinChainLength:     r.MinChainLength,
		MinLivenessPercent: r.MinLivenessPercent,
		MaxPeerListSize:    r.MaxPeerListSize,
		MinDelay:           ms(r.MinDelayMs),
		MaxDelay:           ms(r.MaxDelayMs),
		AckTimeout:         ms(r.AckTimeoutMs),
		MaxAttempts:        r.MaxAttempts,
		FallbackToDirect:   r.FallbackToDirect,
	}
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
