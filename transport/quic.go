// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/core/worker"
)

const (
	quicIdleTimeout = 2 * time.Minute
	streamTimeout   = 30 * time.Second
	maxAddrLength   = 255
)

// GenerateTLSConfig returns a bare-bones TLS config with a throwaway self
// signed certificate.  Peers are authenticated by the DHT layer, not TLS.
func GenerateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	// ALPN is visible in the handshake, so use a common protocol.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}, nil
}

// QUIC is a Transport sending each message on its own QUIC stream.  The
// stream starts with the sender's listening address so replies can be
// addressed; it is not authenticated.
type QUIC struct {
	worker.Worker
	sync.RWMutex

	log      *logging.Logger
	addr     string
	listener *quic.Listener
	handler  Handler

	conns map[string]*quic.Conn
}

// NewQUIC listens on addr and returns a started transport.
func NewQUIC(log *logging.Logger, addr string) (*QUIC, error) {
	if len(addr) > maxAddrLength {
		return nil, fmt.Errorf("transport: address too long")
	}
	tlsConf, err := GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsConf, &quic.Config{MaxIdleTimeout: quicIdleTimeout})
	if err != nil {
		return nil, err
	}
	t := &QUIC{
		log:      log,
		addr:     addr,
		listener: l,
		conns:    make(map[string]*quic.Conn),
	}
	// Port 0 means the real port is only known now.
	if t.addr == "" || strings.HasSuffix(t.addr, ":0") {
		t.addr = l.Addr().String()
	}
	t.Go(t.acceptWorker)
	return t, nil
}

// Address returns the listening address.
func (t *QUIC) Address() string {
	return t.addr
}

// OnReceive sets the inbound handler.
func (t *QUIC) OnReceive(h Handler) {
	t.Lock()
	defer t.Unlock()
	t.handler = h
}

func (t *QUIC) acceptWorker() {
	ctx, cancel := t.HaltContext(context.Background())
	defer cancel()
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-t.HaltCh():
			default:
				t.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		t.Go(func() {
			t.connWorker(ctx, conn)
		})
	}
}

func (t *QUIC) connWorker(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.log.Debugf("Connection from %v closed: %v", conn.RemoteAddr(), err)
			return
		}
		from, msg, err := readFrame(stream)
		stream.Close()
		if err != nil {
			t.log.Debugf("Dropping bad frame from %v: %v", conn.RemoteAddr(), err)
			continue
		}
		t.RLock()
		h := t.handler
		t.RUnlock()
		if h != nil {
			h(from, msg)
		}
	}
}

func readFrame(stream *quic.Stream) (string, []byte, error) {
	stream.SetReadDeadline(time.Now().Add(streamTimeout))
	var hdr [1]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return "", nil, err
	}
	addr := make([]byte, hdr[0])
	if _, err := io.ReadFull(stream, addr); err != nil {
		return "", nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageLength {
		return "", nil, ErrTooLarge
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(stream, msg); err != nil {
		return "", nil, err
	}
	return string(addr), msg, nil
}

func (t *QUIC) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	t.RLock()
	conn, ok := t.conns[addr]
	t.RUnlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: quicIdleTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	t.Lock()
	if old, ok := t.conns[addr]; ok && old != conn {
		old.CloseWithError(0, "")
	}
	t.conns[addr] = conn
	t.Unlock()
	return conn, nil
}

// Send opens a stream to addr and writes msg.
func (t *QUIC) Send(ctx context.Context, addr string, msg []byte) error {
	if len(msg) > MaxMessageLength {
		return ErrTooLarge
	}
	select {
	case <-t.HaltCh():
		return ErrClosed
	default:
	}
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Lock()
		delete(t.conns, addr)
		t.Unlock()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(deadline)
	} else {
		stream.SetWriteDeadline(time.Now().Add(streamTimeout))
	}

	frame := make([]byte, 0, 1+len(t.addr)+4+len(msg))
	frame = append(frame, byte(len(t.addr)))
	frame = append(frame, t.addr...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(msg)))
	frame = append(frame, msg...)
	_, err = stream.Write(frame)
	return err
}

// Close stops accepting and closes all connections.
func (t *QUIC) Close() error {
	t.Halt()
	err := t.listener.Close()
	t.Lock()
	for addr, conn := range t.conns {
		conn.CloseWithError(0, "")
		delete(t.conns, addr)
	}
	t.Unlock()
	if errors.Is(err, quic.ErrServerClosed) {
		err = nil
	}
	return err
}
