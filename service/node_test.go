// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/config"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/folder"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/transport"
)

func testNodeConfig(dataDir, addr string) *config.Config {
	return &config.Config{
		Node: &config.Node{
			DataDir:   dataDir,
			Address:   addr,
			Transport: config.TransportLoopback,
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "DEBUG",
		},
		DHT: &config.DHT{
			BucketSize:       8,
			RequestTimeoutMs: 2000,
			MaxRetries:       2,
			HashcashBits:     4,
		},
		Relay: &config.Relay{
			Enable:           true,
			MinDelayMs:       1,
			MaxDelayMs:       10,
			AckTimeoutMs:     5000,
			FallbackToDirect: true,
		},
		Email: &config.Email{
			SendIntervalSec: 3600,
		},
		Storage: &config.Storage{
			KDFWorkFactorLog2: 4,
		},
	}
}

func newTestNodes(t *testing.T, n int) []*Node {
	require := require.New(t)
	network := transport.NewNetwork()
	root := t.TempDir()
	ctx := context.Background()

	nodes := make([]*Node, n)
	for i := range nodes {
		addr := fmt.Sprintf("node-%d", i)
		cfg := testNodeConfig(filepath.Join(root, addr), addr)
		if i > 0 {
			self := nodes[0].Self()
			cfg.Node.BootstrapPeers = []config.Peer{{
				Address:   self.Address,
				PublicKey: base64.StdEncoding.EncodeToString(self.PublicKey[:]),
			}}
		}
		require.NoError(cfg.FixupAndValidate())
		node, err := NewWithTransport(cfg, []byte("secret"), network.Endpoint(addr))
		require.NoError(err)
		t.Cleanup(node.Shutdown)
		nodes[i] = node
	}
	for _, node := range nodes[1:] {
		require.NoError(node.Bootstrap(ctx))
	}
	for _, node := range nodes {
		node.DHT().FindClosePeers(ctx, node.Self().ID())
	}
	require.Eventually(func() bool {
		for _, node := range nodes {
			if node.DHT().Table().Len() != n-1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	for _, node := range nodes {
		node.Relay().RefreshPeers(ctx)
	}
	return nodes
}

func TestNodeSendReceive(t *testing.T) {
	require := require.New(t)
	nodes := newTestNodes(t, 5)
	ctx := context.Background()

	alice, err := nodes[1].CreateIdentity("alice", "")
	require.NoError(err)
	bob, err := nodes[2].CreateIdentity("bob", "")
	require.NoError(err)

	_, err = nodes[1].Send(&email.Email{
		To:      []string{bob.Address()},
		Subject: "hello",
		Body:    []byte("foobar"),
	}, alice.Address())
	require.NoError(err)
	require.Eventually(func() bool {
		return nodes[1].Folder(folder.Sent).Len() == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Zero(nodes[1].Folder(folder.Outbox).Len())

	inbox := nodes[2].Folder(folder.Inbox)
	require.Eventually(func() bool {
		_, err := nodes[2].Checker().Check(ctx)
		return err == nil && inbox.Len() == 1
	}, 10*time.Second, 50*time.Millisecond)
	items, err := inbox.List()
	require.NoError(err)
	got := items[0].Email
	require.Equal("foobar", string(got.Body))
	require.Equal("hello", got.Subject)
	require.Equal(alice.Address(), got.From)
	require.True(got.Verified)

	// Received mail was deleted from the DHT.
	require.Eventually(func() bool {
		p, err := nodes[3].DHT().FindValue(ctx, packet.TypeIndex, bob.Destination().Key())
		return err != nil || len(p.(*packet.IndexPacket).Entries) == 0
	}, 10*time.Second, 20*time.Millisecond)
	n, err := nodes[2].Checker().Check(ctx)
	require.NoError(err)
	require.Zero(n)
	require.Equal(1, inbox.Len())
}

func TestNodeSendUnknownRecipient(t *testing.T) {
	require := require.New(t)
	nodes := newTestNodes(t, 2)

	_, err := nodes[0].Send(&email.Email{To: []string{"nobody"}, Body: []byte("foobar")}, "")
	require.Error(err)
	_, err = nodes[0].Send(&email.Email{Body: []byte("foobar")}, "")
	require.Error(err)
	require.Zero(nodes[0].Folder(folder.Outbox).Len())
}

func TestNodeRestart(t *testing.T) {
	require := require.New(t)
	network := transport.NewNetwork()
	cfg := testNodeConfig(filepath.Join(t.TempDir(), "node"), "node")
	require.NoError(cfg.FixupAndValidate())

	node, err := NewWithTransport(cfg, []byte("secret"), network.Endpoint("node"))
	require.NoError(err)
	self := *node.Self()
	_, err = node.CreateIdentity("alice", "")
	require.NoError(err)
	require.NoError(node.ChangePassword([]byte("secret"), []byte("hunter2")))
	node.Shutdown()
	node.Wait()

	_, err = NewWithTransport(cfg, []byte("secret"), network.Endpoint("node"))
	require.ErrorIs(err, common.ErrPasswordIncorrect)

	node, err = NewWithTransport(cfg, []byte("hunter2"), network.Endpoint("node"))
	require.NoError(err)
	defer node.Shutdown()
	require.Equal(self.PublicKey, node.Self().PublicKey)
	ids := node.Identities().Identities()
	require.Len(ids, 1)
	require.Equal("alice", ids[0].Name)
}
