// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/core/log"
)

type received struct {
	from string
	msg  []byte
}

func collect(t Transport) chan received {
	ch := make(chan received, 16)
	t.OnReceive(func(from string, msg []byte) {
		ch <- received{from, msg}
	})
	return ch
}

func TestLoopback(t *testing.T) {
	require := require.New(t)
	n := NewNetwork()
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	ch := collect(b)
	ctx := context.Background()

	msg := []byte("hello")
	require.NoError(a.Send(ctx, "b", msg))
	msg[0] = 'j'
	select {
	case r := <-ch:
		require.Equal("a", r.from)
		require.Equal([]byte("hello"), r.msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	require.ErrorIs(a.Send(ctx, "c", msg), ErrUnreachable)

	n.Filter = func(from, to string, msg []byte) bool { return false }
	require.NoError(a.Send(ctx, "b", msg))
	select {
	case <-ch:
		t.Fatal("filtered message delivered")
	case <-time.After(50 * time.Millisecond):
	}
	n.Filter = nil

	require.NoError(b.Close())
	require.ErrorIs(a.Send(ctx, "b", msg), ErrUnreachable)
	require.ErrorIs(b.Send(ctx, "a", msg), ErrClosed)
}

func TestQUIC(t *testing.T) {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a, err := NewQUIC(backend.GetLogger("a"), "127.0.0.1:0")
	require.NoError(err)
	defer a.Close()
	b, err := NewQUIC(backend.GetLogger("b"), "127.0.0.1:0")
	require.NoError(err)
	defer b.Close()
	ch := collect(b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(a.Send(ctx, b.Address(), []byte{byte(i)}))
	}
	got := make(map[byte]bool)
	for len(got) < 3 {
		select {
		case r := <-ch:
			require.Equal(a.Address(), r.from)
			got[r.msg[0]] = true
		case <-ctx.Done():
			t.Fatal("timeout")
		}
	}
}
