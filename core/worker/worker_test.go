// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	w := new(Worker)
	var stopped int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&stopped, 1)
		})
	}
	w.Halt()
	require.Equal(int32(4), atomic.LoadInt32(&stopped))

	// A second Halt must not panic on a closed channel.
	w.Halt()
}

func TestWorkerHaltContext(t *testing.T) {
	w := new(Worker)
	ctx, cancel := w.HaltContext(context.Background())
	defer cancel()
	go w.Halt()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by Halt")
	}
}
