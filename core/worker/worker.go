// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go executes the function fn in a new Go routine.  Multiple Go routines may
// be started under the same Worker.  It is the function's responsibility to
// monitor the channel returned by `Worker.HaltCh()` and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all Go routines started under a Worker to terminate, and waits
// till all go routines have returned.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context derived from parent that is cancelled when
// the Worker is halted.
func (w *Worker) HaltContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	haltCh := w.HaltCh()
	go func() {
		select {
		case <-haltCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
