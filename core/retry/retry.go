// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides bounded retry logic with exponential backoff for
// DHT requests, relay sends and peer liveness tracking.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// ErrPermanent may be wrapped by an operation to stop further attempts.
var ErrPermanent = errors.New("retry: permanent failure")

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	return time.Duration(delay)
}

// Policy bounds how often and how fast an operation is retried.  There is
// no unbounded mode: a zero MaxAttempts means DefaultMaxAttempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the package default Policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Do calls fn until it succeeds, returns an error wrapping ErrPermanent,
// the attempts are exhausted, or ctx is done.  The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt == attempts-1 {
			break
		}
		t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
