// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestPolicyDo(t *testing.T) {
	require := require.New(t)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(err)
	require.Equal(2, calls)

	calls = 0
	err = p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("down")
	})
	require.Error(err)
	require.Equal(3, calls)

	calls = 0
	err = p.Do(context.Background(), func(int) error {
		calls++
		return fmt.Errorf("bad input: %w", ErrPermanent)
	})
	require.ErrorIs(err, ErrPermanent)
	require.Equal(1, calls)
}

func TestPolicyDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
