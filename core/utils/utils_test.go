// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "state")
	require.NoError(WriteFileAtomic(f, []byte("one"), 0600))
	require.NoError(WriteFileAtomic(f, []byte("two"), 0600))

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Equal([]byte("two"), raw)
	require.False(Exists(f + ".tmp"))
	require.False(Exists(f + "~"))
}

func TestRecoverAtomic(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "state")
	require.NoError(os.WriteFile(f+"~", []byte("old"), 0600))
	require.NoError(RecoverAtomic(f))
	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Equal([]byte("old"), raw)
}

func TestCtIsZero(t *testing.T) {
	require.True(t, CtIsZero(make([]byte, 16)))
	require.False(t, CtIsZero([]byte{0, 0, 1}))
	require.True(t, CtIsZero(nil))
}
