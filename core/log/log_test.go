// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "node.log")
	b, err := New(f, "info", false)
	require.NoError(err)

	l := b.GetLogger("routing")
	l.Info("hello")
	l.Debug("filtered")

	require.NoError(b.Rotate())
	l.Warning("after rotate")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	out := string(raw)
	require.True(strings.Contains(out, "routing: hello"))
	require.True(strings.Contains(out, "after rotate"))
	require.False(strings.Contains(out, "filtered"))
	require.True(b.IsEnabledFor(logging.INFO, "routing"))
	require.False(b.IsEnabledFor(logging.DEBUG, "routing"))
}

func TestBackendInvalidLevel(t *testing.T) {
	_, err := New("", "chatty", false)
	require.Error(t, err)
}

func TestLogWriter(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "w.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)
	w := b.GetLogWriter("quic", "DEBUG")
	n, err := w.Write([]byte("from a library\n"))
	require.NoError(err)
	require.Equal(len("from a library\n"), n)

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "quic: from a library")
}
