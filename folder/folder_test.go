// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

package folder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/dhtmail/common"
	"github.com/katzenpost/dhtmail/core/log"
	"github.com/katzenpost/dhtmail/email"
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/storage"
)

var testParams = storage.KDFParams{N: 16, R: 8, P: 1}

func newTestStore(t *testing.T, password string) (*Store, *storage.PasswordCache) {
	require := require.New(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	dir := t.TempDir()
	cache := storage.NewPasswordCache(backend.GetLogger("storage"), dir, testParams)
	require.NoError(cache.Unlock([]byte(password)))
	s, err := Open(backend.GetLogger("folder"), filepath.Join(dir, DatabaseFile), cache)
	require.NoError(err)
	t.Cleanup(func() { s.Close() })
	return s, cache
}

func newItem(subject string) *Item {
	return &Item{
		Email: &email.Email{
			MessageID: email.NewMessageID(),
			To:        []string{"bob"},
			Subject:   subject,
			Body:      []byte("foobar"),
		},
	}
}

func TestEnqueueDequeue(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t, "secret")
	outbox := s.Folder(Outbox)

	_, err := outbox.Dequeue()
	require.ErrorIs(err, ErrEmpty)

	for _, subject := range []string{"one", "two", "three"} {
		_, err := outbox.Enqueue(newItem(subject))
		require.NoError(err)
	}
	require.Equal(3, outbox.Len())
	require.Zero(s.Folder(Sent).Len())

	items, err := outbox.List()
	require.NoError(err)
	require.Len(items, 3)
	require.Equal("one", items[0].Email.Subject)
	require.False(items[0].Added.IsZero())

	items[1].Attempts = 2
	items[1].LastError = "dht timeout"
	require.NoError(outbox.Update(items[1]))
	got, err := outbox.Get(items[1].ID)
	require.NoError(err)
	require.Equal(2, got.Attempts)

	it, err := outbox.Dequeue()
	require.NoError(err)
	require.Equal("one", it.Email.Subject)
	require.NoError(outbox.Remove(items[2].ID))
	require.ErrorIs(outbox.Remove(items[2].ID), ErrNotFound)
	_, err = outbox.Get(items[2].ID)
	require.ErrorIs(err, ErrNotFound)
	require.Equal(1, outbox.Len())
}

func TestRecordsEncrypted(t *testing.T) {
	require := require.New(t)
	s, cache := newTestStore(t, "secret")
	sent := s.Folder(Sent)

	it := newItem("secret subject")
	it.Sender = common.HashKey([]byte("alice"))
	it.Deletions = []Deletion{{EmailKey: common.HashKey([]byte("e")), DeleteAuthorization: common.NewUniqueID()}}
	_, err := sent.Enqueue(it)
	require.NoError(err)

	cache.Lock()
	_, err = sent.List()
	require.ErrorIs(err, storage.ErrLocked)
	require.NoError(cache.Unlock([]byte("secret")))

	items, err := sent.List()
	require.NoError(err)
	require.Equal(it.Sender, items[0].Sender)
	require.Equal(it.Deletions, items[0].Deletions)
}

func TestPasswordChangeReencrypts(t *testing.T) {
	require := require.New(t)
	s, cache := newTestStore(t, "old")
	inbox := s.Folder(Inbox)
	_, err := inbox.Enqueue(newItem("hello"))
	require.NoError(err)

	require.ErrorIs(cache.ChangePassword([]byte("wrong"), []byte("new")), common.ErrPasswordIncorrect)
	require.NoError(cache.ChangePassword([]byte("old"), []byte("new")))

	cache.Lock()
	require.NoError(cache.Unlock([]byte("new")))
	items, err := inbox.List()
	require.NoError(err)
	require.Len(items, 1)
	require.Equal("hello", items[0].Email.Subject)
}

func TestReceipts(t *testing.T) {
	require := require.New(t)
	s, cache := newTestStore(t, "old")
	inbox := s.Folder(Inbox)

	id := common.NewUniqueID()
	_, err := s.Receipt(id)
	require.ErrorIs(err, ErrNotFound)

	del := &packet.EmailDeleteRequest{
		EmailKey:            common.HashKey([]byte("fragment")),
		DeleteAuthorization: common.NewUniqueID(),
	}
	r := &Receipt{
		MessageID:      id,
		DestinationKey: common.HashKey([]byte("bob")),
		Received:       time.Unix(1700000000, 0),
	}
	r.AddPending(del, del)
	require.Len(r.Pending, 1)
	it := newItem("hello")
	require.NoError(s.Deliver(it, r))
	require.NotZero(it.ID)
	require.Equal(1, inbox.Len())

	require.NoError(cache.ChangePassword([]byte("old"), []byte("new")))
	got, err := s.Receipt(id)
	require.NoError(err)
	require.Equal(r.DestinationKey, got.DestinationKey)
	require.Equal(del.EmailKey, got.Pending[0].EmailKey)
	pending, err := s.PendingReceipts()
	require.NoError(err)
	require.Len(pending, 1)

	got.Pending = nil
	require.NoError(s.UpdateReceipt(got))
	pending, err = s.PendingReceipts()
	require.NoError(err)
	require.Empty(pending)

	n, err := s.PruneReceipts(r.Received)
	require.NoError(err)
	require.Zero(n)
	n, err = s.PruneReceipts(r.Received.Add(time.Second))
	require.NoError(err)
	require.Equal(1, n)
	_, err = s.Receipt(id)
	require.ErrorIs(err, ErrNotFound)
	require.Equal(1, inbox.Len())
}
