package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/packetserver-io/packetserver/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// inTx runs fn in one store transaction and fails the test on error.
func inTx(t *testing.T, store *db.Store, fn func(tx *gorm.DB) error) {
	t.Helper()
	require.NoError(t, store.Transaction(context.Background(), fn))
}

func newUser(call string) *db.User {
	now := time.Now().UTC()
	return &db.User{
		UUID:      uuid.New(),
		Callsign:  call,
		Enabled:   true,
		CreatedAt: now,
		LastSeen:  now,
	}
}

func TestCounterIsDensePerName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		counters := NewCounterRepository(tx)
		for want := int64(0); want < 3; want++ {
			got, err := counters.Next(ctx, db.CounterBulletins)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		// Counters are independent per name.
		got, err := counters.Next(ctx, db.CounterJobs)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)
		return nil
	})

	// Allocations persist across transactions.
	inTx(t, store, func(tx *gorm.DB) error {
		got, err := NewCounterRepository(tx).Next(ctx, db.CounterBulletins)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
		return nil
	})
}

func TestUserCallsignIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		users := NewUserRepository(tx)
		require.NoError(t, users.Create(ctx, newUser("KQ4PEC")))

		err := users.Create(ctx, newUser("KQ4PEC"))
		assert.ErrorIs(t, err, ErrConflict)
		return nil
	})
}

func TestUserVisibilityLists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		users := NewUserRepository(tx)

		visible := newUser("W1AW")
		disabled := newUser("N0CALL")
		disabled.Enabled = false
		hidden := newUser("SYSTEM2")
		hidden.Hidden = true

		for _, u := range []*db.User{visible, disabled, hidden} {
			require.NoError(t, users.Create(ctx, u))
		}

		// Hidden users never list; disabled ones still do.
		listed, err := users.ListVisible(ctx, 0)
		require.NoError(t, err)
		calls := make([]string, 0, len(listed))
		for i := range listed {
			calls = append(calls, listed[i].Callsign)
		}
		assert.ElementsMatch(t, []string{"W1AW", "N0CALL"}, calls)

		// The broadcast audience is enabled and visible only.
		audience, err := users.ListEnabledVisible(ctx)
		require.NoError(t, err)
		require.Len(t, audience, 1)
		assert.Equal(t, "W1AW", audience[0].Callsign)

		all, err := users.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	})
}

func TestUserGetNotFound(t *testing.T) {
	store := newTestStore(t)

	inTx(t, store, func(tx *gorm.DB) error {
		_, err := NewUserRepository(tx).GetByCallsign(context.Background(), "NOBODY")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

func TestMessageUUIDAllocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		msgs := NewMessageRepository(tx)

		a, err := msgs.AllocateUUID(ctx)
		require.NoError(t, err)
		b, err := msgs.AllocateUUID(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		exists, err := msgs.UUIDExists(ctx, a)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = msgs.UUIDExists(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})
}

func TestMessageCopiesAndAttachments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		msgs := NewMessageRepository(tx)

		msgUUID, err := msgs.AllocateUUID(ctx)
		require.NoError(t, err)

		copyID := uuid.New()
		msg := &db.Message{
			CopyID:     copyID,
			MsgUUID:    msgUUID,
			Mailbox:    "W1AW",
			Sender:     "KQ4PEC",
			Recipients: db.StringList{"W1AW"},
			Text:       "hello",
			SentAt:     time.Now().UTC(),
			Delivered:  true,
		}
		atts := []db.Attachment{
			{Name: "a.txt", Data: []byte("one"), Size: 3},
			{Name: "b.bin", Data: []byte{0, 1}, Binary: true, Size: 2},
		}
		require.NoError(t, msgs.CreateCopy(ctx, msg, atts))

		got, err := msgs.GetCopy(ctx, "W1AW", msgUUID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Text)
		assert.False(t, got.Retrieved)

		// Attachments keep their submission order.
		stored, err := msgs.Attachments(ctx, copyID)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, "a.txt", stored[0].Name)
		assert.Equal(t, "b.bin", stored[1].Name)
		assert.True(t, stored[1].Binary)

		require.NoError(t, msgs.MarkRetrieved(ctx, []uuid.UUID{copyID}))
		got, err = msgs.GetCopy(ctx, "W1AW", msgUUID)
		require.NoError(t, err)
		assert.True(t, got.Retrieved)

		// The same message uuid in another mailbox is a different copy.
		_, err = msgs.GetCopy(ctx, "KQ4PEC", msgUUID)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

func TestMailboxOrderedBySentAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		msgs := NewMessageRepository(tx)
		base := time.Now().UTC().Truncate(time.Second)

		// Insert newest-first; the listing must come back oldest-first.
		for i := 2; i >= 0; i-- {
			id, err := msgs.AllocateUUID(ctx)
			require.NoError(t, err)
			require.NoError(t, msgs.CreateCopy(ctx, &db.Message{
				CopyID:  uuid.New(),
				MsgUUID: id,
				Mailbox: "W1AW",
				Sender:  "KQ4PEC",
				SentAt:  base.Add(time.Duration(i) * time.Minute),
			}, nil))
		}

		box, err := msgs.ListMailbox(ctx, "W1AW")
		require.NoError(t, err)
		require.Len(t, box, 3)
		assert.True(t, box[0].SentAt.Before(box[1].SentAt))
		assert.True(t, box[1].SentAt.Before(box[2].SentAt))
		return nil
	})
}

func TestObjectOwnerIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	owner := uuid.New()
	other := uuid.New()

	inTx(t, store, func(tx *gorm.DB) error {
		objects := NewObjectRepository(tx)
		now := time.Now().UTC()

		mine := &db.Object{UUID: uuid.New(), Name: "mine.txt", OwnerUUID: owner, CreatedAt: now, ModifiedAt: now}
		theirs := &db.Object{UUID: uuid.New(), Name: "theirs.txt", OwnerUUID: other, CreatedAt: now, ModifiedAt: now}
		require.NoError(t, objects.Create(ctx, mine))
		require.NoError(t, objects.Create(ctx, theirs))

		listed, err := objects.ListByOwner(ctx, owner)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "mine.txt", listed[0].Name)

		require.NoError(t, objects.Delete(ctx, mine.UUID))
		_, err = objects.GetByUUID(ctx, mine.UUID)
		assert.ErrorIs(t, err, ErrNotFound)

		listed, err = objects.ListByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, listed)
		return nil
	})
}

func TestJobQueueFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		jobs := NewJobRepository(tx)

		_, err := jobs.QueueHead(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		for id := int64(0); id < 3; id++ {
			require.NoError(t, jobs.Create(ctx, &db.Job{
				ID:        id,
				Owner:     "KQ4PEC",
				CmdJSON:   `"true"`,
				Status:    db.JobStatusQueued,
				CreatedAt: time.Now().UTC(),
			}, nil))
			require.NoError(t, jobs.Enqueue(ctx, id))
		}

		head, err := jobs.QueueHead(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), head)

		require.NoError(t, jobs.QueueRemove(ctx, 0))
		head, err = jobs.QueueHead(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), head)

		// Removing an absent id is a no-op.
		require.NoError(t, jobs.QueueRemove(ctx, 99))

		ids, err := jobs.QueueJobIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, ids)
		return nil
	})
}

func TestJobFilesKeepOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		jobs := NewJobRepository(tx)
		require.NoError(t, jobs.Create(ctx, &db.Job{
			ID:        0,
			Owner:     "KQ4PEC",
			CmdJSON:   `["cat", "input.txt"]`,
			Status:    db.JobStatusQueued,
			CreatedAt: time.Now().UTC(),
		}, []db.JobFile{
			{Name: "input.txt", Data: []byte("data")},
			{Name: "setup.sh", Data: []byte("#!/bin/sh"), RootOwned: true},
		}))

		files, err := jobs.Files(ctx, 0)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "input.txt", files[0].Name)
		assert.Equal(t, "setup.sh", files[1].Name)
		assert.True(t, files[1].RootOwned)
		return nil
	})
}

func TestJobsListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		jobs := NewJobRepository(tx)
		for id := int64(0); id < 3; id++ {
			require.NoError(t, jobs.Create(ctx, &db.Job{
				ID:        id,
				Owner:     "KQ4PEC",
				CmdJSON:   `"true"`,
				Status:    db.JobStatusQueued,
				CreatedAt: time.Now().UTC(),
			}, nil))
		}

		listed, err := jobs.ListByOwner(ctx, "KQ4PEC", ListOptions{})
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, int64(2), listed[0].ID)

		limited, err := jobs.ListByOwner(ctx, "KQ4PEC", ListOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, int64(2), limited[0].ID)
		return nil
	})
}

func TestHTTPUserCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		users := NewHTTPUserRepository(tx)

		u := &db.HTTPUser{
			Username:     "KQ4PEC",
			PasswordHash: "salt:hash",
			HTTPEnabled:  true,
			CreatedAt:    time.Now().UTC(),
		}
		require.NoError(t, users.Create(ctx, u))
		assert.ErrorIs(t, users.Create(ctx, u), ErrConflict)

		got, err := users.Get(ctx, "KQ4PEC")
		require.NoError(t, err)
		assert.True(t, got.HTTPEnabled)
		assert.Nil(t, got.LastLogin)

		got.FailedAttempts = 2
		require.NoError(t, users.Update(ctx, got))
		got, err = users.Get(ctx, "KQ4PEC")
		require.NoError(t, err)
		assert.Equal(t, 2, got.FailedAttempts)

		require.NoError(t, users.Delete(ctx, "KQ4PEC"))
		_, err = users.Get(ctx, "KQ4PEC")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
}

func TestConfigDefaultsAndRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inTx(t, store, func(tx *gorm.DB) error {
		cfg, err := NewConfigRepository(tx).Load(ctx)
		require.NoError(t, err)

		// A fresh store answers with defaults; SYSTEM is always barred.
		assert.True(t, cfg.Blacklisted(db.SystemCallsign))
		assert.False(t, cfg.JobsEnabled)
		assert.NotEmpty(t, cfg.MOTD)
		return nil
	})

	inTx(t, store, func(tx *gorm.DB) error {
		repo := NewConfigRepository(tx)
		cfg, err := repo.Load(ctx)
		require.NoError(t, err)
		cfg.MOTD = "73 de K7SRV"
		cfg.Blacklist = append(cfg.Blacklist, "w9bad")
		return repo.Save(ctx, cfg)
	})

	inTx(t, store, func(tx *gorm.DB) error {
		cfg, err := NewConfigRepository(tx).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "73 de K7SRV", cfg.MOTD)

		// The blacklist check is case-insensitive.
		assert.True(t, cfg.Blacklisted("W9BAD"))
		assert.True(t, cfg.Blacklisted(db.SystemCallsign))
		return nil
	})
}
