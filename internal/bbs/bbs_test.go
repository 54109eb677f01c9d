package bbs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, zap.NewNop(), nil)
	require.NoError(t, svc.Bootstrap(context.Background(), "K7SRV", "testbbs"))
	return svc
}

// admit creates an enabled account the way a first connection would.
func admit(t *testing.T, svc *Service, call string) {
	t.Helper()
	blacklisted, err := svc.Admit(context.Background(), call)
	require.NoError(t, err)
	require.False(t, blacklisted)
}

func TestAdmitCreatesAccountOnFirstContact(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	admit(t, svc, "KQ4PEC-7")

	// The account is keyed by base callsign regardless of SSID.
	view, err := svc.GetUser(ctx, "KQ4PEC", "KQ4PEC")
	require.NoError(t, err)
	assert.Equal(t, "KQ4PEC", view["username"])

	// A second contact touches the record instead of duplicating it.
	admit(t, svc, "KQ4PEC-2")
	users, err := svc.ListUsers(ctx, "KQ4PEC", 0)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAdmitBlacklisted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	cfg.Blacklist = append(cfg.Blacklist, "W9BAD")
	require.NoError(t, svc.SaveConfig(ctx, cfg))

	blacklisted, err := svc.Admit(ctx, "W9BAD-5")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// No account came into existence.
	admit(t, svc, "KQ4PEC")
	_, err = svc.GetUser(ctx, "KQ4PEC", "W9BAD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSystemUserIsHiddenAndReserved(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	blacklisted, err := svc.Admit(ctx, db.SystemCallsign)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	admit(t, svc, "KQ4PEC")
	_, err = svc.GetUser(ctx, "KQ4PEC", db.SystemCallsign)
	assert.ErrorIs(t, err, ErrNotFound)

	users, err := svc.ListUsers(ctx, "KQ4PEC", 0)
	require.NoError(t, err)
	for _, u := range users {
		assert.NotEqual(t, db.SystemCallsign, u["username"])
	}
}

func TestUnknownCallerIsUnauthorized(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ListBulletins(context.Background(), "N0CALL", 0)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBulletinIDsAreDenseAndNeverReused(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")

	for want := int64(0); want < 3; want++ {
		id, err := svc.PostBulletin(ctx, "KQ4PEC", "subject", "body")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	require.NoError(t, svc.DeleteBulletin(ctx, "KQ4PEC", 1))

	// Deletion does not rewind the counter.
	id, err := svc.PostBulletin(ctx, "KQ4PEC", "after delete", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	_, err = svc.GetBulletin(ctx, "KQ4PEC", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulletinDeleteIsAuthorOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	id, err := svc.PostBulletin(ctx, "KQ4PEC", "hamfest", "saturday 9am")
	require.NoError(t, err)

	err = svc.DeleteBulletin(ctx, "W1AW", id)
	assert.ErrorIs(t, err, ErrForbidden)

	// Still readable by everyone.
	view, err := svc.GetBulletin(ctx, "W1AW", id)
	require.NoError(t, err)
	assert.Equal(t, "hamfest", view["subject"])
}

func TestBulletinSubjectRequired(t *testing.T) {
	svc := newTestService(t)
	admit(t, svc, "KQ4PEC")

	_, err := svc.PostBulletin(context.Background(), "KQ4PEC", "   ", "body")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSendMessageFanout(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	result, err := svc.SendMessage(ctx, "KQ4PEC-7", "testing de KQ4PEC", []string{"W1AW", "N0CALL"}, nil)
	require.NoError(t, err)

	// One delivered copy plus the sender's sent-copy; the unknown
	// recipient is reported, not fatal.
	assert.Equal(t, 2, result.Successes)
	assert.Equal(t, []string{"N0CALL"}, result.Failed)

	inbox, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, FetchText: true})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, result.MsgID.String(), inbox[0]["id"])
	assert.Equal(t, "KQ4PEC", inbox[0]["from"])
	assert.Equal(t, "testing de KQ4PEC", inbox[0]["text"])

	// The sent copy shares the global message id.
	sent, err := svc.GetMessages(ctx, "KQ4PEC", MessageQuery{Source: SourceSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, result.MsgID.String(), sent[0]["id"])
}

func TestSendMessageBroadcast(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")
	admit(t, svc, "VE3XYZ")

	result, err := svc.SendMessage(ctx, "KQ4PEC", "net tonight 1900", []string{"ALL"}, nil)
	require.NoError(t, err)

	// Two audience members plus the sent-copy; the sender is not in the
	// broadcast audience.
	assert.Equal(t, 3, result.Successes)
	assert.Empty(t, result.Failed)

	inbox, err := svc.GetMessages(ctx, "VE3XYZ", MessageQuery{Source: SourceReceived})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}

func TestSendMessageNoDeliverableRecipients(t *testing.T) {
	svc := newTestService(t)
	admit(t, svc, "KQ4PEC")

	_, err := svc.SendMessage(context.Background(), "KQ4PEC", "hi", []string{"N0CALL"}, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAttachmentSnapshotSurvivesObjectEdit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	id, err := svc.PostObject(ctx, "KQ4PEC", "notes.txt", []byte("v1"), false, false)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "KQ4PEC", "see attached", []string{"W1AW"},
		[]AttachmentInput{{Name: "notes.txt", ObjectUUID: &id}})
	require.NoError(t, err)

	// Rewriting the object afterwards must not alter delivered mail.
	_, err = svc.UpdateObject(ctx, "KQ4PEC", id, ObjectPatch{Data: []byte("v2")})
	require.NoError(t, err)

	inbox, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, FetchAttachments: true})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	atts, ok := inbox[0]["attachments"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, atts, 1)
	assert.Equal(t, "notes.txt", atts[0]["name"])
	assert.Equal(t, []byte("v1"), atts[0]["data"])
}

func TestPrivateObjectAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	id, err := svc.PostObject(ctx, "KQ4PEC", "secrets.txt", []byte("hi"), false, true)
	require.NoError(t, err)

	_, err = svc.GetObject(ctx, "W1AW", id, false)
	assert.ErrorIs(t, err, ErrForbidden)

	// Private objects are invisible in a foreign listing.
	objs, err := svc.ListObjects(ctx, "W1AW", ObjectQuery{})
	require.NoError(t, err)
	assert.Empty(t, objs)

	// And a stranger cannot attach them either.
	_, err = svc.SendMessage(ctx, "W1AW", "gimme", []string{"KQ4PEC"},
		[]AttachmentInput{{Name: "x", ObjectUUID: &id}})
	assert.ErrorIs(t, err, ErrForbidden)

	// The owner reads it fine.
	view, err := svc.GetObject(ctx, "KQ4PEC", id, true)
	require.NoError(t, err)
	assert.Equal(t, "secrets.txt", view["name"])
}

func TestObjectUpdateAndDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	id, err := svc.PostObject(ctx, "KQ4PEC", "readme.txt", []byte("hello"), false, false)
	require.NoError(t, err)

	_, err = svc.UpdateObject(ctx, "W1AW", id, ObjectPatch{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrForbidden)
	err = svc.DeleteObject(ctx, "W1AW", id)
	assert.ErrorIs(t, err, ErrForbidden)

	// A non-nil empty data slice truncates.
	view, err := svc.UpdateObject(ctx, "KQ4PEC", id, ObjectPatch{Data: []byte{}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, view["size"])

	require.NoError(t, svc.DeleteObject(ctx, "KQ4PEC", id))
	_, err = svc.GetObject(ctx, "KQ4PEC", id, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObjectNotFound(t *testing.T) {
	svc := newTestService(t)
	admit(t, svc, "KQ4PEC")

	_, err := svc.GetObject(context.Background(), "KQ4PEC", uuid.New(), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUserTruncatesAndValidates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")

	longBio := strings.Repeat("x", maxBioLen+100)
	view, err := svc.UpdateUser(ctx, "KQ4PEC", UserPatch{Bio: &longBio})
	require.NoError(t, err)
	assert.Len(t, view["bio"], maxBioLen)

	bad := "not-an-email"
	_, err = svc.UpdateUser(ctx, "KQ4PEC", UserPatch{Email: &bad})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	good := "op@example.com"
	view, err = svc.UpdateUser(ctx, "KQ4PEC", UserPatch{Email: &good})
	require.NoError(t, err)
	assert.Equal(t, good, view["email"])
}

func TestSubmitJobDisabled(t *testing.T) {
	svc := newTestService(t)
	admit(t, svc, "KQ4PEC")

	_, err := svc.SubmitJob(context.Background(), "KQ4PEC", JobSpec{Cmd: "uname -a"})
	assert.ErrorIs(t, err, ErrJobsDisabled)
}

func enableJobs(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	cfg.JobsEnabled = true
	require.NoError(t, svc.SaveConfig(ctx, cfg))
}

func TestSubmitJobQueued(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	enableJobs(t, svc)

	id, err := svc.SubmitJob(ctx, "KQ4PEC", JobSpec{
		Cmd: []any{"echo", "hello"},
		Env: map[string]string{"LANG": "C"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	view, err := svc.GetJob(ctx, "KQ4PEC", id)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, view["status"])
	assert.Equal(t, "KQ4PEC", view["owner"])
}

func TestJobAccessIsOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")
	enableJobs(t, svc)

	id, err := svc.SubmitJob(ctx, "KQ4PEC", JobSpec{Cmd: "true"})
	require.NoError(t, err)

	_, err = svc.GetJob(ctx, "W1AW", id)
	assert.ErrorIs(t, err, ErrForbidden)

	jobs, err := svc.ListJobs(ctx, "W1AW", 0, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobsIDOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	enableJobs(t, svc)

	for i := 0; i < 3; i++ {
		_, err := svc.SubmitJob(ctx, "KQ4PEC", JobSpec{Cmd: "true"})
		require.NoError(t, err)
	}

	result, err := svc.ListJobs(ctx, "KQ4PEC", 0, true)
	require.NoError(t, err)
	ids, ok := result.([]int64)
	require.True(t, ok)
	assert.ElementsMatch(t, []int64{0, 1, 2}, ids)
}

func TestParseDateDigits(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"202608", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{"20260815", time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)},
		{"20260815193000", time.Date(2026, 8, 15, 19, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseDateDigits(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(tc.want), "%s parsed to %v", tc.in, got)
	}

	for _, bad := range []string{"", "20", "2026-08", "next tuesday"} {
		_, err := ParseDateDigits(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetMessagesFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	admit(t, svc, "KQ4PEC")
	admit(t, svc, "W1AW")

	for _, text := range []string{"first", "second", "antenna party"} {
		_, err := svc.SendMessage(ctx, "KQ4PEC", text, []string{"W1AW"}, nil)
		require.NoError(t, err)
	}

	all, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, FetchText: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	found, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, Search: "antenna", FetchText: true})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "antenna party", found[0]["text"])

	// Messages sent before the cutoff drop out.
	future := time.Now().Add(time.Hour).UTC()
	none, err := svc.GetMessages(ctx, "W1AW", MessageQuery{Source: SourceReceived, Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)
}
