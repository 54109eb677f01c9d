package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/internal/dispatch"
	"github.com/packetserver-io/packetserver/transport"
)

// startServer brings up a dispatch server listening on a directory
// transport root and returns the root path.
func startServer(t *testing.T) string {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := bbs.NewService(store, zap.NewNop(), nil)
	require.NoError(t, svc.Bootstrap(context.Background(), "K7SRV", "testbbs"))

	root := t.TempDir()
	listener := transport.NewDirectoryListener(root, "K7SRV",
		dispatch.NewServer(svc, nil, nil, zap.NewNop()), 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go listener.Run(ctx)
	return root
}

func newTestClient(t *testing.T, root string, opts ...Option) *Client {
	t.Helper()
	c := New(NewDirectoryDialer(root, "KQ4PEC", 0), zap.NewNop(), opts...)
	t.Cleanup(c.Close)
	return c
}

// turnCtx gives each request/response turn enough slack for both
// sides' 500ms directory polls.
func turnCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRootInfoRoundTrip(t *testing.T) {
	root := startServer(t)
	c := newTestClient(t, root)

	info, err := c.RootInfo(turnCtx(t), "K7SRV")
	require.NoError(t, err)
	assert.Contains(t, info, "operator")
	assert.Contains(t, info["user"], "KQ4PEC")
}

func TestBulletinOps(t *testing.T) {
	root := startServer(t)
	c := newTestClient(t, root)
	ctx := turnCtx(t)

	id, err := c.PostBulletin(ctx, "K7SRV", "Hi", "World")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	list, err := c.ListBulletins(ctx, "K7SRV", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Hi", list[0]["subject"])

	require.NoError(t, c.DeleteBulletin(ctx, "K7SRV", id))

	list, err = c.ListBulletins(ctx, "K7SRV", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestObjectOps(t *testing.T) {
	root := startServer(t)
	c := newTestClient(t, root)
	ctx := turnCtx(t)

	id, err := c.PutObject(ctx, "K7SRV", "notes.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := c.GetObject(ctx, "K7SRV", id, true)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", view["name"])

	err = c.DeleteObject(ctx, "K7SRV", id)
	require.NoError(t, err)

	_, err = c.GetObject(ctx, "K7SRV", id, false)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 404, serr.Status)
}

func TestSendMessageFanout(t *testing.T) {
	root := startServer(t)

	// W1AW must exist to receive; a throwaway client connection admits it.
	other := New(NewDirectoryDialer(root, "W1AW", 0), zap.NewNop())
	t.Cleanup(other.Close)
	_, err := other.RootInfo(turnCtx(t), "K7SRV")
	require.NoError(t, err)

	c := newTestClient(t, root)
	result, err := c.SendMessage(turnCtx(t), "K7SRV", "hello", []string{"W1AW", "N0CALL"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Successes)
	assert.Equal(t, []string{"N0CALL"}, result.Failed)
	assert.NotEmpty(t, result.MsgID)

	inbox, err := other.ListMessages(turnCtx(t), "K7SRV", MessageOptions{FetchText: true})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, result.MsgID, inbox[0]["id"])
}

func TestRequestLogRecordsTurns(t *testing.T) {
	root := startServer(t)
	logPath := filepath.Join(t.TempDir(), "requests.json")
	reqLog, err := NewRequestLog(logPath)
	require.NoError(t, err)

	c := newTestClient(t, root, WithRequestLog(reqLog))
	_, err = c.RootInfo(turnCtx(t), "K7SRV")
	require.NoError(t, err)

	entries, err := reqLog.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "K7SRV", entries[0].Dest)
	assert.Equal(t, "GET", entries[0].Method)
	assert.Equal(t, 200, entries[0].Status)
}

func TestRequestLogTrimsAtCap(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "requests.json")
	reqLog, err := NewRequestLog(logPath)
	require.NoError(t, err)

	for i := 0; i < maxLogEntries+5; i++ {
		require.NoError(t, reqLog.Append(Entry{Dest: "K7SRV", Status: 200}))
	}
	entries, err := reqLog.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, maxLogEntries)
}
