package dispatch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/db"
	"github.com/packetserver-io/packetserver/transport"
	"github.com/packetserver-io/packetserver/wire"
)

// clientEvents is the client side of a loopback link: it collects decoded
// responses and keeps the raw bytes for diagnostics-level assertions.
type clientEvents struct {
	mu       sync.Mutex
	unpacker wire.Unpacker
	raw      bytes.Buffer
	msgs     chan wire.Message
}

func newClientEvents() *clientEvents {
	return &clientEvents{msgs: make(chan wire.Message, 16)}
}

func (e *clientEvents) Connected(transport.Conn)    {}
func (e *clientEvents) Disconnected(transport.Conn) {}

func (e *clientEvents) Receive(_ transport.Conn, p []byte) {
	e.mu.Lock()
	e.raw.Write(p)
	e.mu.Unlock()

	e.unpacker.Feed(p)
	for {
		m, err := e.unpacker.Next()
		if err != nil {
			// Diagnostic byte strings are not frames; keep going.
			continue
		}
		if m == nil {
			return
		}
		e.msgs <- m
	}
}

func (e *clientEvents) rawString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw.String()
}

func newDispatchService(t *testing.T) *bbs.Service {
	t.Helper()
	store, err := db.Open(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := bbs.NewService(store, zap.NewNop(), nil)
	require.NoError(t, svc.Bootstrap(context.Background(), "K7SRV", "testbbs"))
	return svc
}

// connect wires a client callsign to the server over a loopback pair. The
// server's Connected admission has run by the time this returns.
func connect(t *testing.T, s *Server, remote string) (*transport.LoopbackConn, *clientEvents) {
	t.Helper()
	events := newClientEvents()
	cli, _ := transport.NewLoopbackPair(remote, "K7SRV", events, s, 0)
	t.Cleanup(func() { cli.Close() })
	return cli, events
}

func roundTrip(t *testing.T, conn transport.Conn, events *clientEvents, req *wire.Request) *wire.Response {
	t.Helper()
	frame, err := req.Pack(wire.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, conn.Send(frame))

	select {
	case msg := <-events.msgs:
		resp, ok := msg.(*wire.Response)
		require.True(t, ok, "expected a response frame")
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("no response within deadline")
		return nil
	}
}

func payloadMap(t *testing.T, resp *wire.Response) map[string]any {
	t.Helper()
	m := wire.AsMap(resp.Payload)
	require.NotNil(t, m, "expected a map payload, got %T", resp.Payload)
	return m
}

func TestHandshake(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	req := wire.NewRequest(wire.MethodGet, "")
	req.SetVar("c", int(wire.CompressionGzip))
	resp := roundTrip(t, conn, events, req)

	assert.Equal(t, 200, resp.Status)
	m := payloadMap(t, resp)
	assert.Contains(t, m, "operator")
	assert.Contains(t, m, "motd")
	assert.Equal(t, false, m["accepts_jobs"])
	assert.Contains(t, wire.AsString(m["user"]), "KQ4PEC")
	assert.Contains(t, wire.AsString(m["user"]), "enabled")
}

func TestBulletinLifecycle(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	author, authorEv := connect(t, s, "KQ4PEC")
	other, otherEv := connect(t, s, "W1AW")

	post := wire.NewRequest(wire.MethodPost, "bulletin")
	post.Payload = map[string]any{"subject": "Hi", "body": "World"}
	resp := roundTrip(t, author, authorEv, post)
	require.Equal(t, 201, resp.Status)
	id, ok := wire.AsInt(payloadMap(t, resp)["bulletin_id"])
	require.True(t, ok)
	assert.Equal(t, 0, id, "first bulletin on an empty store")

	list := roundTrip(t, author, authorEv, wire.NewRequest(wire.MethodGet, "bulletin"))
	require.Equal(t, 200, list.Status)
	items := wire.AsSlice(list.Payload)
	require.Len(t, items, 1)
	first := wire.AsMap(items[0])
	assert.Equal(t, "Hi", wire.AsString(first["subject"]))
	assert.Equal(t, "World", wire.AsString(first["body"]))
	assert.Equal(t, "KQ4PEC", wire.AsString(first["author"]))

	del := roundTrip(t, other, otherEv, wire.NewRequest(wire.MethodDelete, "bulletin/0"))
	assert.Equal(t, 403, del.Status, "only the author may delete")

	del = roundTrip(t, author, authorEv, wire.NewRequest(wire.MethodDelete, "bulletin/0"))
	assert.Equal(t, 204, del.Status)
}

func TestMessageFanout(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	recipient, recipientEv := connect(t, s, "W1AW")
	sender, senderEv := connect(t, s, "KQ4PEC-7")

	post := wire.NewRequest(wire.MethodPost, "message")
	post.Payload = map[string]any{
		"text": "hello",
		"to":   []any{"W1AW", "N0CALL"},
	}
	resp := roundTrip(t, sender, senderEv, post)
	require.Equal(t, 201, resp.Status)
	m := payloadMap(t, resp)

	successes, _ := wire.AsInt(m["successes"])
	assert.Equal(t, 2, successes, "one delivery plus the sender's sent copy")
	assert.Equal(t, []string{"N0CALL"}, wire.AsStringSlice(m["failed"]))
	msgID := wire.AsString(m["msg_id"])
	require.NotEmpty(t, msgID)

	inbox := roundTrip(t, recipient, recipientEv, wire.NewRequest(wire.MethodGet, "message"))
	require.Equal(t, 200, inbox.Status)
	items := wire.AsSlice(inbox.Payload)
	require.Len(t, items, 1)
	got := wire.AsMap(items[0])
	assert.Equal(t, msgID, wire.AsString(got["id"]))
	assert.Equal(t, "KQ4PEC", wire.AsString(got["from"]))
	assert.Equal(t, "hello", wire.AsString(got["text"]))

	sentReq := wire.NewRequest(wire.MethodGet, "message")
	sentReq.SetVar("source", "sent")
	sent := roundTrip(t, sender, senderEv, sentReq)
	require.Equal(t, 200, sent.Status)
	items = wire.AsSlice(sent.Payload)
	require.Len(t, items, 1)
	assert.Equal(t, msgID, wire.AsString(wire.AsMap(items[0])["id"]),
		"sent copy shares the global message uuid")
}

func TestPrivateObjectAccess(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	owner, ownerEv := connect(t, s, "K1ABC")
	stranger, strangerEv := connect(t, s, "W1AW")

	post := wire.NewRequest(wire.MethodPost, "object")
	post.Payload = map[string]any{
		"name": "x.txt", "data": []byte("hi"), "binary": false, "private": true,
	}
	resp := roundTrip(t, owner, ownerEv, post)
	require.Equal(t, 201, resp.Status)
	objID := wire.AsString(resp.Payload)
	require.NotEmpty(t, objID)

	get := wire.NewRequest(wire.MethodGet, "object")
	get.SetVar("uuid", objID)
	get.SetVar("fetch", "y")
	resp = roundTrip(t, owner, ownerEv, get)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "hi", string(wire.AsBytes(payloadMap(t, resp)["data"])))

	resp = roundTrip(t, stranger, strangerEv, get)
	assert.Equal(t, 403, resp.Status, "private object answers 403 to non-owners")
}

func TestUserProfileUpdate(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	upd := wire.NewRequest(wire.MethodUpdate, "user")
	upd.Payload = map[string]any{
		"email": "op@example.com",
		"bio":   strings.Repeat("x", 5000),
	}
	resp := roundTrip(t, conn, events, upd)
	require.Equal(t, 200, resp.Status)
	m := payloadMap(t, resp)
	assert.Equal(t, "op@example.com", wire.AsString(m["email"]))
	assert.Len(t, wire.AsString(m["bio"]), 4000, "bio is truncated on write")

	bad := wire.NewRequest(wire.MethodUpdate, "user")
	bad.Payload = map[string]any{"email": "not-an-address"}
	resp = roundTrip(t, conn, events, bad)
	assert.Equal(t, 400, resp.Status)
	assert.Contains(t, wire.AsString(resp.Payload), "email")
}

func TestJobsDisabledAnswers400(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	post := wire.NewRequest(wire.MethodPost, "job")
	post.Payload = map[string]any{"cmd": "echo hi"}
	resp := roundTrip(t, conn, events, post)
	assert.Equal(t, 400, resp.Status)
	assert.Contains(t, wire.AsString(resp.Payload), "disabled")
}

func TestJobSubmitQueued(t *testing.T) {
	svc := newDispatchService(t)
	ctx := context.Background()
	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	cfg.JobsEnabled = true
	require.NoError(t, svc.SaveConfig(ctx, cfg))

	armed := &armerSpy{}
	s := NewServer(svc, armed, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	post := wire.NewRequest(wire.MethodPost, "job")
	post.Payload = map[string]any{"cmd": []any{"echo", "hi"}}
	resp := roundTrip(t, conn, events, post)
	require.Equal(t, 201, resp.Status)
	id, ok := wire.AsInt(payloadMap(t, resp)["job_id"])
	require.True(t, ok)
	assert.Equal(t, 0, id)

	view, err := svc.GetJob(ctx, "KQ4PEC", int64(id))
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, view["status"])
	assert.Equal(t, []bool{false}, armed.calls, "plain request arms a non-quick check")
}

type armerSpy struct {
	mu    sync.Mutex
	calls []bool
}

func (a *armerSpy) RequestSeen(quick bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, quick)
}

func TestUnknownPathAnswers404(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	resp := roundTrip(t, conn, events, wire.NewRequest(wire.MethodGet, "nonsense"))
	assert.Equal(t, 404, resp.Status)
	assert.Nil(t, resp.Payload)
}

func TestBadFrameDiagnostic(t *testing.T) {
	svc := newDispatchService(t)
	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, events := connect(t, s, "KQ4PEC")

	// 0xc1 is never valid msgpack, so the decoder fails immediately.
	require.NoError(t, conn.Send([]byte{0xc1, 0x00, 0x01}))

	require.Eventually(t, func() bool {
		return strings.Contains(events.rawString(), "BAD REQUEST")
	}, 2*time.Second, 20*time.Millisecond)

	// The stream recovers: the next well-formed request still answers.
	resp := roundTrip(t, conn, events, wire.NewRequest(wire.MethodGet, ""))
	assert.Equal(t, 200, resp.Status)
}

func TestBlacklistedConnectionIsClosed(t *testing.T) {
	svc := newDispatchService(t)
	ctx := context.Background()
	cfg, err := svc.Config(ctx)
	require.NoError(t, err)
	cfg.Blacklist = append(cfg.Blacklist, "W9BAD")
	require.NoError(t, svc.SaveConfig(ctx, cfg))

	s := NewServer(svc, nil, nil, zap.NewNop())
	conn, _ := connect(t, s, "W9BAD")

	require.Eventually(t, func() bool {
		return conn.State() == transport.StateDisconnected
	}, 3*time.Second, 20*time.Millisecond)

	// No account was created for the blacklisted callsign.
	_, err = svc.GetUser(ctx, "K7SRV", "W9BAD")
	assert.Error(t, err)
}
