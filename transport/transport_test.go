package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink records every write handed to the engine.
type fakeLink struct {
	from, to string
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
}

func (l *fakeLink) CallFrom() string { return l.from }
func (l *fakeLink) CallTo() string   { return l.to }

func (l *fakeLink) SendData(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	l.writes = append(l.writes, buf)
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// collector gathers Events callbacks for assertions.
type collector struct {
	mu           sync.Mutex
	received     []byte
	connected    int
	disconnected int
}

func (c *collector) Connected(Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected++
}

func (c *collector) Disconnected(Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
}

func (c *collector) Receive(_ Conn, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, p...)
}

func (c *collector) snapshot() ([]byte, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.received...), c.connected, c.disconnected
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSendChunksAtMTU(t *testing.T) {
	tests := []struct {
		name       string
		mtu        int
		payloadLen int
		wantWrites int
	}{
		{"under mtu", 100, 42, 1},
		{"exactly mtu", 100, 100, 1},
		{"one byte over", 100, 101, 2},
		{"several chunks", 100, 450, 5},
		{"default mtu", 0, 4500, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &fakeLink{from: "W1AW", to: "KQ4PEC"}
			conn := NewTNCConn(link, true, nil, tt.mtu)
			conn.HandleConnected()

			payload := bytes.Repeat([]byte{0xAB}, tt.payloadLen)
			require.NoError(t, conn.Send(payload))

			link.mu.Lock()
			defer link.mu.Unlock()
			assert.Len(t, link.writes, tt.wantWrites)

			var joined []byte
			for _, w := range link.writes {
				joined = append(joined, w...)
			}
			assert.Equal(t, payload, joined, "concatenated chunks must equal payload")
		})
	}
}

func TestTNCConnCallsignDirection(t *testing.T) {
	link := &fakeLink{from: "KQ4PEC", to: "BBS"}

	in := NewTNCConn(link, true, nil, 0)
	assert.Equal(t, "KQ4PEC", in.RemoteCallsign(), "incoming: remote is call_from")
	assert.Equal(t, "BBS", in.LocalCallsign())

	out := NewTNCConn(link, false, nil, 0)
	assert.Equal(t, "BBS", out.RemoteCallsign(), "outgoing: remote is call_to")
	assert.Equal(t, "KQ4PEC", out.LocalCallsign())
}

func TestSendOnClosedConnection(t *testing.T) {
	link := &fakeLink{from: "W1AW", to: "BBS"}
	conn := NewTNCConn(link, true, nil, 0)
	conn.HandleConnected()
	conn.HandleDisconnected()

	assert.ErrorIs(t, conn.Send([]byte("late")), ErrClosed)
}

func TestLoopbackDelivery(t *testing.T) {
	var ca, cb collector
	a, b := NewLoopbackPair("W1AW", "BBS", &ca, &cb, 16)
	defer a.Close()

	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, StateConnected, b.State())
	assert.Equal(t, "BBS", a.RemoteCallsign())
	assert.Equal(t, "W1AW", b.RemoteCallsign())

	// Larger than the 16-byte MTU so delivery crosses chunk boundaries.
	payload := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, a.Send(payload))

	waitFor(t, time.Second, func() bool {
		got, _, _ := cb.snapshot()
		return bytes.Equal(got, payload)
	})

	require.NoError(t, b.Send([]byte("ack")))
	waitFor(t, time.Second, func() bool {
		got, _, _ := ca.snapshot()
		return bytes.Equal(got, []byte("ack"))
	})
}

func TestLoopbackCloseDisconnectsBothEnds(t *testing.T) {
	var ca, cb collector
	a, b := NewLoopbackPair("W1AW", "BBS", &ca, &cb, 0)

	require.NoError(t, a.Close())

	waitFor(t, time.Second, func() bool {
		_, _, da := ca.snapshot()
		_, _, db := cb.snapshot()
		return da == 1 && db == 1
	})
	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateDisconnected, b.State())
}
