// Package transport provides the ordered byte-stream abstraction the BBS
// speaks over. Three implementations share one contract: the TNC link over
// a real AX.25 engine, an in-process loopback pair for tests, and a
// directory rendezvous that mimics a point-to-point stream through the
// filesystem. The protocol layer above never knows which one it is on.
//
// Every Conn chunks outbound writes at the link MTU (2000 bytes by default)
// and keeps those chunks contiguous on the stream — a large response is
// never interleaved with other writes on the same connection.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultMTU is the largest single write handed to the underlying link.
// 2000 bytes keeps each write inside one AX.25 I-frame burst on common
// TNC configurations.
const DefaultMTU = 2000

var (
	// ErrClosed is returned by Send on a connection that has left the
	// CONNECTED state.
	ErrClosed = errors.New("transport: connection closed")
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Conn is a single ordered byte stream to one remote station.
type Conn interface {
	// LocalCallsign is the callsign this end answers as.
	LocalCallsign() string

	// RemoteCallsign is the station on the other end. For TNC links this
	// is call_from on incoming connections and call_to on outgoing ones.
	RemoteCallsign() string

	// State reports the current lifecycle state.
	State() State

	// Send writes p to the link, splitting it into MTU-sized chunks.
	// The chunks of one Send are contiguous on the stream.
	Send(p []byte) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Events receives connection callbacks. Implemented by the dispatcher on
// the server side and by the client runtime on the other. Callbacks for a
// single connection are never invoked concurrently with each other.
type Events interface {
	// Connected fires once the connection reaches CONNECTED.
	Connected(c Conn)

	// Disconnected fires once, after the connection reaches DISCONNECTED.
	Disconnected(c Conn)

	// Receive delivers a chunk of inbound bytes in stream order.
	Receive(c Conn, p []byte)
}

// NopEvents discards all callbacks. Useful as a default and in tests that
// drive only one direction.
type NopEvents struct{}

func (NopEvents) Connected(Conn)         {}
func (NopEvents) Disconnected(Conn)      {}
func (NopEvents) Receive(Conn, []byte)   {}

// base carries the bookkeeping every concrete transport shares: callsigns,
// state, MTU and the write lock that keeps chunked sends contiguous.
type base struct {
	local  string
	remote string
	mtu    int
	state  atomic.Int32

	// sendMu serialises Send so the chunks of one payload are never
	// interleaved with another writer on the same connection.
	sendMu sync.Mutex
}

func newBase(local, remote string, mtu int) base {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	// state's zero value already encodes StateConnecting; returning the
	// literal directly avoids copying the embedded atomic after first use.
	return base{local: local, remote: remote, mtu: mtu}
}

func (b *base) LocalCallsign() string  { return b.local }
func (b *base) RemoteCallsign() string { return b.remote }
func (b *base) State() State           { return State(b.state.Load()) }

func (b *base) setState(s State) { b.state.Store(int32(s)) }

// compareAndSetState transitions from old to new atomically, reporting
// whether the transition happened.
func (b *base) compareAndSetState(old, new State) bool {
	return b.state.CompareAndSwap(int32(old), int32(new))
}

// sendChunked splits p at the MTU and hands each piece to write in order,
// holding the send lock for the whole payload. A payload of N bytes
// produces ceil(N/MTU) writes whose concatenation equals p.
func (b *base) sendChunked(p []byte, write func([]byte) error) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if b.State() != StateConnected {
		return ErrClosed
	}

	for len(p) > 0 {
		n := b.mtu
		if n > len(p) {
			n = len(p)
		}
		if err := write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
