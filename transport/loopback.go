package transport

import (
	"sync"
)

// loopbackQueueSize bounds the per-direction delivery queue. Tests drive
// request/response turns, so a small buffer is plenty; a full queue blocks
// the sender, which is exactly the backpressure a real link applies.
const loopbackQueueSize = 64

// LoopbackConn is one end of an in-process connection pair. Bytes written
// on one end arrive at the other end's Events.Receive in order, on a
// dedicated delivery goroutine per direction.
type LoopbackConn struct {
	base
	events Events
	peer   *LoopbackConn

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewLoopbackPair wires two connections back to back: a.Send delivers to
// be.Receive and vice versa. Both ends come up CONNECTED and both Events
// receive their Connected callback before this returns.
func NewLoopbackPair(callA, callB string, ea, eb Events, mtu int) (*LoopbackConn, *LoopbackConn) {
	if ea == nil {
		ea = NopEvents{}
	}
	if eb == nil {
		eb = NopEvents{}
	}

	a := &LoopbackConn{
		base:   newBase(callA, callB, mtu),
		events: ea,
		inbox:  make(chan []byte, loopbackQueueSize),
		done:   make(chan struct{}),
	}
	b := &LoopbackConn{
		base:   newBase(callB, callA, mtu),
		events: eb,
		inbox:  make(chan []byte, loopbackQueueSize),
		done:   make(chan struct{}),
	}
	a.peer, b.peer = b, a

	a.setState(StateConnected)
	b.setState(StateConnected)

	go a.deliver()
	go b.deliver()

	ea.Connected(a)
	eb.Connected(b)

	return a, b
}

// Send implements Conn.
func (c *LoopbackConn) Send(p []byte) error {
	return c.sendChunked(p, func(chunk []byte) error {
		// Copy: the peer consumes asynchronously and the caller may reuse p.
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		select {
		case c.peer.inbox <- buf:
			return nil
		case <-c.peer.done:
			return ErrClosed
		}
	})
}

// Close implements Conn. Closing either end disconnects both.
func (c *LoopbackConn) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *LoopbackConn) shutdown() {
	c.once.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
	})
}

// deliver pumps the inbox to Events.Receive in order until the connection
// closes, then fires Disconnected.
func (c *LoopbackConn) deliver() {
	for {
		select {
		case p := <-c.inbox:
			c.events.Receive(c, p)
		case <-c.done:
			// Drain what arrived before the close so no frame is lost.
			for {
				select {
				case p := <-c.inbox:
					c.events.Receive(c, p)
				default:
					c.events.Disconnected(c)
					return
				}
			}
		}
	}
}
