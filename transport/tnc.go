package transport

// The TNC transport adapts an established AX.25 link from the third-party
// engine to the Conn contract. The engine owns framing, retransmission and
// the serial or network side of the TNC; this layer only maps its
// callbacks onto Events and applies the MTU chunking on the way out.

// AX25Link is the surface consumed from the TNC engine for one established
// link. The engine delivers ordered payload bytes and connect/disconnect
// events; how it does that is its business.
type AX25Link interface {
	// CallFrom is the callsign that initiated the link.
	CallFrom() string

	// CallTo is the callsign the link was addressed to.
	CallTo() string

	// SendData queues one write on the link.
	SendData(p []byte) error

	// Disconnect tears the link down.
	Disconnect() error
}

// TNCConn is a Conn over one AX.25 link. The engine adapter forwards link
// events through HandleConnected, HandleData and HandleDisconnected.
type TNCConn struct {
	base
	link   AX25Link
	events Events
}

// NewTNCConn wraps link. For incoming links the remote station is
// call_from; for outgoing ones it is call_to. The connection starts in
// CONNECTING; the engine adapter calls HandleConnected once the link is up.
func NewTNCConn(link AX25Link, incoming bool, events Events, mtu int) *TNCConn {
	if events == nil {
		events = NopEvents{}
	}
	local, remote := link.CallTo(), link.CallFrom()
	if !incoming {
		local, remote = link.CallFrom(), link.CallTo()
	}
	return &TNCConn{
		base:   newBase(local, remote, mtu),
		link:   link,
		events: events,
	}
}

// Send implements Conn.
func (c *TNCConn) Send(p []byte) error {
	return c.sendChunked(p, c.link.SendData)
}

// Close implements Conn.
func (c *TNCConn) Close() error {
	if c.compareAndSetState(StateConnected, StateDisconnecting) ||
		c.compareAndSetState(StateConnecting, StateDisconnecting) {
		return c.link.Disconnect()
	}
	return nil
}

// HandleConnected is invoked by the engine adapter when the link reaches
// the connected state.
func (c *TNCConn) HandleConnected() {
	if c.compareAndSetState(StateConnecting, StateConnected) {
		c.events.Connected(c)
	}
}

// HandleData is invoked by the engine adapter for each inbound payload.
func (c *TNCConn) HandleData(p []byte) {
	c.events.Receive(c, p)
}

// HandleDisconnected is invoked by the engine adapter when the link drops,
// whichever side initiated it.
func (c *TNCConn) HandleDisconnected() {
	prev := State(c.state.Swap(int32(StateDisconnected)))
	if prev != StateDisconnected {
		c.events.Disconnected(c)
	}
}
