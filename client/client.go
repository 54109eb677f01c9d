// Package client is the typed client runtime: it keeps one connection
// per destination server, serialises request/response turns on each,
// and exposes the server's operations as methods. It runs over any
// transport through a Dialer.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/callsign"
	"github.com/packetserver-io/packetserver/transport"
	"github.com/packetserver-io/packetserver/wire"
)

// DefaultTimeout bounds one request/response turn when the caller's
// context carries no deadline. Packet links are slow; five minutes is
// the conventional ceiling.
const DefaultTimeout = 300 * time.Second

// ErrTimeout is returned when the server does not answer in time. The
// connection is left open; the response may still arrive and will be
// discarded.
var ErrTimeout = errors.New("client: request timed out")

// Dialer opens a transport connection to a remote callsign, reporting
// events to the given sink.
type Dialer func(remote string, events transport.Events) (transport.Conn, error)

// NewDirectoryDialer dials over the directory transport rooted at root.
func NewDirectoryDialer(root, local string, mtu int) Dialer {
	return func(remote string, events transport.Events) (transport.Conn, error) {
		return transport.DialDirectory(root, local, remote, events, mtu)
	}
}

// ServerError is a non-2xx response from the server.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: server returned %d", e.Status)
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// link is the per-destination connection state. turnMu serialises whole
// send-then-wait turns so responses cannot cross between callers.
type link struct {
	conn     transport.Conn
	turnMu   sync.Mutex
	unpacker wire.Unpacker
	inbox    chan wire.Message
}

// Client talks to one or more servers, one connection per destination.
type Client struct {
	dial        Dialer
	compression wire.Compression
	logger      *zap.Logger
	reqLog      *RequestLog

	mu    sync.Mutex
	links map[string]*link          // destination -> link
	conns map[transport.Conn]*link  // reverse map for event callbacks
}

// Option configures a Client.
type Option func(*Client)

// WithCompression sets the compression the client asks servers to use
// on responses.
func WithCompression(c wire.Compression) Option {
	return func(cl *Client) { cl.compression = c }
}

// WithRequestLog records every turn to a local JSON log.
func WithRequestLog(log *RequestLog) Option {
	return func(cl *Client) { cl.reqLog = log }
}

// New builds a client over the given dialer.
func New(dial Dialer, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		dial:   dial,
		logger: logger.Named("client"),
		links:  make(map[string]*link),
		conns:  make(map[transport.Conn]*link),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect returns the live connection to dest, dialing if none exists.
func (c *Client) Connect(dest string) (transport.Conn, error) {
	dest = callsign.Normalize(dest)

	c.mu.Lock()
	if l, ok := c.links[dest]; ok && l.conn.State() == transport.StateConnected {
		c.mu.Unlock()
		return l.conn, nil
	}
	c.mu.Unlock()

	l := &link{inbox: make(chan wire.Message, 16)}
	conn, err := c.dial(dest, (*clientEvents)(c))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", dest, err)
	}
	l.conn = conn

	c.mu.Lock()
	c.links[dest] = l
	c.conns[conn] = l
	c.mu.Unlock()
	c.logger.Info("connected", zap.String("dest", dest))
	return conn, nil
}

// Disconnect closes the connection to dest if one is open.
func (c *Client) Disconnect(dest string) {
	dest = callsign.Normalize(dest)
	c.mu.Lock()
	l := c.links[dest]
	delete(c.links, dest)
	c.mu.Unlock()
	if l != nil {
		_ = l.conn.Close()
	}
}

// Close tears down every open connection.
func (c *Client) Close() {
	c.mu.Lock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.links = make(map[string]*link)
	c.mu.Unlock()
	for _, l := range links {
		_ = l.conn.Close()
	}
}

// SendReceive performs one request/response turn with dest. Turns on
// the same destination are serialised; a context without a deadline
// gets DefaultTimeout.
func (c *Client) SendReceive(ctx context.Context, dest string, req *wire.Request) (*wire.Response, error) {
	dest = callsign.Normalize(dest)
	if _, err := c.Connect(dest); err != nil {
		return nil, err
	}
	c.mu.Lock()
	l := c.links[dest]
	c.mu.Unlock()
	if l == nil {
		return nil, transport.ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	l.turnMu.Lock()
	defer l.turnMu.Unlock()

	if c.compression != wire.CompressionNone {
		req.SetVar("c", int(c.compression))
	}
	frame, err := req.Pack(wire.CompressionNone)
	if err != nil {
		return nil, err
	}
	// Drain responses left over from an abandoned turn.
	for {
		select {
		case <-l.inbox:
			continue
		default:
		}
		break
	}
	if err := l.conn.Send(frame); err != nil {
		return nil, fmt.Errorf("client: send to %s: %w", dest, err)
	}

	for {
		select {
		case msg := <-l.inbox:
			resp, ok := msg.(*wire.Response)
			if !ok {
				// Server-bound request frames are noise on this side too.
				continue
			}
			c.record(dest, req, resp.Status)
			return resp, nil
		case <-ctx.Done():
			c.record(dest, req, 0)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// record appends the turn to the request log when one is configured.
func (c *Client) record(dest string, req *wire.Request, status int) {
	if c.reqLog == nil {
		return
	}
	if err := c.reqLog.Append(Entry{
		Time:   time.Now().UTC(),
		Dest:   dest,
		Method: req.Method.String(),
		Path:   req.Path,
		Status: status,
	}); err != nil {
		c.logger.Warn("request log append failed", zap.Error(err))
	}
}

// clientEvents adapts the Client to transport.Events without exporting
// the callback methods on Client itself.
type clientEvents Client

func (e *clientEvents) Connected(transport.Conn) {}

func (e *clientEvents) Disconnected(conn transport.Conn) {
	c := (*Client)(e)
	c.mu.Lock()
	l := c.conns[conn]
	delete(c.conns, conn)
	for dest, candidate := range c.links {
		if candidate == l {
			delete(c.links, dest)
			break
		}
	}
	c.mu.Unlock()
}

func (e *clientEvents) Receive(conn transport.Conn, p []byte) {
	c := (*Client)(e)
	c.mu.Lock()
	l := c.conns[conn]
	c.mu.Unlock()
	if l == nil {
		return
	}

	l.unpacker.Feed(p)
	for {
		msg, err := l.unpacker.Next()
		if err != nil {
			// Diagnostic byte strings from the server land here.
			c.logger.Debug("undecodable bytes from server", zap.Error(err))
			continue
		}
		if msg == nil {
			return
		}
		select {
		case l.inbox <- msg:
		default:
			c.logger.Warn("dropping unsolicited response, inbox full")
		}
	}
}

// expect unwraps a response with the given success status; anything
// else becomes a ServerError carrying the server's short message.
func expect(resp *wire.Response, statuses ...int) error {
	for _, s := range statuses {
		if resp.Status == s {
			return nil
		}
	}
	return &ServerError{Status: resp.Status, Message: wire.AsString(resp.Payload)}
}
