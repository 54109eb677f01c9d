// Package dispatch is the radio-side front end: it implements the
// transport event interface, admits connections by callsign, decodes the
// wire stream per connection, and routes requests into the domain
// service. One Server handles any number of connections across any mix of
// transports.
package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/metrics"
	"github.com/packetserver-io/packetserver/transport"
	"github.com/packetserver-io/packetserver/wire"
)

// badRequestDiag is written to the link when inbound bytes cannot be
// parsed. Plain ASCII so a human watching a TNC console can read it.
var badRequestDiag = []byte("BAD REQUEST. COULD NOT PARSE INCOMING DATA AS PACKETSERVER MESSAGE")

const (
	// closeGrace is how long a blacklisted connection gets to reach
	// CONNECTED before the close is forced.
	closeGrace = 5 * time.Second

	// quickWait bounds the synchronous wait of a quick-mode job request.
	quickWait = 30 * time.Second

	// requestTimeout bounds a single handler invocation. Generous enough
	// for the quick wait plus store time.
	requestTimeout = 60 * time.Second
)

// QueueArmer is the slice of the job worker the dispatcher pokes on every
// decoded request.
type QueueArmer interface {
	RequestSeen(quick bool)
}

// RunnerPool is the slice of the orchestrator the root handler consults
// for the accepts_jobs field.
type RunnerPool interface {
	Up(ctx context.Context) bool
}

// connState is the per-connection dispatch state. Receive callbacks for
// one connection are serialised by the transport, so no lock guards the
// unpacker or the closing flag.
type connState struct {
	unpacker wire.Unpacker
	caller   string
	closing  bool
}

// Server routes wire requests from any transport into the domain service.
type Server struct {
	svc    *bbs.Service
	armer  QueueArmer
	pool   RunnerPool
	logger *zap.Logger

	mu    sync.Mutex
	conns map[transport.Conn]*connState
}

// NewServer builds a dispatcher. armer and pool may be nil when the job
// subsystem is not running.
func NewServer(svc *bbs.Service, armer QueueArmer, pool RunnerPool, logger *zap.Logger) *Server {
	return &Server{
		svc:    svc,
		armer:  armer,
		pool:   pool,
		logger: logger.Named("dispatch"),
		conns:  make(map[transport.Conn]*connState),
	}
}

// Connected implements transport.Events: admit the remote callsign,
// creating the account on first contact, or schedule a polite close when
// it is blacklisted.
func (s *Server) Connected(c transport.Conn) {
	st := &connState{caller: c.RemoteCallsign()}
	s.mu.Lock()
	s.conns[c] = st
	s.mu.Unlock()
	metrics.ActiveConnections.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blacklisted, err := s.svc.Admit(ctx, st.caller)
	if err != nil {
		s.logger.Error("admission failed", zap.String("remote", st.caller), zap.Error(err))
		st.closing = true
		go s.politeClose(c)
		return
	}
	if blacklisted {
		s.logger.Info("blacklisted connection", zap.String("remote", st.caller))
		st.closing = true
		go s.politeClose(c)
		return
	}
	s.logger.Info("connection admitted",
		zap.String("remote", st.caller), zap.String("local", c.LocalCallsign()))
}

// politeClose waits for the connection to settle into CONNECTED before
// closing, then forces the close once the grace window runs out.
func (s *Server) politeClose(c transport.Conn) {
	deadline := time.Now().Add(closeGrace)
	for time.Now().Before(deadline) {
		if c.State() == transport.StateConnected {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := c.Close(); err != nil {
		s.logger.Debug("close failed", zap.String("remote", c.RemoteCallsign()), zap.Error(err))
	}
}

// Disconnected implements transport.Events.
func (s *Server) Disconnected(c transport.Conn) {
	s.mu.Lock()
	_, known := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if known {
		metrics.ActiveConnections.Dec()
		s.logger.Info("connection closed", zap.String("remote", c.RemoteCallsign()))
	}
}

// Receive implements transport.Events: feed the stream decoder and handle
// every complete request.
func (s *Server) Receive(c transport.Conn, p []byte) {
	s.mu.Lock()
	st := s.conns[c]
	s.mu.Unlock()
	if st == nil {
		return
	}

	st.unpacker.Feed(p)
	for {
		msg, err := st.unpacker.Next()
		if err != nil {
			s.logger.Warn("bad inbound frame", zap.String("remote", st.caller), zap.Error(err))
			metrics.BadFrames.Inc()
			if !st.closing {
				if err := c.Send(badRequestDiag); err != nil {
					return
				}
			}
			continue
		}
		if msg == nil {
			return
		}

		req, ok := msg.(*wire.Request)
		if !ok {
			// A response frame on a server-bound stream is noise.
			s.logger.Debug("ignoring response frame", zap.String("remote", st.caller))
			continue
		}

		if s.armer != nil {
			s.armer.RequestSeen(req.BoolVar("quick"))
		}
		s.serve(c, st, req)
	}
}

// serve runs one request through its handler and writes the response,
// honouring the connection's compression preference and dropping the
// response silently when the connection is closing.
func (s *Server) serve(c transport.Conn, st *connState, req *wire.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp := s.route(ctx, st.caller, req)
	metrics.RequestsTotal.WithLabelValues(req.Root(), strconv.Itoa(resp.Status)).Inc()
	s.logger.Debug("request handled",
		zap.String("remote", st.caller),
		zap.String("method", req.Method.String()),
		zap.String("path", req.Path),
		zap.Int("status", resp.Status))

	if st.closing {
		return
	}

	frame, err := resp.Pack(negotiatedCompression(req))
	if err != nil {
		s.logger.Error("response pack failed", zap.String("remote", st.caller), zap.Error(err))
		return
	}
	if err := c.Send(frame); err != nil {
		s.logger.Debug("response send failed", zap.String("remote", st.caller), zap.Error(err))
	}
}

// negotiatedCompression reads the request's c var. Unknown values fall
// back to none rather than failing the reply.
func negotiatedCompression(req *wire.Request) wire.Compression {
	n := req.IntVar("c", int(wire.CompressionNone))
	if n < int(wire.CompressionNone) || n > int(wire.CompressionDeflate) {
		return wire.CompressionNone
	}
	return wire.Compression(n)
}
