package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The directory transport turns a shared filesystem into a point-to-point
// stream. A connection is a subdirectory named SRC--DST; each side writes
// its outbound frames to <own-callsign>.msg through a .tmp + atomic rename,
// and polls for <peer-callsign>.msg, consuming it by delete. Removing the
// subdirectory ends the connection for both sides.
//
// It exists for test harnesses and radio-less operation, but it is a full
// transport: the protocol layer runs over it unchanged.

// dirPollInterval is how often each side looks for inbound frames and
// checks that the connection directory still exists.
const dirPollInterval = 500 * time.Millisecond

// dirSeparator joins the two callsigns in a connection directory name.
const dirSeparator = "--"

// msgSuffix is the extension of a frame file awaiting consumption.
const msgSuffix = ".msg"

// DirectoryConn is one end of a directory-rendezvous connection.
type DirectoryConn struct {
	base
	events Events

	dir      string
	ownPath  string
	peerPath string

	// writeMu guards the read-append-rename cycle on the own .msg file.
	writeMu sync.Mutex

	done chan struct{}
	once sync.Once
}

// DialDirectory opens a client-side connection to remote under root,
// creating the SRC--DST subdirectory. The returned connection is CONNECTED
// and its poll loop is running; Connected has fired on events.
func DialDirectory(root, local, remote string, events Events, mtu int) (*DirectoryConn, error) {
	dir := filepath.Join(root, local+dirSeparator+remote)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transport: create connection dir: %w", err)
	}
	return newDirectoryConn(dir, local, remote, events, mtu), nil
}

// newDirectoryConn wires a connection over an existing directory and starts
// its poll loop. Used by DialDirectory and by the listener for inbound
// directories.
func newDirectoryConn(dir, local, remote string, events Events, mtu int) *DirectoryConn {
	if events == nil {
		events = NopEvents{}
	}
	c := &DirectoryConn{
		base:     newBase(local, remote, mtu),
		events:   events,
		dir:      dir,
		ownPath:  filepath.Join(dir, local+msgSuffix),
		peerPath: filepath.Join(dir, remote+msgSuffix),
		done:     make(chan struct{}),
	}
	c.setState(StateConnected)
	go c.poll()
	events.Connected(c)
	return c
}

// Send implements Conn. Each chunk is appended to the own-side .msg file
// through a temp file and an atomic rename, so the peer only ever observes
// whole writes.
func (c *DirectoryConn) Send(p []byte) error {
	return c.sendChunked(p, c.appendFrame)
}

// appendFrame merges chunk with any bytes the peer has not yet consumed and
// replaces the .msg file atomically.
func (c *DirectoryConn) appendFrame(chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending, err := os.ReadFile(c.ownPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: read pending frames: %w", err)
	}

	tmp := c.ownPath + ".tmp"
	if err := os.WriteFile(tmp, append(pending, chunk...), 0o644); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	if err := os.Rename(tmp, c.ownPath); err != nil {
		return fmt.Errorf("transport: publish frame: %w", err)
	}
	return nil
}

// Close implements Conn. It removes the connection directory, which the
// peer's poll loop observes as a disconnect.
func (c *DirectoryConn) Close() error {
	if c.compareAndSetState(StateConnected, StateDisconnecting) {
		_ = os.RemoveAll(c.dir)
	}
	c.shutdown()
	return nil
}

func (c *DirectoryConn) shutdown() {
	c.once.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		c.events.Disconnected(c)
	})
}

// poll drives the receive side: every tick it consumes the peer's frame
// file if present and checks that the connection directory still exists.
func (c *DirectoryConn) poll() {
	ticker := time.NewTicker(dirPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := os.Stat(c.dir); err != nil {
				// Directory gone: the peer hung up.
				c.shutdown()
				return
			}
			c.consume()
		}
	}
}

// consume reads and deletes the peer's frame file, delivering its bytes in
// one Receive call.
func (c *DirectoryConn) consume() {
	data, err := os.ReadFile(c.peerPath)
	if err != nil {
		// Nothing pending, or the peer is mid-rename; next tick catches it.
		return
	}
	if err := os.Remove(c.peerPath); err != nil {
		return
	}
	if len(data) > 0 {
		c.events.Receive(c, data)
	}
}

// -----------------------------------------------------------------------------
// Listener ("bouncer")
// -----------------------------------------------------------------------------

// DirectoryListener watches a parent directory for new connection
// subdirectories addressed to the local callsign and hands each one to the
// server's Events as a live connection. One listener serves all inbound
// directory connections of a server.
type DirectoryListener struct {
	root   string
	local  string
	events Events
	mtu    int
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*DirectoryConn // dir name -> connection
}

// NewDirectoryListener builds a listener over root for the given local
// callsign. Run must be called to start scanning.
func NewDirectoryListener(root, local string, events Events, mtu int, logger *zap.Logger) *DirectoryListener {
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryListener{
		root:   root,
		local:  local,
		events: events,
		mtu:    mtu,
		logger: logger.Named("dirlink"),
		conns:  make(map[string]*DirectoryConn),
	}
}

// Run scans the root directory every 500ms until ctx is cancelled, creating
// connections for new subdirectories and dropping ones whose directory has
// disappeared. It closes all live connections on the way out.
func (l *DirectoryListener) Run(ctx context.Context) {
	l.logger.Info("directory listener started",
		zap.String("root", l.root),
		zap.String("callsign", l.local),
	)

	ticker := time.NewTicker(dirPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			conns := make([]*DirectoryConn, 0, len(l.conns))
			for _, c := range l.conns {
				conns = append(conns, c)
			}
			l.conns = make(map[string]*DirectoryConn)
			l.mu.Unlock()
			for _, c := range conns {
				_ = c.Close()
			}
			l.logger.Info("directory listener stopped")
			return
		case <-ticker.C:
			l.scan()
		}
	}
}

// scan reconciles the tracked connection set against the subdirectories
// currently present under root.
func (l *DirectoryListener) scan() {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		l.logger.Warn("scan connection root", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		remote, ok := l.parseDirName(name)
		if !ok {
			continue
		}
		seen[name] = true

		l.mu.Lock()
		_, tracked := l.conns[name]
		l.mu.Unlock()
		if tracked {
			continue
		}

		c := newDirectoryConn(filepath.Join(l.root, name), l.local, remote, l.events, l.mtu)
		l.mu.Lock()
		l.conns[name] = c
		l.mu.Unlock()
		l.logger.Info("inbound directory connection",
			zap.String("remote", remote),
			zap.String("dir", name),
		)
	}

	// Forget connections whose directory vanished; their own poll loop has
	// already fired Disconnected.
	l.mu.Lock()
	for name, c := range l.conns {
		if !seen[name] || c.State() == StateDisconnected {
			delete(l.conns, name)
		}
	}
	l.mu.Unlock()
}

// parseDirName extracts the remote callsign from a SRC--DST directory name
// addressed to the local callsign.
func (l *DirectoryListener) parseDirName(name string) (string, bool) {
	parts := strings.SplitN(name, dirSeparator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	if !strings.EqualFold(parts[1], l.local) {
		return "", false
	}
	return strings.ToUpper(parts[0]), true
}
