// Package control implements the administrative control plane of the
// daemon: it accepts local connections on one or two unix sockets, decodes
// framed requests, applies the per-connection authorization gate, routes
// requests to the session engine, the RIB engine or the parent, and relays
// the asynchronous replies back under per-connection flow control.
//
// Everything in this package runs on one goroutine. Engines answer through
// a ReplySource whose descriptor joins the poll set, so connection and
// neighbor state is only ever touched from the loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// Default flow control and scheduling parameters.
const (
	DefaultHighWatermark = 256 * 1024
	DefaultLowWatermark  = 128 * 1024
	DefaultWriteBudget   = 64 * 1024
	DefaultAcceptBackoff = time.Second

	// pollInterval bounds how long one Poll call may sleep, so Run notices
	// context cancellation.
	pollInterval = 500 * time.Millisecond
)

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Config holds the process-wide control plane parameters.
type Config struct {
	// HighWatermark is the queued byte count above which the RIB engine is
	// told to pause output for a connection.
	HighWatermark int

	// LowWatermark is the queued byte count below which a paused
	// connection is resumed.
	LowWatermark int

	// WriteBudget caps the bytes written to one client per writable event.
	// Zero or negative means unbounded.
	WriteBudget int

	// AcceptBackoff is the longest accept stays suspended after descriptor
	// exhaustion when no connection closes in the meantime.
	AcceptBackoff time.Duration
}

// DefaultConfig returns the default parameters.
func DefaultConfig() Config {
	return Config{
		HighWatermark: DefaultHighWatermark,
		LowWatermark:  DefaultLowWatermark,
		WriteBudget:   DefaultWriteBudget,
		AcceptBackoff: DefaultAcceptBackoff,
	}
}

// Validate checks the watermarks keep hysteresis.
func (c Config) Validate() error {
	if c.LowWatermark <= 0 || c.HighWatermark <= c.LowWatermark {
		return fmt.Errorf("high %d low %d: %w", c.HighWatermark, c.LowWatermark, ErrInvalidWatermarks)
	}
	return nil
}

// -------------------------------------------------------------------------
// Plane
// -------------------------------------------------------------------------

// Plane is the control plane context: the connection table, the
// listeners, the accept suspension state and the log level the
// LogVerbose request mutates.
type Plane struct {
	cfg   Config
	peers *peer.Set
	up    Upstream

	conns     *Table
	listeners []*Listener
	replies   ReplySource

	// pauseAccept is set on descriptor exhaustion and cleared by any
	// connection close or after cfg.AcceptBackoff.
	pauseAccept time.Time

	level *slog.LevelVar
	base  slog.LevelVar

	pfds []unix.PollFd

	now     func() time.Time
	removed func(*peer.Peer)
	metrics MetricsReporter
	logger  *slog.Logger
}

// Option configures optional Plane parameters.
type Option func(*Plane)

// WithMetrics sets the metrics reporter. Nil is ignored.
func WithMetrics(mr MetricsReporter) Option {
	return func(p *Plane) {
		if mr != nil {
			p.metrics = mr
		}
	}
}

// WithLogLevel sets the level LogVerbose requests change. Its level at
// construction becomes the level restored by a non-verbose request.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(p *Plane) {
		if lv != nil {
			p.level = lv
		}
	}
}

// WithReplies attaches the source of asynchronous engine replies.
func WithReplies(rs ReplySource) Option {
	return func(p *Plane) {
		p.replies = rs
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Plane) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPeerRemoved sets a hook called on the control loop for every
// neighbor removed by a destroy request.
func WithPeerRemoved(fn func(*peer.Peer)) Option {
	return func(p *Plane) {
		p.removed = fn
	}
}

// NewPlane creates a control plane serving peers through up.
func NewPlane(cfg Config, peers *peer.Set, up Upstream, logger *slog.Logger, opts ...Option) (*Plane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new control plane: %w", err)
	}
	if peers == nil || up.Session == nil || up.RIB == nil || up.Parent == nil {
		return nil, fmt.Errorf("new control plane: %w", ErrNoUpstream)
	}

	p := &Plane{
		cfg:     cfg,
		peers:   peers,
		up:      up,
		conns:   NewTable(),
		level:   new(slog.LevelVar),
		now:     time.Now,
		metrics: noopMetrics{},
		logger:  logger.With(slog.String("component", "control.plane")),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.base.Set(p.level.Level())
	return p, nil
}

// AddListener hands a listening socket to the plane. The plane closes it
// on Close.
func (p *Plane) AddListener(l *Listener) {
	p.listeners = append(p.listeners, l)
	p.logger.Info("control socket listening",
		slog.String("path", l.Path()),
		slog.Bool("restricted", l.Restricted()),
	)
}

// SetBaseLevel changes the level restored by a non-verbose LogVerbose
// request and applies it immediately. Safe to call from any goroutine.
func (p *Plane) SetBaseLevel(l slog.Level) {
	p.base.Set(l)
	p.level.Set(l)
}

// Attach registers an already connected non-blocking socket as a client
// connection of the given class.
func (p *Plane) Attach(fd int, restricted bool) {
	p.conns.Add(fd, restricted)
	p.metrics.ConnectionOpened(restricted)
}

// ConnState returns a snapshot of the connection using fd.
func (p *Plane) ConnState(fd int) (ConnState, bool) {
	c := p.conns.ByFD(fd)
	if c == nil {
		return ConnState{}, false
	}
	return c.state(), true
}

// Connections returns the number of live client connections.
func (p *Plane) Connections() int {
	return p.conns.Len()
}

// AcceptPaused reports whether accept is suspended after descriptor
// exhaustion.
func (p *Plane) AcceptPaused() bool {
	return !p.acceptAllowed()
}

// -------------------------------------------------------------------------
// Event loop
// -------------------------------------------------------------------------

// Run polls until ctx is cancelled, then closes every connection and
// listener.
func (p *Plane) Run(ctx context.Context) error {
	defer p.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.Poll(pollInterval); err != nil {
			return fmt.Errorf("control loop: %w", err)
		}
	}
}

// Poll waits up to timeout for readiness on the listeners, the reply
// source and every connection, handles what is ready, and then collects
// neighbors marked for deletion.
func (p *Plane) Poll(timeout time.Duration) error {
	accepting := p.acceptAllowed()

	p.pfds = p.pfds[:0]
	if accepting {
		for _, l := range p.listeners {
			p.pfds = append(p.pfds, pollIn(l.fd))
		}
	}
	nl := len(p.pfds)

	replyIdx := -1
	if p.replies != nil {
		replyIdx = len(p.pfds)
		p.pfds = append(p.pfds, pollIn(p.replies.Fd()))
	}

	connStart := len(p.pfds)
	p.pfds = p.conns.FillPoll(p.pfds)

	if !accepting {
		left := p.cfg.AcceptBackoff - p.now().Sub(p.pauseAccept)
		timeout = max(min(timeout, left), 0)
	}

	n, err := unix.Poll(p.pfds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	if n > 0 {
		for i := range nl {
			if p.pfds[i].Revents != 0 {
				p.accept(p.listeners[i])
			}
		}

		if replyIdx >= 0 && p.pfds[replyIdx].Revents != 0 {
			p.replies.Drain(p.relayReply)
		}

		for _, pfd := range p.pfds[connStart:] {
			if pfd.Revents == 0 {
				continue
			}
			if err := p.Dispatch(int(pfd.Fd), pfd.Revents); err != nil {
				p.logger.Debug("dispatch", slog.String("error", err.Error()))
			}
		}
	}

	p.collect()
	return nil
}

// Close closes every client connection and listener and removes the
// socket files.
func (p *Plane) Close() {
	p.conns.Each(p.closeConn)

	for _, l := range p.listeners {
		if err := l.Close(); err != nil {
			p.logger.Warn("close control socket",
				slog.String("path", l.Path()),
				slog.String("error", err.Error()),
			)
		}
	}
	p.listeners = nil
}

func pollIn(fd int) unix.PollFd {
	return unix.PollFd{
		Fd:     int32(fd), //nolint:gosec // File descriptors fit in int32.
		Events: unix.POLLIN,
	}
}

// relayReply resolves the neighbor a reply refers to and relays it.
func (p *Plane) relayReply(f imsg.Frame) {
	if err := p.Relay(f, p.peers.ByID(f.PeerID)); err != nil {
		p.logger.Warn("relay failed",
			slog.String("type", f.Type.String()),
			slog.Uint64("peer_id", uint64(f.PeerID)),
			slog.String("error", err.Error()),
		)
	}
}

// collect removes neighbors a destroy request marked for deletion.
func (p *Plane) collect() {
	for _, pr := range p.peers.Collect() {
		p.logger.Info("neighbor removed",
			slog.String("peer", pr.Addr.String()),
			slog.Uint64("peer_id", uint64(pr.ID)),
		)
		if p.removed != nil {
			p.removed(pr)
		}
	}
}

// -------------------------------------------------------------------------
// Accept
// -------------------------------------------------------------------------

func (p *Plane) acceptAllowed() bool {
	if p.pauseAccept.IsZero() {
		return true
	}
	if p.now().Sub(p.pauseAccept) >= p.cfg.AcceptBackoff {
		p.pauseAccept = time.Time{}
		return true
	}
	return false
}

// accept takes one pending connection from l. Descriptor exhaustion
// suspends accepting on every listener.
func (p *Plane) accept(l *Listener) {
	fd, err := l.accept()
	switch {
	case err == nil:
	case exhaustedErr(err):
		p.pauseAccept = p.now()
		p.metrics.AcceptPaused()
		p.logger.Warn("accept suspended",
			slog.String("path", l.Path()),
			slog.String("error", err.Error()),
		)
		return
	case transientAcceptErr(err):
		return
	default:
		p.logger.Warn("accept failed",
			slog.String("path", l.Path()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.Attach(fd, l.Restricted())
	p.logger.Debug("control connection accepted",
		slog.Int("fd", fd),
		slog.Bool("restricted", l.Restricted()),
	)
}

// closeConn tears a connection down. Queued output is discarded; an open
// streaming request is abandoned upstream.
func (p *Plane) closeConn(c *Conn) {
	if c.terminate && c.pid != 0 {
		p.send(p.up.RIB, imsg.TypeTerminate, 0, c.pid, nil)
		p.metrics.TerminationSent()
	}

	c.out.Clear()
	p.conns.Remove(c)
	if err := unix.Close(c.fd); err != nil {
		p.logger.Debug("close connection", slog.Int("fd", c.fd), slog.String("error", err.Error()))
	}
	p.pauseAccept = time.Time{}
	p.metrics.ConnectionClosed(c.restricted)
}
