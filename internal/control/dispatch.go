package control

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// -------------------------------------------------------------------------
// Dispatch: per-connection readiness handling
// -------------------------------------------------------------------------

// Dispatch handles one readiness notification for the connection using
// fd: it flushes queued output when writable, reads when readable, and
// handles every complete frame in the input buffer. Transport errors and
// malformed headers close the connection; they are not returned.
func (p *Plane) Dispatch(fd int, revents int16) error {
	c := p.conns.ByFD(fd)
	if c == nil {
		return fmt.Errorf("dispatch fd %d: %w", fd, ErrUnknownConn)
	}

	if revents&unix.POLLOUT != 0 && c.out.Queued() > 0 {
		if _, err := c.out.Flush(c.fd, p.cfg.WriteBudget); err != nil {
			p.logger.Debug("control write failed", slog.Int("fd", c.fd), slog.String("error", err.Error()))
			p.closeConn(c)
			return nil
		}
		p.drained(c)
	}

	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return nil
	}

	if _, err := c.in.Fill(c.fd); err != nil {
		if !errors.Is(err, imsg.ErrClosed) {
			p.logger.Debug("control read failed", slog.Int("fd", c.fd), slog.String("error", err.Error()))
		}
		p.closeConn(c)
		return nil
	}

	for {
		f, ok, err := c.in.Next()
		if err != nil {
			p.logger.Warn("malformed control frame", slog.Int("fd", c.fd), slog.String("error", err.Error()))
			p.closeConn(c)
			return nil
		}
		if !ok {
			return nil
		}
		p.handle(c, f)
	}
}

// handle executes one request frame.
func (p *Plane) handle(c *Conn, f imsg.Frame) {
	p.metrics.FrameReceived(f.Type.String())

	t := f.Type
	if !Permitted(t, c.restricted) {
		p.logger.Debug("request denied",
			slog.String("type", t.String()),
			slog.Uint64("pid", uint64(f.PID)),
		)
		t = imsg.TypeNone
		p.result(c, imsg.ResultDenied)
	}

	switch t {
	case imsg.TypeNone:
		// Denied, or an explicit no-op.

	case imsg.TypeFIBCouple, imsg.TypeFIBDecouple:
		p.send(p.up.Parent, t, f.PeerID, 0, nil)

	case imsg.TypeShowTerse:
		p.showTerse(c)

	case imsg.TypeShowNeighbor:
		p.showNeighbor(c, f)

	case imsg.TypeNeighborUp, imsg.TypeNeighborDown, imsg.TypeNeighborClear,
		imsg.TypeNeighborRefresh, imsg.TypeNeighborDestroy:
		p.neighborCommand(c, f)

	case imsg.TypeReload, imsg.TypeShowInterface, imsg.TypeShowFIBTables, imsg.TypeShowRTR:
		p.conns.SetPID(c, f.PID)
		p.send(p.up.Parent, t, 0, f.PID, f.Data)

	case imsg.TypeKRoute, imsg.TypeKRouteAddr, imsg.TypeShowNexthop:
		p.conns.SetPID(c, f.PID)
		p.send(p.up.Parent, t, f.PeerID, f.PID, f.Data)

	case imsg.TypeShowRIB, imsg.TypeShowRIBPrefix:
		p.showRIB(c, f)

	case imsg.TypeShowNetwork, imsg.TypeShowFlowspec, imsg.TypeShowRIBMem, imsg.TypeShowSet:
		p.showStream(c, f)

	case imsg.TypeNetworkAdd, imsg.TypeNetworkASPath, imsg.TypeNetworkAttr,
		imsg.TypeNetworkRemove, imsg.TypeNetworkFlush, imsg.TypeNetworkDone,
		imsg.TypeFlowspecAdd, imsg.TypeFlowspecRemove, imsg.TypeFlowspecDone,
		imsg.TypeFlowspecFlush, imsg.TypeFilterSet:
		p.send(p.up.RIB, t, 0, 0, f.Data)

	case imsg.TypeLogVerbose:
		p.logVerbose(f)

	default:
		p.logger.Debug("ignoring control frame", slog.String("type", t.String()))
	}
}

// -------------------------------------------------------------------------
// Neighbor fan-out commands
// -------------------------------------------------------------------------

// neighborCommand applies an up/down/clear/refresh/destroy request to every
// matching neighbor and answers with one aggregate result: NOSUCHPEER when
// nothing matched, else the first neighbor-specific failure, else OK.
func (p *Plane) neighborCommand(c *Conn, f imsg.Frame) {
	filter, err := imsg.UnmarshalNeighborFilter(f.Data)
	if err != nil {
		p.logger.Warn("neighbor request dropped",
			slog.String("type", f.Type.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.conns.SetPID(c, f.PID)

	matched := false
	code := imsg.ResultOK
	p.peers.Ascend(func(pr *peer.Peer) bool {
		if !peer.Matches(pr, &filter) {
			return true
		}
		matched = true
		if rc := p.applyNeighbor(f.Type, pr, &filter); rc != imsg.ResultOK && code == imsg.ResultOK {
			code = rc
		}
		return true
	})

	if !matched {
		code = imsg.ResultNoSuchPeer
	}
	p.result(c, code)
}

// applyNeighbor performs the transition of one neighbor command on pr.
func (p *Plane) applyNeighbor(t imsg.Type, pr *peer.Peer, filter *imsg.NeighborFilter) imsg.Result {
	switch t {
	case imsg.TypeNeighborUp:
		p.up.Session.Start(pr)
		pr.Down = false
		pr.Reason = ""
		pr.IdleHoldTime = peer.IdleHoldInitial
		pr.ErrCount = 0

	case imsg.TypeNeighborDown:
		pr.Down = true
		pr.Reason = filter.Reason
		p.up.Session.Stop(pr, peer.CeaseAdminDown)

	case imsg.TypeNeighborClear:
		pr.Reason = filter.Reason
		pr.IdleHoldTime = peer.IdleHoldInitial
		pr.ErrCount = 0
		if pr.Down {
			p.up.Session.Stop(pr, peer.CeaseAdminDown)
			break
		}
		p.up.Session.Stop(pr, peer.CeaseAdminReset)
		pr.SetTimer(peer.TimerIdleHold, peer.ClearDelay, p.now())

	case imsg.TypeNeighborRefresh:
		if err := p.up.Session.RouteRefresh(pr); err != nil {
			p.logger.Debug("route refresh refused",
				slog.String("peer", pr.Addr.String()),
				slog.String("error", err.Error()),
			)
			return imsg.ResultNoCap
		}

	case imsg.TypeNeighborDestroy:
		switch {
		case !pr.Template:
			return imsg.ResultBadPeer
		case pr.State != peer.StateIdle:
			return imsg.ResultBadState
		default:
			pr.Reconf = peer.ReconfDelete
		}
	}
	return imsg.ResultOK
}

// -------------------------------------------------------------------------
// Show requests
// -------------------------------------------------------------------------

// showTerse answers with the record of every neighbor, then End.
func (p *Plane) showTerse(c *Conn) {
	p.peers.Ascend(func(pr *peer.Peer) bool {
		p.enqueue(c, imsg.Compose(imsg.TypeShowNeighbor, 0, 0, pr.Info().Marshal()))
		return true
	})
	p.enqueue(c, imsg.Compose(imsg.TypeEnd, 0, 0, nil))
}

// showNeighbor answers with the matched neighbors and their timers
// locally when timers are requested; otherwise the RIB engine supplies
// the counters and the plane relays the merged records. A payload that
// is not a filter selects every neighbor.
func (p *Plane) showNeighbor(c *Conn, f imsg.Frame) {
	p.conns.SetPID(c, f.PID)

	var filter *imsg.NeighborFilter
	if nf, err := imsg.UnmarshalNeighborFilter(f.Data); err == nil {
		filter = &nf
	}
	timers := filter != nil && filter.ShowTimers

	matched := false
	now := p.now()
	p.peers.Ascend(func(pr *peer.Peer) bool {
		if !peer.Matches(pr, filter) {
			return true
		}
		matched = true

		if !timers {
			p.send(p.up.RIB, imsg.TypeShowNeighbor, pr.ID, f.PID, nil)
			return true
		}
		p.enqueue(c, imsg.Compose(imsg.TypeShowNeighbor, 0, 0, pr.Info().Marshal()))
		for _, ti := range pr.RunningTimers(now) {
			p.enqueue(c, imsg.Compose(imsg.TypeShowTimer, 0, 0, ti.Marshal()))
		}
		return true
	})

	switch {
	case !matched:
		p.result(c, imsg.ResultNoSuchPeer)
	case timers:
		p.enqueue(c, imsg.Compose(imsg.TypeEnd, 0, 0, nil))
	default:
		p.send(p.up.RIB, imsg.TypeEnd, 0, f.PID, nil)
	}
}

// showRIB validates a RIB query and opens the stream on the RIB engine.
func (p *Plane) showRIB(c *Conn, f imsg.Frame) {
	req, err := imsg.UnmarshalRIBRequest(f.Data)
	if err != nil {
		p.logger.Warn("rib request dropped",
			slog.String("type", f.Type.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.conns.SetPID(c, f.PID)

	if !p.peers.Any(&req.Neighbor) {
		p.result(c, imsg.ResultNoSuchPeer)
		return
	}

	aid := req.AID
	if f.Type == imsg.TypeShowRIBPrefix {
		aid = req.PrefixAID()
	}
	if aid == imsg.AIDUnspec {
		p.result(c, imsg.ResultParseError)
		return
	}

	p.openStream(c, f)
}

// showStream opens a network, flowspec, memory or set stream. An embedded
// neighbor filter, when present, must match some neighbor.
func (p *Plane) showStream(c *Conn, f imsg.Frame) {
	p.conns.SetPID(c, f.PID)

	var filter *imsg.NeighborFilter
	switch len(f.Data) {
	case imsg.RIBRequestSize:
		if req, err := imsg.UnmarshalRIBRequest(f.Data); err == nil {
			filter = &req.Neighbor
		}
	case imsg.NeighborFilterSize:
		if nf, err := imsg.UnmarshalNeighborFilter(f.Data); err == nil {
			filter = &nf
		}
	}

	if p.peers.Empty() || (filter != nil && !p.peers.Any(filter)) {
		p.result(c, imsg.ResultNoSuchPeer)
		return
	}

	p.openStream(c, f)
}

// openStream forwards a streaming query to the RIB engine and records
// that the connection awaits its end marker.
func (p *Plane) openStream(c *Conn, f imsg.Frame) {
	c.terminate = true
	p.send(p.up.RIB, f.Type, 0, f.PID, f.Data)
}

// -------------------------------------------------------------------------
// Log verbosity
// -------------------------------------------------------------------------

// logVerbose forwards the verbosity to both engines and applies it to the
// daemon's own level: positive values enable debug logging, anything else
// restores the configured level.
func (p *Plane) logVerbose(f imsg.Frame) {
	v, err := imsg.UnmarshalLogVerbose(f.Data)
	if err != nil {
		p.logger.Warn("log verbose request dropped", slog.String("error", err.Error()))
		return
	}

	p.send(p.up.Parent, imsg.TypeLogVerbose, 0, f.PID, f.Data)
	p.send(p.up.RIB, imsg.TypeLogVerbose, 0, f.PID, f.Data)

	if v > 0 {
		p.level.Set(slog.LevelDebug)
	} else {
		p.level.Set(p.base.Level())
	}
	p.logger.Info("log verbosity changed", slog.Int("verbose", int(v)))
}

// -------------------------------------------------------------------------
// Output and flow control
// -------------------------------------------------------------------------

// send delivers a frame to an engine, logging delivery failures.
func (p *Plane) send(to Sender, t imsg.Type, peerID, pid uint32, data []byte) bool {
	if err := to.Compose(t, peerID, pid, data); err != nil {
		p.logger.Warn("upstream send failed",
			slog.String("type", t.String()),
			slog.Uint64("pid", uint64(pid)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// result queues a result frame for c.
func (p *Plane) result(c *Conn, code imsg.Result) {
	p.enqueue(c, imsg.ComposeResult(c.pid, code))
	p.metrics.ResultSent(code.String())
}

// enqueue appends f to the output of c and pauses the RIB engine for this
// connection once the queue crosses the high watermark.
func (p *Plane) enqueue(c *Conn, f imsg.Frame) {
	c.out.Push(f)

	if c.throttled || c.out.Queued() <= p.cfg.HighWatermark {
		return
	}
	if p.send(p.up.RIB, imsg.TypeXOFF, 0, c.pid, nil) {
		c.throttled = true
		p.metrics.Throttled(true)
	}
}

// drained resumes a paused connection once its queue falls below the low
// watermark.
func (p *Plane) drained(c *Conn) {
	if !c.throttled || c.out.Queued() >= p.cfg.LowWatermark {
		return
	}
	if p.send(p.up.RIB, imsg.TypeXON, 0, c.pid, nil) {
		c.throttled = false
		p.metrics.Throttled(false)
	}
}
