package peer

import (
	"fmt"
	"log/slog"
	"time"
)

// LocalFSM is an FSM that only records state on the neighbor. It is used
// when no session engine is attached and as the state layer of engines
// that drive a remote speaker.
type LocalFSM struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewLocalFSM creates a LocalFSM.
func NewLocalFSM(logger *slog.Logger) *LocalFSM {
	return &LocalFSM{
		now:    time.Now,
		logger: logger.With(slog.String("component", "peer.fsm")),
	}
}

// Start moves an idle neighbor to Connect.
func (f *LocalFSM) Start(p *Peer) {
	if p.State == StateIdle || p.State == StateNone {
		p.SetState(StateConnect, f.now())
	}
	f.logger.Info("neighbor start",
		slog.String("peer", p.Addr.String()),
		slog.String("state", p.State.String()),
	)
}

// Stop moves the neighbor to Idle.
func (f *LocalFSM) Stop(p *Peer, cause Cease) {
	p.SetState(StateIdle, f.now())
	f.logger.Info("neighbor stop",
		slog.String("peer", p.Addr.String()),
		slog.String("cause", cause.String()),
		slog.String("reason", p.Reason),
	)
}

// RouteRefresh fails when the neighbor lacks the route refresh capability.
func (f *LocalFSM) RouteRefresh(p *Peer) error {
	if !p.Capabilities.RouteRefresh {
		return fmt.Errorf("route refresh %s: %w", p.Addr, ErrNoCapability)
	}
	f.logger.Info("neighbor route refresh requested",
		slog.String("peer", p.Addr.String()),
	)
	return nil
}
