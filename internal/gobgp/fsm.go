package gobgp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/bgpctld/internal/peer"
)

// -------------------------------------------------------------------------
// FSM: session engine backed by GoBGP
// -------------------------------------------------------------------------

// FSM drives neighbor sessions on the GoBGP speaker. Every event first
// updates the neighbor record through a LocalFSM on the calling goroutine,
// then issues the matching API call in the background so the control loop
// never waits for the speaker.
type FSM struct {
	local   *peer.LocalFSM
	client  Client
	timeout time.Duration
	logger  *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewFSM creates a session engine issuing calls to client until ctx is
// cancelled.
func NewFSM(ctx context.Context, client Client, logger *slog.Logger) *FSM {
	return &FSM{
		local:   peer.NewLocalFSM(logger),
		client:  client,
		timeout: DefaultRequestTimeout,
		logger:  logger.With(slog.String("component", "gobgp.fsm")),
		ctx:     ctx,
	}
}

// Start enables the neighbor on the speaker.
func (f *FSM) Start(p *peer.Peer) {
	f.local.Start(p)
	addr := p.Addr
	f.async("enable", addr, func(ctx context.Context) error {
		return f.client.EnablePeer(ctx, addr)
	})
}

// Stop disables the neighbor for an administrative shutdown and resets
// its session otherwise.
func (f *FSM) Stop(p *peer.Peer, cause peer.Cease) {
	f.local.Stop(p, cause)
	addr := p.Addr
	communication := FormatCommunication(cause, p.Reason)

	if cause == peer.CeaseAdminDown {
		f.async("disable", addr, func(ctx context.Context) error {
			return f.client.DisablePeer(ctx, addr, communication)
		})
		return
	}
	f.async("reset", addr, func(ctx context.Context) error {
		return f.client.ResetPeer(ctx, addr, communication, false)
	})
}

// RouteRefresh requests a soft inbound reset. It fails immediately when
// the neighbor did not negotiate route refresh.
func (f *FSM) RouteRefresh(p *peer.Peer) error {
	if err := f.local.RouteRefresh(p); err != nil {
		return err
	}
	addr := p.Addr
	f.async("soft reset", addr, func(ctx context.Context) error {
		return f.client.ResetPeer(ctx, addr, "", true)
	})
	return nil
}

// Remove deletes a destroyed neighbor from the speaker.
func (f *FSM) Remove(p *peer.Peer) {
	addr := p.Addr
	f.async("delete", addr, func(ctx context.Context) error {
		return f.client.DeletePeer(ctx, addr)
	})
}

// Wait blocks until every issued call has returned.
func (f *FSM) Wait() {
	f.wg.Wait()
}

func (f *FSM) async(op string, addr netip.Addr, fn func(ctx context.Context) error) {
	if f.ctx.Err() != nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			f.logger.Warn("neighbor "+op+" failed",
				slog.String("peer", addr.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		f.logger.Debug("neighbor "+op+" sent", slog.String("peer", addr.String()))
	}()
}

// -------------------------------------------------------------------------
// Provisioning
// -------------------------------------------------------------------------

// Provision adds every neighbor of set to the speaker and copies the
// speaker's view of each back into the set. It runs before the control
// loop starts; failures are logged per neighbor and counted.
func Provision(ctx context.Context, client Client, set *peer.Set, logger *slog.Logger) int {
	logger = logger.With(slog.String("component", "gobgp.provision"))
	failed := 0

	set.Ascend(func(p *peer.Peer) bool {
		err := client.AddPeer(ctx, PeerConfig{
			Addr:     p.Addr,
			RemoteAS: p.RemoteAS,
			Descr:    p.Descr,
			Group:    p.Group,
		})
		if err != nil {
			failed++
			logger.Warn("neighbor provisioning failed",
				slog.String("peer", p.Addr.String()),
				slog.String("error", err.Error()),
			)
			return true
		}

		status, err := client.PeerStatus(ctx, p.Addr)
		if err != nil {
			logger.Warn("neighbor status unavailable",
				slog.String("peer", p.Addr.String()),
				slog.String("error", err.Error()),
			)
			return true
		}
		ApplyStatus(p, status, time.Now())
		return true
	})

	if failed > 0 {
		logger.Warn("neighbors not provisioned", slog.Int("count", failed))
	}
	return failed
}

// ApplyStatus copies the speaker's view of a neighbor into p.
func ApplyStatus(p *peer.Peer, s PeerStatus, now time.Time) {
	if s.State != peer.StateNone {
		p.SetState(s.State, now)
	}
	p.Down = s.AdminDown
	p.Capabilities.RouteRefresh = s.RouteRefresh
	p.MergeStats(s.Stats)
}
