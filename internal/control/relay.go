package control

import (
	"fmt"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// Relay forwards an engine reply to the connection that owns its pid.
// Replies for a pid without a connection are dropped silently.
//
// A ShowNeighbor reply carries only the RIB engine's counters for pr: they
// are merged into the neighbor and the whole neighbor record is sent to
// the client. End and Result frames close the connection's open stream.
func (p *Plane) Relay(f imsg.Frame, pr *peer.Peer) error {
	c := p.conns.ByPID(f.PID)
	if c == nil {
		return nil
	}
	p.metrics.Relayed(f.Type.String())

	if f.Type == imsg.TypeShowNeighbor {
		if len(f.Data) > imsg.PeerStatsSize {
			return fmt.Errorf("relay stats for peer %d: %d bytes: %w", f.PeerID, len(f.Data), ErrBadStatsLength)
		}
		if pr == nil {
			return fmt.Errorf("relay stats for peer %d: %w", f.PeerID, ErrNoSuchPeer)
		}

		buf := make([]byte, imsg.PeerStatsSize)
		copy(buf, f.Data)
		stats, err := imsg.UnmarshalPeerStats(buf)
		if err != nil {
			return fmt.Errorf("relay stats for peer %d: %w", f.PeerID, err)
		}
		pr.MergeStats(stats)

		p.enqueue(c, imsg.Compose(imsg.TypeShowNeighbor, 0, f.PID, pr.Info().Marshal()))
		return nil
	}

	if f.Type == imsg.TypeEnd || f.Type == imsg.TypeResult {
		c.terminate = false
	}

	p.enqueue(c, imsg.Compose(f.Type, 0, f.PID, f.Data))
	return nil
}
