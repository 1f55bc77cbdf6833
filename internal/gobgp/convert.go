package gobgp

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// -------------------------------------------------------------------------
// Families
// -------------------------------------------------------------------------

func familyOf(aid imsg.AID) (*apipb.Family, error) {
	switch aid {
	case imsg.AIDInet:
		return &apipb.Family{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_UNICAST}, nil
	case imsg.AIDInet6:
		return &apipb.Family{Afi: apipb.Family_AFI_IP6, Safi: apipb.Family_SAFI_UNICAST}, nil
	default:
		return nil, fmt.Errorf("family %s: %w", aid, ErrUnsupportedFamily)
	}
}

// -------------------------------------------------------------------------
// Peers
// -------------------------------------------------------------------------

// sessionStates maps GoBGP session states onto neighbor states.
//
//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var sessionStates = map[apipb.PeerState_SessionState]peer.State{
	apipb.PeerState_IDLE:        peer.StateIdle,
	apipb.PeerState_CONNECT:     peer.StateConnect,
	apipb.PeerState_ACTIVE:      peer.StateActive,
	apipb.PeerState_OPENSENT:    peer.StateOpenSent,
	apipb.PeerState_OPENCONFIRM: peer.StateOpenConfirm,
	apipb.PeerState_ESTABLISHED: peer.StateEstablished,
}

// StatusFromPeer converts a GoBGP neighbor into the counters and state the
// control plane reports.
func StatusFromPeer(p *apipb.Peer) PeerStatus {
	st := p.GetState()
	rcvd := st.GetMessages().GetReceived()
	sent := st.GetMessages().GetSent()

	status := PeerStatus{
		State:     sessionStates[st.GetSessionState()],
		AdminDown: st.GetAdminState() == apipb.PeerState_DOWN,
		Stats: imsg.PeerStats{
			PrefixRcvdUpdate:   rcvd.GetUpdate(),
			PrefixRcvdWithdraw: rcvd.GetWithdrawPrefix(),
			PrefixSentUpdate:   sent.GetUpdate(),
			PrefixSentWithdraw: sent.GetWithdrawPrefix(),
			PendingUpdate:      uint64(st.GetQueues().GetOutput()),
		},
	}

	for _, af := range p.GetAfiSafis() {
		s := af.GetState()
		status.Stats.PrefixCount += s.GetAccepted()
		status.Stats.PrefixOutCount += s.GetAdvertised()
	}

	for _, c := range st.GetRemoteCap() {
		if c.MessageIs(&apipb.RouteRefreshCapability{}) {
			status.RouteRefresh = true
		}
	}

	return status
}

// -------------------------------------------------------------------------
// Paths
// -------------------------------------------------------------------------

// selects applies the neighbor, best and origin filters to one path.
func (q PathQuery) selects(p *apipb.Path) bool {
	if q.BestOnly && !p.GetBest() {
		return false
	}

	from, _ := netip.ParseAddr(p.GetNeighborIp())
	local := !from.IsValid() || from.IsUnspecified()
	if q.LocalOnly && !local {
		return false
	}
	if q.Neighbor.IsValid() && from != q.Neighbor {
		return false
	}
	return true
}

// EntryFromPath converts one GoBGP path of destination prefix into a RIB
// entry. now dates the path age.
func EntryFromPath(prefix string, p *apipb.Path, now time.Time) (imsg.RIBEntry, error) {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return imsg.RIBEntry{}, fmt.Errorf("path prefix %q: %w", prefix, err)
	}

	entry := imsg.RIBEntry{
		Prefix: pfx,
		Best:   p.GetBest(),
	}
	if from, err := netip.ParseAddr(p.GetNeighborIp()); err == nil {
		entry.Neighbor = from
	}
	if age := p.GetAge(); age != nil {
		entry.Age = max(now.Sub(age.AsTime()), 0)
	}

	for _, a := range p.GetPattrs() {
		if err := applyAttr(&entry, a); err != nil {
			return imsg.RIBEntry{}, fmt.Errorf("path %s: %w", prefix, err)
		}
	}
	return entry, nil
}

// applyAttr copies the next hop and AS path out of one path attribute.
func applyAttr(entry *imsg.RIBEntry, a *anypb.Any) error {
	switch {
	case a.MessageIs(&apipb.NextHopAttribute{}):
		var nh apipb.NextHopAttribute
		if err := a.UnmarshalTo(&nh); err != nil {
			return fmt.Errorf("next hop attribute: %w", err)
		}
		if addr, err := netip.ParseAddr(nh.GetNextHop()); err == nil {
			entry.Nexthop = addr
		}

	case a.MessageIs(&apipb.MpReachNLRIAttribute{}):
		var mp apipb.MpReachNLRIAttribute
		if err := a.UnmarshalTo(&mp); err != nil {
			return fmt.Errorf("mp reach attribute: %w", err)
		}
		if hops := mp.GetNextHops(); len(hops) > 0 {
			if addr, err := netip.ParseAddr(hops[0]); err == nil {
				entry.Nexthop = addr
			}
		}

	case a.MessageIs(&apipb.AsPathAttribute{}):
		var asp apipb.AsPathAttribute
		if err := a.UnmarshalTo(&asp); err != nil {
			return fmt.Errorf("as path attribute: %w", err)
		}
		entry.ASPath = formatASPath(&asp)
	}
	return nil
}

// formatASPath renders the AS numbers of every segment, space separated,
// cut to what a RIB entry can carry.
func formatASPath(asp *apipb.AsPathAttribute) string {
	var b strings.Builder
	for _, seg := range asp.GetSegments() {
		for _, n := range seg.GetNumbers() {
			s := strconv.FormatUint(uint64(n), 10)
			if b.Len()+len(s)+1 >= imsg.ASPathLen {
				return b.String()
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// originIGP is the ORIGIN value of locally originated networks.
const originIGP = 0

// PathFromNetwork builds the GoBGP path that originates n. IPv6 next hops
// travel in MP_REACH_NLRI.
func PathFromNetwork(n imsg.Network) (*apipb.Path, error) {
	if !n.Prefix.IsValid() {
		return nil, fmt.Errorf("network prefix: %w", ErrUnsupportedFamily)
	}
	aid := imsg.AIDOf(n.Prefix.Addr())
	family, err := familyOf(aid)
	if err != nil {
		return nil, err
	}

	nlri, err := anypb.New(&apipb.IPAddressPrefix{
		Prefix:    n.Prefix.Addr().String(),
		PrefixLen: uint32(n.Prefix.Bits()), //nolint:gosec // Prefix length is at most 128.
	})
	if err != nil {
		return nil, fmt.Errorf("encode nlri: %w", err)
	}

	origin, err := anypb.New(&apipb.OriginAttribute{Origin: originIGP})
	if err != nil {
		return nil, fmt.Errorf("encode origin: %w", err)
	}

	nexthop := n.Nexthop
	if !nexthop.IsValid() {
		if aid == imsg.AIDInet {
			nexthop = netip.IPv4Unspecified()
		} else {
			nexthop = netip.IPv6Unspecified()
		}
	}

	var hop *anypb.Any
	if aid == imsg.AIDInet {
		hop, err = anypb.New(&apipb.NextHopAttribute{NextHop: nexthop.String()})
	} else {
		hop, err = anypb.New(&apipb.MpReachNLRIAttribute{
			Family:   family,
			NextHops: []string{nexthop.String()},
			Nlris:    []*anypb.Any{nlri},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("encode next hop: %w", err)
	}

	return &apipb.Path{
		Family: family,
		Nlri:   nlri,
		Pattrs: []*anypb.Any{origin, hop},
	}, nil
}
