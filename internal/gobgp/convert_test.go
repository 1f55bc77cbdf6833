package gobgp_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/dantte-lp/bgpctld/internal/gobgp"
	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

func mustAny(t *testing.T, m proto.Message) *anypb.Any {
	t.Helper()
	a, err := anypb.New(m)
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}
	return a
}

func TestStatusFromPeer(t *testing.T) {
	t.Parallel()

	p := &apipb.Peer{
		State: &apipb.PeerState{
			SessionState: apipb.PeerState_ESTABLISHED,
			AdminState:   apipb.PeerState_UP,
			Messages: &apipb.Messages{
				Received: &apipb.Message{Update: 10, WithdrawPrefix: 2},
				Sent:     &apipb.Message{Update: 7, WithdrawPrefix: 1},
			},
			Queues:    &apipb.Queues{Output: 4},
			RemoteCap: []*anypb.Any{mustAny(t, &apipb.RouteRefreshCapability{})},
		},
		AfiSafis: []*apipb.AfiSafi{
			{State: &apipb.AfiSafiState{Accepted: 5, Advertised: 6}},
			{State: &apipb.AfiSafiState{Accepted: 1, Advertised: 2}},
		},
	}

	got := gobgp.StatusFromPeer(p)

	want := gobgp.PeerStatus{
		State:        peer.StateEstablished,
		RouteRefresh: true,
		Stats: imsg.PeerStats{
			PrefixCount:        6,
			PrefixOutCount:     8,
			PrefixRcvdUpdate:   10,
			PrefixRcvdWithdraw: 2,
			PrefixSentUpdate:   7,
			PrefixSentWithdraw: 1,
			PendingUpdate:      4,
		},
	}
	if got != want {
		t.Errorf("StatusFromPeer =\n  %+v\nwant\n  %+v", got, want)
	}
}

func TestStatusFromPeerAdminDown(t *testing.T) {
	t.Parallel()

	got := gobgp.StatusFromPeer(&apipb.Peer{
		State: &apipb.PeerState{
			SessionState: apipb.PeerState_IDLE,
			AdminState:   apipb.PeerState_DOWN,
		},
	})
	if got.State != peer.StateIdle || !got.AdminDown || got.RouteRefresh {
		t.Errorf("StatusFromPeer = %+v, want Idle, admin down, no refresh", got)
	}

	if empty := gobgp.StatusFromPeer(&apipb.Peer{}); empty.State != peer.StateNone {
		t.Errorf("StatusFromPeer(empty) state = %s, want None", empty.State)
	}
}

func TestEntryFromPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := &apipb.Path{
		NeighborIp: "192.0.2.1",
		Best:       true,
		Age:        timestamppb.New(now.Add(-90 * time.Second)),
		Pattrs: []*anypb.Any{
			mustAny(t, &apipb.OriginAttribute{Origin: 0}),
			mustAny(t, &apipb.NextHopAttribute{NextHop: "192.0.2.254"}),
			mustAny(t, &apipb.AsPathAttribute{Segments: []*apipb.AsSegment{
				{Numbers: []uint32{65001, 65002}},
				{Numbers: []uint32{4200000000}},
			}}),
		},
	}

	got, err := gobgp.EntryFromPath("10.0.0.0/8", path, now)
	if err != nil {
		t.Fatalf("EntryFromPath: %v", err)
	}

	want := imsg.RIBEntry{
		Prefix:   netip.MustParsePrefix("10.0.0.0/8"),
		Nexthop:  netip.MustParseAddr("192.0.2.254"),
		Neighbor: netip.MustParseAddr("192.0.2.1"),
		Best:     true,
		Age:      90 * time.Second,
		ASPath:   "65001 65002 4200000000",
	}
	if got != want {
		t.Errorf("EntryFromPath =\n  %+v\nwant\n  %+v", got, want)
	}
}

func TestEntryFromPathMPReach(t *testing.T) {
	t.Parallel()

	path := &apipb.Path{
		Pattrs: []*anypb.Any{
			mustAny(t, &apipb.MpReachNLRIAttribute{NextHops: []string{"2001:db8::fe", "fe80::1"}}),
		},
	}

	got, err := gobgp.EntryFromPath("2001:db8::/32", path, time.Now())
	if err != nil {
		t.Fatalf("EntryFromPath: %v", err)
	}
	if got.Nexthop != netip.MustParseAddr("2001:db8::fe") {
		t.Errorf("Nexthop = %s, want the first MP_REACH next hop", got.Nexthop)
	}
	if got.Neighbor.IsValid() {
		t.Errorf("Neighbor = %s, want invalid for a local path", got.Neighbor)
	}
}

func TestEntryFromPathLongASPath(t *testing.T) {
	t.Parallel()

	numbers := make([]uint32, 100)
	for i := range numbers {
		numbers[i] = 4200000000 + uint32(i) //nolint:gosec // Small test index.
	}
	path := &apipb.Path{Pattrs: []*anypb.Any{
		mustAny(t, &apipb.AsPathAttribute{Segments: []*apipb.AsSegment{{Numbers: numbers}}}),
	}}

	got, err := gobgp.EntryFromPath("10.0.0.0/8", path, time.Now())
	if err != nil {
		t.Fatalf("EntryFromPath: %v", err)
	}
	if len(got.ASPath) >= imsg.ASPathLen {
		t.Errorf("ASPath length = %d, want below %d", len(got.ASPath), imsg.ASPathLen)
	}
	if got.ASPath[len(got.ASPath)-1] == ' ' {
		t.Errorf("ASPath %q ends in a separator", got.ASPath)
	}
}

func TestEntryFromPathBadPrefix(t *testing.T) {
	t.Parallel()

	if _, err := gobgp.EntryFromPath("not-a-prefix", &apipb.Path{}, time.Now()); err == nil {
		t.Error("EntryFromPath(bad prefix) = nil error, want error")
	}
}

func TestPathFromNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		network   imsg.Network
		wantAfi   apipb.Family_Afi
		wantPfx   string
		wantLen   uint32
		wantHop   string
		mpReached bool
	}{
		{
			name:    "inet default next hop",
			network: imsg.Network{Prefix: netip.MustParsePrefix("203.0.113.0/24")},
			wantAfi: apipb.Family_AFI_IP,
			wantPfx: "203.0.113.0",
			wantLen: 24,
			wantHop: "0.0.0.0",
		},
		{
			name: "inet6 explicit next hop",
			network: imsg.Network{
				Prefix:  netip.MustParsePrefix("2001:db8:100::/48"),
				Nexthop: netip.MustParseAddr("2001:db8::1"),
			},
			wantAfi:   apipb.Family_AFI_IP6,
			wantPfx:   "2001:db8:100::",
			wantLen:   48,
			wantHop:   "2001:db8::1",
			mpReached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path, err := gobgp.PathFromNetwork(tt.network)
			if err != nil {
				t.Fatalf("PathFromNetwork: %v", err)
			}
			if path.GetFamily().GetAfi() != tt.wantAfi {
				t.Errorf("afi = %v, want %v", path.GetFamily().GetAfi(), tt.wantAfi)
			}

			var nlri apipb.IPAddressPrefix
			if err := path.GetNlri().UnmarshalTo(&nlri); err != nil {
				t.Fatalf("nlri: %v", err)
			}
			if nlri.GetPrefix() != tt.wantPfx || nlri.GetPrefixLen() != tt.wantLen {
				t.Errorf("nlri = %s/%d, want %s/%d", nlri.GetPrefix(), nlri.GetPrefixLen(), tt.wantPfx, tt.wantLen)
			}

			var hop string
			for _, a := range path.GetPattrs() {
				switch {
				case a.MessageIs(&apipb.NextHopAttribute{}):
					var nh apipb.NextHopAttribute
					if err := a.UnmarshalTo(&nh); err != nil {
						t.Fatalf("next hop: %v", err)
					}
					if tt.mpReached {
						t.Error("inet6 path carries NEXT_HOP")
					}
					hop = nh.GetNextHop()
				case a.MessageIs(&apipb.MpReachNLRIAttribute{}):
					var mp apipb.MpReachNLRIAttribute
					if err := a.UnmarshalTo(&mp); err != nil {
						t.Fatalf("mp reach: %v", err)
					}
					if !tt.mpReached {
						t.Error("inet path carries MP_REACH_NLRI")
					}
					hop = mp.GetNextHops()[0]
				}
			}
			if hop != tt.wantHop {
				t.Errorf("next hop = %q, want %q", hop, tt.wantHop)
			}
		})
	}
}

func TestPathFromNetworkInvalid(t *testing.T) {
	t.Parallel()

	if _, err := gobgp.PathFromNetwork(imsg.Network{}); !errors.Is(err, gobgp.ErrUnsupportedFamily) {
		t.Errorf("PathFromNetwork(zero) = %v, want ErrUnsupportedFamily", err)
	}
}

func TestOfflineClient(t *testing.T) {
	t.Parallel()

	c := gobgp.Offline()
	ctx := t.Context()

	if err := c.EnablePeer(ctx, peerA); !errors.Is(err, gobgp.ErrOffline) {
		t.Errorf("EnablePeer = %v, want ErrOffline", err)
	}
	status, err := c.PeerStatus(ctx, peerA)
	if err != nil || status.State != peer.StateIdle {
		t.Errorf("PeerStatus = %+v, %v, want Idle, nil", status, err)
	}
	n := 0
	count := func(imsg.RIBEntry) error {
		n++
		return nil
	}
	if err := c.ListPaths(ctx, gobgp.PathQuery{AID: imsg.AIDInet}, count); err != nil || n != 0 {
		t.Errorf("ListPaths = %v with %d entries, want nil with 0", err, n)
	}
	mem, err := c.TableStats(ctx, imsg.AIDInet6)
	if err != nil || mem.AID != imsg.AIDInet6 || mem.Paths != 0 {
		t.Errorf("TableStats = %+v, %v, want empty inet6", mem, err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
