package commands

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

func TestParseNeighborFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		arg     string
		group   bool
		reason  string
		want    imsg.NeighborFilter
		wantErr error
	}{
		{
			name: "ipv4 address",
			arg:  "192.0.2.1",
			want: imsg.NeighborFilter{Addr: netip.MustParseAddr("192.0.2.1")},
		},
		{
			name: "mapped address unmapped",
			arg:  "::ffff:192.0.2.1",
			want: imsg.NeighborFilter{Addr: netip.MustParseAddr("192.0.2.1")},
		},
		{
			name:   "description with reason",
			arg:    "upstream-a",
			reason: "maintenance",
			want:   imsg.NeighborFilter{Descr: "upstream-a", Reason: "maintenance"},
		},
		{
			name:  "group",
			arg:   "transit",
			group: true,
			want:  imsg.NeighborFilter{Descr: "transit", IsGroup: true},
		},
		{
			name:  "group named like an address",
			arg:   "10.0.0.1",
			group: true,
			want:  imsg.NeighborFilter{Descr: "10.0.0.1", IsGroup: true},
		},
		{
			name:    "empty",
			arg:     "",
			wantErr: errTargetEmpty,
		},
		{
			name:    "description too long",
			arg:     strings.Repeat("d", imsg.DescrLen),
			wantErr: errDescrTooLong,
		},
		{
			name:    "reason too long",
			arg:     "192.0.2.1",
			reason:  strings.Repeat("r", imsg.ReasonLen),
			wantErr: errReasonTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseNeighborFilter(tt.arg, tt.group, tt.reason)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("parseNeighborFilter() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseNeighborFilter() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseNeighborFilter() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildRIBRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		family   string
		neighbor string
		best     bool
		wantType imsg.Type
		wantReq  imsg.RIBRequest
		wantErr  error
	}{
		{
			name:     "family listing",
			family:   "inet6",
			wantType: imsg.TypeShowRIB,
			wantReq:  imsg.RIBRequest{AID: imsg.AIDInet6},
		},
		{
			name:     "best paths from neighbor",
			family:   "ipv4",
			neighbor: "192.0.2.1",
			best:     true,
			wantType: imsg.TypeShowRIB,
			wantReq: imsg.RIBRequest{
				AID:      imsg.AIDInet,
				Flags:    imsg.RIBFlagBest,
				Neighbor: imsg.NeighborFilter{Addr: netip.MustParseAddr("192.0.2.1")},
			},
		},
		{
			name:     "prefix query is masked",
			args:     []string{"198.51.100.7/24"},
			family:   "bogus",
			wantType: imsg.TypeShowRIBPrefix,
			wantReq:  imsg.RIBRequest{Prefix: netip.MustParsePrefix("198.51.100.0/24")},
		},
		{
			name:     "bare address becomes host prefix",
			args:     []string{"2001:db8::1"},
			wantType: imsg.TypeShowRIBPrefix,
			wantReq:  imsg.RIBRequest{Prefix: netip.MustParsePrefix("2001:db8::1/128")},
		},
		{
			name:    "unknown family",
			family:  "mpls",
			wantErr: errUnknownFamily,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotType, gotReq, err := buildRIBRequest(tt.args, tt.family, tt.neighbor, tt.best)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("buildRIBRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildRIBRequest() error = %v", err)
			}
			if gotType != tt.wantType {
				t.Errorf("type = %s, want %s", gotType, tt.wantType)
			}
			if gotReq != tt.wantReq {
				t.Errorf("request = %+v, want %+v", gotReq, tt.wantReq)
			}
		})
	}
}

func TestBuildNetwork(t *testing.T) {
	t.Parallel()

	n, err := buildNetwork("203.0.113.0/24", "192.0.2.254")
	if err != nil {
		t.Fatalf("buildNetwork: %v", err)
	}
	if n.Prefix != netip.MustParsePrefix("203.0.113.0/24") {
		t.Errorf("Prefix = %s, want 203.0.113.0/24", n.Prefix)
	}
	if n.Nexthop != netip.MustParseAddr("192.0.2.254") {
		t.Errorf("Nexthop = %s, want 192.0.2.254", n.Nexthop)
	}

	n, err = buildNetwork("203.0.113.0/24", "")
	if err != nil {
		t.Fatalf("buildNetwork without nexthop: %v", err)
	}
	if n.Nexthop.IsValid() {
		t.Errorf("Nexthop = %s, want unset", n.Nexthop)
	}

	if _, err := buildNetwork("not-a-prefix", ""); err == nil {
		t.Error("buildNetwork(not-a-prefix) error = nil, want error")
	}
	if _, err := buildNetwork("203.0.113.0/24", "nexthop"); err == nil {
		t.Error("buildNetwork(bad nexthop) error = nil, want error")
	}
}
