package gobgp_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/bgpctld/internal/gobgp"
	"github.com/dantte-lp/bgpctld/internal/imsg"
)

var (
	peerA = netip.MustParseAddr("192.0.2.1")
	peerB = netip.MustParseAddr("2001:db8::1")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resolver(id uint32) (netip.Addr, bool) {
	switch id {
	case 1:
		return peerA, true
	case 2:
		return peerB, true
	default:
		return netip.Addr{}, false
	}
}

func newTestRIB(t *testing.T, mock *mockClient) (*gobgp.RIB, *recordingPoster) {
	t.Helper()

	out := &recordingPoster{}
	rib := gobgp.NewRIB(context.Background(), mock, out, resolver, discardLogger(),
		gobgp.WithRequestTimeout(time.Second))
	t.Cleanup(rib.Close)
	return rib, out
}

func samplePaths() []imsg.RIBEntry {
	return []imsg.RIBEntry{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Neighbor: peerA, Best: true, ASPath: "65001"},
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), Neighbor: peerA, ASPath: "65001 65002"},
		{Prefix: netip.MustParsePrefix("198.51.100.0/24"), Neighbor: peerA, Best: true},
		{Prefix: netip.MustParsePrefix("2001:db8::/32"), Neighbor: peerB, Best: true},
	}
}

func ribRequest(aid imsg.AID, prefix string, flags uint8) []byte {
	req := imsg.RIBRequest{AID: aid, Flags: flags}
	if prefix != "" {
		req.Prefix = netip.MustParsePrefix(prefix)
	}
	return req.Marshal()
}

func wantTypes(t *testing.T, got []imsg.Frame, want ...imsg.Type) {
	t.Helper()

	gt := types(got)
	if len(gt) != len(want) {
		t.Fatalf("frame types = %v, want %v", gt, want)
	}
	for i := range want {
		if gt[i] != want[i] {
			t.Fatalf("frame types = %v, want %v", gt, want)
		}
	}
}

// -------------------------------------------------------------------------
// Listings
// -------------------------------------------------------------------------

func TestRIBShowRIBStreamsEntriesThenEnd(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.paths = samplePaths()
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowRIB, 0, 42, ribRequest(imsg.AIDInet, "", imsg.RIBFlagBest)); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	frames := waitForFrames(t, out, 4)
	wantTypes(t, frames, imsg.TypeRIBEntry, imsg.TypeRIBEntry, imsg.TypeRIBEntry, imsg.TypeEnd)

	for _, f := range frames {
		if f.PID != 42 {
			t.Errorf("frame %s pid = %d, want 42", f.Type, f.PID)
		}
	}

	first, err := imsg.UnmarshalRIBEntry(frames[0].Data)
	if err != nil {
		t.Fatalf("UnmarshalRIBEntry: %v", err)
	}
	if first.Prefix != samplePaths()[0].Prefix || first.ASPath != "65001" {
		t.Errorf("first entry = %+v, want 10.0.0.0/8 via 65001", first)
	}

	q := mock.getQueries()
	if len(q) != 1 || q[0].AID != imsg.AIDInet || !q[0].BestOnly || q[0].Prefix.IsValid() {
		t.Errorf("queries = %+v, want one best-only inet query", q)
	}
}

func TestRIBShowRIBPrefixQuery(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowRIBPrefix, 0, 7, ribRequest(imsg.AIDInet, "2001:db8::1/32", 0)); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	wantTypes(t, waitForFrames(t, out, 1), imsg.TypeEnd)

	q := mock.getQueries()
	if len(q) != 1 {
		t.Fatalf("queries = %d, want 1", len(q))
	}
	if q[0].AID != imsg.AIDInet6 {
		t.Errorf("query AID = %s, want the prefix family inet6", q[0].AID)
	}
	if q[0].Prefix != netip.MustParsePrefix("2001:db8::/32") {
		t.Errorf("query prefix = %s, want masked 2001:db8::/32", q[0].Prefix)
	}
}

func TestRIBShowNetworkListsLocalPaths(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowNetwork, 0, 3, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	wantTypes(t, waitForFrames(t, out, 1), imsg.TypeEnd)

	q := mock.getQueries()
	if len(q) != 2 || q[0].AID != imsg.AIDInet || q[1].AID != imsg.AIDInet6 {
		t.Fatalf("queries = %+v, want inet then inet6", q)
	}
	for _, qq := range q {
		if !qq.LocalOnly {
			t.Errorf("query %s LocalOnly = false, want true", qq.AID)
		}
	}
}

func TestRIBShowRIBMem(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.paths = samplePaths()
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowRIBMem, 0, 5, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	frames := waitForFrames(t, out, 3)
	wantTypes(t, frames, imsg.TypeRIBMem, imsg.TypeRIBMem, imsg.TypeEnd)

	tests := []struct {
		aid   imsg.AID
		paths uint64
	}{
		{imsg.AIDInet, 3},
		{imsg.AIDInet6, 1},
	}
	for i, tt := range tests {
		mem, err := imsg.UnmarshalRIBMem(frames[i].Data)
		if err != nil {
			t.Fatalf("UnmarshalRIBMem: %v", err)
		}
		if mem.AID != tt.aid || mem.Paths != tt.paths {
			t.Errorf("rib mem %d = %+v, want %s with %d paths", i, mem, tt.aid, tt.paths)
		}
	}
}

func TestRIBUnsupportedListingsEnd(t *testing.T) {
	t.Parallel()

	for _, typ := range []imsg.Type{imsg.TypeShowFlowspec, imsg.TypeShowSet, imsg.TypeEnd} {
		t.Run(typ.String(), func(t *testing.T) {
			t.Parallel()

			rib, out := newTestRIB(t, newMockClient())
			if err := rib.Compose(typ, 0, 9, nil); err != nil {
				t.Fatalf("Compose: %v", err)
			}
			frames := waitForFrames(t, out, 1)
			wantTypes(t, frames, imsg.TypeEnd)
			if frames[0].PID != 9 {
				t.Errorf("End pid = %d, want 9", frames[0].PID)
			}
		})
	}
}

func TestRIBBadRequestSize(t *testing.T) {
	t.Parallel()

	rib, _ := newTestRIB(t, newMockClient())

	if err := rib.Compose(imsg.TypeShowRIB, 0, 1, []byte{1, 2, 3}); !errors.Is(err, imsg.ErrPayloadSize) {
		t.Errorf("Compose(short rib request) = %v, want ErrPayloadSize", err)
	}
	if err := rib.Compose(imsg.TypeNetworkAdd, 0, 1, nil); !errors.Is(err, imsg.ErrPayloadSize) {
		t.Errorf("Compose(empty network) = %v, want ErrPayloadSize", err)
	}
}

// -------------------------------------------------------------------------
// Neighbor counters
// -------------------------------------------------------------------------

func TestRIBShowNeighborPostsStats(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.status[peerA] = gobgp.PeerStatus{Stats: imsg.PeerStats{PrefixCount: 12, PrefixRcvdUpdate: 40}}
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowNeighbor, 1, 11, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := rib.Compose(imsg.TypeEnd, 0, 11, nil); err != nil {
		t.Fatalf("Compose End: %v", err)
	}

	frames := waitForFrames(t, out, 2)
	wantTypes(t, frames, imsg.TypeShowNeighbor, imsg.TypeEnd)

	if frames[0].PeerID != 1 || frames[0].PID != 11 {
		t.Errorf("stats frame peer %d pid %d, want 1 11", frames[0].PeerID, frames[0].PID)
	}
	stats, err := imsg.UnmarshalPeerStats(frames[0].Data)
	if err != nil {
		t.Fatalf("UnmarshalPeerStats: %v", err)
	}
	if stats.PrefixCount != 12 || stats.PrefixRcvdUpdate != 40 {
		t.Errorf("stats = %+v, want PrefixCount 12 PrefixRcvdUpdate 40", stats)
	}
}

func TestRIBShowNeighborUnknownID(t *testing.T) {
	t.Parallel()

	rib, _ := newTestRIB(t, newMockClient())

	if err := rib.Compose(imsg.TypeShowNeighbor, 99, 1, nil); !errors.Is(err, gobgp.ErrPeerNotFound) {
		t.Errorf("Compose(unknown id) = %v, want ErrPeerNotFound", err)
	}
}

// TestRIBShowNeighborStatusFailure verifies a failed lookup still lets the
// closing End through.
func TestRIBShowNeighborStatusFailure(t *testing.T) {
	t.Parallel()

	rib, out := newTestRIB(t, newMockClient())

	if err := rib.Compose(imsg.TypeShowNeighbor, 2, 4, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := rib.Compose(imsg.TypeEnd, 0, 4, nil); err != nil {
		t.Fatalf("Compose End: %v", err)
	}
	wantTypes(t, waitForFrames(t, out, 1), imsg.TypeEnd)
}

// -------------------------------------------------------------------------
// Flow control and termination
// -------------------------------------------------------------------------

func TestRIBPauseHoldsReplies(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.paths = samplePaths()
	mock.gate = make(chan struct{})
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowRIB, 0, 8, ribRequest(imsg.AIDInet, "", 0)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := rib.Compose(imsg.TypeXOFF, 0, 8, nil); err != nil {
		t.Fatalf("Compose XOFF: %v", err)
	}

	mock.gate <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	if n := len(out.getFrames()); n != 0 {
		t.Fatalf("frames while paused = %d, want 0", n)
	}

	if err := rib.Compose(imsg.TypeXON, 0, 8, nil); err != nil {
		t.Fatalf("Compose XON: %v", err)
	}
	close(mock.gate)

	wantTypes(t, waitForFrames(t, out, 4),
		imsg.TypeRIBEntry, imsg.TypeRIBEntry, imsg.TypeRIBEntry, imsg.TypeEnd)
}

func TestRIBPauseIsPerRequester(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.paths = samplePaths()
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowFlowspec, 0, 1, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	// XOFF for a requester with no work is a no-op.
	if err := rib.Compose(imsg.TypeXOFF, 0, 2, nil); err != nil {
		t.Fatalf("Compose XOFF: %v", err)
	}

	frames := waitForFrames(t, out, 1)
	if frames[0].PID != 1 {
		t.Errorf("End pid = %d, want 1", frames[0].PID)
	}
}

func TestRIBTerminateAbandonsListing(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.paths = samplePaths()
	mock.gate = make(chan struct{})
	rib, out := newTestRIB(t, mock)

	if err := rib.Compose(imsg.TypeShowRIB, 0, 6, ribRequest(imsg.AIDInet, "", 0)); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	mock.gate <- struct{}{}
	waitForFrames(t, out, 1)

	if err := rib.Compose(imsg.TypeTerminate, 0, 6, nil); err != nil {
		t.Fatalf("Compose Terminate: %v", err)
	}
	rib.Close()

	frames := out.getFrames()
	for _, f := range frames {
		if f.Type == imsg.TypeEnd {
			t.Errorf("End posted after Terminate: %v", types(frames))
		}
	}
	if len(frames) != 1 {
		t.Errorf("frames = %d, want 1", len(frames))
	}
}

func TestRIBClosedDropsRequests(t *testing.T) {
	t.Parallel()

	rib, out := newTestRIB(t, newMockClient())
	rib.Close()

	if err := rib.Compose(imsg.TypeEnd, 0, 1, nil); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(out.getFrames()); n != 0 {
		t.Errorf("frames after Close = %d, want 0", n)
	}
}

// -------------------------------------------------------------------------
// Networks
// -------------------------------------------------------------------------

func TestRIBNetworkChanges(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	rib, out := newTestRIB(t, mock)
	pfx := netip.MustParsePrefix("203.0.113.0/24")
	data := imsg.Network{Prefix: pfx}.Marshal()

	steps := []imsg.Type{imsg.TypeNetworkAdd, imsg.TypeNetworkRemove, imsg.TypeNetworkFlush}
	for _, typ := range steps {
		var payload []byte
		if typ != imsg.TypeNetworkFlush {
			payload = data
		}
		if err := rib.Compose(typ, 0, 3, payload); err != nil {
			t.Fatalf("Compose(%s): %v", typ, err)
		}
	}

	calls := waitForCalls(t, mock, 4)
	want := []mockCall{
		{method: methodAddNetwork, prefix: pfx},
		{method: methodDeleteNetwork, prefix: pfx},
		{method: methodFlushNetworks, aid: imsg.AIDInet},
		{method: methodFlushNetworks, aid: imsg.AIDInet6},
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
	if n := len(out.getFrames()); n != 0 {
		t.Errorf("network changes posted %d frames, want 0", n)
	}
}

func TestRIBNetworkErrorNonFatal(t *testing.T) {
	t.Parallel()

	mock := newMockClient()
	mock.setError(errors.New("speaker unavailable"))
	rib, out := newTestRIB(t, mock)

	data := imsg.Network{Prefix: netip.MustParsePrefix("203.0.113.0/24")}.Marshal()
	if err := rib.Compose(imsg.TypeNetworkAdd, 0, 1, data); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := rib.Compose(imsg.TypeEnd, 0, 1, nil); err != nil {
		t.Fatalf("Compose End: %v", err)
	}
	wantTypes(t, waitForFrames(t, out, 1), imsg.TypeEnd)
}
