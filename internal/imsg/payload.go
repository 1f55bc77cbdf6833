package imsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Fixed field sizes
// -------------------------------------------------------------------------

const (
	// DescrLen is the size of a neighbor description or group name field,
	// terminating NUL included.
	DescrLen = 32

	// ReasonLen is the size of a shutdown communication field, terminating
	// NUL included.
	ReasonLen = 256

	// IfNameLen is the size of an interface name field.
	IfNameLen = 16

	// ASPathLen is the size of the textual AS path field of a RIB entry.
	ASPathLen = 64

	// addrLen is the encoded size of an address: one AID byte + 16 bytes.
	addrLen = 17

	// prefixLen is the encoded size of a prefix: address + length byte.
	prefixLen = addrLen + 1
)

// Encoded payload sizes.
const (
	NeighborFilterSize = addrLen + DescrLen + ReasonLen + 2
	RIBRequestSize     = NeighborFilterSize + prefixLen + 2
	PeerStatsSize      = 10 * 8
	PeerInfoSize       = 4 + addrLen + 4 + 2*DescrLen + 2 + ReasonLen + 2 + PeerStatsSize + 4 + 8
	TimerInfoSize      = 1 + 8
	LogVerboseSize     = 4
	NetworkSize        = prefixLen + addrLen
	RIBEntrySize       = prefixLen + 2*addrLen + 1 + 4 + ASPathLen
	RIBMemSize         = 1 + 3*8
	InterfaceSize      = IfNameLen + 4 + 4 + 4
	FIBTableSize       = 4 + DescrLen + 1
)

// -------------------------------------------------------------------------
// AID: address family identifier
// -------------------------------------------------------------------------

// AID identifies an address family inside payloads.
type AID uint8

// Address family identifiers.
const (
	AIDUnspec AID = iota
	AIDInet
	AIDInet6
)

// String returns the address family name.
func (a AID) String() string {
	switch a {
	case AIDUnspec:
		return "unspec"
	case AIDInet:
		return "inet"
	case AIDInet6:
		return "inet6"
	default:
		return fmt.Sprintf(unknownFmt, uint8(a))
	}
}

// AIDOf returns the family of addr, or AIDUnspec for the zero Addr.
func AIDOf(addr netip.Addr) AID {
	switch {
	case !addr.IsValid():
		return AIDUnspec
	case addr.Is4():
		return AIDInet
	default:
		return AIDInet6
	}
}

// -------------------------------------------------------------------------
// encoder / decoder: sequential fixed-layout helpers
// -------------------------------------------------------------------------

type encoder struct {
	b   []byte
	off int
}

func newEncoder(size int) *encoder {
	return &encoder{b: make([]byte, size)}
}

func (e *encoder) u8(v uint8) {
	e.b[e.off] = v
	e.off++
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) u32(v uint32) {
	binary.BigEndian.PutUint32(e.b[e.off:], v)
	e.off += 4
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.b[e.off:], v)
	e.off += 8
}

func (e *encoder) addr(a netip.Addr) {
	e.u8(uint8(AIDOf(a)))
	if a.IsValid() {
		if a.Is4() {
			v4 := a.As4()
			copy(e.b[e.off:], v4[:])
		} else {
			v6 := a.As16()
			copy(e.b[e.off:], v6[:])
		}
	}
	e.off += 16
}

func (e *encoder) prefix(p netip.Prefix) {
	if !p.IsValid() {
		e.addr(netip.Addr{})
		e.u8(0)
		return
	}
	e.addr(p.Addr())
	e.u8(uint8(p.Bits())) //nolint:gosec // Prefix bits are 0..128.
}

// str writes s into a size-byte field, truncated so the last byte stays NUL.
func (e *encoder) str(s string, size int) {
	n := min(len(s), size-1)
	copy(e.b[e.off:e.off+n], s[:n])
	e.off += size
}

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) u8() uint8 {
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) bool() bool {
	return d.u8() != 0
}

func (d *decoder) u32() uint32 {
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	v := binary.BigEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) addr() netip.Addr {
	aid := AID(d.u8())
	raw := d.b[d.off : d.off+16]
	d.off += 16
	switch aid {
	case AIDInet:
		return netip.AddrFrom4([4]byte(raw[:4]))
	case AIDInet6:
		return netip.AddrFrom16([16]byte(raw))
	default:
		return netip.Addr{}
	}
}

func (d *decoder) prefix() netip.Prefix {
	a := d.addr()
	bits := int(d.u8())
	if !a.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(a, bits)
}

// str reads a size-byte field. The last byte is forced to NUL before the
// string is extracted, so an unterminated field cannot overrun.
func (d *decoder) str(size int) string {
	field := make([]byte, size)
	copy(field, d.b[d.off:d.off+size])
	d.off += size
	field[size-1] = 0
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// checkSize verifies a fixed-shape payload.
func checkSize(what string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s: got %d bytes, want %d: %w", what, len(b), want, ErrPayloadSize)
	}
	return nil
}

// -------------------------------------------------------------------------
// NeighborFilter
// -------------------------------------------------------------------------

// NeighborFilter selects neighbors by address, description or group.
// The zero value matches every neighbor.
type NeighborFilter struct {
	// Addr selects the neighbor with this remote address.
	Addr netip.Addr

	// Descr is a neighbor description, or a group name when IsGroup is set.
	Descr string

	// Reason is the administrative reason carried by down/clear requests.
	Reason string

	// ShowTimers requests the running timers of each neighbor.
	ShowTimers bool

	// IsGroup makes Descr name a group instead of a description.
	IsGroup bool
}

// Empty reports whether the filter selects every neighbor.
func (n NeighborFilter) Empty() bool {
	return !n.Addr.IsValid() && n.Descr == ""
}

// Marshal encodes the filter.
func (n NeighborFilter) Marshal() []byte {
	e := newEncoder(NeighborFilterSize)
	n.encode(e)
	return e.b
}

func (n NeighborFilter) encode(e *encoder) {
	e.addr(n.Addr)
	e.str(n.Descr, DescrLen)
	e.str(n.Reason, ReasonLen)
	e.bool(n.ShowTimers)
	e.bool(n.IsGroup)
}

// UnmarshalNeighborFilter decodes a filter payload of exactly
// NeighborFilterSize bytes.
func UnmarshalNeighborFilter(b []byte) (NeighborFilter, error) {
	if err := checkSize("neighbor filter", b, NeighborFilterSize); err != nil {
		return NeighborFilter{}, err
	}
	return decodeNeighborFilter(&decoder{b: b}), nil
}

func decodeNeighborFilter(d *decoder) NeighborFilter {
	return NeighborFilter{
		Addr:       d.addr(),
		Descr:      d.str(DescrLen),
		Reason:     d.str(ReasonLen),
		ShowTimers: d.bool(),
		IsGroup:    d.bool(),
	}
}

// -------------------------------------------------------------------------
// RIBRequest
// -------------------------------------------------------------------------

// RIB request flags.
const (
	// RIBFlagBest limits output to best paths.
	RIBFlagBest uint8 = 1 << iota
	// RIBFlagDetail requests detailed output.
	RIBFlagDetail
)

// RIBRequest is the payload of ShowRIB and ShowRIBPrefix.
type RIBRequest struct {
	Neighbor NeighborFilter
	Prefix   netip.Prefix
	AID      AID
	Flags    uint8
}

// Marshal encodes the request.
func (r RIBRequest) Marshal() []byte {
	e := newEncoder(RIBRequestSize)
	r.Neighbor.encode(e)
	e.prefix(r.Prefix)
	e.u8(uint8(r.AID))
	e.u8(r.Flags)
	return e.b
}

// UnmarshalRIBRequest decodes a RIB request payload.
func UnmarshalRIBRequest(b []byte) (RIBRequest, error) {
	if err := checkSize("rib request", b, RIBRequestSize); err != nil {
		return RIBRequest{}, err
	}
	d := &decoder{b: b}
	return RIBRequest{
		Neighbor: decodeNeighborFilter(d),
		Prefix:   d.prefix(),
		AID:      AID(d.u8()),
		Flags:    d.u8(),
	}, nil
}

// PrefixAID returns the family of the requested prefix.
func (r RIBRequest) PrefixAID() AID {
	if !r.Prefix.IsValid() {
		return AIDUnspec
	}
	return AIDOf(r.Prefix.Addr())
}

// -------------------------------------------------------------------------
// PeerStats / PeerInfo
// -------------------------------------------------------------------------

// PeerStats are the per-neighbor counters maintained by the RIB engine.
type PeerStats struct {
	PrefixCount        uint64
	PrefixOutCount     uint64
	PrefixRcvdUpdate   uint64
	PrefixRcvdWithdraw uint64
	PrefixRcvdEOR      uint64
	PrefixSentUpdate   uint64
	PrefixSentWithdraw uint64
	PrefixSentEOR      uint64
	PendingUpdate      uint64
	PendingWithdraw    uint64
}

// Marshal encodes the counters.
func (s PeerStats) Marshal() []byte {
	e := newEncoder(PeerStatsSize)
	s.encode(e)
	return e.b
}

func (s PeerStats) encode(e *encoder) {
	for _, v := range []uint64{
		s.PrefixCount, s.PrefixOutCount,
		s.PrefixRcvdUpdate, s.PrefixRcvdWithdraw, s.PrefixRcvdEOR,
		s.PrefixSentUpdate, s.PrefixSentWithdraw, s.PrefixSentEOR,
		s.PendingUpdate, s.PendingWithdraw,
	} {
		e.u64(v)
	}
}

// UnmarshalPeerStats decodes a counters payload.
func UnmarshalPeerStats(b []byte) (PeerStats, error) {
	if err := checkSize("peer stats", b, PeerStatsSize); err != nil {
		return PeerStats{}, err
	}
	return decodePeerStats(&decoder{b: b}), nil
}

func decodePeerStats(d *decoder) PeerStats {
	return PeerStats{
		PrefixCount:        d.u64(),
		PrefixOutCount:     d.u64(),
		PrefixRcvdUpdate:   d.u64(),
		PrefixRcvdWithdraw: d.u64(),
		PrefixRcvdEOR:      d.u64(),
		PrefixSentUpdate:   d.u64(),
		PrefixSentWithdraw: d.u64(),
		PrefixSentEOR:      d.u64(),
		PendingUpdate:      d.u64(),
		PendingWithdraw:    d.u64(),
	}
}

// PeerInfo is the full neighbor record sent to control clients.
type PeerInfo struct {
	ID           uint32
	Addr         netip.Addr
	RemoteAS     uint32
	Descr        string
	Group        string
	State        uint8
	Down         bool
	Reason       string
	Template     bool
	RouteRefresh bool
	Stats        PeerStats
	IdleHold     time.Duration
	LastChange   time.Time
}

// Marshal encodes the record.
func (p PeerInfo) Marshal() []byte {
	e := newEncoder(PeerInfoSize)
	e.u32(p.ID)
	e.addr(p.Addr)
	e.u32(p.RemoteAS)
	e.str(p.Descr, DescrLen)
	e.str(p.Group, DescrLen)
	e.u8(p.State)
	e.bool(p.Down)
	e.str(p.Reason, ReasonLen)
	e.bool(p.Template)
	e.bool(p.RouteRefresh)
	p.Stats.encode(e)
	e.u32(uint32(p.IdleHold / time.Second)) //nolint:gosec // Idle hold is bounded by config.
	var last int64
	if !p.LastChange.IsZero() {
		last = p.LastChange.Unix()
	}
	e.u64(uint64(last)) //nolint:gosec // Unix seconds are non-negative.
	return e.b
}

// UnmarshalPeerInfo decodes a neighbor record.
func UnmarshalPeerInfo(b []byte) (PeerInfo, error) {
	if err := checkSize("peer info", b, PeerInfoSize); err != nil {
		return PeerInfo{}, err
	}
	d := &decoder{b: b}
	p := PeerInfo{
		ID:           d.u32(),
		Addr:         d.addr(),
		RemoteAS:     d.u32(),
		Descr:        d.str(DescrLen),
		Group:        d.str(DescrLen),
		State:        d.u8(),
		Down:         d.bool(),
		Reason:       d.str(ReasonLen),
		Template:     d.bool(),
		RouteRefresh: d.bool(),
		Stats:        decodePeerStats(d),
		IdleHold:     time.Duration(d.u32()) * time.Second,
	}
	if last := int64(d.u64()); last != 0 { //nolint:gosec // Round trip of Marshal.
		p.LastChange = time.Unix(last, 0)
	}
	return p, nil
}

// -------------------------------------------------------------------------
// TimerInfo
// -------------------------------------------------------------------------

// TimerInfo describes one running neighbor timer.
type TimerInfo struct {
	Kind      uint8
	Remaining time.Duration
}

// Marshal encodes the timer.
func (t TimerInfo) Marshal() []byte {
	e := newEncoder(TimerInfoSize)
	e.u8(t.Kind)
	e.u64(uint64(t.Remaining / time.Second)) //nolint:gosec // Remaining is clamped at zero by callers.
	return e.b
}

// UnmarshalTimerInfo decodes a timer payload.
func UnmarshalTimerInfo(b []byte) (TimerInfo, error) {
	if err := checkSize("timer info", b, TimerInfoSize); err != nil {
		return TimerInfo{}, err
	}
	d := &decoder{b: b}
	return TimerInfo{
		Kind:      d.u8(),
		Remaining: time.Duration(d.u64()) * time.Second, //nolint:gosec // Round trip of Marshal.
	}, nil
}

// -------------------------------------------------------------------------
// LogVerbose
// -------------------------------------------------------------------------

// MarshalLogVerbose encodes a verbosity level.
func MarshalLogVerbose(v int32) []byte {
	b := make([]byte, LogVerboseSize)
	binary.BigEndian.PutUint32(b, uint32(v)) //nolint:gosec // Two's complement round trip.
	return b
}

// UnmarshalLogVerbose decodes a verbosity level.
func UnmarshalLogVerbose(b []byte) (int32, error) {
	if err := checkSize("log verbose", b, LogVerboseSize); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil //nolint:gosec // Two's complement round trip.
}

// -------------------------------------------------------------------------
// Network
// -------------------------------------------------------------------------

// Network is the payload of NetworkAdd and NetworkRemove.
type Network struct {
	Prefix  netip.Prefix
	Nexthop netip.Addr
}

// Marshal encodes the network.
func (n Network) Marshal() []byte {
	e := newEncoder(NetworkSize)
	e.prefix(n.Prefix)
	e.addr(n.Nexthop)
	return e.b
}

// UnmarshalNetwork decodes a network payload.
func UnmarshalNetwork(b []byte) (Network, error) {
	if err := checkSize("network", b, NetworkSize); err != nil {
		return Network{}, err
	}
	d := &decoder{b: b}
	return Network{Prefix: d.prefix(), Nexthop: d.addr()}, nil
}

// -------------------------------------------------------------------------
// RIBEntry / RIBMem
// -------------------------------------------------------------------------

// RIBEntry is one path streamed in reply to a RIB query.
type RIBEntry struct {
	Prefix   netip.Prefix
	Nexthop  netip.Addr
	Neighbor netip.Addr
	Best     bool
	Age      time.Duration
	ASPath   string
}

// Marshal encodes the entry.
func (r RIBEntry) Marshal() []byte {
	e := newEncoder(RIBEntrySize)
	e.prefix(r.Prefix)
	e.addr(r.Nexthop)
	e.addr(r.Neighbor)
	e.bool(r.Best)
	e.u32(uint32(r.Age / time.Second)) //nolint:gosec // Path age fits 32 bits of seconds.
	e.str(r.ASPath, ASPathLen)
	return e.b
}

// UnmarshalRIBEntry decodes an entry.
func UnmarshalRIBEntry(b []byte) (RIBEntry, error) {
	if err := checkSize("rib entry", b, RIBEntrySize); err != nil {
		return RIBEntry{}, err
	}
	d := &decoder{b: b}
	return RIBEntry{
		Prefix:   d.prefix(),
		Nexthop:  d.addr(),
		Neighbor: d.addr(),
		Best:     d.bool(),
		Age:      time.Duration(d.u32()) * time.Second,
		ASPath:   d.str(ASPathLen),
	}, nil
}

// RIBMem summarizes the size of one RIB table.
type RIBMem struct {
	AID          AID
	Destinations uint64
	Paths        uint64
	Accepted     uint64
}

// Marshal encodes the summary.
func (m RIBMem) Marshal() []byte {
	e := newEncoder(RIBMemSize)
	e.u8(uint8(m.AID))
	e.u64(m.Destinations)
	e.u64(m.Paths)
	e.u64(m.Accepted)
	return e.b
}

// UnmarshalRIBMem decodes a summary.
func UnmarshalRIBMem(b []byte) (RIBMem, error) {
	if err := checkSize("rib mem", b, RIBMemSize); err != nil {
		return RIBMem{}, err
	}
	d := &decoder{b: b}
	return RIBMem{AID: AID(d.u8()), Destinations: d.u64(), Paths: d.u64(), Accepted: d.u64()}, nil
}

// -------------------------------------------------------------------------
// Interface / FIBTable
// -------------------------------------------------------------------------

// Interface describes one kernel interface.
type Interface struct {
	Name  string
	Index uint32
	Flags uint32
	MTU   uint32
}

// Marshal encodes the interface.
func (i Interface) Marshal() []byte {
	e := newEncoder(InterfaceSize)
	e.str(i.Name, IfNameLen)
	e.u32(i.Index)
	e.u32(i.Flags)
	e.u32(i.MTU)
	return e.b
}

// UnmarshalInterface decodes an interface.
func UnmarshalInterface(b []byte) (Interface, error) {
	if err := checkSize("interface", b, InterfaceSize); err != nil {
		return Interface{}, err
	}
	d := &decoder{b: b}
	return Interface{Name: d.str(IfNameLen), Index: d.u32(), Flags: d.u32(), MTU: d.u32()}, nil
}

// FIBTable describes one forwarding table.
type FIBTable struct {
	ID      uint32
	Name    string
	Coupled bool
}

// Marshal encodes the table.
func (t FIBTable) Marshal() []byte {
	e := newEncoder(FIBTableSize)
	e.u32(t.ID)
	e.str(t.Name, DescrLen)
	e.bool(t.Coupled)
	return e.b
}

// UnmarshalFIBTable decodes a table.
func UnmarshalFIBTable(b []byte) (FIBTable, error) {
	if err := checkSize("fib table", b, FIBTableSize); err != nil {
		return FIBTable{}, err
	}
	d := &decoder{b: b}
	return FIBTable{ID: d.u32(), Name: d.str(DescrLen), Coupled: d.bool()}, nil
}
