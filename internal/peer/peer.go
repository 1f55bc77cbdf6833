// Package peer holds the neighbor records the control plane reads and
// administratively mutates, the canonical ordered peer set, and the
// neighbor filter matcher.
//
// The session engine owns the protocol state machine; this package only
// carries the fields control commands inspect or change.
package peer

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// IdleHoldInitial is the idle hold time a neighbor starts with and is
	// reset to by administrative up/clear.
	IdleHoldInitial = 30 * time.Second

	// ClearDelay is the idle hold armed after an administrative reset, so
	// the session does not restart immediately.
	ClearDelay = 5 * time.Second
)

// -------------------------------------------------------------------------
// State: session FSM state as seen by the control plane
// -------------------------------------------------------------------------

// State is the session FSM state of a neighbor.
type State uint8

// Session states.
const (
	StateNone State = iota
	StateIdle
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Cease is the administrative cause passed when stopping a session.
type Cease uint8

// Administrative stop causes.
const (
	CeaseAdminDown Cease = iota + 1
	CeaseAdminReset
)

// String returns the cause name.
func (c Cease) String() string {
	switch c {
	case CeaseAdminDown:
		return "administrative shutdown"
	case CeaseAdminReset:
		return "administrative reset"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// ReconfAction marks what the next scheduling pass does with a neighbor.
type ReconfAction uint8

// Reconfiguration actions.
const (
	ReconfNone ReconfAction = iota
	ReconfKeep
	ReconfReinit
	ReconfDelete
)

// -------------------------------------------------------------------------
// Timers
// -------------------------------------------------------------------------

// Timer identifies one neighbor timer.
type Timer uint8

// Neighbor timers. Numbering starts at 1; zero is not a timer.
const (
	TimerConnectRetry Timer = iota + 1
	TimerKeepalive
	TimerHold
	TimerIdleHold
	TimerIdleHoldReset
	TimerRestartTimeout

	timerMax
)

// String returns the timer name.
func (t Timer) String() string {
	switch t {
	case TimerConnectRetry:
		return "ConnectRetryTimer"
	case TimerKeepalive:
		return "KeepaliveTimer"
	case TimerHold:
		return "HoldTimer"
	case TimerIdleHold:
		return "IdleHoldTimer"
	case TimerIdleHoldReset:
		return "IdleHoldResetTimer"
	case TimerRestartTimeout:
		return "RestartTimeout"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// -------------------------------------------------------------------------
// Peer
// -------------------------------------------------------------------------

// Capabilities lists the negotiated capabilities control commands check.
type Capabilities struct {
	RouteRefresh bool
}

// Peer is one configured neighbor.
type Peer struct {
	ID       uint32
	Addr     netip.Addr
	RemoteAS uint32
	Descr    string
	Group    string

	// Template is set for neighbors instantiated from a template; only
	// those may be destroyed at runtime.
	Template bool

	Capabilities Capabilities

	State      State
	LastChange time.Time

	// Down is the administrative down flag; Reason is its communication.
	Down   bool
	Reason string

	IdleHoldTime time.Duration
	ErrCount     int
	Reconf       ReconfAction

	Stats imsg.PeerStats

	timers [timerMax]time.Time
}

// SetTimer arms t to expire d after now.
func (p *Peer) SetTimer(t Timer, d time.Duration, now time.Time) {
	if t == 0 || t >= timerMax {
		return
	}
	p.timers[t] = now.Add(d)
}

// StopTimer disarms t.
func (p *Peer) StopTimer(t Timer) {
	if t == 0 || t >= timerMax {
		return
	}
	p.timers[t] = time.Time{}
}

// TimerRunning reports whether t is armed and, if so, its remaining time
// relative to now (never negative).
func (p *Peer) TimerRunning(t Timer, now time.Time) (time.Duration, bool) {
	if t == 0 || t >= timerMax || p.timers[t].IsZero() {
		return 0, false
	}
	return max(p.timers[t].Sub(now), 0), true
}

// RunningTimers returns every armed timer in timer order.
func (p *Peer) RunningTimers(now time.Time) []imsg.TimerInfo {
	var out []imsg.TimerInfo
	for t := Timer(1); t < timerMax; t++ {
		if d, ok := p.TimerRunning(t, now); ok {
			out = append(out, imsg.TimerInfo{Kind: uint8(t), Remaining: d})
		}
	}
	return out
}

// SetState records an FSM state change.
func (p *Peer) SetState(s State, now time.Time) {
	if p.State == s {
		return
	}
	p.State = s
	p.LastChange = now
}

// MergeStats copies the RIB engine's counters into the neighbor.
func (p *Peer) MergeStats(s imsg.PeerStats) {
	p.Stats = s
}

// Info returns the full record sent to control clients.
func (p *Peer) Info() imsg.PeerInfo {
	return imsg.PeerInfo{
		ID:           p.ID,
		Addr:         p.Addr,
		RemoteAS:     p.RemoteAS,
		Descr:        p.Descr,
		Group:        p.Group,
		State:        uint8(p.State),
		Down:         p.Down,
		Reason:       p.Reason,
		Template:     p.Template,
		RouteRefresh: p.Capabilities.RouteRefresh,
		Stats:        p.Stats,
		IdleHold:     p.IdleHoldTime,
		LastChange:   p.LastChange,
	}
}

// -------------------------------------------------------------------------
// Matcher
// -------------------------------------------------------------------------

// Matches reports whether p is selected by f.
//
// A nil or empty filter selects every neighbor. Otherwise exactly one
// discriminator decides, in order: address (exact, family included), then
// group name when IsGroup is set, else description.
func Matches(p *Peer, f *imsg.NeighborFilter) bool {
	switch {
	case f == nil:
		return true
	case f.Addr.IsValid():
		return p.Addr == f.Addr
	case f.Descr != "" && f.IsGroup:
		return p.Group == f.Descr
	case f.Descr != "":
		return p.Descr == f.Descr
	default:
		return true
	}
}

// -------------------------------------------------------------------------
// FSM: session engine collaborator
// -------------------------------------------------------------------------

// FSM triggers session state machine events for a neighbor. It is
// implemented by the session engine; calls must not block.
type FSM interface {
	// Start delivers the manual start event.
	Start(p *Peer)

	// Stop tears the session down with the given cause.
	Stop(p *Peer, cause Cease)

	// RouteRefresh asks the neighbor to resend its routes.
	RouteRefresh(p *Peer) error
}

// -------------------------------------------------------------------------
// Set: canonical ordered peer collection
// -------------------------------------------------------------------------

// Set owns the neighbors, kept sorted by address so every iteration sees
// the same order. Set is not safe for concurrent use; it is only touched
// from the control loop.
type Set struct {
	sorted []*Peer
	byID   map[uint32]*Peer
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{byID: make(map[uint32]*Peer)}
}

// Add inserts p. IDs and addresses must be unique.
func (s *Set) Add(p *Peer) error {
	if _, dup := s.byID[p.ID]; dup {
		return fmt.Errorf("add peer %s id %d: %w", p.Addr, p.ID, ErrDuplicateID)
	}

	i, found := slices.BinarySearchFunc(s.sorted, p.Addr, func(e *Peer, a netip.Addr) int {
		return e.Addr.Compare(a)
	})
	if found {
		return fmt.Errorf("add peer %s: %w", p.Addr, ErrDuplicateAddr)
	}

	s.sorted = slices.Insert(s.sorted, i, p)
	s.byID[p.ID] = p
	return nil
}

// Remove deletes the neighbor with the given id.
func (s *Set) Remove(id uint32) bool {
	p, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	s.sorted = slices.DeleteFunc(s.sorted, func(e *Peer) bool { return e == p })
	return true
}

// ByID returns the neighbor with the given id, or nil.
func (s *Set) ByID(id uint32) *Peer {
	return s.byID[id]
}

// Len returns the number of neighbors.
func (s *Set) Len() int {
	return len(s.sorted)
}

// Empty reports whether the set holds no neighbors.
func (s *Set) Empty() bool {
	return len(s.sorted) == 0
}

// Ascend calls fn for each neighbor in address order until fn returns false.
func (s *Set) Ascend(fn func(p *Peer) bool) {
	for _, p := range s.sorted {
		if !fn(p) {
			return
		}
	}
}

// Any reports whether some neighbor matches f.
func (s *Set) Any(f *imsg.NeighborFilter) bool {
	for _, p := range s.sorted {
		if Matches(p, f) {
			return true
		}
	}
	return false
}

// Collect removes the neighbors marked ReconfDelete and returns them.
func (s *Set) Collect() []*Peer {
	var removed []*Peer
	s.sorted = slices.DeleteFunc(s.sorted, func(p *Peer) bool {
		if p.Reconf != ReconfDelete {
			return false
		}
		removed = append(removed, p)
		delete(s.byID, p.ID)
		return true
	})
	return removed
}
