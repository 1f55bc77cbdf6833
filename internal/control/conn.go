package control

import (
	"slices"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// -------------------------------------------------------------------------
// Conn: one accepted control client
// -------------------------------------------------------------------------

// ConnID is the stable identifier of a connection within the table.
type ConnID uint64

// Conn is one accepted client socket and its protocol state. Conns are
// owned by the Table; everything else refers to them by fd or pid.
type Conn struct {
	id  ConnID
	fd  int
	pid uint32 // requester pid; zero until a reply is owed

	in  imsg.Buffer
	out imsg.Queue

	restricted bool
	throttled  bool
	terminate  bool
}

// ConnState is a read-only snapshot of a connection.
type ConnState struct {
	PID              uint32
	Restricted       bool
	Throttled        bool
	TerminatePending bool
	Queued           int
}

func (c *Conn) state() ConnState {
	return ConnState{
		PID:              c.pid,
		Restricted:       c.restricted,
		Throttled:        c.throttled,
		TerminatePending: c.terminate,
		Queued:           c.out.Queued(),
	}
}

// events returns the poll directions the connection wants: always read,
// and write while output is queued.
func (c *Conn) events() int16 {
	ev := int16(unix.POLLIN)
	if c.out.Queued() > 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// -------------------------------------------------------------------------
// Table: owned collection with secondary indexes
// -------------------------------------------------------------------------

// Table owns every live connection. Lookups go through the fd and pid
// indexes; iteration follows accept order.
type Table struct {
	next  ConnID
	conns map[ConnID]*Conn
	order []ConnID
	byFD  map[int]ConnID
	byPID map[uint32]ConnID
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		conns: make(map[ConnID]*Conn),
		byFD:  make(map[int]ConnID),
		byPID: make(map[uint32]ConnID),
	}
}

// Add registers a new connection for fd.
func (t *Table) Add(fd int, restricted bool) *Conn {
	t.next++
	c := &Conn{id: t.next, fd: fd, restricted: restricted}
	t.conns[c.id] = c
	t.order = append(t.order, c.id)
	t.byFD[fd] = c.id
	return c
}

// Remove drops c from the table and every index.
func (t *Table) Remove(c *Conn) {
	delete(t.conns, c.id)
	delete(t.byFD, c.fd)
	if id, ok := t.byPID[c.pid]; ok && id == c.id {
		delete(t.byPID, c.pid)
	}
	t.order = slices.DeleteFunc(t.order, func(id ConnID) bool { return id == c.id })
}

// ByFD returns the connection using fd, or nil.
func (t *Table) ByFD(fd int) *Conn {
	id, ok := t.byFD[fd]
	if !ok {
		return nil
	}
	return t.conns[id]
}

// ByPID returns the connection owning requester pid, or nil. Pid zero
// never resolves.
func (t *Table) ByPID(pid uint32) *Conn {
	if pid == 0 {
		return nil
	}
	id, ok := t.byPID[pid]
	if !ok {
		return nil
	}
	return t.conns[id]
}

// SetPID records pid as the requester owning c.
func (t *Table) SetPID(c *Conn, pid uint32) {
	if pid == 0 || c.pid == pid {
		return
	}
	if id, ok := t.byPID[c.pid]; ok && id == c.id {
		delete(t.byPID, c.pid)
	}
	c.pid = pid
	t.byPID[pid] = c.id
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	return len(t.order)
}

// Each calls fn for every connection in accept order.
func (t *Table) Each(fn func(c *Conn)) {
	for _, id := range slices.Clone(t.order) {
		if c, ok := t.conns[id]; ok {
			fn(c)
		}
	}
}

// FillPoll appends one poll entry per connection to pfds.
func (t *Table) FillPoll(pfds []unix.PollFd) []unix.PollFd {
	for _, id := range t.order {
		c := t.conns[id]
		pfds = append(pfds, unix.PollFd{
			Fd:     int32(c.fd), //nolint:gosec // File descriptors fit in int32.
			Events: c.events(),
		})
	}
	return pfds
}
