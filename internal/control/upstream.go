package control

import (
	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// Sender delivers a frame to an engine process. Delivery is asynchronous
// and fire-and-forget; replies come back through the ReplySource.
type Sender interface {
	Compose(t imsg.Type, peerID, pid uint32, data []byte) error
}

// Upstream groups the collaborators the control plane talks to.
type Upstream struct {
	// Session triggers FSM events on neighbors.
	Session peer.FSM

	// RIB receives RIB queries, network changes and flow control signals.
	RIB Sender

	// Parent receives kernel and FIB facing requests.
	Parent Sender
}

// ReplySource hands asynchronous engine replies to the control loop. Fd
// becomes readable when frames are pending; Drain passes each pending
// frame to fn on the calling goroutine.
type ReplySource interface {
	Fd() int
	Drain(fn func(imsg.Frame))
}
