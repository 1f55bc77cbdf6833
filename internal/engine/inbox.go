// Package engine carries replies from the engine collaborators back to
// the control loop.
//
// Engines run on their own goroutines and answer asynchronously. They
// Post reply frames into an Inbox; the control loop polls the inbox
// descriptor next to its sockets and drains the frames on its own
// goroutine, so connection and neighbor state is never touched
// concurrently.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// ErrInboxClosed indicates a Post after Close.
var ErrInboxClosed = errors.New("engine inbox closed")

// Poster accepts reply frames from an engine goroutine.
type Poster interface {
	Post(f imsg.Frame) error
}

// Inbox is an unbounded multi-producer queue of reply frames with a
// pollable wake descriptor. Post never blocks.
type Inbox struct {
	mu      sync.Mutex
	pending []imsg.Frame
	closed  bool

	rfd int
	wfd int
}

// NewInbox creates an inbox backed by a non-blocking pipe.
func NewInbox() (*Inbox, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("engine inbox pipe: %w", err)
	}
	return &Inbox{rfd: p[0], wfd: p[1]}, nil
}

// Post queues f and wakes the control loop. Safe for concurrent use.
func (in *Inbox) Post(f imsg.Frame) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrInboxClosed
	}
	in.pending = append(in.pending, f)

	// A full pipe already guarantees a wakeup.
	if _, err := unix.Write(in.wfd, []byte{0}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("engine inbox wake: %w", err)
	}
	return nil
}

// Fd returns the descriptor that becomes readable when frames are pending.
func (in *Inbox) Fd() int {
	return in.rfd
}

// Len returns the number of frames waiting to be drained.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Drain clears the wake descriptor and passes every pending frame to fn in
// posting order. fn runs on the caller's goroutine without the inbox lock
// held, so it may Post.
func (in *Inbox) Drain(fn func(imsg.Frame)) {
	var buf [256]byte
	for {
		n, err := unix.Read(in.rfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	in.mu.Lock()
	frames := in.pending
	in.pending = nil
	in.mu.Unlock()

	for _, f := range frames {
		fn(f)
	}
}

// Close releases the pipe. Later Posts fail with ErrInboxClosed.
func (in *Inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil
	}
	in.closed = true
	in.pending = nil
	return errors.Join(unix.Close(in.rfd), unix.Close(in.wfd))
}
