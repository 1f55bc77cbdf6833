package engine_test

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/bgpctld/internal/engine"
	"github.com/dantte-lp/bgpctld/internal/imsg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newInbox(t *testing.T) *engine.Inbox {
	t.Helper()
	in, err := engine.NewInbox()
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	t.Cleanup(func() { in.Close() })
	return in
}

func readable(t *testing.T, fd int) bool {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}} //nolint:gosec // Test fd.
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return n > 0
}

func TestInboxPostDrainOrder(t *testing.T) {
	t.Parallel()
	in := newInbox(t)

	if readable(t, in.Fd()) {
		t.Fatal("empty inbox is readable")
	}

	for pid := uint32(1); pid <= 3; pid++ {
		if err := in.Post(imsg.Compose(imsg.TypeEnd, 0, pid, nil)); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if !readable(t, in.Fd()) {
		t.Fatal("inbox with pending frames is not readable")
	}
	if in.Len() != 3 {
		t.Errorf("Len() = %d, want 3", in.Len())
	}

	var got []uint32
	in.Drain(func(f imsg.Frame) { got = append(got, f.PID) })

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("drained pids = %v, want [1 2 3]", got)
	}
	if readable(t, in.Fd()) {
		t.Error("inbox still readable after Drain")
	}
}

// TestInboxManyPosters verifies no frame is lost when the wake pipe fills.
func TestInboxManyPosters(t *testing.T) {
	t.Parallel()
	in := newInbox(t)

	const posters, each = 8, 20000
	var wg sync.WaitGroup
	for range posters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if err := in.Post(imsg.Compose(imsg.TypeRIBEntry, 0, 1, nil)); err != nil {
					t.Errorf("Post: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n := 0
	in.Drain(func(imsg.Frame) { n++ })
	if n != posters*each {
		t.Errorf("drained %d frames, want %d", n, posters*each)
	}
}

func TestInboxDrainReentrantPost(t *testing.T) {
	t.Parallel()
	in := newInbox(t)

	if err := in.Post(imsg.Compose(imsg.TypeEnd, 0, 1, nil)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	in.Drain(func(imsg.Frame) {
		if err := in.Post(imsg.Compose(imsg.TypeEnd, 0, 2, nil)); err != nil {
			t.Errorf("Post from Drain: %v", err)
		}
	})

	if !readable(t, in.Fd()) || in.Len() != 1 {
		t.Errorf("after reentrant post readable=%v len=%d, want true 1", readable(t, in.Fd()), in.Len())
	}
}

func TestInboxClosed(t *testing.T) {
	t.Parallel()
	in := newInbox(t)

	if err := in.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := in.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := in.Post(imsg.Compose(imsg.TypeEnd, 0, 1, nil)); !errors.Is(err, engine.ErrInboxClosed) {
		t.Errorf("Post after Close = %v, want ErrInboxClosed", err)
	}
}
