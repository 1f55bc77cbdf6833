package gobgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/bgpctld/internal/engine"
	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// DefaultRequestTimeout bounds one GoBGP call made for a control request.
const DefaultRequestTimeout = 10 * time.Second

// Resolver returns the address of the neighbor with the given id. It is
// called on the control loop goroutine.
type Resolver func(id uint32) (netip.Addr, bool)

// -------------------------------------------------------------------------
// RIB: RIB engine backed by GoBGP
// -------------------------------------------------------------------------

// RIB answers RIB engine requests from the control plane using GoBGP.
//
// Requests are queued per requester pid and run in order on one worker
// goroutine per pid, so the End that closes a listing is posted after
// every reply of that listing. XOFF holds a pid's replies until XON;
// Terminate abandons the pid's queued and running work.
type RIB struct {
	client  Client
	out     engine.Poster
	resolve Resolver
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[uint32]*stream
}

// stream is the ordered work of one requester pid.
type stream struct {
	pid    uint32
	ctx    context.Context
	cancel context.CancelFunc
	tasks  []func(ctx context.Context, s *stream)

	// resume is non-nil while the requester is paused; it is closed on XON.
	resume chan struct{}
}

// RIBOption configures optional RIB parameters.
type RIBOption func(*RIB)

// WithRequestTimeout sets the per-call timeout.
func WithRequestTimeout(d time.Duration) RIBOption {
	return func(r *RIB) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRIB creates a RIB engine posting replies to out. Work stops when ctx
// is cancelled or Close is called.
func NewRIB(ctx context.Context, client Client, out engine.Poster, resolve Resolver, logger *slog.Logger, opts ...RIBOption) *RIB {
	ctx, cancel := context.WithCancel(ctx)
	r := &RIB{
		client:  client,
		out:     out,
		resolve: resolve,
		timeout: DefaultRequestTimeout,
		logger:  logger.With(slog.String("component", "gobgp.rib")),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*stream),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compose accepts one request from the control plane. It never blocks.
func (r *RIB) Compose(t imsg.Type, peerID, pid uint32, data []byte) error {
	switch t {
	case imsg.TypeShowNeighbor:
		addr, ok := r.resolve(peerID)
		if !ok {
			return fmt.Errorf("show neighbor id %d: %w", peerID, ErrPeerNotFound)
		}
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.showNeighbor(ctx, s, peerID, addr)
		})

	case imsg.TypeEnd:
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.end(ctx, s)
		})

	case imsg.TypeShowRIB, imsg.TypeShowRIBPrefix:
		req, err := imsg.UnmarshalRIBRequest(data)
		if err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.showRIB(ctx, s, t, req)
		})

	case imsg.TypeShowNetwork:
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.showNetwork(ctx, s)
		})

	case imsg.TypeShowRIBMem:
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.showRIBMem(ctx, s)
		})

	case imsg.TypeShowFlowspec, imsg.TypeShowSet:
		r.enqueue(pid, func(ctx context.Context, s *stream) {
			r.end(ctx, s)
		})

	case imsg.TypeNetworkAdd, imsg.TypeNetworkRemove:
		n, err := imsg.UnmarshalNetwork(data)
		if err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
		r.enqueue(0, func(ctx context.Context, _ *stream) {
			r.network(ctx, t, n)
		})

	case imsg.TypeNetworkFlush:
		r.enqueue(0, func(ctx context.Context, _ *stream) {
			r.flush(ctx)
		})

	case imsg.TypeTerminate:
		r.terminate(pid)

	case imsg.TypeXOFF:
		r.pause(pid)

	case imsg.TypeXON:
		r.unpause(pid)

	case imsg.TypeLogVerbose:
		r.logger.Debug("verbosity change acknowledged", slog.Uint64("pid", uint64(pid)))

	default:
		r.logger.Debug("request not handled by gobgp",
			slog.String("type", t.String()),
			slog.Uint64("pid", uint64(pid)),
		)
	}
	return nil
}

// Close abandons all work and waits for the workers to exit.
func (r *RIB) Close() {
	r.cancel()
	r.mu.Lock()
	for pid, s := range r.streams {
		s.cancel()
		delete(r.streams, pid)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// -------------------------------------------------------------------------
// Per-pid scheduling
// -------------------------------------------------------------------------

// enqueue appends a task to the pid's stream, starting its worker when
// the stream was idle.
func (r *RIB) enqueue(pid uint32, task func(ctx context.Context, s *stream)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return
	}

	s, ok := r.streams[pid]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		s = &stream{pid: pid, ctx: ctx, cancel: cancel}
		r.streams[pid] = s
	}
	s.tasks = append(s.tasks, task)
	if !ok {
		r.wg.Add(1)
		go r.work(s)
	}
}

// work runs the stream's tasks in order and retires the stream once it
// runs dry.
func (r *RIB) work(s *stream) {
	defer r.wg.Done()
	for {
		task, ok := r.next(s)
		if !ok {
			return
		}
		if s.ctx.Err() != nil {
			continue
		}
		task(s.ctx, s)
	}
}

func (r *RIB) next(s *stream) (func(context.Context, *stream), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(s.tasks) == 0 {
		if r.streams[s.pid] == s {
			delete(r.streams, s.pid)
		}
		s.cancel()
		return nil, false
	}
	task := s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	return task, true
}

func (r *RIB) terminate(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[pid]
	if !ok {
		return
	}
	s.cancel()
	s.tasks = nil
	delete(r.streams, pid)
	r.logger.Debug("request abandoned", slog.Uint64("pid", uint64(pid)))
}

func (r *RIB) pause(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[pid]; ok && s.resume == nil {
		s.resume = make(chan struct{})
	}
}

func (r *RIB) unpause(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[pid]; ok && s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
}

// post delivers a reply for the stream, waiting while it is paused.
func (r *RIB) post(ctx context.Context, s *stream, f imsg.Frame) error {
	for {
		r.mu.Lock()
		resume := s.resume
		r.mu.Unlock()

		if resume == nil {
			break
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return fmt.Errorf("post %s pid %d: %w", f.Type, s.pid, ctx.Err())
		}
	}

	if err := r.out.Post(f); err != nil {
		return fmt.Errorf("post %s pid %d: %w", f.Type, s.pid, err)
	}
	return nil
}

// call runs fn with the per-call timeout.
func (r *RIB) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(ctx)
}

// -------------------------------------------------------------------------
// Request handlers
// -------------------------------------------------------------------------

func (r *RIB) end(ctx context.Context, s *stream) {
	if err := r.post(ctx, s, imsg.Compose(imsg.TypeEnd, 0, s.pid, nil)); err != nil {
		r.logPostErr(err)
	}
}

func (r *RIB) showNeighbor(ctx context.Context, s *stream, peerID uint32, addr netip.Addr) {
	var status PeerStatus
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = r.client.PeerStatus(ctx, addr)
		return err
	})
	if err != nil {
		r.logger.Warn("neighbor counters unavailable",
			slog.String("peer", addr.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	f := imsg.Compose(imsg.TypeShowNeighbor, peerID, s.pid, status.Stats.Marshal())
	if err := r.post(ctx, s, f); err != nil {
		r.logPostErr(err)
	}
}

func (r *RIB) showRIB(ctx context.Context, s *stream, t imsg.Type, req imsg.RIBRequest) {
	q := PathQuery{
		AID:      req.AID,
		Neighbor: req.Neighbor.Addr,
		BestOnly: req.Flags&imsg.RIBFlagBest != 0,
	}
	if t == imsg.TypeShowRIBPrefix {
		q.Prefix = req.Prefix.Masked()
		q.AID = req.PrefixAID()
	}
	r.list(ctx, s, q)
}

func (r *RIB) showNetwork(ctx context.Context, s *stream) {
	for _, aid := range []imsg.AID{imsg.AIDInet, imsg.AIDInet6} {
		if !r.listFamily(ctx, s, PathQuery{AID: aid, LocalOnly: true}) {
			return
		}
	}
	r.end(ctx, s)
}

// list streams one query followed by End.
func (r *RIB) list(ctx context.Context, s *stream, q PathQuery) {
	if r.listFamily(ctx, s, q) {
		r.end(ctx, s)
	}
}

// listFamily streams the entries of q. It reports false when the stream
// was abandoned and nothing more should be posted.
func (r *RIB) listFamily(ctx context.Context, s *stream, q PathQuery) bool {
	err := r.call(ctx, func(ctx context.Context) error {
		return r.client.ListPaths(ctx, q, func(e imsg.RIBEntry) error {
			return r.post(ctx, s, imsg.Compose(imsg.TypeRIBEntry, 0, s.pid, e.Marshal()))
		})
	})
	if err == nil {
		return true
	}
	if s.ctx.Err() != nil {
		return false
	}
	r.logger.Warn("rib listing failed",
		slog.String("family", q.AID.String()),
		slog.String("error", err.Error()),
	)
	return !errors.Is(err, engine.ErrInboxClosed)
}

func (r *RIB) showRIBMem(ctx context.Context, s *stream) {
	for _, aid := range []imsg.AID{imsg.AIDInet, imsg.AIDInet6} {
		var mem imsg.RIBMem
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			mem, err = r.client.TableStats(ctx, aid)
			return err
		})
		if err != nil {
			r.logger.Warn("table summary failed",
				slog.String("family", aid.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := r.post(ctx, s, imsg.Compose(imsg.TypeRIBMem, 0, s.pid, mem.Marshal())); err != nil {
			r.logPostErr(err)
			return
		}
	}
	r.end(ctx, s)
}

func (r *RIB) network(ctx context.Context, t imsg.Type, n imsg.Network) {
	err := r.call(ctx, func(ctx context.Context) error {
		if t == imsg.TypeNetworkAdd {
			return r.client.AddNetwork(ctx, n)
		}
		return r.client.DeleteNetwork(ctx, n)
	})
	if err != nil {
		r.logger.Warn("network change failed",
			slog.String("type", t.String()),
			slog.String("prefix", n.Prefix.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *RIB) flush(ctx context.Context) {
	for _, aid := range []imsg.AID{imsg.AIDInet, imsg.AIDInet6} {
		err := r.call(ctx, func(ctx context.Context) error {
			return r.client.FlushNetworks(ctx, aid)
		})
		if err != nil {
			r.logger.Warn("network flush failed",
				slog.String("family", aid.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *RIB) logPostErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.logger.Warn("reply dropped", slog.String("error", err.Error()))
}
