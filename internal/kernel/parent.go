// Package kernel is the in-process parent collaborator of the control
// plane: it owns the FIB coupling flag, the reload hook and the interface
// list, and answers the kernel-facing control requests.
package kernel

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dantte-lp/bgpctld/internal/engine"
	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// MainTable is the id of the only forwarding table.
const MainTable = 0

// mainTableName names MainTable in ShowFIBTables replies.
const mainTableName = "main"

// ReloadFunc reloads the daemon configuration.
type ReloadFunc func(ctx context.Context) error

// -------------------------------------------------------------------------
// Parent
// -------------------------------------------------------------------------

// Parent answers FIB, reload, interface and routing-table requests. All
// replies are posted to the control loop's inbox.
type Parent struct {
	out        engine.Poster
	reload     ReloadFunc
	interfaces func() ([]net.Interface, error)
	logger     *slog.Logger

	coupled atomic.Bool

	ctx context.Context
	wg  sync.WaitGroup
}

// Option configures optional Parent parameters.
type Option func(*Parent)

// WithReload sets the hook run by Reload requests.
func WithReload(fn ReloadFunc) Option {
	return func(p *Parent) {
		p.reload = fn
	}
}

// WithInterfaces overrides the interface source.
func WithInterfaces(fn func() ([]net.Interface, error)) Option {
	return func(p *Parent) {
		if fn != nil {
			p.interfaces = fn
		}
	}
}

// NewParent creates a parent posting replies to out. The FIB starts
// coupled. Reload work stops when ctx is cancelled.
func NewParent(ctx context.Context, out engine.Poster, logger *slog.Logger, opts ...Option) *Parent {
	p := &Parent{
		out:        out,
		interfaces: net.Interfaces,
		logger:     logger.With(slog.String("component", "kernel.parent")),
		ctx:        ctx,
	}
	p.coupled.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Coupled reports whether routes are installed into the FIB.
func (p *Parent) Coupled() bool {
	return p.coupled.Load()
}

// Compose accepts one request from the control plane.
func (p *Parent) Compose(t imsg.Type, _, pid uint32, _ []byte) error {
	switch t {
	case imsg.TypeFIBCouple, imsg.TypeFIBDecouple:
		p.couple(t == imsg.TypeFIBCouple)

	case imsg.TypeReload:
		p.startReload(pid)

	case imsg.TypeShowInterface:
		p.showInterfaces(pid)

	case imsg.TypeShowFIBTables:
		p.post(imsg.Compose(imsg.TypeFIBTable, 0, pid, imsg.FIBTable{
			ID:      MainTable,
			Name:    mainTableName,
			Coupled: p.Coupled(),
		}.Marshal()))
		p.end(pid)

	case imsg.TypeKRoute, imsg.TypeKRouteAddr, imsg.TypeShowNexthop, imsg.TypeShowRTR:
		p.end(pid)

	case imsg.TypeLogVerbose:
		// The control plane owns the log level.

	default:
		p.logger.Debug("request not handled by parent",
			slog.String("type", t.String()),
			slog.Uint64("pid", uint64(pid)),
		)
	}
	return nil
}

// Wait blocks until running reloads have finished.
func (p *Parent) Wait() {
	p.wg.Wait()
}

func (p *Parent) couple(on bool) {
	if p.coupled.Swap(on) == on {
		return
	}
	if on {
		p.logger.Info("kernel routing table coupled")
		return
	}
	p.logger.Info("kernel routing table decoupled")
}

// startReload runs the reload hook off the control loop and reports its
// outcome to the requester.
func (p *Parent) startReload(pid uint32) {
	if p.reload == nil {
		p.post(imsg.ComposeResult(pid, imsg.ResultOK))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		code := imsg.ResultOK
		if err := p.reload(p.ctx); err != nil {
			p.logger.Warn("reload failed", slog.String("error", err.Error()))
			code = imsg.ResultParseError
		} else {
			p.logger.Info("configuration reloaded")
		}
		p.post(imsg.ComposeResult(pid, code))
	}()
}

func (p *Parent) showInterfaces(pid uint32) {
	ifs, err := p.interfaces()
	if err != nil {
		p.logger.Warn("interface list unavailable", slog.String("error", err.Error()))
	}
	for _, ifc := range ifs {
		p.post(imsg.Compose(imsg.TypeInterface, 0, pid, imsg.Interface{
			Name:  ifc.Name,
			Index: uint32(ifc.Index), //nolint:gosec // Interface indexes are positive.
			Flags: uint32(ifc.Flags),
			MTU:   uint32(ifc.MTU), //nolint:gosec // MTU is positive.
		}.Marshal()))
	}
	p.end(pid)
}

func (p *Parent) end(pid uint32) {
	p.post(imsg.Compose(imsg.TypeEnd, 0, pid, nil))
}

func (p *Parent) post(f imsg.Frame) {
	if err := p.out.Post(f); err != nil {
		p.logger.Warn("reply dropped",
			slog.String("type", f.Type.String()),
			slog.String("error", err.Error()),
		)
	}
}
