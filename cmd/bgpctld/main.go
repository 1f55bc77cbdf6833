// bgpctld daemon -- control socket multiplexer for a BGP speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/bgpctld/internal/config"
	"github.com/dantte-lp/bgpctld/internal/control"
	"github.com/dantte-lp/bgpctld/internal/engine"
	"github.com/dantte-lp/bgpctld/internal/gobgp"
	"github.com/dantte-lp/bgpctld/internal/kernel"
	ctlmetrics "github.com/dantte-lp/bgpctld/internal/metrics"
	"github.com/dantte-lp/bgpctld/internal/peer"
	appversion "github.com/dantte-lp/bgpctld/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// controlServiceName is the health check name of the control socket.
const controlServiceName = "bgpctld.control"

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("bgpctld"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload and
	// LogVerbose requests.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("bgpctld starting",
		slog.String("version", appversion.Version),
		slog.String("socket", cfg.Control.Socket),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := ctlmetrics.NewCollector(reg)

	// 5. Run the daemon.
	d := &daemonState{
		cfg:        cfg,
		configPath: *configPath,
		logLevel:   logLevel,
		reg:        reg,
		collector:  collector,
		logger:     logger,
	}
	if err := d.run(); err != nil {
		logger.Error("bgpctld exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("bgpctld stopped")
	return 0
}

// daemonState carries the pieces shared by the daemon goroutines.
type daemonState struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	reg        *prometheus.Registry
	collector  *ctlmetrics.Collector
	logger     *slog.Logger

	plane   *control.Plane
	checker *grpchealth.StaticChecker
}

// run builds the engines and the control plane and runs every daemon
// goroutine under an errgroup with a signal-aware context.
func (d *daemonState) run() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Refuse to start when another daemon answers on the socket.
	if err := control.Check(d.cfg.Control.Socket); err != nil {
		return fmt.Errorf("check control socket: %w", err)
	}

	peers, err := d.cfg.PeerSet()
	if err != nil {
		return fmt.Errorf("build neighbors: %w", err)
	}

	inbox, err := engine.NewInbox()
	if err != nil {
		return fmt.Errorf("create engine inbox: %w", err)
	}
	defer closeInbox(inbox, d.logger)

	// Engines stop issuing work once engineCtx is cancelled.
	engineCtx, cancelEngines := context.WithCancel(context.WithoutCancel(gCtx))
	defer cancelEngines()

	be, err := d.startBackend(engineCtx, peers, inbox)
	if err != nil {
		return err
	}
	defer be.close(d.logger)

	parent := kernel.NewParent(engineCtx, inbox, d.logger,
		kernel.WithReload(func(context.Context) error {
			return d.reload()
		}),
	)
	defer parent.Wait()

	opts := []control.Option{
		control.WithMetrics(d.collector),
		control.WithLogLevel(d.logLevel),
		control.WithReplies(inbox),
	}
	if be.remove != nil {
		opts = append(opts, control.WithPeerRemoved(be.remove))
	}

	plane, err := control.NewPlane(controlConfig(d.cfg.Control), peers, control.Upstream{
		Session: be.session,
		RIB:     be.rib,
		Parent:  parent,
	}, d.logger, opts...)
	if err != nil {
		return fmt.Errorf("create control plane: %w", err)
	}
	d.plane = plane

	if err := d.openListeners(plane); err != nil {
		plane.Close()
		return err
	}

	metricsSrv := d.newMetricsServer()

	g.Go(func() error {
		return plane.Run(gCtx)
	})

	startHTTPServer(gCtx, g, d.cfg.Metrics, metricsSrv, d.logger)
	d.startDaemonGoroutines(gCtx, g)

	notifyReady(d.logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return d.gracefulShutdown(gCtx, cancelEngines, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// openListeners binds the control socket and, when configured, the
// restricted socket.
func (d *daemonState) openListeners(plane *control.Plane) error {
	ln, err := control.Listen(d.cfg.Control.Socket, false)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	plane.AddListener(ln)

	if d.cfg.Control.RestrictedSocket == "" {
		return nil
	}
	if err := control.Check(d.cfg.Control.RestrictedSocket); err != nil {
		return fmt.Errorf("check restricted socket: %w", err)
	}
	rln, err := control.Listen(d.cfg.Control.RestrictedSocket, true)
	if err != nil {
		return fmt.Errorf("listen on restricted socket: %w", err)
	}
	plane.AddListener(rln)
	return nil
}

// controlConfig converts the control section into plane settings.
func controlConfig(cc config.ControlConfig) control.Config {
	return control.Config{
		HighWatermark: cc.HighWatermark,
		LowWatermark:  cc.LowWatermark,
		WriteBudget:   cc.WriteBudget,
		AcceptBackoff: cc.AcceptBackoff,
	}
}

// closeInbox closes the engine inbox, logging any error.
func closeInbox(inbox *engine.Inbox, logger *slog.Logger) {
	if err := inbox.Close(); err != nil {
		logger.Warn("failed to close engine inbox",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// GoBGP Backend
// -------------------------------------------------------------------------

// backend bundles the session engine and RIB serving the control plane.
type backend struct {
	session peer.FSM
	rib     *gobgp.RIB
	fsm     *gobgp.FSM
	client  gobgp.Client
	remove  func(*peer.Peer)
}

// startBackend provisions the neighbors on GoBGP when the integration is
// enabled. Otherwise sessions are tracked locally and every RIB listing
// ends empty.
func (d *daemonState) startBackend(ctx context.Context, peers *peer.Set, out engine.Poster) (*backend, error) {
	// The resolver runs on the control loop, which owns peers.
	resolve := func(id uint32) (netip.Addr, bool) {
		p := peers.ByID(id)
		if p == nil {
			return netip.Addr{}, false
		}
		return p.Addr, true
	}

	cfg := d.cfg.GoBGP
	if !cfg.Enabled {
		d.logger.Info("gobgp integration disabled")
		return &backend{
			session: peer.NewLocalFSM(d.logger),
			rib:     gobgp.NewRIB(ctx, gobgp.Offline(), out, resolve, d.logger),
		}, nil
	}

	client, err := gobgp.NewGRPCClient(gobgp.GRPCClientConfig{
		Addr:        cfg.Addr,
		DialTimeout: cfg.Timeout,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client: %w", err)
	}

	provisionCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	failed := gobgp.Provision(provisionCtx, client, peers, d.logger)
	cancel()

	fsm := gobgp.NewFSM(ctx, client, d.logger)
	d.logger.Info("gobgp integration enabled",
		slog.String("addr", cfg.Addr),
		slog.Int("neighbors", peers.Len()),
		slog.Int("failed", failed),
	)

	return &backend{
		session: fsm,
		rib:     gobgp.NewRIB(ctx, client, out, resolve, d.logger, gobgp.WithRequestTimeout(cfg.Timeout)),
		fsm:     fsm,
		client:  client,
		remove:  fsm.Remove,
	}, nil
}

// close stops the RIB workers, waits for pending session calls and
// closes the GoBGP client.
func (b *backend) close(logger *slog.Logger) {
	b.rib.Close()
	if b.fsm != nil {
		b.fsm.Wait()
	}
	if b.client == nil {
		return
	}
	if err := b.client.Close(); err != nil {
		logger.Warn("failed to close gobgp client",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Daemon goroutines
// -------------------------------------------------------------------------

// startDaemonGoroutines registers the watchdog, SIGHUP reload and config
// file watch goroutines.
func (d *daemonState) startDaemonGoroutines(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP)
		return nil
	})

	if d.configPath == "" {
		return
	}
	g.Go(func() error {
		err := config.Watch(ctx, d.configPath, config.DefaultWatchDelay, func() {
			d.logger.Info("configuration file changed, reloading")
			if err := d.reload(); err != nil {
				d.logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
			}
		}, d.logger)
		if err != nil {
			// Losing the watch leaves SIGHUP and control reloads working.
			d.logger.Warn("configuration watch stopped",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

// handleSIGHUP reloads the configuration on every SIGHUP until ctx is
// cancelled. Reload errors keep the current settings.
func (d *daemonState) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			if err := d.reload(); err != nil {
				d.logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// reload loads a fresh configuration and applies its log level. Socket,
// watermark and neighbor changes take effect on restart.
func (d *daemonState) reload() error {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		return err
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	if d.plane != nil {
		d.plane.SetBaseLevel(newLevel)
	} else {
		d.logLevel.Set(newLevel)
	}

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if newCfg.Control != d.cfg.Control || len(newCfg.Peers) != len(d.cfg.Peers) {
		d.logger.Warn("control socket or neighbor changes require a restart")
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends watchdog keepalives to systemd at half of
// WatchdogSec. It returns immediately when no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown marks the daemon not serving, stops the engines and
// shuts the HTTP server down. The control plane closes its own sockets
// when Run returns.
func (d *daemonState) gracefulShutdown(ctx context.Context, cancelEngines context.CancelFunc, servers ...*http.Server) error {
	d.logger.Info("initiating graceful shutdown")
	notifyStopping(d.logger)

	if d.checker != nil {
		d.checker.SetStatus(controlServiceName, grpchealth.StatusNotServing)
	}
	cancelEngines()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// startHTTPServer registers the metrics and health server goroutine.
func startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	srv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv, cfg.Addr)
	})
}

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates the HTTP server for the Prometheus endpoint and
// the gRPC health check. The handler is wrapped with h2c so plaintext gRPC
// health probes work next to HTTP/1.1 scrapes.
func (d *daemonState) newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Metrics.Path, promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{}))

	d.checker = grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		controlServiceName,
	)
	mux.Handle(grpchealth.NewHandler(d.checker))

	return &http.Server{
		Addr:              d.cfg.Metrics.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
