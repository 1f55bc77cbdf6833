package config_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/dantte-lp/bgpctld/internal/config"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Control.Socket != "/var/run/bgpd.sock" {
		t.Errorf("Control.Socket = %q, want %q", cfg.Control.Socket, "/var/run/bgpd.sock")
	}

	if cfg.Control.RestrictedSocket != "" {
		t.Errorf("Control.RestrictedSocket = %q, want empty", cfg.Control.RestrictedSocket)
	}

	if cfg.Control.HighWatermark != 262144 || cfg.Control.LowWatermark != 131072 {
		t.Errorf("watermarks = %d/%d, want 262144/131072", cfg.Control.HighWatermark, cfg.Control.LowWatermark)
	}

	if cfg.Control.AcceptBackoff != time.Second {
		t.Errorf("Control.AcceptBackoff = %v, want %v", cfg.Control.AcceptBackoff, time.Second)
	}

	if cfg.Metrics.Addr != ":9180" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9180")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.GoBGP.Enabled {
		t.Error("GoBGP.Enabled = true, want false")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
control:
  socket: "/run/bgpctld/bgpd.sock"
  restricted_socket: "/run/bgpctld/bgpd.rsock"
  high_watermark: 2048
  low_watermark: 1024
  accept_backoff: "250ms"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
gobgp:
  enabled: true
  addr: "10.0.0.1:50051"
peers:
  - address: "192.0.2.1"
    remote_as: 65001
    description: "upstream-a"
    group: "transit"
    route_refresh: true
  - address: "2001:db8::2"
    remote_as: 65002
    template: true
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Control.Socket != "/run/bgpctld/bgpd.sock" {
		t.Errorf("Control.Socket = %q, want %q", cfg.Control.Socket, "/run/bgpctld/bgpd.sock")
	}

	if cfg.Control.RestrictedSocket != "/run/bgpctld/bgpd.rsock" {
		t.Errorf("Control.RestrictedSocket = %q, want %q", cfg.Control.RestrictedSocket, "/run/bgpctld/bgpd.rsock")
	}

	if cfg.Control.HighWatermark != 2048 || cfg.Control.LowWatermark != 1024 {
		t.Errorf("watermarks = %d/%d, want 2048/1024", cfg.Control.HighWatermark, cfg.Control.LowWatermark)
	}

	if cfg.Control.WriteBudget != 64*1024 {
		t.Errorf("Control.WriteBudget = %d, want default %d", cfg.Control.WriteBudget, 64*1024)
	}

	if cfg.Control.AcceptBackoff != 250*time.Millisecond {
		t.Errorf("Control.AcceptBackoff = %v, want %v", cfg.Control.AcceptBackoff, 250*time.Millisecond)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}

	if !cfg.GoBGP.Enabled || cfg.GoBGP.Addr != "10.0.0.1:50051" || cfg.GoBGP.Timeout != 10*time.Second {
		t.Errorf("GoBGP = %+v, want enabled at 10.0.0.1:50051 with default timeout", cfg.GoBGP)
	}

	if len(cfg.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(cfg.Peers))
	}

	want := config.PeerConfig{
		Address:      "192.0.2.1",
		RemoteAS:     65001,
		Description:  "upstream-a",
		Group:        "transit",
		RouteRefresh: true,
	}
	if cfg.Peers[0] != want {
		t.Errorf("Peers[0] = %+v, want %+v", cfg.Peers[0], want)
	}

	if !cfg.Peers[1].Template {
		t.Error("Peers[1].Template = false, want true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	t.Setenv("BGPCTLD_CONTROL_RESTRICTED_SOCKET", "/tmp/env.rsock")
	t.Setenv("BGPCTLD_CONTROL_HIGH_WATERMARK", "4096")
	t.Setenv("BGPCTLD_CONTROL_LOW_WATERMARK", "2048")
	t.Setenv("BGPCTLD_LOG_LEVEL", "warn")

	path := writeTemp(t, "log:\n  level: debug\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Control.RestrictedSocket != "/tmp/env.rsock" {
		t.Errorf("Control.RestrictedSocket = %q, want %q", cfg.Control.RestrictedSocket, "/tmp/env.rsock")
	}

	if cfg.Control.HighWatermark != 4096 {
		t.Errorf("Control.HighWatermark = %d, want 4096", cfg.Control.HighWatermark)
	}

	if cfg.Control.LowWatermark != 2048 {
		t.Errorf("Control.LowWatermark = %d, want 2048", cfg.Control.LowWatermark)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want env override %q", cfg.Log.Level, "warn")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "log:\n  level: \"warn\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	def := config.DefaultConfig()
	if cfg.Control != def.Control {
		t.Errorf("Control = %+v, want defaults %+v", cfg.Control, def.Control)
	}

	if cfg.Metrics != def.Metrics {
		t.Errorf("Metrics = %+v, want defaults %+v", cfg.Metrics, def.Metrics)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty socket",
			modify:  func(cfg *config.Config) { cfg.Control.Socket = "" },
			wantErr: config.ErrEmptySocket,
		},
		{
			name: "same socket twice",
			modify: func(cfg *config.Config) {
				cfg.Control.RestrictedSocket = cfg.Control.Socket
			},
			wantErr: config.ErrSameSocket,
		},
		{
			name: "high equals low",
			modify: func(cfg *config.Config) {
				cfg.Control.HighWatermark = cfg.Control.LowWatermark
			},
			wantErr: config.ErrInvalidWatermarks,
		},
		{
			name:    "zero low watermark",
			modify:  func(cfg *config.Config) { cfg.Control.LowWatermark = 0 },
			wantErr: config.ErrInvalidWatermarks,
		},
		{
			name:    "zero write budget",
			modify:  func(cfg *config.Config) { cfg.Control.WriteBudget = 0 },
			wantErr: config.ErrInvalidWriteBudget,
		},
		{
			name:    "negative accept backoff",
			modify:  func(cfg *config.Config) { cfg.Control.AcceptBackoff = -time.Second },
			wantErr: config.ErrInvalidAcceptBackoff,
		},
		{
			name: "gobgp enabled without address",
			modify: func(cfg *config.Config) {
				cfg.GoBGP.Enabled = true
				cfg.GoBGP.Addr = ""
			},
			wantErr: config.ErrEmptyGoBGPAddr,
		},
		{
			name: "bad peer address",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{{Address: "not-an-ip"}}
			},
			wantErr: config.ErrInvalidPeerAddr,
		},
		{
			name: "empty peer address",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{{}}
			},
			wantErr: config.ErrInvalidPeerAddr,
		},
		{
			name: "duplicate peer",
			modify: func(cfg *config.Config) {
				cfg.Peers = []config.PeerConfig{{Address: "192.0.2.1"}, {Address: "192.0.2.1"}}
			},
			wantErr: config.ErrDuplicatePeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPeerSet(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Peers = []config.PeerConfig{
		{Address: "198.51.100.7", RemoteAS: 65007, Description: "b"},
		{Address: "192.0.2.1", RemoteAS: 65001, Description: "a", Group: "transit", Template: true, RouteRefresh: true},
	}

	set, err := cfg.PeerSet()
	if err != nil {
		t.Fatalf("PeerSet: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", set.Len())
	}

	var order []uint32
	set.Ascend(func(p *peer.Peer) bool {
		order = append(order, p.ID)
		return true
	})
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("ascending ids = %v, want [2 1] (address order)", order)
	}

	p := set.ByID(2)
	if p == nil {
		t.Fatal("ByID(2) = nil")
	}
	if p.Addr != netip.MustParseAddr("192.0.2.1") || p.Group != "transit" || !p.Template ||
		!p.Capabilities.RouteRefresh || p.State != peer.StateIdle {
		t.Errorf("peer 2 = %+v, want the configured transit template", p)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestWatchReportsWrites(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "log:\n  level: info\n")

	var changes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, 50*time.Millisecond, func() { changes.Add(1) }, slogt.New(t))
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	for range 3 {
		if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yml"), nil, 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for changes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := changes.Load(); got != 1 {
		t.Errorf("changes = %d, want 1 after debounced writes", got)
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "bgpctld.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
