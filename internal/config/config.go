// Package config manages bgpctld daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/bgpctld/internal/peer"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete bgpctld configuration.
type Config struct {
	Control ControlConfig `koanf:"control"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	GoBGP   GoBGPConfig   `koanf:"gobgp"`
	Peers   []PeerConfig  `koanf:"peers"`
}

// ControlConfig holds the control socket parameters.
type ControlConfig struct {
	// Socket is the path of the unrestricted control socket.
	Socket string `koanf:"socket"`

	// RestrictedSocket is the path of the read-only control socket.
	// Empty disables it.
	RestrictedSocket string `koanf:"restricted_socket"`

	// HighWatermark is the queued output, in bytes, above which a
	// connection's producer is paused.
	HighWatermark int `koanf:"high_watermark"`

	// LowWatermark is the queued output, in bytes, below which a paused
	// producer is resumed.
	LowWatermark int `koanf:"low_watermark"`

	// WriteBudget bounds the bytes written to one connection per pass.
	WriteBudget int `koanf:"write_budget"`

	// AcceptBackoff is the longest accept suspension after descriptor
	// exhaustion.
	AcceptBackoff time.Duration `koanf:"accept_backoff"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9180").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// GoBGPConfig holds the GoBGP speaker connection.
type GoBGPConfig struct {
	// Enabled attaches the speaker as RIB and session engine. When false
	// RIB queries answer empty and neighbor commands only change local
	// state.
	Enabled bool `koanf:"enabled"`

	// Addr is the GoBGP gRPC API address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// Timeout bounds each API call.
	Timeout time.Duration `koanf:"timeout"`
}

// PeerConfig describes one configured neighbor.
type PeerConfig struct {
	// Address is the neighbor's remote address.
	Address string `koanf:"address"`

	// RemoteAS is the neighbor's AS number.
	RemoteAS uint32 `koanf:"remote_as"`

	// Description is matched by description filters.
	Description string `koanf:"description"`

	// Group is matched by group filters.
	Group string `koanf:"group"`

	// Template marks a neighbor instantiated from a template; only those
	// may be destroyed at runtime.
	Template bool `koanf:"template"`

	// RouteRefresh records the route refresh capability when no speaker
	// reports it.
	RouteRefresh bool `koanf:"route_refresh"`
}

// Addr parses the Address string as a netip.Addr.
func (pc PeerConfig) Addr() (netip.Addr, error) {
	if pc.Address == "" {
		return netip.Addr{}, fmt.Errorf("peer address: %w", ErrInvalidPeerAddr)
	}
	addr, err := netip.ParseAddr(pc.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse peer address %q: %w", pc.Address, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Socket:        "/var/run/bgpd.sock",
			HighWatermark: 256 * 1024,
			LowWatermark:  128 * 1024,
			WriteBudget:   64 * 1024,
			AcceptBackoff: time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9180",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		GoBGP: GoBGPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:50051",
			Timeout: 10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for bgpctld configuration.
// Variables are named BGPCTLD_<section>_<key>, e.g., BGPCTLD_LOG_LEVEL.
const envPrefix = "BGPCTLD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BGPCTLD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	BGPCTLD_CONTROL_SOCKET          -> control.socket
//	BGPCTLD_CONTROL_HIGH_WATERMARK  -> control.high_watermark
//	BGPCTLD_METRICS_ADDR            -> metrics.addr
//	BGPCTLD_LOG_LEVEL               -> log.level
//	BGPCTLD_GOBGP_ENABLED           -> gobgp.enabled
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BGPCTLD_CONTROL_HIGH_WATERMARK into
// control.high_watermark: the first underscore separates the section, the
// rest belong to the key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.socket":            defaults.Control.Socket,
		"control.restricted_socket": defaults.Control.RestrictedSocket,
		"control.high_watermark":    defaults.Control.HighWatermark,
		"control.low_watermark":     defaults.Control.LowWatermark,
		"control.write_budget":      defaults.Control.WriteBudget,
		"control.accept_backoff":    defaults.Control.AcceptBackoff.String(),
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"gobgp.enabled":             defaults.GoBGP.Enabled,
		"gobgp.addr":                defaults.GoBGP.Addr,
		"gobgp.timeout":             defaults.GoBGP.Timeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptySocket indicates the control socket path is empty.
	ErrEmptySocket = errors.New("control.socket must not be empty")

	// ErrSameSocket indicates both listeners share one path.
	ErrSameSocket = errors.New("control.restricted_socket must differ from control.socket")

	// ErrInvalidWatermarks indicates the watermarks do not keep hysteresis.
	ErrInvalidWatermarks = errors.New("control watermarks must satisfy high > low > 0")

	// ErrInvalidWriteBudget indicates a non-positive write budget.
	ErrInvalidWriteBudget = errors.New("control.write_budget must be > 0")

	// ErrInvalidAcceptBackoff indicates a non-positive accept backoff.
	ErrInvalidAcceptBackoff = errors.New("control.accept_backoff must be > 0")

	// ErrEmptyGoBGPAddr indicates the speaker is enabled without an address.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled")

	// ErrInvalidPeerAddr indicates a peer has an invalid address.
	ErrInvalidPeerAddr = errors.New("peer address is invalid")

	// ErrDuplicatePeer indicates two peers share one address.
	ErrDuplicatePeer = errors.New("duplicate peer address")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	c := cfg.Control
	switch {
	case c.Socket == "":
		return ErrEmptySocket
	case c.RestrictedSocket != "" && c.RestrictedSocket == c.Socket:
		return ErrSameSocket
	case c.LowWatermark <= 0 || c.HighWatermark <= c.LowWatermark:
		return fmt.Errorf("high %d low %d: %w", c.HighWatermark, c.LowWatermark, ErrInvalidWatermarks)
	case c.WriteBudget <= 0:
		return ErrInvalidWriteBudget
	case c.AcceptBackoff <= 0:
		return ErrInvalidAcceptBackoff
	}

	if cfg.GoBGP.Enabled && cfg.GoBGP.Addr == "" {
		return ErrEmptyGoBGPAddr
	}

	return validatePeers(cfg.Peers)
}

// validatePeers checks each neighbor entry for correctness.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[netip.Addr]struct{}, len(peers))

	for i, pc := range peers {
		addr, err := pc.Addr()
		if err != nil {
			return fmt.Errorf("peers[%d]: %w: %w", i, ErrInvalidPeerAddr, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("peers[%d] address %s: %w", i, addr, ErrDuplicatePeer)
		}
		seen[addr] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Peer Set
// -------------------------------------------------------------------------

// PeerSet builds the neighbor set. Ids are assigned from 1 in
// configuration order.
func (cfg *Config) PeerSet() (*peer.Set, error) {
	set := peer.NewSet()
	for i, pc := range cfg.Peers {
		addr, err := pc.Addr()
		if err != nil {
			return nil, fmt.Errorf("peers[%d]: %w", i, err)
		}
		p := &peer.Peer{
			ID:           uint32(i + 1), //nolint:gosec // Peer count is small.
			Addr:         addr,
			RemoteAS:     pc.RemoteAS,
			Descr:        pc.Description,
			Group:        pc.Group,
			Template:     pc.Template,
			Capabilities: peer.Capabilities{RouteRefresh: pc.RouteRefresh},
			State:        peer.StateIdle,
			IdleHoldTime: peer.IdleHoldInitial,
		}
		if err := set.Add(p); err != nil {
			return nil, fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	return set, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
