// Package gobgp backs the control plane with a GoBGP speaker reached over
// its gRPC API.
//
// RIB answers the RIB engine side of the control protocol: neighbor
// counters, RIB and network listings, table summaries and locally
// originated networks. FSM drives the speaker's neighbor sessions for the
// administrative neighbor commands. Both post their replies to the control
// loop's inbox and never block the loop.
package gobgp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// -------------------------------------------------------------------------
// Client Interface
// -------------------------------------------------------------------------

// Client abstracts the GoBGP operations the control plane needs. This
// interface enables testing without a running GoBGP instance.
type Client interface {
	// AddPeer provisions a configured neighbor on the speaker.
	AddPeer(ctx context.Context, p PeerConfig) error

	// DeletePeer removes a neighbor from the speaker.
	DeletePeer(ctx context.Context, addr netip.Addr) error

	// EnablePeer administratively enables a neighbor.
	EnablePeer(ctx context.Context, addr netip.Addr) error

	// DisablePeer administratively disables a neighbor. The communication
	// string is sent as the shutdown reason.
	DisablePeer(ctx context.Context, addr netip.Addr, communication string) error

	// ResetPeer restarts a neighbor session. A soft reset only asks the
	// neighbor to resend its routes.
	ResetPeer(ctx context.Context, addr netip.Addr, communication string, soft bool) error

	// PeerStatus returns the speaker's view of one neighbor.
	PeerStatus(ctx context.Context, addr netip.Addr) (PeerStatus, error)

	// ListPaths streams the paths selected by q to fn in prefix order.
	ListPaths(ctx context.Context, q PathQuery, fn func(imsg.RIBEntry) error) error

	// TableStats summarizes the global table of one family.
	TableStats(ctx context.Context, aid imsg.AID) (imsg.RIBMem, error)

	// AddNetwork originates a prefix.
	AddNetwork(ctx context.Context, n imsg.Network) error

	// DeleteNetwork withdraws an originated prefix.
	DeleteNetwork(ctx context.Context, n imsg.Network) error

	// FlushNetworks withdraws every originated prefix of one family.
	FlushNetworks(ctx context.Context, aid imsg.AID) error

	// Close releases the underlying connection.
	Close() error
}

// PeerConfig is the part of a neighbor definition provisioned on the
// speaker.
type PeerConfig struct {
	Addr     netip.Addr
	RemoteAS uint32
	Descr    string
	Group    string
}

// PeerStatus is the speaker's view of one neighbor.
type PeerStatus struct {
	State        peer.State
	AdminDown    bool
	RouteRefresh bool
	Stats        imsg.PeerStats
}

// PathQuery selects paths for ListPaths.
type PathQuery struct {
	// AID selects the family. Required.
	AID imsg.AID

	// Prefix limits the listing to one exact prefix when valid.
	Prefix netip.Prefix

	// Neighbor limits the listing to paths learned from one neighbor when
	// valid.
	Neighbor netip.Addr

	// BestOnly drops non-best paths.
	BestOnly bool

	// LocalOnly keeps only locally originated paths.
	LocalOnly bool
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("gobgp client is closed")

	// ErrDialFailed indicates the gRPC dial to GoBGP failed.
	ErrDialFailed = errors.New("gobgp gRPC dial failed")

	// ErrPeerNotFound indicates the speaker does not know the neighbor.
	ErrPeerNotFound = errors.New("gobgp peer not found")

	// ErrOffline indicates a mutation on a client with no speaker behind it.
	ErrOffline = errors.New("gobgp integration disabled")

	// ErrUnsupportedFamily indicates an address family the speaker query
	// cannot express.
	ErrUnsupportedFamily = errors.New("unsupported address family")
)

// -------------------------------------------------------------------------
// GRPCClient: production GoBGP gRPC client
// -------------------------------------------------------------------------

// GRPCClient connects to GoBGP's gRPC API and implements the Client
// interface.
//
// The underlying gRPC connection uses insecure credentials (plaintext)
// because GoBGP's API is typically accessed on localhost.
type GRPCClient struct {
	conn   *grpc.ClientConn
	api    apipb.GobgpApiClient
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// GRPCClientConfig holds connection parameters for the GoBGP gRPC client.
type GRPCClientConfig struct {
	// Addr is the GoBGP gRPC listen address (e.g., "127.0.0.1:50051").
	Addr string

	// DialTimeout is the maximum time to wait for the initial connection.
	// Zero means no timeout (use context deadline instead).
	DialTimeout time.Duration
}

// NewGRPCClient creates a new GoBGP gRPC client. grpc.NewClient does not
// block; connectivity is verified on the first RPC.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("create gobgp client: %w: empty address", ErrDialFailed)
	}

	conn, err := grpc.NewClient(
		cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("create gobgp client to %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	client := &GRPCClient{
		conn: conn,
		api:  apipb.NewGobgpApiClient(conn),
		logger: logger.With(
			slog.String("component", "gobgp.client"),
			slog.String("addr", cfg.Addr),
		),
	}

	client.logger.Info("gobgp gRPC client created",
		slog.String("target", cfg.Addr),
	)

	return client, nil
}

// checkOpen fails once the client is closed.
func (c *GRPCClient) checkOpen(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%s: %w", op, ErrClientClosed)
	}
	return nil
}

// AddPeer provisions a neighbor.
func (c *GRPCClient) AddPeer(ctx context.Context, p PeerConfig) error {
	if err := c.checkOpen("add peer"); err != nil {
		return err
	}

	_, err := c.api.AddPeer(ctx, &apipb.AddPeerRequest{
		Peer: &apipb.Peer{
			Conf: &apipb.PeerConf{
				NeighborAddress: p.Addr.String(),
				PeerAsn:         p.RemoteAS,
				Description:     p.Descr,
				PeerGroup:       p.Group,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add peer %s: %w", p.Addr, err)
	}

	c.logger.Info("added BGP peer",
		slog.String("peer", p.Addr.String()),
		slog.Uint64("remote_as", uint64(p.RemoteAS)),
	)
	return nil
}

// DeletePeer removes a neighbor.
func (c *GRPCClient) DeletePeer(ctx context.Context, addr netip.Addr) error {
	if err := c.checkOpen("delete peer"); err != nil {
		return err
	}

	if _, err := c.api.DeletePeer(ctx, &apipb.DeletePeerRequest{Address: addr.String()}); err != nil {
		return fmt.Errorf("delete peer %s: %w", addr, err)
	}

	c.logger.Info("deleted BGP peer", slog.String("peer", addr.String()))
	return nil
}

// DisablePeer disables a BGP peer with an administrative reason.
func (c *GRPCClient) DisablePeer(ctx context.Context, addr netip.Addr, communication string) error {
	if err := c.checkOpen("disable peer"); err != nil {
		return err
	}

	_, err := c.api.DisablePeer(ctx, &apipb.DisablePeerRequest{
		Address:       addr.String(),
		Communication: communication,
	})
	if err != nil {
		return fmt.Errorf("disable peer %s: %w", addr, err)
	}

	c.logger.Info("disabled BGP peer",
		slog.String("peer", addr.String()),
		slog.String("reason", communication),
	)
	return nil
}

// EnablePeer enables a previously disabled BGP peer.
func (c *GRPCClient) EnablePeer(ctx context.Context, addr netip.Addr) error {
	if err := c.checkOpen("enable peer"); err != nil {
		return err
	}

	if _, err := c.api.EnablePeer(ctx, &apipb.EnablePeerRequest{Address: addr.String()}); err != nil {
		return fmt.Errorf("enable peer %s: %w", addr, err)
	}

	c.logger.Info("enabled BGP peer", slog.String("peer", addr.String()))
	return nil
}

// ResetPeer hard or soft resets a BGP peer. Soft resets are inbound only.
func (c *GRPCClient) ResetPeer(ctx context.Context, addr netip.Addr, communication string, soft bool) error {
	if err := c.checkOpen("reset peer"); err != nil {
		return err
	}

	req := &apipb.ResetPeerRequest{
		Address:       addr.String(),
		Communication: communication,
		Soft:          soft,
	}
	if soft {
		req.Direction = apipb.ResetPeerRequest_IN
	}
	if _, err := c.api.ResetPeer(ctx, req); err != nil {
		return fmt.Errorf("reset peer %s: %w", addr, err)
	}

	c.logger.Info("reset BGP peer",
		slog.String("peer", addr.String()),
		slog.Bool("soft", soft),
	)
	return nil
}

// PeerStatus fetches one neighbor's state and counters.
func (c *GRPCClient) PeerStatus(ctx context.Context, addr netip.Addr) (PeerStatus, error) {
	if err := c.checkOpen("peer status"); err != nil {
		return PeerStatus{}, err
	}

	stream, err := c.api.ListPeer(ctx, &apipb.ListPeerRequest{
		Address:          addr.String(),
		EnableAdvertised: true,
	})
	if err != nil {
		return PeerStatus{}, fmt.Errorf("list peer %s: %w", addr, err)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return PeerStatus{}, fmt.Errorf("peer status %s: %w", addr, ErrPeerNotFound)
		}
		if err != nil {
			return PeerStatus{}, fmt.Errorf("list peer %s: %w", addr, err)
		}
		if p := resp.GetPeer(); p != nil {
			return StatusFromPeer(p), nil
		}
	}
}

// ListPaths streams the global table paths selected by q.
func (c *GRPCClient) ListPaths(ctx context.Context, q PathQuery, fn func(imsg.RIBEntry) error) error {
	if err := c.checkOpen("list paths"); err != nil {
		return err
	}

	family, err := familyOf(q.AID)
	if err != nil {
		return fmt.Errorf("list paths: %w", err)
	}

	req := &apipb.ListPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    family,
		SortType:  apipb.ListPathRequest_PREFIX,
	}
	if q.Prefix.IsValid() {
		req.Prefixes = []*apipb.TableLookupPrefix{{
			Prefix: q.Prefix.String(),
			Type:   apipb.TableLookupPrefix_EXACT,
		}}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.api.ListPath(ctx, req)
	if err != nil {
		return fmt.Errorf("list paths %s: %w", q.AID, err)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list paths %s: %w", q.AID, err)
		}

		dst := resp.GetDestination()
		for _, p := range dst.GetPaths() {
			if !q.selects(p) {
				continue
			}
			entry, err := EntryFromPath(dst.GetPrefix(), p, time.Now())
			if err != nil {
				c.logger.Debug("skipping undecodable path",
					slog.String("prefix", dst.GetPrefix()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
}

// TableStats summarizes the global table of one family.
func (c *GRPCClient) TableStats(ctx context.Context, aid imsg.AID) (imsg.RIBMem, error) {
	if err := c.checkOpen("table stats"); err != nil {
		return imsg.RIBMem{}, err
	}

	family, err := familyOf(aid)
	if err != nil {
		return imsg.RIBMem{}, fmt.Errorf("table stats: %w", err)
	}

	resp, err := c.api.GetTable(ctx, &apipb.GetTableRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    family,
	})
	if err != nil {
		return imsg.RIBMem{}, fmt.Errorf("get table %s: %w", aid, err)
	}

	return imsg.RIBMem{
		AID:          aid,
		Destinations: resp.GetNumDestination(),
		Paths:        resp.GetNumPath(),
		Accepted:     resp.GetNumAccepted(),
	}, nil
}

// AddNetwork originates a prefix in the global table.
func (c *GRPCClient) AddNetwork(ctx context.Context, n imsg.Network) error {
	if err := c.checkOpen("add network"); err != nil {
		return err
	}

	path, err := PathFromNetwork(n)
	if err != nil {
		return fmt.Errorf("add network %s: %w", n.Prefix, err)
	}
	if _, err := c.api.AddPath(ctx, &apipb.AddPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Path:      path,
	}); err != nil {
		return fmt.Errorf("add network %s: %w", n.Prefix, err)
	}

	c.logger.Info("network added", slog.String("prefix", n.Prefix.String()))
	return nil
}

// DeleteNetwork withdraws an originated prefix.
func (c *GRPCClient) DeleteNetwork(ctx context.Context, n imsg.Network) error {
	if err := c.checkOpen("delete network"); err != nil {
		return err
	}

	path, err := PathFromNetwork(n)
	if err != nil {
		return fmt.Errorf("delete network %s: %w", n.Prefix, err)
	}
	if _, err := c.api.DeletePath(ctx, &apipb.DeletePathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    path.GetFamily(),
		Path:      path,
	}); err != nil {
		return fmt.Errorf("delete network %s: %w", n.Prefix, err)
	}

	c.logger.Info("network removed", slog.String("prefix", n.Prefix.String()))
	return nil
}

// FlushNetworks withdraws every originated prefix of one family.
func (c *GRPCClient) FlushNetworks(ctx context.Context, aid imsg.AID) error {
	if err := c.checkOpen("flush networks"); err != nil {
		return err
	}

	family, err := familyOf(aid)
	if err != nil {
		return fmt.Errorf("flush networks: %w", err)
	}
	if _, err := c.api.DeletePath(ctx, &apipb.DeletePathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    family,
	}); err != nil {
		return fmt.Errorf("flush networks %s: %w", aid, err)
	}

	c.logger.Info("networks flushed", slog.String("family", aid.String()))
	return nil
}

// Close releases the underlying gRPC connection. After Close, all methods
// return ErrClientClosed.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close gobgp client: %w", err)
	}

	c.logger.Info("gobgp gRPC client closed")

	return nil
}

// -------------------------------------------------------------------------
// Offline: client used when no speaker is configured
// -------------------------------------------------------------------------

// Offline returns a Client with no speaker behind it: queries return empty
// results and mutations fail with ErrOffline.
func Offline() Client {
	return offlineClient{}
}

type offlineClient struct{}

func (offlineClient) AddPeer(context.Context, PeerConfig) error {
	return ErrOffline
}

func (offlineClient) DeletePeer(context.Context, netip.Addr) error {
	return ErrOffline
}

func (offlineClient) EnablePeer(context.Context, netip.Addr) error {
	return ErrOffline
}

func (offlineClient) DisablePeer(context.Context, netip.Addr, string) error {
	return ErrOffline
}

func (offlineClient) ResetPeer(context.Context, netip.Addr, string, bool) error {
	return ErrOffline
}

func (offlineClient) PeerStatus(context.Context, netip.Addr) (PeerStatus, error) {
	return PeerStatus{State: peer.StateIdle}, nil
}

func (offlineClient) ListPaths(context.Context, PathQuery, func(imsg.RIBEntry) error) error {
	return nil
}

func (offlineClient) TableStats(_ context.Context, aid imsg.AID) (imsg.RIBMem, error) {
	return imsg.RIBMem{AID: aid}, nil
}

func (offlineClient) AddNetwork(context.Context, imsg.Network) error {
	return ErrOffline
}

func (offlineClient) DeleteNetwork(context.Context, imsg.Network) error {
	return ErrOffline
}

func (offlineClient) FlushNetworks(context.Context, imsg.AID) error {
	return ErrOffline
}

func (offlineClient) Close() error {
	return nil
}
