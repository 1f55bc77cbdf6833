package control

import "errors"

// Sentinel errors for control plane setup and relaying.
var (
	// ErrSocketInUse indicates another daemon is accepting on the control socket.
	ErrSocketInUse = errors.New("control socket already in use")

	// ErrPathTooLong indicates the socket path does not fit sockaddr_un.
	ErrPathTooLong = errors.New("control socket path too long")

	// ErrInvalidWatermarks indicates the flow control thresholds lack hysteresis.
	ErrInvalidWatermarks = errors.New("watermarks must satisfy high > low > 0")

	// ErrNoUpstream indicates a required collaborator is missing.
	ErrNoUpstream = errors.New("upstream collaborator is nil")

	// ErrNoSuchPeer indicates a statistics reply names an unknown neighbor.
	ErrNoSuchPeer = errors.New("no such peer")

	// ErrBadStatsLength indicates a statistics reply with an oversized payload.
	ErrBadStatsLength = errors.New("wrong peer statistics length")

	// ErrUnknownConn indicates a readiness event for an fd not in the table.
	ErrUnknownConn = errors.New("no connection for fd")
)
