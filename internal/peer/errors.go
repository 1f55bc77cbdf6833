package peer

import "errors"

// Sentinel errors for peer set and FSM operations.
var (
	// ErrDuplicateID indicates a peer with the same id is already in the set.
	ErrDuplicateID = errors.New("duplicate peer id")

	// ErrDuplicateAddr indicates a peer with the same address is already in the set.
	ErrDuplicateAddr = errors.New("duplicate peer address")

	// ErrNoCapability indicates the neighbor did not negotiate the
	// capability a command needs.
	ErrNoCapability = errors.New("capability not negotiated")
)
