package control

import "github.com/dantte-lp/bgpctld/internal/imsg"

// Permitted reports whether a frame of type t may be executed on a
// connection of the given class. Restricted connections may only issue
// read-only show requests.
func Permitted(t imsg.Type, restricted bool) bool {
	if !restricted {
		return true
	}

	switch t {
	case imsg.TypeShowNeighbor,
		imsg.TypeShowNexthop,
		imsg.TypeShowInterface,
		imsg.TypeShowRIBMem,
		imsg.TypeShowTerse,
		imsg.TypeShowTimer,
		imsg.TypeShowNetwork,
		imsg.TypeShowFlowspec,
		imsg.TypeShowRIB,
		imsg.TypeShowRIBPrefix,
		imsg.TypeShowSet,
		imsg.TypeShowRTR:
		return true
	default:
		return false
	}
}
