// Package imsg implements the length-prefixed message framing shared by
// control clients and the daemon's internal engines.
//
// Every frame is a fixed 16-byte header followed by exactly Len-HeaderSize
// payload bytes. A frame is never handed to a caller until it is complete.
package imsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// HeaderSize is the size of the fixed frame header in bytes.
const HeaderSize = 16

// MaxSize is the largest frame (header included) the protocol carries.
// The length field is 16 bits wide; the daemon caps frames well below it.
const MaxSize = 16384

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = MaxSize - HeaderSize

// unknownFmt is the format string for unrecognized enum values.
const unknownFmt = "Unknown(%d)"

// Sentinel errors for frame decoding.
var (
	// ErrBadLength indicates a header whose length field is outside
	// [HeaderSize, MaxSize]. The stream cannot be resynchronized.
	ErrBadLength = errors.New("imsg: bad frame length")

	// ErrPayloadSize indicates a fixed-shape payload of the wrong size.
	ErrPayloadSize = errors.New("imsg: unexpected payload size")

	// ErrBufferFull indicates the inbound buffer has no room left even
	// though no complete frame is buffered.
	ErrBufferFull = errors.New("imsg: inbound buffer full")
)

// -------------------------------------------------------------------------
// Type: message type enumeration
// -------------------------------------------------------------------------

// Type identifies the meaning of a frame's payload.
type Type uint32

// Message types. The numbering is internal to this daemon and its tools.
const (
	// TypeNone is the no-op sentinel; a denied frame is rewritten to it.
	TypeNone Type = iota
	TypeResult
	TypeEnd
	TypeFIBCouple
	TypeFIBDecouple
	TypeReload
	TypeShowInterface
	TypeShowFIBTables
	TypeShowRTR
	TypeKRoute
	TypeKRouteAddr
	TypeShowNexthop
	TypeShowNeighbor
	TypeShowTerse
	TypeShowTimer
	TypeShowRIB
	TypeShowRIBPrefix
	TypeShowRIBMem
	TypeShowNetwork
	TypeShowFlowspec
	TypeShowSet
	TypeNeighborUp
	TypeNeighborDown
	TypeNeighborClear
	TypeNeighborRefresh
	TypeNeighborDestroy
	TypeNetworkAdd
	TypeNetworkASPath
	TypeNetworkAttr
	TypeNetworkRemove
	TypeNetworkFlush
	TypeNetworkDone
	TypeFlowspecAdd
	TypeFlowspecRemove
	TypeFlowspecDone
	TypeFlowspecFlush
	TypeFilterSet
	TypeLogVerbose
	TypeTerminate
	TypeXOFF
	TypeXON
	TypeInterface
	TypeFIBTable
	TypeRIBEntry
	TypeRIBMem

	typeMax
)

//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var typeNames = [typeMax]string{
	TypeNone:            "None",
	TypeResult:          "Result",
	TypeEnd:             "End",
	TypeFIBCouple:       "FIBCouple",
	TypeFIBDecouple:     "FIBDecouple",
	TypeReload:          "Reload",
	TypeShowInterface:   "ShowInterface",
	TypeShowFIBTables:   "ShowFIBTables",
	TypeShowRTR:         "ShowRTR",
	TypeKRoute:          "KRoute",
	TypeKRouteAddr:      "KRouteAddr",
	TypeShowNexthop:     "ShowNexthop",
	TypeShowNeighbor:    "ShowNeighbor",
	TypeShowTerse:       "ShowTerse",
	TypeShowTimer:       "ShowTimer",
	TypeShowRIB:         "ShowRIB",
	TypeShowRIBPrefix:   "ShowRIBPrefix",
	TypeShowRIBMem:      "ShowRIBMem",
	TypeShowNetwork:     "ShowNetwork",
	TypeShowFlowspec:    "ShowFlowspec",
	TypeShowSet:         "ShowSet",
	TypeNeighborUp:      "NeighborUp",
	TypeNeighborDown:    "NeighborDown",
	TypeNeighborClear:   "NeighborClear",
	TypeNeighborRefresh: "NeighborRefresh",
	TypeNeighborDestroy: "NeighborDestroy",
	TypeNetworkAdd:      "NetworkAdd",
	TypeNetworkASPath:   "NetworkASPath",
	TypeNetworkAttr:     "NetworkAttr",
	TypeNetworkRemove:   "NetworkRemove",
	TypeNetworkFlush:    "NetworkFlush",
	TypeNetworkDone:     "NetworkDone",
	TypeFlowspecAdd:     "FlowspecAdd",
	TypeFlowspecRemove:  "FlowspecRemove",
	TypeFlowspecDone:    "FlowspecDone",
	TypeFlowspecFlush:   "FlowspecFlush",
	TypeFilterSet:       "FilterSet",
	TypeLogVerbose:      "LogVerbose",
	TypeTerminate:       "Terminate",
	TypeXOFF:            "XOFF",
	TypeXON:             "XON",
	TypeInterface:       "Interface",
	TypeFIBTable:        "FIBTable",
	TypeRIBEntry:        "RIBEntry",
	TypeRIBMem:          "RIBMem",
}

// String returns the human-readable name of the message type.
func (t Type) String() string {
	if t < typeMax {
		return typeNames[t]
	}
	return fmt.Sprintf(unknownFmt, uint32(t))
}

// -------------------------------------------------------------------------
// Result: closed set of synchronous reply codes
// -------------------------------------------------------------------------

// Result is the code carried by a TypeResult frame.
type Result uint32

// Result codes.
const (
	ResultOK Result = iota
	ResultDenied
	ResultNoSuchPeer
	ResultBadPeer
	ResultBadState
	ResultNoCap
	ResultParseError
)

// String returns the human-readable name of the result code.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultDenied:
		return "Denied"
	case ResultNoSuchPeer:
		return "NoSuchPeer"
	case ResultBadPeer:
		return "BadPeer"
	case ResultBadState:
		return "BadState"
	case ResultNoCap:
		return "NoCap"
	case ResultParseError:
		return "ParseError"
	default:
		return fmt.Sprintf(unknownFmt, uint32(r))
	}
}

// Message returns the operator-facing explanation of a result code.
func (r Result) Message() string {
	switch r {
	case ResultOK:
		return "request processed"
	case ResultDenied:
		return "not allowed on restricted socket"
	case ResultNoSuchPeer:
		return "no such neighbor"
	case ResultBadPeer:
		return "neighbor is not a template instance"
	case ResultBadState:
		return "neighbor is not in idle state"
	case ResultNoCap:
		return "neighbor does not support the requested capability"
	case ResultParseError:
		return "request could not be parsed"
	default:
		return r.String()
	}
}

// -------------------------------------------------------------------------
// Header / Frame
// -------------------------------------------------------------------------

// Header is the fixed prefix of every frame.
//
// Wire layout (big-endian):
//
//	0       4     6       8          12         16
//	| type  | len | flags | peer id  |   pid    |
type Header struct {
	Type   Type
	Len    uint16
	Flags  uint16
	PeerID uint32
	PID    uint32
}

// Frame is one complete header plus payload.
type Frame struct {
	Header
	Data []byte
}

// PayloadLen returns the payload size declared by the header.
func (h Header) PayloadLen() int {
	return int(h.Len) - HeaderSize
}

// Result decodes the result code of a TypeResult frame.
func (f Frame) Result() (Result, error) {
	if len(f.Data) != 4 {
		return 0, fmt.Errorf("result payload %d bytes: %w", len(f.Data), ErrPayloadSize)
	}
	return Result(binary.BigEndian.Uint32(f.Data)), nil
}

// Compose builds a frame. The payload is copied. A payload larger than
// MaxPayload is a programming error and panics.
func Compose(t Type, peerID, pid uint32, data []byte) Frame {
	if len(data) > MaxPayload {
		panic(fmt.Sprintf("imsg: compose %s: payload %d exceeds %d", t, len(data), MaxPayload))
	}

	var payload []byte
	if len(data) > 0 {
		payload = make([]byte, len(data))
		copy(payload, data)
	}

	return Frame{
		Header: Header{
			Type:   t,
			Len:    uint16(HeaderSize + len(data)), //nolint:gosec // Bounded by MaxPayload above.
			PeerID: peerID,
			PID:    pid,
		},
		Data: payload,
	}
}

// ComposeResult builds a TypeResult frame carrying code.
func ComposeResult(pid uint32, code Result) Frame {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(code))
	return Compose(TypeResult, 0, pid, b[:])
}

// Marshal returns the wire encoding of the frame.
func (f Frame) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Data))
	putHeader(buf, f.Header)
	copy(buf[HeaderSize:], f.Data)
	return buf
}

// putHeader writes h into the first HeaderSize bytes of buf.
func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint16(buf[4:6], h.Len)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.PeerID)
	binary.BigEndian.PutUint32(buf[12:16], h.PID)
}

// parseHeader decodes the first HeaderSize bytes of buf.
func parseHeader(buf []byte) Header {
	return Header{
		Type:   Type(binary.BigEndian.Uint32(buf[0:4])),
		Len:    binary.BigEndian.Uint16(buf[4:6]),
		Flags:  binary.BigEndian.Uint16(buf[6:8]),
		PeerID: binary.BigEndian.Uint32(buf[8:12]),
		PID:    binary.BigEndian.Uint32(buf[12:16]),
	}
}
