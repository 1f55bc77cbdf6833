// Shutdown Communication (RFC 9003).
//
// GoBGP sends the DisablePeer and ResetPeer communication string inside the
// Cease NOTIFICATION as an RFC 9003 Shutdown Communication, which is UTF-8
// and at most 255 octets. Administrative reasons typed by operators are
// prefixed with the cause so the remote side can tell a shutdown from a
// reset, and cut to fit.

package gobgp

import (
	"strings"
	"unicode/utf8"

	"github.com/dantte-lp/bgpctld/internal/peer"
)

// MaxCommunicationLen is the longest Shutdown Communication in octets.
const MaxCommunicationLen = 255

// FormatCommunication builds the Shutdown Communication sent for cause.
//
// Format: "<cause>" or "<cause>: <reason>", cut at a rune boundary to
// MaxCommunicationLen octets. Invalid UTF-8 in reason is replaced.
func FormatCommunication(cause peer.Cease, reason string) string {
	msg := cause.String()
	if reason = strings.TrimSpace(strings.ToValidUTF8(reason, "�")); reason != "" {
		msg += ": " + reason
	}
	return truncateUTF8(msg, MaxCommunicationLen)
}

// ParseCommunication splits a communication built by FormatCommunication
// back into its cause and reason. ok is false for foreign strings.
func ParseCommunication(communication string) (peer.Cease, string, bool) {
	for _, cause := range []peer.Cease{peer.CeaseAdminDown, peer.CeaseAdminReset} {
		name := cause.String()
		if communication == name {
			return cause, "", true
		}
		if rest, found := strings.CutPrefix(communication, name+": "); found {
			return cause, rest, true
		}
	}
	return 0, "", false
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
