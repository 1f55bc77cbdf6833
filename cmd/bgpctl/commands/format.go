// Package commands implements the bgpctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNever  = "never"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// render encodes v as JSON or YAML.
func render(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// table renders a header and rows through a tabwriter.
func table(header string, rows func(w *tabwriter.Writer)) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// -------------------------------------------------------------------------
// Neighbors
// -------------------------------------------------------------------------

type neighborView struct {
	ID           uint32      `json:"id"                yaml:"id"`
	Address      string      `json:"address"           yaml:"address"`
	RemoteAS     uint32      `json:"remote_as"         yaml:"remote_as"`
	Description  string      `json:"description"       yaml:"description"`
	Group        string      `json:"group,omitempty"   yaml:"group,omitempty"`
	State        string      `json:"state"             yaml:"state"`
	AdminDown    bool        `json:"admin_down"        yaml:"admin_down"`
	Reason       string      `json:"reason,omitempty"  yaml:"reason,omitempty"`
	Template     bool        `json:"template"          yaml:"template"`
	RouteRefresh bool        `json:"route_refresh"     yaml:"route_refresh"`
	IdleHold     string      `json:"idle_hold"         yaml:"idle_hold"`
	LastChange   string      `json:"last_change"       yaml:"last_change"`
	Stats        statsView   `json:"stats"             yaml:"stats"`
	Timers       []timerView `json:"timers,omitempty"  yaml:"timers,omitempty"`
}

type statsView struct {
	Prefixes        uint64 `json:"prefixes"         yaml:"prefixes"`
	PrefixesOut     uint64 `json:"prefixes_out"     yaml:"prefixes_out"`
	UpdatesRcvd     uint64 `json:"updates_rcvd"     yaml:"updates_rcvd"`
	WithdrawsRcvd   uint64 `json:"withdraws_rcvd"   yaml:"withdraws_rcvd"`
	EORRcvd         uint64 `json:"eor_rcvd"         yaml:"eor_rcvd"`
	UpdatesSent     uint64 `json:"updates_sent"     yaml:"updates_sent"`
	WithdrawsSent   uint64 `json:"withdraws_sent"   yaml:"withdraws_sent"`
	EORSent         uint64 `json:"eor_sent"         yaml:"eor_sent"`
	PendingUpdates  uint64 `json:"pending_updates"  yaml:"pending_updates"`
	PendingWithdraw uint64 `json:"pending_withdraw" yaml:"pending_withdraw"`
}

type timerView struct {
	Timer     string `json:"timer"     yaml:"timer"`
	Remaining string `json:"remaining" yaml:"remaining"`
}

func neighborToView(info imsg.PeerInfo) *neighborView {
	v := &neighborView{
		ID:           info.ID,
		Address:      info.Addr.String(),
		RemoteAS:     info.RemoteAS,
		Description:  info.Descr,
		Group:        info.Group,
		State:        peer.State(info.State).String(),
		AdminDown:    info.Down,
		Reason:       info.Reason,
		Template:     info.Template,
		RouteRefresh: info.RouteRefresh,
		IdleHold:     info.IdleHold.String(),
		LastChange:   valueNever,
		Stats: statsView{
			Prefixes:        info.Stats.PrefixCount,
			PrefixesOut:     info.Stats.PrefixOutCount,
			UpdatesRcvd:     info.Stats.PrefixRcvdUpdate,
			WithdrawsRcvd:   info.Stats.PrefixRcvdWithdraw,
			EORRcvd:         info.Stats.PrefixRcvdEOR,
			UpdatesSent:     info.Stats.PrefixSentUpdate,
			WithdrawsSent:   info.Stats.PrefixSentWithdraw,
			EORSent:         info.Stats.PrefixSentEOR,
			PendingUpdates:  info.Stats.PendingUpdate,
			PendingWithdraw: info.Stats.PendingWithdraw,
		},
	}
	if !info.LastChange.IsZero() {
		v.LastChange = info.LastChange.UTC().Format(time.RFC3339)
	}
	return v
}

// formatSummary renders one line per neighbor.
func formatSummary(neighbors []*neighborView, format string) (string, error) {
	if format != formatTable {
		return render(neighbors, format)
	}

	return table("NEIGHBOR\tAS\tDESCRIPTION\tSTATE\tPREFIXES\tLAST-CHANGE", func(w *tabwriter.Writer) {
		for _, n := range neighbors {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
				n.Address,
				n.RemoteAS,
				n.Description,
				shortState(n),
				n.Stats.Prefixes,
				n.LastChange,
			)
		}
	})
}

// formatNeighbors renders the detailed view of each neighbor.
func formatNeighbors(neighbors []*neighborView, format string) (string, error) {
	if format != formatTable {
		return render(neighbors, format)
	}

	var out strings.Builder
	for i, n := range neighbors {
		if i > 0 {
			out.WriteString("\n")
		}
		detail, err := formatNeighborDetail(n)
		if err != nil {
			return "", err
		}
		out.WriteString(detail)
	}
	return out.String(), nil
}

func formatNeighborDetail(n *neighborView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Neighbor:\t%s\n", n.Address)
	fmt.Fprintf(w, "Remote AS:\t%d\n", n.RemoteAS)
	fmt.Fprintf(w, "Description:\t%s\n", n.Description)
	if n.Group != "" {
		fmt.Fprintf(w, "Group:\t%s\n", n.Group)
	}
	fmt.Fprintf(w, "State:\t%s\n", shortState(n))
	if n.Reason != "" {
		fmt.Fprintf(w, "Shutdown Reason:\t%s\n", n.Reason)
	}
	fmt.Fprintf(w, "Last Change:\t%s\n", n.LastChange)
	fmt.Fprintf(w, "Idle Hold:\t%s\n", n.IdleHold)
	fmt.Fprintf(w, "Route Refresh:\t%t\n", n.RouteRefresh)
	fmt.Fprintf(w, "Prefixes:\t%d received, %d sent\n", n.Stats.Prefixes, n.Stats.PrefixesOut)
	fmt.Fprintf(w, "Updates:\t%d received, %d sent\n", n.Stats.UpdatesRcvd, n.Stats.UpdatesSent)
	fmt.Fprintf(w, "Withdraws:\t%d received, %d sent\n", n.Stats.WithdrawsRcvd, n.Stats.WithdrawsSent)
	fmt.Fprintf(w, "End-of-RIB:\t%d received, %d sent\n", n.Stats.EORRcvd, n.Stats.EORSent)
	fmt.Fprintf(w, "Pending:\t%d updates, %d withdraws\n", n.Stats.PendingUpdates, n.Stats.PendingWithdraw)

	for _, t := range n.Timers {
		fmt.Fprintf(w, "%s:\t%s\n", t.Timer, t.Remaining)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

// shortState marks administratively down neighbors.
func shortState(n *neighborView) string {
	if n.AdminDown {
		return n.State + " (Admin)"
	}
	return n.State
}

// -------------------------------------------------------------------------
// RIB
// -------------------------------------------------------------------------

type entryView struct {
	Prefix   string `json:"prefix"             yaml:"prefix"`
	Nexthop  string `json:"nexthop"            yaml:"nexthop"`
	Neighbor string `json:"neighbor,omitempty" yaml:"neighbor,omitempty"`
	Best     bool   `json:"best"               yaml:"best"`
	Age      string `json:"age"                yaml:"age"`
	ASPath   string `json:"as_path"            yaml:"as_path"`
}

func entryToView(e imsg.RIBEntry) entryView {
	v := entryView{
		Prefix:  e.Prefix.String(),
		Nexthop: e.Nexthop.String(),
		Best:    e.Best,
		Age:     e.Age.Truncate(time.Second).String(),
		ASPath:  e.ASPath,
	}
	if e.Neighbor.IsValid() {
		v.Neighbor = e.Neighbor.String()
	}
	return v
}

// formatEntries renders RIB entries.
func formatEntries(entries []imsg.RIBEntry, format string) (string, error) {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryToView(e))
	}
	if format != formatTable {
		return render(views, format)
	}

	return table("FLAGS\tPREFIX\tNEXTHOP\tNEIGHBOR\tAGE\tAS-PATH", func(w *tabwriter.Writer) {
		for _, v := range views {
			flags := " "
			if v.Best {
				flags = ">"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				flags, v.Prefix, v.Nexthop, v.Neighbor, v.Age, v.ASPath)
		}
	})
}

type ribMemView struct {
	Family       string `json:"family"       yaml:"family"`
	Destinations uint64 `json:"destinations" yaml:"destinations"`
	Paths        uint64 `json:"paths"        yaml:"paths"`
	Accepted     uint64 `json:"accepted"     yaml:"accepted"`
}

// formatRIBMem renders per-family table statistics.
func formatRIBMem(mems []imsg.RIBMem, format string) (string, error) {
	views := make([]ribMemView, 0, len(mems))
	for _, m := range mems {
		views = append(views, ribMemView{
			Family:       m.AID.String(),
			Destinations: m.Destinations,
			Paths:        m.Paths,
			Accepted:     m.Accepted,
		})
	}
	if format != formatTable {
		return render(views, format)
	}

	return table("FAMILY\tDESTINATIONS\tPATHS\tACCEPTED", func(w *tabwriter.Writer) {
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", v.Family, v.Destinations, v.Paths, v.Accepted)
		}
	})
}

// -------------------------------------------------------------------------
// Kernel
// -------------------------------------------------------------------------

type interfaceView struct {
	Name  string `json:"name"  yaml:"name"`
	Index uint32 `json:"index" yaml:"index"`
	Flags string `json:"flags" yaml:"flags"`
	MTU   uint32 `json:"mtu"   yaml:"mtu"`
}

// formatInterfaces renders the interface list.
func formatInterfaces(ifaces []imsg.Interface, format string) (string, error) {
	views := make([]interfaceView, 0, len(ifaces))
	for _, ifi := range ifaces {
		views = append(views, interfaceView{
			Name:  ifi.Name,
			Index: ifi.Index,
			Flags: net.Flags(ifi.Flags).String(),
			MTU:   ifi.MTU,
		})
	}
	if format != formatTable {
		return render(views, format)
	}

	return table("INTERFACE\tINDEX\tMTU\tFLAGS", func(w *tabwriter.Writer) {
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", v.Name, v.Index, v.MTU, v.Flags)
		}
	})
}

type fibTableView struct {
	ID      uint32 `json:"id"      yaml:"id"`
	Name    string `json:"name"    yaml:"name"`
	Coupled bool   `json:"coupled" yaml:"coupled"`
}

// formatFIBTables renders the forwarding tables.
func formatFIBTables(tables []imsg.FIBTable, format string) (string, error) {
	views := make([]fibTableView, 0, len(tables))
	for _, t := range tables {
		views = append(views, fibTableView{ID: t.ID, Name: t.Name, Coupled: t.Coupled})
	}
	if format != formatTable {
		return render(views, format)
	}

	return table("TABLE\tNAME\tFIB", func(w *tabwriter.Writer) {
		for _, v := range views {
			state := "decoupled"
			if v.Coupled {
				state = "coupled"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", v.ID, v.Name, state)
		}
	})
}
