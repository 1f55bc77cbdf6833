package commands

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// errUnknownFamily is returned for an address family other than inet or inet6.
var errUnknownFamily = errors.New("unknown address family, expected inet or inet6")

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show daemon, RIB and kernel state",
	}

	cmd.AddCommand(showSummaryCmd())
	cmd.AddCommand(showRIBCmd())
	cmd.AddCommand(showRIBMemCmd())
	cmd.AddCommand(showNetworkCmd())
	cmd.AddCommand(showInterfacesCmd())
	cmd.AddCommand(showFIBTablesCmd())

	return cmd
}

// --- show summary ---

func showSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "List every neighbor with its session state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var neighbors []*neighborView
			err := query(imsg.TypeShowTerse, nil, func(f imsg.Frame) error {
				return appendNeighbor(&neighbors, f)
			})
			if err != nil {
				return fmt.Errorf("show summary: %w", err)
			}

			out, err := formatSummary(neighbors, outputFormat)
			if err != nil {
				return fmt.Errorf("format summary: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- show rib ---

func showRIBCmd() *cobra.Command {
	var (
		family   string
		neighbor string
		best     bool
	)

	cmd := &cobra.Command{
		Use:   "rib [prefix]",
		Short: "Show RIB entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, req, err := buildRIBRequest(args, family, neighbor, best)
			if err != nil {
				return err
			}

			entries, err := collectEntries(t, req.Marshal())
			if err != nil {
				return fmt.Errorf("show rib: %w", err)
			}

			out, err := formatEntries(entries, outputFormat)
			if err != nil {
				return fmt.Errorf("format rib: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&family, "family", "inet", "address family: inet or inet6")
	flags.StringVar(&neighbor, "neighbor", "", "only paths learned from this neighbor")
	flags.BoolVar(&best, "best", false, "only best paths")

	return cmd
}

// buildRIBRequest turns the rib command line into a request. A prefix
// argument selects a prefix query whose family follows the prefix.
func buildRIBRequest(args []string, family, neighbor string, best bool) (imsg.Type, imsg.RIBRequest, error) {
	var req imsg.RIBRequest

	if neighbor != "" {
		nf, err := parseNeighborFilter(neighbor, false, "")
		if err != nil {
			return 0, req, err
		}
		req.Neighbor = nf
	}
	if best {
		req.Flags |= imsg.RIBFlagBest
	}

	if len(args) == 1 {
		pfx, err := parsePrefix(args[0])
		if err != nil {
			return 0, req, err
		}
		req.Prefix = pfx
		return imsg.TypeShowRIBPrefix, req, nil
	}

	aid, err := parseFamily(family)
	if err != nil {
		return 0, req, err
	}
	req.AID = aid
	return imsg.TypeShowRIB, req, nil
}

// parseFamily maps a family name to its AID.
func parseFamily(s string) (imsg.AID, error) {
	switch s {
	case "inet", "ipv4":
		return imsg.AIDInet, nil
	case "inet6", "ipv6":
		return imsg.AIDInet6, nil
	default:
		return imsg.AIDUnspec, fmt.Errorf("%w: %q", errUnknownFamily, s)
	}
}

// parsePrefix accepts a prefix or a bare address, which becomes a host
// prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if pfx, err := netip.ParsePrefix(s); err == nil {
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse prefix %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// collectEntries runs a RIB listing and decodes every entry.
func collectEntries(t imsg.Type, data []byte) ([]imsg.RIBEntry, error) {
	var entries []imsg.RIBEntry
	err := query(t, data, func(f imsg.Frame) error {
		if f.Type != imsg.TypeRIBEntry {
			return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
		}
		e, err := imsg.UnmarshalRIBEntry(f.Data)
		if err != nil {
			return fmt.Errorf("decode rib entry: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// --- show rib-mem ---

func showRIBMemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rib-mem",
		Short: "Show RIB table statistics",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var mems []imsg.RIBMem
			err := query(imsg.TypeShowRIBMem, nil, func(f imsg.Frame) error {
				if f.Type != imsg.TypeRIBMem {
					return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
				}
				m, err := imsg.UnmarshalRIBMem(f.Data)
				if err != nil {
					return fmt.Errorf("decode rib memory: %w", err)
				}
				mems = append(mems, m)
				return nil
			})
			if err != nil {
				return fmt.Errorf("show rib-mem: %w", err)
			}

			out, err := formatRIBMem(mems, outputFormat)
			if err != nil {
				return fmt.Errorf("format rib-mem: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- show network ---

func showNetworkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "network",
		Short: "Show locally originated networks",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := collectEntries(imsg.TypeShowNetwork, nil)
			if err != nil {
				return fmt.Errorf("show network: %w", err)
			}

			out, err := formatEntries(entries, outputFormat)
			if err != nil {
				return fmt.Errorf("format networks: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- show interfaces ---

func showInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "Show network interfaces known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var ifaces []imsg.Interface
			err := query(imsg.TypeShowInterface, nil, func(f imsg.Frame) error {
				if f.Type != imsg.TypeInterface {
					return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
				}
				ifi, err := imsg.UnmarshalInterface(f.Data)
				if err != nil {
					return fmt.Errorf("decode interface: %w", err)
				}
				ifaces = append(ifaces, ifi)
				return nil
			})
			if err != nil {
				return fmt.Errorf("show interfaces: %w", err)
			}

			out, err := formatInterfaces(ifaces, outputFormat)
			if err != nil {
				return fmt.Errorf("format interfaces: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- show fib-tables ---

func showFIBTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fib-tables",
		Short: "Show forwarding tables",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var tables []imsg.FIBTable
			err := query(imsg.TypeShowFIBTables, nil, func(f imsg.Frame) error {
				if f.Type != imsg.TypeFIBTable {
					return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
				}
				ft, err := imsg.UnmarshalFIBTable(f.Data)
				if err != nil {
					return fmt.Errorf("decode fib table: %w", err)
				}
				tables = append(tables, ft)
				return nil
			})
			if err != nil {
				return fmt.Errorf("show fib-tables: %w", err)
			}

			out, err := formatFIBTables(tables, outputFormat)
			if err != nil {
				return fmt.Errorf("format fib tables: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
