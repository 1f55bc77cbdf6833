package commands

import (
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// requestSent is printed for unanswered requests the daemon did not refuse.
const requestSent = "request sent"

// --- fib couple/decouple ---

func fibCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fib",
		Short: "Control route installation into the kernel",
	}

	cmd.AddCommand(notifyCmd("couple", "Install routes into the FIB", imsg.TypeFIBCouple))
	cmd.AddCommand(notifyCmd("decouple", "Stop installing routes into the FIB", imsg.TypeFIBDecouple))

	return cmd
}

// notifyCmd builds a command sending a payload-less request the daemon
// answers only with a refusal.
func notifyCmd(use, short string, t imsg.Type) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := notify(t, nil); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			fmt.Println(requestSent)
			return nil
		},
	}
}

// --- reload ---

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := command(imsg.TypeReload, nil); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
			fmt.Println("reload request processed")
			return nil
		},
	}
}

// --- log verbose/brief ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Change daemon log verbosity",
	}

	cmd.AddCommand(logLevelCmd("verbose", "Enable debug logging", 1))
	cmd.AddCommand(logLevelCmd("brief", "Restore the configured log level", 0))

	return cmd
}

func logLevelCmd(use, short string, verbose int32) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := notify(imsg.TypeLogVerbose, imsg.MarshalLogVerbose(verbose)); err != nil {
				return fmt.Errorf("log %s: %w", use, err)
			}
			fmt.Println("logging request sent")
			return nil
		},
	}
}

// --- network add/remove/flush ---

func networkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage locally originated networks",
	}

	cmd.AddCommand(networkChangeCmd("add", "Announce a network", imsg.TypeNetworkAdd))
	cmd.AddCommand(networkChangeCmd("remove", "Withdraw a network", imsg.TypeNetworkRemove))
	cmd.AddCommand(notifyCmd("flush", "Withdraw every locally originated network", imsg.TypeNetworkFlush))

	return cmd
}

func networkChangeCmd(use, short string, t imsg.Type) *cobra.Command {
	var nexthop string

	cmd := &cobra.Command{
		Use:   use + " <prefix>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := buildNetwork(args[0], nexthop)
			if err != nil {
				return err
			}
			if err := notify(t, n.Marshal()); err != nil {
				return fmt.Errorf("network %s: %w", use, err)
			}
			fmt.Println(requestSent)
			return nil
		},
	}

	cmd.Flags().StringVar(&nexthop, "nexthop", "", "next hop address (default: self)")

	return cmd
}

// buildNetwork parses a network argument and its optional next hop.
func buildNetwork(prefix, nexthop string) (imsg.Network, error) {
	pfx, err := parsePrefix(prefix)
	if err != nil {
		return imsg.Network{}, err
	}

	n := imsg.Network{Prefix: pfx}
	if nexthop != "" {
		addr, err := netip.ParseAddr(nexthop)
		if err != nil {
			return imsg.Network{}, fmt.Errorf("parse nexthop %q: %w", nexthop, err)
		}
		n.Nexthop = addr.Unmap()
	}
	return n, nil
}
