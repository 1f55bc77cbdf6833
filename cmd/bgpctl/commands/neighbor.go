package commands

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/bgpctld/internal/imsg"
	"github.com/dantte-lp/bgpctld/internal/peer"
)

// Sentinel errors for CLI validation.
var (
	errReasonTooLong = errors.New("reason too long")
	errDescrTooLong  = errors.New("description too long")
	errTargetEmpty   = errors.New("neighbor address or description required")
)

func neighborCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "neighbor",
		Aliases: []string{"nei"},
		Short:   "Inspect and control BGP neighbors",
	}

	cmd.AddCommand(neighborShowCmd())
	cmd.AddCommand(neighborActionCmd("up", "Start the session with a neighbor", imsg.TypeNeighborUp, false))
	cmd.AddCommand(neighborActionCmd("down", "Shut a neighbor down administratively", imsg.TypeNeighborDown, true))
	cmd.AddCommand(neighborActionCmd("clear", "Reset the session with a neighbor", imsg.TypeNeighborClear, true))
	cmd.AddCommand(neighborActionCmd("refresh", "Ask a neighbor to resend its routes", imsg.TypeNeighborRefresh, false))
	cmd.AddCommand(neighborActionCmd("destroy", "Remove a cloned neighbor", imsg.TypeNeighborDestroy, false))

	return cmd
}

// --- neighbor show ---

func neighborShowCmd() *cobra.Command {
	var (
		group  bool
		timers bool
	)

	cmd := &cobra.Command{
		Use:   "show [address|description]",
		Short: "Show neighbor details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			filter := imsg.NeighborFilter{ShowTimers: timers}
			if len(args) == 1 {
				f, err := parseNeighborFilter(args[0], group, "")
				if err != nil {
					return err
				}
				f.ShowTimers = timers
				filter = f
			}

			var neighbors []*neighborView
			err := query(imsg.TypeShowNeighbor, filter.Marshal(), func(f imsg.Frame) error {
				return appendNeighbor(&neighbors, f)
			})
			if err != nil {
				return fmt.Errorf("show neighbor: %w", err)
			}

			out, err := formatNeighbors(neighbors, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbors: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&group, "group", false, "treat the argument as a group name")
	cmd.Flags().BoolVar(&timers, "timers", false, "include running timers")

	return cmd
}

// appendNeighbor decodes one neighbor show reply. Timer frames belong to
// the neighbor record that precedes them.
func appendNeighbor(neighbors *[]*neighborView, f imsg.Frame) error {
	switch f.Type {
	case imsg.TypeShowNeighbor:
		info, err := imsg.UnmarshalPeerInfo(f.Data)
		if err != nil {
			return fmt.Errorf("decode neighbor: %w", err)
		}
		*neighbors = append(*neighbors, neighborToView(info))
		return nil

	case imsg.TypeShowTimer:
		ti, err := imsg.UnmarshalTimerInfo(f.Data)
		if err != nil {
			return fmt.Errorf("decode timer: %w", err)
		}
		if n := len(*neighbors); n > 0 {
			last := (*neighbors)[n-1]
			last.Timers = append(last.Timers, timerView{
				Timer:     peer.Timer(ti.Kind).String(),
				Remaining: ti.Remaining.String(),
			})
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
	}
}

// --- neighbor up/down/clear/refresh/destroy ---

func neighborActionCmd(use, short string, t imsg.Type, withReason bool) *cobra.Command {
	var (
		group  bool
		reason string
	)

	cmd := &cobra.Command{
		Use:   use + " <address|description>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			filter, err := parseNeighborFilter(args[0], group, reason)
			if err != nil {
				return err
			}

			if err := command(t, filter.Marshal()); err != nil {
				return fmt.Errorf("neighbor %s: %w", use, err)
			}

			fmt.Println(imsg.ResultOK.Message())
			return nil
		},
	}

	cmd.Flags().BoolVar(&group, "group", false, "treat the argument as a group name")
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "shutdown communication sent to the neighbor")
	}

	return cmd
}

// parseNeighborFilter builds a filter from an address or a description.
// With group set the argument always names a group.
func parseNeighborFilter(arg string, group bool, reason string) (imsg.NeighborFilter, error) {
	if arg == "" {
		return imsg.NeighborFilter{}, errTargetEmpty
	}
	if len(reason) >= imsg.ReasonLen {
		return imsg.NeighborFilter{}, fmt.Errorf("%w: %d bytes, limit %d", errReasonTooLong, len(reason), imsg.ReasonLen-1)
	}

	f := imsg.NeighborFilter{Reason: reason}
	if !group {
		if addr, err := netip.ParseAddr(arg); err == nil {
			f.Addr = addr.Unmap()
			return f, nil
		}
	}

	if len(arg) >= imsg.DescrLen {
		return imsg.NeighborFilter{}, fmt.Errorf("%w: %q, limit %d bytes", errDescrTooLong, arg, imsg.DescrLen-1)
	}
	f.Descr = arg
	f.IsGroup = group
	return f, nil
}
