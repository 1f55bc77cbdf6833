package commands

import (
	"bufio"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/bgpctld/internal/imsg"
)

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"show summary", "List every neighbor"},
	{"show rib [prefix]", "Show RIB entries"},
	{"show rib-mem", "Show RIB table statistics"},
	{"show network", "Show locally originated networks"},
	{"show interfaces", "Show network interfaces"},
	{"show fib-tables", "Show forwarding tables"},
	{"neighbor show [peer]", "Show neighbor details"},
	{"neighbor up|down|clear <peer>", "Control a neighbor session"},
	{"neighbor refresh|destroy <peer>", "Refresh or remove a neighbor"},
	{"neighbors [prefix]", "Reload and list known neighbor names"},
	{"network add|remove <prefix>", "Change locally originated networks"},
	{"network flush", "Withdraw every local network"},
	{"fib couple|decouple", "Control FIB installation"},
	{"log verbose|brief", "Change daemon log verbosity"},
	{"reload", "Reload the daemon configuration"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

// neighborVerbs are the neighbor subcommands taking a target argument.
var neighborVerbs = []string{"show", "up", "down", "clear", "refresh", "destroy"}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive bgpctl shell",
		Long: "Launches a simple REPL that accepts bgpctl subcommands. Commands may be abbreviated, " +
			"and a neighbor target may be any unique prefix of a known address, description or group. " +
			"Type 'help', 'exit', or 'quit'.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cobra.EnablePrefixMatching = true

			names, err := fetchNeighborNames()
			if err != nil {
				fmt.Fprintln(os.Stderr, "Warning: neighbor names unavailable:", err)
			}

			printShellBanner(len(names))
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("bgpctl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				args := strings.Fields(line)

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case len(args) > 0 && args[0] == "neighbors":
					fresh, err := fetchNeighborNames()
					if err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
						break
					}
					names = fresh
					prefix := ""
					if len(args) > 1 {
						prefix = args[1]
					}
					for _, name := range names.matching(prefix) {
						fmt.Println(" ", name)
					}
				case line != "":
					rootCmd.SetArgs(names.expand(args))

					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}

				fmt.Print("bgpctl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

// -------------------------------------------------------------------------
// Neighbor name expansion
// -------------------------------------------------------------------------

// neighborNames is the sorted set of addresses, descriptions and groups
// the daemon reported.
type neighborNames []string

// fetchNeighborNames asks the daemon for every neighbor.
func fetchNeighborNames() (neighborNames, error) {
	var infos []imsg.PeerInfo
	err := query(imsg.TypeShowTerse, nil, func(f imsg.Frame) error {
		if f.Type != imsg.TypeShowNeighbor {
			return fmt.Errorf("%w: %s", errUnexpectedFrame, f.Type)
		}
		info, err := imsg.UnmarshalPeerInfo(f.Data)
		if err != nil {
			return fmt.Errorf("decode neighbor: %w", err)
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	return namesOf(infos...), nil
}

// namesOf collects the identities of the given neighbors.
func namesOf(infos ...imsg.PeerInfo) neighborNames {
	seen := make(map[string]struct{})
	for _, info := range infos {
		if info.Addr.IsValid() {
			seen[info.Addr.String()] = struct{}{}
		}
		for _, s := range []string{info.Descr, info.Group} {
			if s != "" {
				seen[s] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// matching returns the names starting with prefix.
func (n neighborNames) matching(prefix string) []string {
	var out []string
	for _, name := range n {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// expand completes the target of a neighbor command when it is the
// prefix of exactly one known name. Anything else is returned unchanged.
func (n neighborNames) expand(args []string) []string {
	if len(args) < 3 || args[0] != "neighbor" || !slices.Contains(neighborVerbs, args[1]) {
		return args
	}

	target := args[2]
	if strings.HasPrefix(target, "-") || slices.Contains(n, target) {
		return args
	}

	m := n.matching(target)
	if len(m) != 1 {
		return args
	}

	out := slices.Clone(args)
	out[2] = m[0]
	return out
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner(known int) {
	fmt.Printf("bgpctl interactive shell on %s, %d neighbor names known. "+
		"Type 'help' for available commands, 'exit' to quit.\n", socketPath, known)
	fmt.Println()
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-34s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
