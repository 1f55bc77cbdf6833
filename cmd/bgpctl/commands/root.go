package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	// defaultSocket is the daemon's default control socket.
	defaultSocket = "/var/run/bgpd.sock"

	// requestTimeoutDefault bounds a single exchange with the daemon.
	requestTimeoutDefault = 30 * time.Second

	// refusalWait is how long an unanswered request waits for a denial.
	refusalWait = 250 * time.Millisecond
)

var (
	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// socketPath is the daemon control socket.
	socketPath string

	// requestTimeout bounds one exchange with the daemon.
	requestTimeout time.Duration
)

// rootCmd is the top-level cobra command for bgpctl.
var rootCmd = &cobra.Command{
	Use:   "bgpctl",
	Short: "CLI client for the bgpctld daemon",
	Long:  "bgpctl talks to the bgpctld control socket to inspect and manage BGP neighbors and routes.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocket,
		"bgpctld control socket")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", requestTimeoutDefault,
		"maximum time to wait for the daemon")

	rootCmd.AddCommand(neighborCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(fibCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(networkCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
