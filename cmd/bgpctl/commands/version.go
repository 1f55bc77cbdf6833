package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/bgpctld/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print bgpctl build information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if outputFormat == formatTable {
				fmt.Println(appversion.Full("bgpctl"))
				return nil
			}

			out, err := render(appversion.Get(), outputFormat)
			if err != nil {
				return fmt.Errorf("format version: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
