package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmueller/livewhisper/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if verbose {
				fmt.Fprintln(cmd.OutOrStdout(), version.Current())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "livewhisper v%s\n", version.Resolve())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "build", "b", false, "Include commit, build date and Go version")
	return cmd
}
