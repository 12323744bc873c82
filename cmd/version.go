package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/smazurov/edgeprobe/internal/version"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			printVersion(c.OutOrStdout(), version.Get())
		},
	}
}

func printVersion(w io.Writer, info version.Info) {
	fmt.Fprintf(w, "edgeprobe %s\n", info.Short())
	fmt.Fprintf(w, "  commit:   %s\n", info.GitCommit)
	fmt.Fprintf(w, "  built:    %s (%s)\n", info.BuildDate, info.BuildID)
	fmt.Fprintf(w, "  go:       %s %s\n", info.GoVersion, info.Compiler)
	fmt.Fprintf(w, "  platform: %s\n", info.Platform)
}
