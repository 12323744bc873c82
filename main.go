package main

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/edgeprobe/cmd"
	"github.com/smazurov/edgeprobe/internal/config"
	"github.com/smazurov/edgeprobe/internal/logging"
	"github.com/smazurov/edgeprobe/internal/version"
)

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(_ humacli.Hooks, opts *cmd.Options) {
		// Load configuration automatically; flags set on the command line win
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(opts.LoggingConfig())
	})

	root := cli.Root()
	root.Use = "edgeprobe"
	root.Short = "Camera capture and neural accelerator bring-up tools"
	root.Version = version.String()
	// The root command only shows help; the work happens in subcommands.
	root.Run = func(c *cobra.Command, _ []string) {
		_ = c.Help()
	}

	root.AddCommand(cmd.CreateDevicesCmd())
	root.AddCommand(cmd.CreateAccelInfoCmd())
	root.AddCommand(cmd.CreateAccelSimpleCmd())
	root.AddCommand(cmd.CreateInferCmd())
	root.AddCommand(cmd.CreateCameraTestCmd())
	root.AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}
