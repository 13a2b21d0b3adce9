package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "topo",
		Short: "Topology provisioning engine",
		Long: `topo binds blueprints to registered hosts and drives the provisioning
of every host through resource creation, configuration, install and start.

A cluster is described by two documents:
  - a blueprint: host groups, their components and configuration
  - a topology request: which hosts (by name, count or predicate) fill each group

Hosts register by dropping a document into the spool directory watched by
"topo serve". Requests wait until enough matching hosts have registered.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newHostsCommand())
	rootCmd.AddCommand(newBlueprintCommand())

	return rootCmd
}
