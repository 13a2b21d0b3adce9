package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/registration"
)

func newSubmitCommand() *cobra.Command {
	var (
		requestFile   string
		blueprintFile string
		spoolDir      string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a topology request to a running manager",
		Long: `Validate a provision or scale request and drop it into the spool directory
of a running "topo serve". The manager moves the document to
requests/processed or requests/failed once it has been handled; the .result
file next to it holds the request ID or the error.

A blueprint given with --blueprint is dropped into the spool first.`,
		Example: `  # Provision a cluster from a blueprint
  topo submit -f cluster.yaml --blueprint hdfs.yaml --spool ./spool

  # Scale an existing cluster
  topo submit -f scale.yaml --spool ./spool`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()

			spec, err := loader.LoadTopologyRequest(requestFile)
			if err != nil {
				return err
			}

			if blueprintFile != "" {
				bp, err := loader.LoadBlueprint(blueprintFile)
				if err != nil {
					return err
				}
				if bp.Name != spec.Blueprint {
					return fmt.Errorf("request uses blueprint %q but %s defines %q", spec.Blueprint, blueprintFile, bp.Name)
				}
				path, err := registration.SubmitFile(spoolDir, registration.BlueprintsDir, blueprintFile)
				if err != nil {
					return err
				}
				log.Info().Str("blueprint", bp.Name).Str("path", path).Msg("Blueprint submitted")
			}

			path, err := registration.SubmitFile(spoolDir, registration.RequestsDir, requestFile)
			if err != nil {
				return err
			}
			log.Info().
				Str("type", string(spec.Type)).
				Str("cluster", spec.ClusterName).
				Str("path", path).
				Msg("Request submitted")

			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "topology request document")
	cmd.Flags().StringVar(&blueprintFile, "blueprint", "", "blueprint document to submit with the request")
	cmd.Flags().StringVar(&spoolDir, "spool", "", "spool directory of the manager")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("spool")

	return cmd
}
