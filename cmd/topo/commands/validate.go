package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stack"
)

type validateResult struct {
	Topology *engine.TopologySnapshot `json:"topology"`
	Policy   *engine.PolicyResult     `json:"policy"`
}

func newValidateCommand() *cobra.Command {
	var (
		stacksDir     string
		requestFile   string
		blueprintFile string
		policyDir     string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology request against its blueprint",
		Long: `Build the cluster topology of a request offline, the way the manager does
before accepting it.

This command checks:
  - document schemas (YAML, JSON or CUE)
  - blueprint components against the stack catalog
  - host group bindings and component cardinalities
  - required properties and secret references
  - built-in and operator policies (OPA/rego)`,
		Example: `  # Validate a request with the blueprint it names
  topo validate --stacks ./stacks -f cluster.yaml --blueprint hdfs.yaml

  # Include operator policies and print the topology as JSON
  topo validate --stacks ./stacks -f cluster.yaml --blueprint hdfs.yaml --policy ./policies --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader := config.NewLoader()

			registry := stack.NewRegistry()
			if _, err := loader.LoadStackDir(stacksDir, registry); err != nil {
				return err
			}
			spec, err := loader.LoadTopologyRequest(requestFile)
			if err != nil {
				return err
			}
			bp, err := loader.LoadBlueprint(blueprintFile)
			if err != nil {
				return err
			}
			if spec.Blueprint != bp.Name {
				return fmt.Errorf("request uses blueprint %q but %s defines %q", spec.Blueprint, blueprintFile, bp.Name)
			}

			log.Debug().
				Str("cluster", spec.ClusterName).
				Str("blueprint", bp.Name).
				Msg("Validating topology")

			topology, err := engine.BuildTopology(&engine.TopologyRequest{Spec: *spec, Blueprint: bp}, registry, log.Logger)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, policyDir, false, log.Logger)
			if err != nil {
				return err
			}
			result := validateResult{Topology: topology.Snapshot()}
			result.Policy, err = policies.EvaluateTopology(ctx, result.Topology)
			if err != nil {
				return fmt.Errorf("policy evaluation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else if err := printValidation(out, result); err != nil {
				return err
			}

			if !result.Policy.Allowed {
				return fmt.Errorf("topology denied by %d policy violation(s)", len(result.Policy.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stacksDir, "stacks", "", "directory of stack definitions")
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "topology request document")
	cmd.Flags().StringVar(&blueprintFile, "blueprint", "", "blueprint document")
	cmd.Flags().StringVar(&policyDir, "policy", "", "directory of operator policies")
	_ = cmd.MarkFlagRequired("stacks")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("blueprint")

	return cmd
}

func printValidation(w io.Writer, result validateResult) error {
	snap := result.Topology
	fmt.Fprintf(w, "Cluster %s (blueprint %s, stack %s-%s)\n\n", snap.Cluster, snap.Blueprint, snap.Stack.Name, snap.Stack.Version)

	tw := newTable(w)
	fmt.Fprintln(tw, "GROUP\tCARDINALITY\tHOSTS\tPREDICATE\tCOMPONENTS")
	for _, g := range snap.HostGroups {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			g.Name, orDash(g.Cardinality), g.RequestedCount, orDash(g.Predicate), strings.Join(g.Components, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	for _, warning := range result.Policy.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	for _, v := range result.Policy.Violations {
		fmt.Fprintf(w, "violation: %s: %s\n", v.Policy, v.Message)
	}
	if result.Policy.Allowed {
		fmt.Fprintln(w, "Topology is valid")
	}
	return nil
}
