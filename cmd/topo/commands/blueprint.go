package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stack"
	"github.com/openfroyo/topology/pkg/stores"
)

func newBlueprintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Blueprint management",
		Long: `Store, list and inspect blueprints.

Stored blueprints are used by provision requests that name them when no
blueprint document was dropped into the spool.`,
	}

	cmd.AddCommand(newBlueprintAddCommand())
	cmd.AddCommand(newBlueprintListCommand())
	cmd.AddCommand(newBlueprintShowCommand())
	cmd.AddCommand(newBlueprintRemoveCommand())

	return cmd
}

func newBlueprintAddCommand() *cobra.Command {
	var (
		file      string
		dbPath    string
		stacksDir string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a blueprint",
		Example: `  # Store a blueprint, checking its components against the stacks
  topo blueprint add -f hdfs.yaml --db topology.db --stacks ./stacks`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loader := config.NewLoader()

			spec, err := loader.LoadBlueprint(file)
			if err != nil {
				return err
			}
			if stacksDir != "" {
				if err := checkBlueprint(loader, stacksDir, spec); err != nil {
					return err
				}
			}

			rec, err := config.BlueprintRecord(spec)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpsertBlueprint(ctx, rec); err != nil {
				return err
			}
			audit(ctx, store, "blueprint.added", spec.Name)

			log.Info().
				Str("blueprint", spec.Name).
				Str("stack", spec.Stack.Name+"-"+spec.Stack.Version).
				Msg("Blueprint stored")
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "blueprint document")
	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")
	cmd.Flags().StringVar(&stacksDir, "stacks", "", "directory of stack definitions to check the blueprint against")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newBlueprintListCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored blueprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListBlueprints(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, records)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NAME\tSTACK\tSCHEMA\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s-%s\t%s\t%s\n",
					rec.Name, rec.StackName, rec.StackVersion, rec.SchemaVersion, rec.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")

	return cmd
}

func newBlueprintShowCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a stored blueprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetBlueprint(ctx, args[0])
			if err != nil {
				return blueprintLookupError(args[0], err)
			}
			spec, err := config.BlueprintFromRecord(rec)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, spec)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(spec); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")

	return cmd
}

func newBlueprintRemoveCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a stored blueprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteBlueprint(ctx, args[0]); err != nil {
				return blueprintLookupError(args[0], err)
			}
			audit(ctx, store, "blueprint.removed", args[0])
			log.Info().Str("blueprint", args[0]).Msg("Blueprint removed")
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")

	return cmd
}

// checkBlueprint resolves the blueprint's stack and builds it, which checks
// its components and cardinalities.
func checkBlueprint(loader *config.Loader, stacksDir string, spec *engine.BlueprintSpec) error {
	registry := stack.NewRegistry()
	if _, err := loader.LoadStackDir(stacksDir, registry); err != nil {
		return err
	}
	catalog, err := registry.Stack(spec.Stack.Name, spec.Stack.Version)
	if err != nil {
		return err
	}
	_, err = engine.NewBlueprint(spec, catalog)
	return err
}

func blueprintLookupError(name string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("blueprint %q not found", name)
	}
	return err
}

// audit records an operator action. Failures are logged only.
func audit(ctx context.Context, store stores.Store, action, target string) {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "topo"
	}
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: &target}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
