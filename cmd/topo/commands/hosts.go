package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/registration"
	"github.com/openfroyo/topology/pkg/stores"
)

func newHostsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Host registration",
		Long: `Register, remove and list hosts.

Registration and removal go through the spool directory of a running
"topo serve"; the manager offers each registered host to the outstanding
requests. Attributes are the facts host predicates are evaluated against,
for example cpu_count, os_type or rack.`,
	}

	cmd.AddCommand(newHostsRegisterCommand())
	cmd.AddCommand(newHostsRemoveCommand())
	cmd.AddCommand(newHostsListCommand())

	return cmd
}

func newHostsRegisterCommand() *cobra.Command {
	var (
		attrs    []string
		spoolDir string
	)

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a host",
		Example: `  # Register a worker with its facts
  topo hosts register node1.example.com --attr cpu_count=8 --attr rack=r1 --spool ./spool`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			path, err := registration.WriteHost(spoolDir, engine.Host{Name: args[0], Attributes: attributes})
			if err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Str("path", path).Msg("Host registered")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "host attribute as key=value (repeatable)")
	cmd.Flags().StringVar(&spoolDir, "spool", "", "spool directory of the manager")
	_ = cmd.MarkFlagRequired("spool")

	return cmd
}

func newHostsRemoveCommand() *cobra.Command {
	var spoolDir string

	cmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a registered host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := registration.RemoveHost(spoolDir, args[0]); err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Msg("Host removed")
			return nil
		},
	}

	cmd.Flags().StringVar(&spoolDir, "spool", "", "spool directory of the manager")
	_ = cmd.MarkFlagRequired("spool")

	return cmd
}

func newHostsListCommand() *cobra.Command {
	var (
		dbPath   string
		status   string
		selector string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known hosts",
		Example: `  # List hosts still registered
  topo hosts list --db topology.db --status registered

  # List hosts in rack r1 running rhel
  topo hosts list --db topology.db --selector rack=r1,os=rhel`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *stores.HostStatus
			if status != "" {
				s := stores.HostStatus(status)
				filter = &s
			}
			hosts, err := store.ListHosts(ctx, filter)
			if err != nil {
				return err
			}
			hosts = selectHosts(hosts, selector)

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, hosts)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NAME\tSTATUS\tCLUSTER\tATTRIBUTES")
			for _, h := range hosts {
				cluster := ""
				if h.ClusterName != nil {
					cluster = *h.ClusterName
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Name, h.Status, orDash(cluster), orDash(formatAttributes(h.Attributes)))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (registered, removed)")
	cmd.Flags().StringVar(&selector, "selector", "", "filter by attributes as key=value,...")

	return cmd
}

// selectHosts keeps the records whose attributes match selector.
func selectHosts(hosts []*stores.HostRecord, selector string) []*stores.HostRecord {
	if selector == "" {
		return hosts
	}
	out := make([]*stores.HostRecord, 0, len(hosts))
	for _, h := range hosts {
		var attrs map[string]string
		if h.Attributes != "" {
			if err := json.Unmarshal([]byte(h.Attributes), &attrs); err != nil {
				log.Warn().Err(err).Str("host", h.Name).Msg("Skipping host with unreadable attributes")
				continue
			}
		}
		if engine.MatchesSelector(attrs, selector) {
			out = append(out, h)
		}
	}
	return out
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", pair)
		}
		attrs[key] = value
	}
	return attrs, nil
}

// formatAttributes renders a stored attribute object as sorted key=value
// pairs.
func formatAttributes(raw string) string {
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return raw
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, ",")
}
