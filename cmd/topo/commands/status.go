package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show the status of a request",
		Long: `Show the persisted status of a provision or scale request: its host slots,
the hosts bound to them and the aggregated task status.`,
		Example: `  topo status 1 --db topology.db
  topo status 1 --db topology.db --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			info, err := loadRequestInfo(ctx, store, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, info)
			}

			fmt.Fprintf(out, "Request %d: %s %s\n", info.ID, info.Type, info.Cluster)
			if info.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", info.Description)
			}
			fmt.Fprintf(out, "Status: %s (%d/%d hosts matched)\n", info.Status, info.MatchedCount, len(info.HostRequests))
			fmt.Fprintf(out, "Created: %s\n\n", info.CreatedAt.Format(time.RFC3339))

			tw := newTable(out)
			fmt.Fprintln(tw, "SLOT\tGROUP\tSTATUS\tHOST\tPREDICATE\tTASKS")
			for _, hr := range info.HostRequests {
				host := hr.HostName
				if host == "" && hr.ReservedHost != "" {
					host = hr.ReservedHost + " (reserved)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
					hr.ID, hr.HostGroup, hr.Status, orDash(host), orDash(hr.Predicate), len(hr.TaskIDs))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")

	return cmd
}

func newTasksCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "tasks ID",
		Short: "List the tasks of a request",
		Long: `List the provisioning tasks of a request in execution order per host:
resource creation, configuration, then install and start of every component.`,
		Example: `  topo tasks 1 --db topology.db`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRequestID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetLogicalRequest(ctx, id); err != nil {
				return requestLookupError(id, err)
			}
			records, err := store.ListTasksByLogicalRequest(ctx, id)
			if err != nil {
				return err
			}
			tasks := make([]engine.TaskInfo, 0, len(records))
			for _, rec := range records {
				tasks = append(tasks, engine.TaskInfoFromRecord(rec))
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, tasks)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "HOST\tSEQ\tTYPE\tCOMPONENT\tSTATUS\tDURATION\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					t.Host, t.Sequence, t.Type, orDash(t.Component), t.Status, taskDuration(t), orDash(t.Error))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")

	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		dbPath  string
		cluster string
		level   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent topology events",
		Example: `  # Last errors of one cluster
  topo events --db topology.db --cluster c1 --level error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var clusterFilter *string
			if cluster != "" {
				clusterFilter = &cluster
			}
			var levelFilter *stores.EventLevel
			if level != "" {
				l := stores.EventLevel(level)
				levelFilter = &l
			}
			events, err := store.GetEvents(ctx, clusterFilter, levelFilter, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tCLUSTER\tHOST\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Level, e.Type, orDash(deref(e.Cluster)), orDash(deref(e.Host)), e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "topology.db", "SQLite database path")
	cmd.Flags().StringVar(&cluster, "cluster", "", "filter by cluster")
	cmd.Flags().StringVar(&level, "level", "", "filter by level (debug, info, warning, error)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")

	return cmd
}

// loadRequestInfo assembles the status of a persisted logical request.
func loadRequestInfo(ctx context.Context, store stores.Store, id int64) (*engine.RequestInfo, error) {
	rec, err := store.GetLogicalRequest(ctx, id)
	if err != nil {
		return nil, requestLookupError(id, err)
	}
	hostRequests, err := store.ListHostRequests(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasksByLogicalRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	info := engine.RequestInfoFromRecords(rec, hostRequests, tasks)
	return &info, nil
}

func requestLookupError(id int64, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("request %d not found", id)
	}
	return err
}

func parseRequestID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request ID %q", arg)
	}
	return id, nil
}

func taskDuration(t engine.TaskInfo) string {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return "-"
	}
	return t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
