package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/topology/pkg/backend"
	"github.com/openfroyo/topology/pkg/config"
	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/policy"
	"github.com/openfroyo/topology/pkg/predicate"
	"github.com/openfroyo/topology/pkg/registration"
	"github.com/openfroyo/topology/pkg/stack"
	"github.com/openfroyo/topology/pkg/telemetry"
	"github.com/openfroyo/topology/pkg/transports/ssh"
)

type serveOptions struct {
	dbPath      string
	stacksDir   string
	spoolDir    string
	backendName string
	policyDir   string
	advisorPath string

	metrics     bool
	metricsAddr string
	trace       string
	otlpAddr    string
	logFormat   string

	workers     int
	taskTimeout time.Duration

	sshUser       string
	sshPort       int
	sshKey        string
	sshKnownHosts string
	sshInsecure   bool
	sudo          bool
	configDir     string
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the topology manager",
		Long: `Run the topology manager until interrupted.

On start the manager opens the database and replays every persisted request:
matched hosts are bound again and unfinished tasks are resumed. It then
watches the spool directory:
  - hosts/*.yaml       host registrations, deleting the file removes the host
  - blueprints/*.yaml  blueprints available to requests
  - requests/*.yaml    provision and scale requests

Processed requests are moved to requests/processed or requests/failed next
to a .result file holding the request ID or the error.`,
		Example: `  # Record commands instead of running them
  topo serve --db topo.db --stacks ./stacks --spool ./spool

  # Provision over SSH with operator policies and metrics
  topo serve --db topo.db --stacks ./stacks --spool ./spool \
    --backend ssh --ssh-user deploy --sudo --policy ./policies --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.dbPath, "db", "topology.db", "SQLite database path")
	f.StringVar(&opts.stacksDir, "stacks", "", "directory of stack definitions")
	f.StringVar(&opts.spoolDir, "spool", "", "spool directory watched for hosts, blueprints and requests")
	f.StringVar(&opts.backendName, "backend", "recorder", "command backend (recorder, ssh)")
	f.StringVar(&opts.policyDir, "policy", "", "directory of operator policies (rego or json)")
	f.StringVar(&opts.advisorPath, "advisor", "", "Starlark configuration advisor script")
	f.BoolVar(&opts.metrics, "metrics", false, "serve Prometheus metrics")
	f.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "metrics listen address")
	f.StringVar(&opts.trace, "trace", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&opts.otlpAddr, "otlp-endpoint", "localhost:4317", "OTLP gRPC collector endpoint")
	f.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	f.IntVar(&opts.workers, "workers", engine.DefaultManagerConfig().Workers, "host task chains executed concurrently")
	f.DurationVar(&opts.taskTimeout, "task-timeout", engine.DefaultManagerConfig().TaskTimeout, "timeout of a single backend command")
	f.StringVar(&opts.sshUser, "ssh-user", os.Getenv("USER"), "SSH user")
	f.IntVar(&opts.sshPort, "ssh-port", 22, "SSH port")
	f.StringVar(&opts.sshKey, "ssh-key", "", "SSH private key (default ~/.ssh/id_rsa)")
	f.StringVar(&opts.sshKnownHosts, "ssh-known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.BoolVar(&opts.sshInsecure, "ssh-insecure", false, "accept any SSH host key")
	f.BoolVar(&opts.sudo, "sudo", false, "run commands through sudo")
	f.StringVar(&opts.configDir, "config-dir", backend.DefaultSSHBackendConfig().ConfigDir, "remote directory for cluster configuration files")

	_ = cmd.MarkFlagRequired("stacks")
	_ = cmd.MarkFlagRequired("spool")

	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	store, err := openStore(ctx, opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tel, err := telemetry.NewTelemetry(telemetryConfig(opts), store)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.Zerolog()

	loader := config.NewLoader()
	registry := stack.NewRegistry()
	refs, err := loader.LoadStackDir(opts.stacksDir, registry)
	if err != nil {
		return err
	}
	logger.Info().Int("count", len(refs)).Str("dir", opts.stacksDir).Msg("Stacks loaded")

	predicates, err := predicate.NewCompiler()
	if err != nil {
		return err
	}

	cmdBackend, closeBackend, err := newBackend(opts, registry, tel, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	rt := engine.Runtime{
		Stacks:     registry,
		Backend:    cmdBackend,
		Predicates: predicates,
		Store:      store,
	}
	tel.Instrument(&rt)

	policies, err := newPolicyEngine(ctx, opts.policyDir, true, logger)
	if err != nil {
		return err
	}
	rt.Policy = policies

	if opts.advisorPath != "" {
		advisor, err := config.LoadStarlarkAdvisor(opts.advisorPath, 5*time.Second, logger)
		if err != nil {
			return err
		}
		rt.Advisor = advisor
	}

	if opts.metrics {
		if err := tel.StartMetricsServer(ctx); err != nil {
			return err
		}
	}

	cfg := engine.DefaultManagerConfig()
	cfg.Workers = opts.workers
	cfg.TaskTimeout = opts.taskTimeout
	manager, err := engine.NewManager(&rt, cfg)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	watcher, err := registration.NewWatcher(registration.Config{Dir: opts.spoolDir}, loader, manager, store, logger)
	if err != nil {
		return err
	}
	watcher.SetMetrics(tel.Metrics)

	logger.Info().
		Str("db", opts.dbPath).
		Str("spool", opts.spoolDir).
		Str("backend", opts.backendName).
		Msg("Topology manager serving")

	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func telemetryConfig(opts serveOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = opts.logFormat
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		cfg.Logging.Level = "debug"
	}
	cfg.Metrics.Enabled = opts.metrics
	cfg.Metrics.ListenAddress = opts.metricsAddr
	if opts.trace != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.trace
		cfg.Tracing.Endpoint = opts.otlpAddr
	}
	return cfg
}

// newBackend builds the command backend named by opts. The returned
// function releases its connections.
func newBackend(opts serveOptions, registry *stack.Registry, tel *telemetry.Telemetry, logger zerolog.Logger) (engine.CommandBackend, func(), error) {
	switch opts.backendName {
	case "recorder":
		return backend.NewRecorder(logger), func() {}, nil
	case "ssh":
		base := ssh.DefaultConfig("", opts.sshUser)
		base.Port = opts.sshPort
		base.Sudo = opts.sudo
		base.StrictHostKeyChecking = !opts.sshInsecure
		if opts.sshKey != "" {
			base.PrivateKeyPath = opts.sshKey
		}
		if opts.sshKnownHosts != "" {
			base.KnownHostsPath = opts.sshKnownHosts
		}
		pool := ssh.NewPool(base, logger)

		cfg := backend.DefaultSSHBackendConfig()
		cfg.ConfigDir = opts.configDir
		b := backend.NewSSHBackend(cfg, pool, registry, logger)
		b.SetTracer(tel.Tracer)
		return b, func() {
			if err := pool.CloseAll(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close SSH connections")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want recorder or ssh)", opts.backendName)
	}
}

// newPolicyEngine creates a policy engine with the built-in policies and
// those of dir. With watch set, dir is reloaded on change until ctx is done.
func newPolicyEngine(ctx context.Context, dir string, watch bool, logger zerolog.Logger) (*policy.Engine, error) {
	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return policies, nil
	}
	paths := []string{dir}
	if err := policies.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	if watch {
		if err := policies.Watch(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return policies, nil
}
