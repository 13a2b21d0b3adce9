package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/topology/pkg/engine"
	"github.com/openfroyo/topology/pkg/stack"
	"github.com/openfroyo/topology/pkg/stores"
	"github.com/openfroyo/topology/pkg/telemetry"
	"github.com/openfroyo/topology/pkg/transports/ssh"
)

// Dialer hands out connected transports by host name. *ssh.Pool
// implements it.
type Dialer interface {
	Get(ctx context.Context, host string) (ssh.Transport, error)
}

// CatalogResolver resolves stack catalogs. *stack.Registry implements it.
type CatalogResolver interface {
	Catalog(name, version string) (*stack.Catalog, error)
}

// CommandSpanStarter starts a span around one backend command.
// *telemetry.Tracer implements it.
type CommandSpanStarter interface {
	StartCommandSpan(ctx context.Context, backend string, cmd *engine.HostCommand) (context.Context, trace.Span)
}

// SSHBackendConfig holds the SSH backend settings.
type SSHBackendConfig struct {
	// ConfigDir is the remote directory holding one subdirectory of
	// configuration files per cluster.
	ConfigDir string `yaml:"config_dir"`

	// FileMode is the mode of uploaded configuration files.
	FileMode os.FileMode `yaml:"file_mode"`
}

// DefaultSSHBackendConfig returns the default SSH backend settings.
func DefaultSSHBackendConfig() SSHBackendConfig {
	return SSHBackendConfig{
		ConfigDir: "/etc/topology",
		FileMode:  0640,
	}
}

// CommandData is the value stack command templates are executed with.
type CommandData struct {
	TaskID    string
	Cluster   string
	Blueprint string
	HostGroup string
	Host      string
	Component string
	Service   string

	// ConfigDir is the host's configuration directory for the cluster.
	ConfigDir string

	// Config is the latest cluster configuration published for the
	// cluster: the resolved one once available, otherwise the initial one.
	Config map[string]map[string]string
}

// SSHBackend runs provisioning commands on hosts over SSH. It implements
// engine.CommandBackend.
type SSHBackend struct {
	config SSHBackendConfig
	dialer Dialer
	stacks CatalogResolver
	tracer CommandSpanStarter
	logger zerolog.Logger

	mu        sync.RWMutex
	configs   map[string]map[string]map[string]map[string]string
	templates map[string]*template.Template
}

var _ engine.CommandBackend = (*SSHBackend)(nil)

// NewSSHBackend creates an SSH backend.
func NewSSHBackend(cfg SSHBackendConfig, dialer Dialer, stacks CatalogResolver, logger zerolog.Logger) *SSHBackend {
	defaults := DefaultSSHBackendConfig()
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = defaults.ConfigDir
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = defaults.FileMode
	}
	return &SSHBackend{
		config:    cfg,
		dialer:    dialer,
		stacks:    stacks,
		logger:    logger.With().Str("component", "ssh-backend").Logger(),
		configs:   make(map[string]map[string]map[string]map[string]string),
		templates: make(map[string]*template.Template),
	}
}

// SetTracer enables a span per executed command.
func (b *SSHBackend) SetTracer(tracer CommandSpanStarter) {
	b.tracer = tracer
}

// CreateClusterResources checks that the cluster's stack is known. Hosts
// are prepared by their RESOURCE_CREATION task.
func (b *SSHBackend) CreateClusterResources(_ context.Context, cluster string, stackRef engine.StackRef, serviceComponents map[string][]string) error {
	if _, err := b.stacks.Catalog(stackRef.Name, stackRef.Version); err != nil {
		return engine.NewPermanentError("unknown stack", err).
			WithCode(engine.ErrCodeNotFound).WithResource(cluster)
	}
	b.logger.Info().
		Str("cluster", cluster).
		Int("services", len(serviceComponents)).
		Msg("Cluster resources created")
	return nil
}

// SetClusterConfiguration keeps the tagged configuration for command
// templates.
func (b *SSHBackend) SetClusterConfiguration(_ context.Context, cluster, tag string, configuration map[string]map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.configs[cluster] == nil {
		b.configs[cluster] = make(map[string]map[string]map[string]string)
	}
	b.configs[cluster][tag] = copyConfiguration(configuration)
	return nil
}

// Execute runs one host command.
func (b *SSHBackend) Execute(ctx context.Context, cmd *engine.HostCommand) (err error) {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.StartCommandSpan(ctx, "ssh", cmd)
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	switch cmd.Type {
	case engine.TaskResourceCreation:
		return b.prepareHost(ctx, cmd)
	case engine.TaskConfigure:
		return b.configureHost(ctx, cmd)
	case engine.TaskInstall, engine.TaskStart:
		return b.runComponentCommand(ctx, cmd)
	default:
		return engine.NewPermanentError(fmt.Sprintf("unsupported task type %s", cmd.Type), nil).
			WithCode(engine.ErrCodeValidation).WithResource(cmd.Host)
	}
}

// prepareHost creates the cluster configuration directory.
func (b *SSHBackend) prepareHost(ctx context.Context, cmd *engine.HostCommand) error {
	transport, err := b.dialer.Get(ctx, cmd.Host)
	if err != nil {
		return commandError(cmd, "failed to connect", err, nil)
	}
	dir := b.clusterDir(cmd.Cluster)
	res, err := transport.Run(ctx, "mkdir -p "+ssh.ShellQuote(dir), nil)
	if err != nil {
		return commandError(cmd, "failed to prepare host", err, res)
	}
	return nil
}

// configureHost uploads one properties file per config type.
func (b *SSHBackend) configureHost(ctx context.Context, cmd *engine.HostCommand) error {
	transport, err := b.dialer.Get(ctx, cmd.Host)
	if err != nil {
		return commandError(cmd, "failed to connect", err, nil)
	}

	dir := b.clusterDir(cmd.Cluster)
	types := make([]string, 0, len(cmd.Configuration))
	for t := range cmd.Configuration {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		remotePath := path.Join(dir, t+".properties")
		if err := transport.Upload(ctx, RenderProperties(cmd.Configuration[t]), remotePath, b.config.FileMode); err != nil {
			return commandError(cmd, "failed to upload "+t, err, nil)
		}
	}

	// the host's membership in its host group's config group
	group := ConfigGroupName(cmd.Blueprint, cmd.HostGroup)
	if group != "" {
		content := RenderProperties(map[string]string{"cluster": cmd.Cluster, "group": group})
		if err := transport.Upload(ctx, content, path.Join(dir, configGroupFile), b.config.FileMode); err != nil {
			return commandError(cmd, "failed to upload config group", err, nil)
		}
	}

	b.logger.Debug().
		Str("host", cmd.Host).
		Str("dir", dir).
		Str("config_group", group).
		Int("files", len(types)).
		Msg("Host configuration uploaded")
	return nil
}

// runComponentCommand renders and runs the component's stack command.
// Components without a command for the task type succeed immediately.
func (b *SSHBackend) runComponentCommand(ctx context.Context, cmd *engine.HostCommand) error {
	catalog, err := b.stacks.Catalog(cmd.Stack.Name, cmd.Stack.Version)
	if err != nil {
		return engine.NewPermanentError("unknown stack", err).
			WithCode(engine.ErrCodeNotFound).WithResource(cmd.Host)
	}

	text := catalog.CommandTemplate(cmd.Component, cmd.Type)
	if text == "" {
		b.logger.Debug().
			Str("component", cmd.Component).
			Str("type", string(cmd.Type)).
			Msg("No command defined, skipping")
		return nil
	}

	key := strings.Join([]string{cmd.Stack.Name, cmd.Stack.Version, cmd.Component, string(cmd.Type)}, "/")
	tmpl, err := b.template(key, text)
	if err != nil {
		return engine.NewPermanentError("invalid command template", err).
			WithCode(engine.ErrCodeValidation).WithResource(key)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, b.commandData(cmd, catalog.ServiceForComponent(cmd.Component))); err != nil {
		return engine.NewPermanentError("failed to render command", err).
			WithCode(engine.ErrCodeValidation).WithResource(key)
	}

	transport, err := b.dialer.Get(ctx, cmd.Host)
	if err != nil {
		return commandError(cmd, "failed to connect", err, nil)
	}
	res, err := transport.Run(ctx, buf.String(), nil)
	if err != nil {
		return commandError(cmd, fmt.Sprintf("%s %s failed", cmd.Type, cmd.Component), err, res)
	}

	b.logger.Info().
		Str("host", cmd.Host).
		Str("component", cmd.Component).
		Str("type", string(cmd.Type)).
		Dur("duration", res.Duration).
		Msg("Command completed")
	return nil
}

func (b *SSHBackend) template(key, text string) (*template.Template, error) {
	b.mu.RLock()
	tmpl, ok := b.templates[key]
	b.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.templates[key] = tmpl
	b.mu.Unlock()
	return tmpl, nil
}

func (b *SSHBackend) commandData(cmd *engine.HostCommand, service string) CommandData {
	b.mu.RLock()
	defer b.mu.RUnlock()

	config := b.configs[cmd.Cluster][stores.ConfigTagResolved]
	if config == nil {
		config = b.configs[cmd.Cluster][stores.ConfigTagInitial]
	}

	return CommandData{
		TaskID:    cmd.TaskID,
		Cluster:   cmd.Cluster,
		Blueprint: cmd.Blueprint,
		HostGroup: cmd.HostGroup,
		Host:      cmd.Host,
		Component: cmd.Component,
		Service:   service,
		ConfigDir: b.clusterDir(cmd.Cluster),
		Config:    config,
	}
}

func (b *SSHBackend) clusterDir(cluster string) string {
	return path.Join(b.config.ConfigDir, cluster)
}

// commandError classifies a transport failure. Temporary transport errors
// are transient so the task runner retries them; everything else,
// including commands exiting non-zero, is permanent.
func commandError(cmd *engine.HostCommand, message string, err error, res *ssh.ExecResult) error {
	var engErr *engine.EngineError
	var terr *ssh.TransportError
	switch {
	case errors.As(err, &terr) && terr.Temporary():
		engErr = engine.NewTransientError(message, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		engErr = engine.NewTransientError(message, err)
	default:
		engErr = engine.NewPermanentError(message, err)
	}

	engErr = engErr.WithCode(engine.ErrCodeBackendFailed).
		WithResource(cmd.Host).
		WithOperation(string(cmd.Type))
	if res != nil {
		engErr = engErr.WithDetail("exit_code", res.ExitCode)
		if res.Stderr != "" {
			engErr = engErr.WithDetail("stderr", res.Stderr)
		}
	}
	return engErr
}

var propertyEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// RenderProperties renders properties as sorted key=value lines.
func RenderProperties(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(propertyEscaper.Replace(props[k]))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
