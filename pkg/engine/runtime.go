package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanStarter starts tracing spans around manager operations.
type SpanStarter interface {
	StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

// Runtime bundles every collaborator the manager and its tasks use. It is
// passed explicitly; nothing in the engine reaches for process globals.
type Runtime struct {
	// Stacks resolves blueprint stack references. Required.
	Stacks StackResolver

	// Backend executes provisioning commands. Required.
	Backend CommandBackend

	// Predicates compiles host predicates. Optional; without it predicates
	// are ignored with a warning.
	Predicates PredicateCompiler

	// Store persists requests for replay. Optional.
	Store RequestStore

	// Events receives topology events. Optional.
	Events EventPublisher

	// Metrics receives manager metrics. Optional.
	Metrics MetricsRecorder

	// Advisor recommends configuration once the topology is resolved. Optional.
	Advisor ConfigAdvisor

	// Policy evaluates operator policies before a request is accepted. Optional.
	Policy PolicyChecker

	// Tracer starts spans. Optional.
	Tracer SpanStarter

	// Logger is the base logger.
	Logger zerolog.Logger
}

// Validate checks that the required collaborators are present.
func (r *Runtime) Validate() error {
	if r.Stacks == nil {
		return fmt.Errorf("runtime: stack resolver is required")
	}
	if r.Backend == nil {
		return fmt.Errorf("runtime: command backend is required")
	}
	return nil
}

func (r *Runtime) publish(ctx context.Context, event *Event) {
	if r.Events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = "info"
	}
	if err := r.Events.Publish(ctx, event); err != nil {
		r.Logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

func (r *Runtime) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if r.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.Tracer.StartSpan(ctx, operation, attrs...)
}

// ManagerConfig holds the tunables of the topology manager.
type ManagerConfig struct {
	// Workers is the number of host task chains executed concurrently.
	Workers int `json:"workers" yaml:"workers"`

	// ConfigureTimeout bounds the wait for required host groups when the
	// cluster does not set cluster-env/cluster_configure_task_timeout.
	ConfigureTimeout time.Duration `json:"configure_timeout" yaml:"configure_timeout"`

	// TaskTimeout bounds a single backend command. Zero disables it.
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`

	// QueueSize is the capacity of the command and task queues.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:          10,
		ConfigureTimeout: DefaultConfigureTimeout,
		TaskTimeout:      30 * time.Minute,
		QueueSize:        256,
	}
}

// Validate checks the configuration for errors.
func (c ManagerConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.ConfigureTimeout <= 0 {
		return fmt.Errorf("configure timeout must be positive")
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task timeout must not be negative")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	return nil
}
