// Package telemetry provides logging, tracing, metrics and event publishing
// for the topology service.
//
// A Telemetry value bundles the four and plugs them into the manager:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig(), store)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	rt := engine.Runtime{Stacks: registry, Backend: backend, Store: store}
//	tel.Instrument(&rt)
//
// # Logging
//
// Logger wraps zerolog with console or JSON output and cluster, request
// and host fields.
//
// # Tracing
//
// Tracer implements engine.SpanStarter on top of the OpenTelemetry SDK and
// exports to stdout or an OTLP gRPC collector.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. All series share the
// configured namespace (default "topology"):
//
//   - requests_accepted_total{type}
//   - host_offers_total{answer}
//   - tasks_total{type,status}
//   - task_duration_seconds{type}
//   - host_registrations_total{change}
//   - errors_by_class_total{class,code}
//   - available_hosts
//   - outstanding_requests
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Events are delivered to
// subscribers in order and appended to the event store, either inline or
// in batches from a buffered channel.
package telemetry
