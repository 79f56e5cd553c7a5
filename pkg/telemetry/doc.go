// Package telemetry provides the observability plumbing for molr.
//
// It bundles three concerns behind one configuration:
//
//   - structured logging with zerolog ([Logger], [NewLogger]);
//   - Prometheus metrics for missions, strands, commands and leaves ([Metrics]);
//   - OpenTelemetry tracing, where every leaf execution is a "leaf.execute" span ([Tracer]).
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The engine takes a *Metrics and a zerolog.Logger directly. A nil *Metrics
// records nothing, so tests and embedders can leave it unset.
//
// # Metrics
//
// All metrics live in a private registry under the configured namespace
// (default "molr"):
//
//	molr_missions_started_total
//	molr_missions_finished_total
//	molr_mission_duration_seconds
//	molr_strands_created_total
//	molr_live_strands
//	molr_strand_state_transitions_total{state}
//	molr_commands_total{command,outcome}
//	molr_leaf_executions_total{result}
//	molr_leaf_duration_seconds{result}
//	molr_engine_errors_total{class,code}
//
// [Metrics.Handler] serves them; [Telemetry.StartMetricsServer] exposes them
// on MetricsConfig.ListenAddress when one is set.
//
// # Tracing
//
// Exporters: "stdout" (pretty printed), "otlp" (gRPC) and "none". When tracing
// is disabled spans are created against a provider without exporters.
package telemetry
