package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production otlp without endpoint", mutate: func(c *Config) {
			*c = *ProductionConfig()
		}, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "metrics without path", mutate: func(c *Config) { c.Metrics.Path = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordMissionStarted()
	m.RecordStrandCreated()
	m.RecordStrandCreated()
	m.RecordStrandFinished()
	m.RecordCommand("RESUME", OutcomeAccepted)
	m.RecordCommand("PAUSE", OutcomeBusy)
	m.RecordCommand("PAUSE", OutcomeBusy)
	m.RecordLeafExecution("SUCCESS", 5*time.Millisecond)
	m.RecordEngineError("rejected", "COMMAND_REJECTED")
	m.RecordStateTransition("RUNNING")
	m.RecordMissionFinished(time.Second)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "molr_missions_started_total", want: 1},
		{name: "molr_missions_finished_total", want: 1},
		{name: "molr_strands_created_total", want: 2},
		{name: "molr_live_strands", want: 1},
		{name: "molr_commands_total", labels: map[string]string{"command": "PAUSE", "outcome": OutcomeBusy}, want: 2},
		{name: "molr_leaf_executions_total", labels: map[string]string{"result": "SUCCESS"}, want: 1},
		{name: "molr_leaf_duration_seconds", labels: map[string]string{"result": "SUCCESS"}, want: 1},
		{name: "molr_engine_errors_total", labels: map[string]string{"class": "rejected"}, want: 1},
		{name: "molr_strand_state_transitions_total", labels: map[string]string{"state": "RUNNING"}, want: 1},
	}
	for _, c := range checks {
		if got := counterValue(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v: expected %v, got %v", c.name, c.labels, c.want, got)
		}
	}
}

func TestMetrics_DisabledAndNil(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordMissionStarted()
	nilMetrics.RecordCommand("RESUME", OutcomeAccepted)
	if nilMetrics.Registry() != nil {
		t.Error("Expected nil registry for nil metrics")
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	disabled.RecordLeafExecution("FAILURE", time.Millisecond)
	if disabled.Registry() != nil {
		t.Error("Expected nil registry when disabled")
	}
	server, err := disabled.StartMetricsServer()
	if server != nil || err != nil {
		t.Errorf("Expected no server when disabled, got %v, %v", server, err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordStrandCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "molr_strands_created_total 1") {
		t.Errorf("Metrics output missing strands counter:\n%s", rec.Body.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("engine").
		WithRunID("run-1").
		WithStrand("3").
		WithBlock("1.2", "Land").
		WithError(errors.New("boom")).
		Warn("leaf failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Invalid JSON log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component":  "engine",
		"run_id":     "run-1",
		"strand":     "3",
		"block":      "1.2",
		"block_name": "Land",
		"error":      "boom",
		"level":      "warn",
		"message":    "leaf failed",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Field %s: expected %q, got %v", k, v, entry[k])
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %q", buf.String())
	}

	logger.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected error to be logged, got %q", buf.String())
	}
}

func TestLogger_Context(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected default logger")
	}
}

func TestTracer_LeafSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := NewTracerWithProvider(provider, "molr-test")

	tel := &Telemetry{
		Logger: NewLoggerTo(&bytes.Buffer{}, LoggingConfig{Level: "info", Format: "json"}),
		Tracer: tracer,
		Config: DefaultConfig(),
	}
	ctx := tel.WithContext(context.Background())

	op := StartLeaf(ctx, "2", "1.2.1", "Entry burn")
	if TraceID(op.Ctx) == "" {
		t.Error("Expected a trace id in the operation context")
	}
	op.End(errors.New("leaf failed"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "leaf.execute" {
		t.Errorf("Expected span leaf.execute, got %s", span.Name)
	}

	attrs := make(map[string]string)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["strand.id"] != "2" || attrs["block.id"] != "1.2.1" || attrs["block.name"] != "Entry burn" {
		t.Errorf("Unexpected span attributes %v", attrs)
	}
	if len(span.Events) == 0 {
		t.Error("Expected the error to be recorded as a span event")
	}
}

func TestStartLeaf_WithoutTelemetry(t *testing.T) {
	op := StartLeaf(context.Background(), "1", "1.1", "Locate target")
	if op.Span != nil {
		t.Error("Expected no span without telemetry")
	}
	if op.Logger == nil || op.Timer == nil {
		t.Error("Expected logger and timer")
	}
	op.End(nil)
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "molr", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	_, span := tracer.StartLeafSpan(context.Background(), "1", "1.1", "leaf")
	span.End()
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
