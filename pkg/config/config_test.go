package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/molr/molr/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration should be valid: %v", err)
	}
	if cfg.Store.Enabled {
		t.Error("Journal should be disabled by default")
	}
	if cfg.Leaf.MissingResult != engine.ResultSuccess {
		t.Errorf("Expected SUCCESS for missing scripts, got %s", cfg.Leaf.MissingResult)
	}
}

func TestParse_Overrides(t *testing.T) {
	data := `
engine:
  idle_interval: 100ms
  stream_buffer: 8
leaf:
  timeout: 2s
  missing_result: FAILURE
store:
  enabled: true
  path: /var/lib/molr/journal.db
telemetry:
  logging:
    level: debug
    format: json
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Engine.IdleInterval != 100*time.Millisecond || cfg.Engine.StreamBuffer != 8 {
		t.Errorf("Engine overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.ActiveInterval != engine.DefaultOptions().ActiveInterval {
		t.Errorf("Expected default active interval to be kept, got %v", cfg.Engine.ActiveInterval)
	}
	if cfg.Leaf.Timeout != 2*time.Second || cfg.Leaf.MissingResult != engine.ResultFailure {
		t.Errorf("Leaf overrides not applied: %+v", cfg.Leaf)
	}
	if !cfg.Store.Enabled || cfg.Store.Path != "/var/lib/molr/journal.db" || cfg.Store.MaxOpenConns != 4 {
		t.Errorf("Store overrides not applied: %+v", cfg.Store)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("Telemetry overrides not applied: %+v", cfg.Telemetry.Logging)
	}
	if cfg.Telemetry.ServiceName != "molr" {
		t.Errorf("Expected default service name, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Engine.StreamBuffer != DefaultConfig().Engine.StreamBuffer {
		t.Error("Expected defaults for an empty document")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "unknown key", data: "engine:\n  warp_speed: 9\n"},
		{name: "zero interval", data: "engine:\n  idle_interval: 0s\n"},
		{name: "negative buffer", data: "engine:\n  stream_buffer: -1\n"},
		{name: "bad result", data: "leaf:\n  missing_result: MAYBE\n"},
		{name: "empty store path", data: "store:\n  path: \"\"\n"},
		{name: "bad log level", data: "telemetry:\n  logging:\n    level: loud\n"},
		{name: "otlp without endpoint", data: "telemetry:\n  tracing:\n    enabled: true\n    exporter: otlp\n"},
		{name: "empty policy path", data: "policy:\n  paths: [\"\"]\n"},
		{name: "not yaml", data: "engine: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "molr.yaml", "engine:\n  stream_buffer: 16\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.StreamBuffer != 16 {
		t.Errorf("Expected stream buffer 16, got %d", cfg.Engine.StreamBuffer)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestEngineConfig_Options(t *testing.T) {
	ec := EngineConfig{
		IdleInterval:    time.Second,
		WaitingInterval: 2 * time.Second,
		ActiveInterval:  3 * time.Second,
		StreamBuffer:    5,
	}
	opts := ec.Options(zerolog.Nop(), nil)
	if opts.IdleInterval != time.Second || opts.WaitingInterval != 2*time.Second ||
		opts.ActiveInterval != 3*time.Second || opts.StreamBuffer != 5 {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.Metrics != nil {
		t.Error("Expected nil metrics")
	}
}

func TestPolicyConfig_NewEngine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "final_burn.rego", `package molr.custom.final_burn

import rego.v1

deny contains "the final burn cannot be skipped" if {
	input.command == "SKIP"
	input.block.name == "Final burn"
}
`)

	cfg, err := Parse([]byte("policy:\n  paths: [" + dir + "]\n  disabled: [skip-composite]\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	eng, err := cfg.Policy.NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	policies := eng.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("Expected 3 policies, got %d", len(policies))
	}
	for _, p := range policies {
		if enabled := p.Name != "skip-composite"; p.Enabled != enabled {
			t.Errorf("Policy %s: expected enabled=%v", p.Name, enabled)
		}
	}

	bad := PolicyConfig{Disabled: []string{"no-such-policy"}}
	if _, err := bad.NewEngine(context.Background(), zerolog.Nop()); err == nil {
		t.Error("Expected error for unknown disabled policy")
	}
}
