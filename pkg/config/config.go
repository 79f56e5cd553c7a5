package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/leaf"
	"github.com/molr/molr/pkg/policy"
	"github.com/molr/molr/pkg/stores"
	"github.com/molr/molr/pkg/telemetry"
)

var validate = validator.New()

// Config is the molr runtime configuration.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Leaf      LeafConfig       `yaml:"leaf"`
	Store     StoreConfig      `yaml:"store"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig holds strand executor settings.
type EngineConfig struct {
	// IdleInterval is the cycle pause of a paused strand.
	IdleInterval time.Duration `yaml:"idle_interval" validate:"gt=0"`

	// WaitingInterval is the cycle pause while waiting for children.
	WaitingInterval time.Duration `yaml:"waiting_interval" validate:"gt=0"`

	// ActiveInterval is the cycle pause in every other state.
	ActiveInterval time.Duration `yaml:"active_interval" validate:"gt=0"`

	// StreamBuffer is the per-subscriber stream buffer.
	StreamBuffer int `yaml:"stream_buffer" validate:"gte=1,lte=65536"`
}

// LeafConfig holds scripted leaf settings.
type LeafConfig struct {
	// Timeout bounds a single leaf script execution.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MissingResult is returned for leaves that have no script.
	MissingResult engine.Result `yaml:"missing_result" validate:"oneof=SUCCESS FAILURE"`

	// WasmMemoryLimitPages caps the memory of WebAssembly leaves, 0 for no limit.
	WasmMemoryLimitPages uint32 `yaml:"wasm_memory_limit_pages" validate:"lte=65536"`
}

// WasmConfig converts the leaf settings to WebAssembly executor settings.
func (l LeafConfig) WasmConfig() leaf.WasmConfig {
	return leaf.WasmConfig{Timeout: l.Timeout, MemoryLimitPages: l.WasmMemoryLimitPages}
}

// StoreConfig holds mission journal settings.
type StoreConfig struct {
	// Enabled turns journaling of mission events on.
	Enabled bool `yaml:"enabled"`

	stores.Config `yaml:",inline"`
}

// PolicyConfig holds operator command policy settings.
type PolicyConfig struct {
	// Paths are Rego files or directories loaded next to the built-in policies.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Disabled names policies, built-in or loaded, that are switched off.
	Disabled []string `yaml:"disabled" validate:"dive,required"`
}

// NewEngine creates a policy engine with the configured policies loaded.
func (p PolicyConfig) NewEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(ctx, logger)
	if err != nil {
		return nil, err
	}
	if len(p.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, p.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range p.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	opts := engine.DefaultOptions()
	return Config{
		Engine: EngineConfig{
			IdleInterval:    opts.IdleInterval,
			WaitingInterval: opts.WaitingInterval,
			ActiveInterval:  opts.ActiveInterval,
			StreamBuffer:    opts.StreamBuffer,
		},
		Leaf: LeafConfig{
			Timeout:       30 * time.Second,
			MissingResult: engine.ResultSuccess,
		},
		Store: StoreConfig{
			Enabled: false,
			Config: stores.Config{
				Path:            "molr.db",
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Options converts the engine settings to executor options.
func (e EngineConfig) Options(logger zerolog.Logger, metrics *telemetry.Metrics) engine.Options {
	return engine.Options{
		Logger:          logger,
		Metrics:         metrics,
		IdleInterval:    e.IdleInterval,
		WaitingInterval: e.WaitingInterval,
		ActiveInterval:  e.ActiveInterval,
		StreamBuffer:    e.StreamBuffer,
	}
}

// Load reads a YAML configuration file. Missing keys keep their default
// values and unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
