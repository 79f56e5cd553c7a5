package leaf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/tree"
)

// WasmConfig holds WebAssembly leaf settings.
type WasmConfig struct {
	// Timeout bounds a single module run. Zero means 30 seconds.
	Timeout time.Duration

	// MemoryLimitPages caps the linear memory of a module (64 KiB pages).
	// Zero keeps the wazero default.
	MemoryLimitPages uint32
}

// WasmExecutor runs leaves as WASI command modules. A leaf succeeds when its
// module's _start returns or exits with code 0. Leaves without a module are
// handed to the fallback executor.
//
// Modules see the block ID as their only argument and these environment
// variables: MOLR_BLOCK_ID, MOLR_BLOCK_NAME and MOLR_STRAND.
type WasmExecutor struct {
	runtime  wazero.Runtime
	timeout  time.Duration
	fallback engine.LeafExecutor
	logger   zerolog.Logger

	mu      sync.RWMutex
	modules map[tree.BlockID]wazero.CompiledModule
	outputs map[tree.BlockID]string
}

// NewWasmExecutor creates a wazero runtime with WASI preview 1.
func NewWasmExecutor(ctx context.Context, cfg WasmConfig, fallback engine.LeafExecutor, logger zerolog.Logger) (*WasmExecutor, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WasmExecutor{
		runtime:  runtime,
		timeout:  cfg.Timeout,
		fallback: fallback,
		logger:   logger.With().Str("component", "wasm-leaf").Logger(),
		modules:  make(map[tree.BlockID]wazero.CompiledModule),
		outputs:  make(map[tree.BlockID]string),
	}, nil
}

// SetModule compiles a WebAssembly binary and binds it to a leaf.
func (w *WasmExecutor) SetModule(ctx context.Context, id tree.BlockID, wasm []byte) error {
	compiled, err := w.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile module for %s: %w", id, err)
	}

	w.mu.Lock()
	prev, ok := w.modules[id]
	w.modules[id] = compiled
	w.mu.Unlock()

	if ok {
		_ = prev.Close(ctx)
	}
	return nil
}

// Output returns the standard output of the last run of a leaf's module.
func (w *WasmExecutor) Output(id tree.BlockID) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out, ok := w.outputs[id]
	return out, ok
}

// Execute implements engine.LeafExecutor.
func (w *WasmExecutor) Execute(ctx context.Context, block tree.Block) engine.Result {
	w.mu.RLock()
	compiled, ok := w.modules[block.ID]
	w.mu.RUnlock()

	if !ok {
		if w.fallback == nil {
			w.logger.Warn().Str("block", string(block.ID)).Msg("No module for leaf")
			return engine.ResultFailure
		}
		return w.fallback.Execute(ctx, block)
	}

	return toResult(w.logger, block, w.run(ctx, block, compiled))
}

func (w *WasmExecutor) run(ctx context.Context, block tree.Block, compiled wazero.CompiledModule) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	strandID := ""
	if st, ok := engine.StrandFromContext(ctx); ok {
		strandID = st.ID
	}

	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs(string(block.ID)).
		WithEnv("MOLR_BLOCK_ID", string(block.ID)).
		WithEnv("MOLR_BLOCK_NAME", block.Name).
		WithEnv("MOLR_STRAND", strandID).
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := w.runtime.InstantiateModule(ctx, compiled, config)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	w.mu.Lock()
	w.outputs[block.ID] = stdout.String()
	w.mu.Unlock()

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		err = nil
	}

	w.logger.Debug().
		Str("block", string(block.ID)).
		Str("strand", strandID).
		Dur("duration", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Module finished")

	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Close releases the runtime and every compiled module.
func (w *WasmExecutor) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
