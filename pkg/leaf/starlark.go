package leaf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/tree"
)

// Script is the Starlark program behind one leaf.
type Script struct {
	// Source is the Starlark program text.
	Source string

	// Params are exposed to the script as the `params` dict.
	Params map[string]interface{}
}

// ErrLeafFailed is wrapped by errors raised through fail() in a script.
var ErrLeafFailed = errors.New("leaf failed")

// StarlarkExecutor runs each leaf as a Starlark script.
//
// Scripts see these predeclared names:
//
//	block   struct(id, name, kind) of the leaf being executed
//	strand  ID of the strand running the leaf ("" outside the engine)
//	params  dict of the leaf's parameters
//	fail    fail(msg) aborts the script with a FAILURE result
//	sleep   sleep(seconds) waits, honouring the timeout
//	struct  the starlarkstruct constructor
//
// A script that raises an error, calls fail(), exceeds the timeout, or sets
// the global `success` to a false value yields FAILURE. Top-level globals not
// starting with '_' are kept as the leaf's output.
type StarlarkExecutor struct {
	timeout time.Duration
	missing engine.Result
	logger  zerolog.Logger

	mu      sync.RWMutex
	scripts map[tree.BlockID]Script
	outputs map[tree.BlockID]map[string]interface{}
}

// NewStarlarkExecutor creates a Starlark executor. A zero timeout means 30 seconds.
func NewStarlarkExecutor(timeout time.Duration, logger zerolog.Logger) *StarlarkExecutor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkExecutor{
		timeout: timeout,
		missing: engine.ResultSuccess,
		logger:  logger.With().Str("component", "starlark-leaf").Logger(),
		scripts: make(map[tree.BlockID]Script),
		outputs: make(map[tree.BlockID]map[string]interface{}),
	}
}

// SetMissingResult sets the result of leaves without a script (SUCCESS by default).
func (s *StarlarkExecutor) SetMissingResult(r engine.Result) {
	s.missing = r
}

// SetScript binds a script to a leaf after checking its syntax.
func (s *StarlarkExecutor) SetScript(id tree.BlockID, script Script) error {
	if err := CheckSyntax(string(id), script.Source); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = script
	return nil
}

// Output returns the globals exported by the last run of a leaf.
func (s *StarlarkExecutor) Output(id tree.BlockID) (map[string]interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[id]
	return out, ok
}

// Leaf scripts are small imperative programs, so top-level control flow,
// while loops and recursion are allowed.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// CheckSyntax parses source without running it.
func CheckSyntax(name, source string) error {
	if _, err := fileOptions.Parse(name+".star", source, 0); err != nil {
		return fmt.Errorf("invalid script for %s: %w", name, err)
	}
	return nil
}

// Execute implements engine.LeafExecutor.
func (s *StarlarkExecutor) Execute(ctx context.Context, block tree.Block) engine.Result {
	s.mu.RLock()
	script, ok := s.scripts[block.ID]
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug().Str("block", string(block.ID)).Str("result", string(s.missing)).Msg("No script for leaf")
		return s.missing
	}

	output, err := s.Run(ctx, block, script)
	if err == nil {
		s.mu.Lock()
		s.outputs[block.ID] = output
		s.mu.Unlock()
	}
	return toResult(s.logger, block, err)
}

// Run executes script for block and returns its exported globals.
func (s *StarlarkExecutor) Run(ctx context.Context, block tree.Block, script Script) (map[string]interface{}, error) {
	strandID := ""
	if st, ok := engine.StrandFromContext(ctx); ok {
		strandID = st.ID
	}

	done := make(chan struct{})
	var once sync.Once
	thread := &starlark.Thread{
		Name: "leaf " + string(block.ID),
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Info().
				Str("block", string(block.ID)).
				Str("strand", strandID).
				Msg(msg)
		},
	}
	cancel := func(reason string) {
		once.Do(func() {
			thread.Cancel(reason)
			close(done)
		})
	}
	thread.SetLocal("done", done)

	timer := time.AfterFunc(s.timeout, func() {
		cancel(fmt.Sprintf("execution timeout after %v", s.timeout))
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { cancel("context done") })
	defer stop()

	params, err := toStarlarkValue(script.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert params: %w", err)
	}
	if params == starlark.None {
		params = starlark.NewDict(0)
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"block": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":   starlark.String(block.ID),
			"name": starlark.String(block.Name),
			"kind": starlark.String(block.Kind),
		}),
		"strand": starlark.String(strandID),
		"params": params,
		"fail":   starlark.NewBuiltin("fail", builtinFail),
		"sleep":  starlark.NewBuiltin("sleep", builtinSleep),
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, string(block.ID)+".star", script.Source, predeclared)
	if err != nil {
		if errors.Is(err, ErrLeafFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	if v, ok := globals["success"]; ok && !bool(v.Truth()) {
		return nil, fmt.Errorf("%w: script set success = %s", ErrLeafFailed, v)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

func builtinFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg?", &msg); err != nil {
		return nil, err
	}
	if msg == "" {
		return nil, ErrLeafFailed
	}
	return nil, fmt.Errorf("%w: %s", ErrLeafFailed, msg)
}

func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seconds); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(seconds)
	if !ok || f < 0 {
		return nil, fmt.Errorf("sleep: expected a non-negative number, got %s", seconds)
	}

	done, _ := thread.Local("done").(chan struct{})
	select {
	case <-time.After(time.Duration(f * float64(time.Second))):
		return starlark.None, nil
	case <-done:
		return nil, fmt.Errorf("sleep interrupted")
	}
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		if val == nil {
			return starlark.None, nil
		}
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
