// Package leaf provides implementations of engine.LeafExecutor.
//
// FuncExecutor dispatches leaves to registered Go functions, StarlarkExecutor
// runs a Starlark script per leaf, WasmExecutor runs a WASI module per leaf
// (falling back to another executor for the rest), and Instrumented wraps any
// executor with logging, metrics and a "leaf.execute" span.
//
// Every executor maps its outcome onto engine.Result: nil error means SUCCESS,
// anything else (including a missing action) means FAILURE. Leaf failures
// never surface as engine errors; the strand simply pauses on the leaf.
package leaf
