// Package config loads molr's runtime configuration and mission manifests.
//
// # Runtime configuration
//
// Config is read from YAML. Keys that are absent keep the values of
// DefaultConfig; unknown keys are an error. Struct tags are checked with
// go-playground/validator and the telemetry section with its own Validate.
//
//	engine:
//	  idle_interval: 50ms
//	  waiting_interval: 25ms
//	  active_interval: 10ms
//	  stream_buffer: 64
//	leaf:
//	  timeout: 30s
//	  missing_result: SUCCESS
//	  wasm_memory_limit_pages: 256
//	store:
//	  enabled: true
//	  path: molr.db
//	telemetry:
//	  logging:
//	    level: debug
//	policy:
//	  paths: [policies/]
//	  disabled: [skip-composite]
//
// A Watcher reloads the file when it changes and hands the validated result
// to a callback.
//
// # Mission manifests
//
// A manifest describes the block tree of a mission. It is first checked
// against a CUE schema, then decoded and compiled into a tree.Tree. Leaves may
// carry a Starlark script and parameters that Mission.Install registers with a
// leaf.StarlarkExecutor, or a WebAssembly module path (relative to the
// manifest) that Mission.InstallModules compiles into a leaf.WasmExecutor.
//
//	name: Land Falcon
//	root:
//	  name: Land Falcon
//	  children:
//	    - name: Locate target
//	      script: |
//	        distance = params["distance"]
//	      params:
//	        distance: 120
//	    - name: Land
//	      kind: parallel
//	      children:
//	        - name: Entry burn
//	        - name: Steer
//	          children:
//	            - name: Compute trajectory
//	            - name: Apply trajectory
//	    - name: Final burn
//	      wasm: modules/final_burn.wasm
package config
