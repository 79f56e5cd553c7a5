// Package engine executes a mission tree under interactive, hierarchical control.
//
// # Overview
//
// A mission is a tree of blocks (see package tree). Execution is driven by
// strand executors: one ConcurrentStrandExecutor per strand, each running its
// own control loop in a dedicated goroutine. The root strand walks the tree
// from its root block; whenever it reaches a parallel block it creates one
// child executor per branch and waits for them.
//
// # Commands
//
// A controller steers each strand independently with five commands:
//
//   - RESUME: run until a leaf fails, the tree ends or a PAUSE arrives
//   - PAUSE: stop at the next block boundary (forwarded to live children)
//   - STEP_OVER: run the current block's subtree and pause right after it
//   - STEP_INTO: descend into the current composite and stay paused
//   - SKIP: move past the current block without executing it
//
// Every executor holds at most one pending command. Instruct never blocks;
// it returns ErrCommandQueueFull while another command is pending:
//
//	if err := executor.Instruct(engine.CommandResume); errors.Is(err, engine.ErrCommandQueueFull) {
//	    // retry later
//	}
//
// Commands that are not legal in the current state (SKIP while children are
// live, STEP_INTO on a leaf) are discarded and reported on the error stream.
//
// # Streams
//
// Each executor publishes its run state, cursor and processed commands on
// replay-last streams, and its errors on a present-only stream. Publishing
// never blocks the control loop. Streams close when the executor finishes.
//
//	for state := range executor.States(ctx) {
//	    fmt.Println(state)
//	}
//
// # Missions
//
// MissionExecutor ties it together for one run: it creates the root
// executor, routes commands by strand ID and merges the streams of all
// executors into a single Event stream.
//
//	mission := engine.NewMissionExecutor(tr.Structure(), leaves, engine.DefaultOptions())
//	events := mission.Events(ctx)
//	root, _ := mission.Start()
//	_ = root.Instruct(engine.CommandResume)
//	<-mission.Done()
//
// A leaf returning FAILURE is not an engine error: the strand pauses on the
// failing leaf so the controller can retry it with RESUME or move on with SKIP.
package engine
