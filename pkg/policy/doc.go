// Package policy checks operator actions on a running mission against
// Open Policy Agent (Rego) policies.
//
// Every policy is a Rego module defining a "deny" set. Before a strand
// command or a cursor move reaches the mission, the Guard builds an Input
// document describing the action and evaluates each enabled policy with it:
//
//	{
//	  "operation": "instruct",
//	  "run_id": "5f0c...",
//	  "command": "SKIP",
//	  "strand": {"id": "2", "parent": "0", "state": "PAUSED"},
//	  "block": {"id": "1.2.1", "name": "Entry burn", "kind": "leaf"}
//	}
//
// Move actions carry the destination block in "target". Deny elements are
// either message strings or objects with "message" and "severity". Error and
// critical violations block the action; info and warning violations are
// returned to the operator and the action proceeds.
//
// # Usage
//
//	engine, err := policy.NewEngine(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	guard := policy.NewGuard(engine, mission, logger)
//	decision, err := guard.Instruct(ctx, "2", engine.CommandSkip)
//	if errors.Is(err, policy.ErrDenied) {
//	    ...
//	}
//
// A policy file that keeps the final burn from being skipped:
//
//	# Final burn must never be skipped.
//	# severity: critical
//	package molr.custom.final_burn
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.command == "SKIP"
//	    input.block.name == "Final burn"
//	    msg := "the final burn cannot be skipped"
//	}
//
// # Built-in Policies
//
//   - skip-composite (warning): SKIP on a sequential or parallel block drops its subtree
//   - move-finished (error): a finished strand's cursor cannot move
package policy
