package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		skipCompositePolicy(),
		moveFinishedPolicy(),
	}
}

// skipCompositePolicy warns when a skip drops a whole subtree.
func skipCompositePolicy() Policy {
	return Policy{
		Name:        "skip-composite",
		Description: "Warns when SKIP is sent to a strand positioned on a sequential or parallel block",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package molr.builtin.skip

import rego.v1

deny contains violation if {
	input.operation == "instruct"
	input.command == "SKIP"
	input.block.kind != "leaf"
	input.block.id != ""
	violation := {
		"message": sprintf("skipping %s (%s) drops its whole %s subtree", [input.block.id, input.block.name, input.block.kind]),
		"severity": "warning",
	}
}
`,
	}
}

// moveFinishedPolicy blocks cursor moves on strands that already finished.
func moveFinishedPolicy() Policy {
	return Policy{
		Name:        "move-finished",
		Description: "Rejects cursor moves on a finished strand",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package molr.builtin.move

import rego.v1

deny contains msg if {
	input.operation == "move"
	input.strand.state == "FINISHED"
	msg := sprintf("strand %s is finished, its cursor cannot move to %s", [input.strand.id, input.target.id])
}
`,
	}
}
