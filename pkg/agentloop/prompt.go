package agentloop

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/repairctl/ent/step"
)

// roleInstructions is the Tier-1, role-specific instruction injected into
// every system prompt (spec §4.4 step 3: "a role-specific instruction").
var roleInstructions = map[step.Role]string{
	step.RoleRepoMapper:  "You are RepoMapper. Explore the repository's layout and summarize the modules, entry points, and test setup relevant to the task.",
	step.RolePlanner:     "You are Planner. Produce a concrete, ordered plan of code changes that will satisfy the task description and make the failing test (if any) pass.",
	step.RoleImplementer: "You are Implementer. Carry out the plan by editing files in the working tree. Make the smallest changes that satisfy the plan.",
	step.RoleTester:      `You are Tester. Run the test suite and report the outcome. Your <result> block must be a JSON object with a "tests_passed" boolean field.`,
	step.RoleReviewer:    "You are Reviewer. Review the diff for correctness, style, and regressions. Note any concerns; this is advisory and does not block finalization.",
	step.RoleFinalizer:   "You are Finalizer. Produce the final patch summary and test report as a JSON object in your <result> block.",
}

// SystemPrompt composes the role instruction with the skill registry's
// tool-documentation block (spec §4.4, §4.6).
func SystemPrompt(role step.Role, skillDocumentation string) string {
	instr, ok := roleInstructions[role]
	if !ok {
		instr = fmt.Sprintf("You are %s.", role)
	}
	return instr + "\n\n" + skillDocumentation
}

// InitialMessageInput carries everything needed to build the first user
// message of a fresh conversation (spec §4.4 step 3).
type InitialMessageInput struct {
	Role              step.Role
	TaskDescription   *string
	FailingTest       *string
	CompletedResults  map[step.Role]string
	IsBacktrackPlan   bool // true iff role is Planner and the most recent Tester result failed
}

// rolesBefore returns the roles that precede r in pipeline order, in order,
// for rendering the "latest result payload of each previously completed
// role" context block.
func rolesBefore(r step.Role) []step.Role {
	order := []step.Role{
		step.RoleRepoMapper, step.RolePlanner, step.RoleImplementer,
		step.RoleTester, step.RoleReviewer, step.RoleFinalizer,
	}
	out := make([]step.Role, 0, len(order))
	for _, candidate := range order {
		if candidate == r {
			break
		}
		out = append(out, candidate)
	}
	return out
}

// BuildInitialMessage assembles the initial user message: a role-specific
// instruction (added via SystemPrompt, not here), an optional task-context
// block (task description + failing test, RepoMapper and Planner only), and
// a context block with the latest result payload of each previously
// completed role. For a backtrack Planner entry, the instruction explicitly
// acknowledges the prior failure and the context block includes the previous
// Planner, Implementer and Tester results (spec §4.4 step 3, §4.5).
func BuildInitialMessage(in InitialMessageInput) string {
	var b strings.Builder

	if in.Role == step.RoleRepoMapper || in.Role == step.RolePlanner {
		if in.TaskDescription != nil && *in.TaskDescription != "" {
			b.WriteString("Task description:\n")
			b.WriteString(*in.TaskDescription)
			b.WriteString("\n\n")
		}
		if in.FailingTest != nil && *in.FailingTest != "" {
			b.WriteString("Failing test: ")
			b.WriteString(*in.FailingTest)
			b.WriteString("\n\n")
		}
	}

	if in.IsBacktrackPlan {
		b.WriteString("The previous attempt's Tester run failed. Revise the plan to address the failure before proposing the next implementation.\n\n")
	}

	prior := rolesBefore(in.Role)
	if in.IsBacktrackPlan {
		// The previous Planner, Implementer and Tester have all completed.
		prior = rolesBefore(step.RoleReviewer)
	}
	hasContext := false
	for _, r := range prior {
		if payload, ok := in.CompletedResults[r]; ok {
			hasContext = true
			fmt.Fprintf(&b, "Result from %s:\n%s\n\n", r, payload)
		}
	}
	if !hasContext && len(prior) > 0 {
		b.WriteString("No prior step results are available yet.\n\n")
	}

	return strings.TrimSpace(b.String())
}
