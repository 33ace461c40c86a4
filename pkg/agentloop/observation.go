package agentloop

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/repairctl/pkg/workspace"
)

// maxObservationChars is the truncation ceiling for a formatted observation
// (spec §4.4 step 4d, §8).
const maxObservationChars = 8000

const truncationMarker = "\n...[truncated]"

// FormatObservation renders a RunResult into the observation string appended
// to the conversation history. A pure function of the result — identical
// results produce identical strings (spec §8).
func FormatObservation(result *workspace.RunResult) string {
	var b strings.Builder

	stdout := strings.TrimSpace(result.Stdout)
	stderr := strings.TrimSpace(result.Stderr)

	switch {
	case stdout != "" && stderr != "":
		b.WriteString("stdout:\n")
		b.WriteString(stdout)
		b.WriteString("\n\nstderr:\n")
		b.WriteString(stderr)
	case stdout != "":
		b.WriteString("stdout:\n")
		b.WriteString(stdout)
	case stderr != "":
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	default:
		b.WriteString("(no output)")
	}

	fmt.Fprintf(&b, "\n\nexit_code: %d", result.ExitCode)

	if result.ErrorType == workspace.ErrorTypeTimeout || result.ErrorType == workspace.ErrorTypePolicyViolation {
		fmt.Fprintf(&b, "\nerror_type: %s", result.ErrorType)
	}

	return truncate(b.String())
}

// truncate caps s at maxObservationChars, appending an explicit marker when
// truncation occurs (spec §8: "ending in an explicit truncated marker").
func truncate(s string) string {
	if len(s) <= maxObservationChars {
		return s
	}
	cut := maxObservationChars - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + truncationMarker
}

// noCodeBlockNudge is appended as the observation when an assistant turn has
// neither a <result> block nor a fenced code block (spec §4.4 step 4d).
const noCodeBlockNudge = "Continue; use a code block or emit a `<result>` block when done."
