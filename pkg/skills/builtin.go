package skills

import (
	"context"
	"encoding/json"
	"fmt"
)

// NewBuiltinSkills returns the registered skill descriptors that ship with
// the orchestration core. External-executor skills describe the Python
// helpers the sandboxed execution service exposes inside a job's workspace;
// agents invoke them by emitting a code action that calls them directly
// (the registry never runs their Execute path — it has none). In-process
// skills run inside the control plane itself.
func NewBuiltinSkills() []Skill {
	return []Skill{
		{
			Name:        "read_file",
			Version:     "1.0.0",
			Signature:   "read_file(path: str) -> str",
			Description: "Read a file from the workspace's working tree.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: false, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "write_file",
			Version:     "1.0.0",
			Signature:   "write_file(path: str, content: str) -> None",
			Description: "Write (overwrite) a file in the workspace's working tree.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: true, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "apply_patch",
			Version:     "1.0.0",
			Signature:   "apply_patch(diff: str) -> None",
			Description: "Apply a unified diff to the working tree.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: true, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "grep_repo",
			Version:     "1.0.0",
			Signature:   "grep_repo(pattern: str, path: str = \".\") -> list[str]",
			Description: "Search the working tree for a regular expression.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: false, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "git_diff",
			Version:     "1.0.0",
			Signature:   "git_diff() -> str",
			Description: "Return the current unstaged diff of the working tree.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: false, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "run_tests",
			Version:     "1.0.0",
			Signature:   "run_tests(test_id: str = None) -> dict",
			Description: "Run the repository's test suite, optionally scoped to one test.",
			Routing:     RoutingExternal,
			Policy:      Policy{NetworkAllowed: false, FilesystemWriteAllowed: false, CommandTimeoutSeconds: 300},
		},
		{
			Name:        "estimate_tokens",
			Version:     "1.0.0",
			Signature:   "estimate_tokens(text: str) -> int",
			Description: "Coarsely estimate the token count of a string (chars / 4).",
			Routing:     RoutingInProcess,
			Policy:      Policy{},
			Execute:     executeEstimateTokens,
		},
	}
}

type estimateTokensArgs struct {
	Text string `json:"text"`
}

func executeEstimateTokens(_ context.Context, argsJSON string) (string, error) {
	var args estimateTokensArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	return fmt.Sprintf("%d", len(args.Text)/4), nil
}
