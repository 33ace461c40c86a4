// Package skills implements the Skill Registry: a process-local catalog of
// tool descriptors exposed to agents, producing the tool-documentation text
// injected into every agent's system prompt (spec §4.6).
package skills

import "context"

// RoutingTarget distinguishes skills executed in-process from ones invoked
// indirectly by agents emitting code into the sandboxed execution service.
type RoutingTarget string

const (
	// RoutingInProcess skills have a typed Execute function invoked by the
	// registry itself.
	RoutingInProcess RoutingTarget = "in_process"
	// RoutingExternal skills are described to the agent but invoked only by
	// the agent emitting a code action; the registry never calls Execute.
	RoutingExternal RoutingTarget = "external"
)

// Policy bounds what a skill is allowed to do when routed to the sandboxed
// execution service.
type Policy struct {
	NetworkAllowed         bool
	FilesystemWriteAllowed bool
	CommandTimeoutSeconds  int
}

// ExecuteFunc is the typed entry point for an in-process skill.
// argsJSON is the raw JSON arguments the agent supplied.
type ExecuteFunc func(ctx context.Context, argsJSON string) (string, error)

// Skill describes one tool capability available to agents.
type Skill struct {
	Name        string
	Version     string
	Signature   string // human-visible call signature, e.g. "read_file(path: str) -> str"
	Description string // one-line description
	Routing     RoutingTarget
	Policy      Policy

	// Execute is set only for in-process skills; external-executor skills
	// leave this nil — agents invoke them by emitting code, never through
	// the registry.
	Execute ExecuteFunc
}
