package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrSkillNotFound is returned by Lookup when no skill is registered under
// the requested name. A distinguished error kind per spec §4.6.
var ErrSkillNotFound = errors.New("skill not found")

// ErrPolicyViolation is returned by an in-process skill's Execute function
// to signal that the call itself violated the skill's policy (as opposed to
// failing for an ordinary reason). Execute tags this as "policy_violation".
var ErrPolicyViolation = errors.New("skill policy violation")

// Call status tags, used as the "status" label on the skill.calls metric.
const (
	StatusSuccess         = "success"
	StatusTimeout         = "timeout"
	StatusPolicyViolation = "policy_violation"
	StatusParseError      = "parse_error"
	StatusExecutorError   = "executor_error"
)

// Registry is the process-local skill catalog.
type Registry struct {
	skills  map[string]*Skill
	metrics *metricStore
}

// NewRegistry collects the given skill descriptors into an indexed registry.
// Startup collection is explicit (no reflection-based introspection), per
// spec §9's note that DI-container-style discovery re-architects trivially
// to explicit construction in a systems language.
func NewRegistry(descriptors ...Skill) *Registry {
	r := &Registry{
		skills:  make(map[string]*Skill, len(descriptors)),
		metrics: newMetricStore(),
	}
	for i := range descriptors {
		d := descriptors[i]
		r.skills[d.Name] = &d
	}
	return r
}

// Lookup returns the skill registered under name.
func (r *Registry) Lookup(name string) (*Skill, error) {
	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s, nil
}

// Execute runs an in-process skill, timing and counting the call under the
// skill.calls{skill,status} and skill.duration{skill,target} metric
// families. External-executor skills cannot be run through the registry —
// agents invoke those by emitting code directly.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	if s.Routing != RoutingInProcess || s.Execute == nil {
		return "", fmt.Errorf("skill %q is not in-process executable", name)
	}

	if s.Policy.CommandTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Policy.CommandTimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, execErr := s.Execute(ctx, argsJSON)
	elapsed := time.Since(start)

	status := classifyError(execErr)
	r.metrics.recordCall(name, status)
	r.metrics.recordDuration(name, string(s.Routing), elapsed)

	return result, execErr
}

// classifyError maps an Execute error to one of the status tags.
func classifyError(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrPolicyViolation):
		return StatusPolicyViolation
	default:
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return StatusParseError
		}
		return StatusExecutorError
	}
}

// CallCount returns the number of recorded calls for (skill, status).
// Exposed for tests and health/metrics endpoints.
func (r *Registry) CallCount(name, status string) int64 {
	return r.metrics.callCount(name, status)
}

// docEntry is a skill flattened for documentation rendering.
type docEntry struct {
	signature   string
	description string
	routing     RoutingTarget
	name        string
}

// RenderDocumentation emits the single documentation block injected into
// every agent's system prompt (spec §4.6): a preamble instructing the agent
// to emit Python code blocks and wait for observations, one entry per
// skill (external-executor skills first, then in-process, ties broken by
// name), then a rules block.
func (r *Registry) RenderDocumentation() string {
	entries := make([]docEntry, 0, len(r.skills))
	for _, s := range r.skills {
		entries = append(entries, docEntry{
			signature:   s.Signature,
			description: s.Description,
			routing:     s.Routing,
			name:        s.Name,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].routing != entries[j].routing {
			return entries[i].routing == RoutingExternal
		}
		return entries[i].name < entries[j].name
	})

	doc := "You have access to the following tools. Invoke a tool by emitting a single\n" +
		"fenced Python code block; the platform will execute it and send back an\n" +
		"observation before your next turn.\n\n"

	for _, e := range entries {
		doc += "  " + e.signature + "\n"
		doc += "      " + e.description + "\n\n"
	}

	doc += "Rules:\n" +
		"- Emit at most one code block per turn.\n" +
		"- Wait for the observation before emitting another code block.\n" +
		"- When you are done, conclude with a single <result>...</result> block.\n"

	return doc
}
