package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/repairctl/ent"
	"github.com/codeready-toolchain/repairctl/ent/step"
	"github.com/codeready-toolchain/repairctl/pkg/llmclient"
	"github.com/codeready-toolchain/repairctl/pkg/skills"
	"github.com/codeready-toolchain/repairctl/pkg/workspace"
)

// MaxTurns bounds a step's multi-turn conversation (spec §4.4 step 4).
const MaxTurns = 20

// CodeTimeoutSeconds is the wall-clock budget passed to the execution
// service for each code action (spec §4.4 step 4d, §5).
const CodeTimeoutSeconds = 300

// RateLimitSleep is how long the loop waits before retrying a turn after an
// LLM rate-limit signal (spec §4.4 step 4a, §7).
const RateLimitSleep = time.Minute

// JobStore is the subset of the Job Service the Agent Loop depends on.
type JobStore interface {
	CompleteStep(ctx context.Context, stepID, resultPayload string) error
	FailStep(ctx context.Context, stepID, reason string) error
	Heartbeat(ctx context.Context, stepID string) error
	SaveHistory(ctx context.Context, stepID, serializedHistory string) error
	SaveSnapshotKey(ctx context.Context, jobID, key string) error
	CompletedResults(ctx context.Context, jobID string) (map[step.Role]string, error)
}

// WorkspaceRunner is the subset of the Workspace Client the Agent Loop
// depends on.
type WorkspaceRunner interface {
	Restore(ctx context.Context, workspaceRef, snapshotKey string) error
	Snapshot(ctx context.Context, workspaceRef string) (*workspace.SnapshotResult, error)
	RunCode(ctx context.Context, workspaceRef, code string, timeoutSec int) (*workspace.RunResult, error)
}

// LLMGenerator is the subset of the LLM Client the Agent Loop depends on.
type LLMGenerator interface {
	Generate(ctx context.Context, systemPrompt string, messages []llmclient.Message) (string, error)
}

// Loop is the per-step worker routine (spec §4.4).
type Loop struct {
	jobs      JobStore
	workspace WorkspaceRunner
	llm       LLMGenerator
	skills    *skills.Registry

	// sleep is RateLimitSleep's time.Sleep, overridable in tests.
	sleep func(time.Duration)
}

// NewLoop constructs an Agent Loop.
func NewLoop(jobs JobStore, ws WorkspaceRunner, llm LLMGenerator, registry *skills.Registry) *Loop {
	return &Loop{
		jobs:      jobs,
		workspace: ws,
		llm:       llm,
		skills:    registry,
		sleep:     time.Sleep,
	}
}

// Run drives one step's full conversation to completion, ending in exactly
// one completeStep or failStep call on the Job Service (spec §4.4).
func (l *Loop) Run(ctx context.Context, j *ent.Job, st *ent.Step) {
	logger := slog.With("job_id", j.ID, "step_id", st.ID, "role", st.Role, "attempt", st.Attempt)
	logger.Info("agent loop starting")
	// logger is function-local: diagnostic context is attached to every log
	// line emitted below and falls out of scope on every return path, so it
	// never leaks onto a worker's next task (spec §4.4 step 1, §9).

	if err := l.runImplementerSnapshotProlog(ctx, j, st, logger); err != nil {
		logger.Warn("implementer snapshot prolog degraded", "error", err)
	}

	history, _, err := l.initHistory(ctx, j, st)
	if err != nil {
		l.fail(ctx, st.ID, fmt.Sprintf("history initialization failed: %v", err), logger)
		return
	}

	systemPrompt := SystemPrompt(st.Role, l.skills.RenderDocumentation())

	for turn := 1; turn <= MaxTurns; turn++ {
		reply, err := l.llm.Generate(ctx, systemPrompt, history)
		if err != nil {
			if llmclient.IsRateLimit(err) {
				logger.Warn("llm rate limited, sleeping", "turn", turn)
				l.sleep(RateLimitSleep)
				turn-- // does not consume the turn budget
				continue
			}
			l.fail(ctx, st.ID, fmt.Sprintf("llm call failed: %v", err), logger)
			return
		}

		history = append(history, llmclient.Message{Role: "assistant", Content: reply})

		if result, ok := ExtractResult(reply); ok {
			if err := l.jobs.CompleteStep(ctx, st.ID, result); err != nil {
				logger.Error("complete step failed", "error", err)
			}
			logger.Info("agent loop completed step", "turn", turn)
			return
		}

		observation := l.runTurnAction(ctx, j.WorkspaceRef, reply, logger)
		history = append(history, llmclient.Message{Role: "user", Content: "Observation:\n" + observation})

		if serialized, err := serializeHistory(history); err != nil {
			logger.Warn("serialize history failed, continuing", "error", err)
		} else if err := l.jobs.SaveHistory(ctx, st.ID, serialized); err != nil {
			logger.Warn("persist history failed, continuing", "error", err)
		}

		if turn%3 == 0 {
			if err := l.jobs.Heartbeat(ctx, st.ID); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}

	l.fail(ctx, st.ID, "max turns reached", logger)
}

// runTurnAction executes the assistant's code action (if any) and returns
// the observation string for the next user turn (spec §4.4 step 4d).
func (l *Loop) runTurnAction(ctx context.Context, workspaceRef, reply string, logger *slog.Logger) string {
	code, ok := ExtractCodeBlock(reply)
	if !ok {
		return noCodeBlockNudge
	}
	result, err := l.workspace.RunCode(ctx, workspaceRef, code, CodeTimeoutSeconds)
	if err != nil {
		logger.Warn("code action execution failed", "error", err)
		return fmt.Sprintf("executor error: %v", err)
	}
	return FormatObservation(result)
}

// runImplementerSnapshotProlog restores the job's prior snapshot (if any)
// then takes a fresh one before an Implementer step runs, guaranteeing every
// Implementer attempt starts from the pristine pre-implementation state of
// its PLAN→IMPLEMENT→TEST iteration (spec §4.2 step 2, §4.5).
func (l *Loop) runImplementerSnapshotProlog(ctx context.Context, j *ent.Job, st *ent.Step, logger *slog.Logger) error {
	if st.Role != step.RoleImplementer {
		return nil
	}

	if j.SnapshotKey != nil {
		if err := l.workspace.Restore(ctx, j.WorkspaceRef, *j.SnapshotKey); err != nil {
			logger.Warn("snapshot restore failed before implementer", "error", err)
		}
	}

	snap, err := l.workspace.Snapshot(ctx, j.WorkspaceRef)
	if err != nil {
		return fmt.Errorf("snapshot before implementer: %w", err)
	}
	if err := l.jobs.SaveSnapshotKey(ctx, j.ID, snap.SnapshotKey); err != nil {
		return fmt.Errorf("save snapshot key: %w", err)
	}
	return nil
}

// initHistory resumes a persisted conversation (discarding it if it exceeds
// the token-estimate safety threshold) or builds the initial user message
// (spec §4.4 step 3).
func (l *Loop) initHistory(ctx context.Context, j *ent.Job, st *ent.Step) ([]llmclient.Message, map[step.Role]string, error) {
	completed, err := l.jobs.CompletedResults(ctx, j.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load completed results: %w", err)
	}

	if st.ConversationHistory != nil {
		if messages, ok := deserializeHistory(*st.ConversationHistory); ok {
			return messages, completed, nil
		}
	}

	initial := BuildInitialMessage(InitialMessageInput{
		Role:             st.Role,
		TaskDescription:  j.TaskDescription,
		FailingTest:      j.FailingTest,
		CompletedResults: completed,
		IsBacktrackPlan:  st.Role == step.RolePlanner && testerResultIndicatesFailure(completed[step.RoleTester]),
	})

	return []llmclient.Message{{Role: "user", Content: initial}}, completed, nil
}

// testerResultIndicatesFailure applies the same tolerant substring check the
// Job Service uses for Tester pass/fail detection (spec §4.2, §9): any shape
// other than an explicit tests_passed:true is treated as failure. An empty
// payload (no Tester has run yet) is not treated as a failure.
func testerResultIndicatesFailure(payload string) bool {
	if payload == "" {
		return false
	}
	return !strings.Contains(payload, `"tests_passed":true`) &&
		!strings.Contains(payload, `"tests_passed": true`)
}

func (l *Loop) fail(ctx context.Context, stepID, reason string, logger *slog.Logger) {
	if err := l.jobs.FailStep(ctx, stepID, reason); err != nil {
		logger.Error("fail step failed", "error", err)
	}
	logger.Warn("agent loop failed step", "reason", reason)
}
