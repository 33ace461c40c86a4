package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeready-toolchain/repairctl/ent"
	"github.com/codeready-toolchain/repairctl/ent/step"
	"github.com/codeready-toolchain/repairctl/pkg/llmclient"
	"github.com/codeready-toolchain/repairctl/pkg/skills"
	"github.com/codeready-toolchain/repairctl/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	completedStepID, completedPayload string
	failedStepID, failedReason        string
	heartbeats                        int
	savedHistory                      []string
	snapshotKeySaved                  string
	completedResults                  map[step.Role]string
}

func (f *fakeJobStore) CompleteStep(_ context.Context, stepID, resultPayload string) error {
	f.completedStepID, f.completedPayload = stepID, resultPayload
	return nil
}

func (f *fakeJobStore) FailStep(_ context.Context, stepID, reason string) error {
	f.failedStepID, f.failedReason = stepID, reason
	return nil
}

func (f *fakeJobStore) Heartbeat(_ context.Context, _ string) error {
	f.heartbeats++
	return nil
}

func (f *fakeJobStore) SaveHistory(_ context.Context, _, serialized string) error {
	f.savedHistory = append(f.savedHistory, serialized)
	return nil
}

func (f *fakeJobStore) SaveSnapshotKey(_ context.Context, _, key string) error {
	f.snapshotKeySaved = key
	return nil
}

func (f *fakeJobStore) CompletedResults(_ context.Context, _ string) (map[step.Role]string, error) {
	if f.completedResults == nil {
		return map[step.Role]string{}, nil
	}
	return f.completedResults, nil
}

type fakeWorkspaceRunner struct {
	restoreCalls, snapshotCalls int
	runCodeCalls                int
	runResult                   *workspace.RunResult
}

func (f *fakeWorkspaceRunner) Restore(_ context.Context, _, _ string) error {
	f.restoreCalls++
	return nil
}

func (f *fakeWorkspaceRunner) Snapshot(_ context.Context, _ string) (*workspace.SnapshotResult, error) {
	f.snapshotCalls++
	return &workspace.SnapshotResult{SnapshotKey: "snap-1"}, nil
}

func (f *fakeWorkspaceRunner) RunCode(_ context.Context, _, _ string, _ int) (*workspace.RunResult, error) {
	f.runCodeCalls++
	if f.runResult != nil {
		return f.runResult, nil
	}
	return &workspace.RunResult{ExitCode: 0, Stdout: "ok"}, nil
}

type fakeLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeLLM) Generate(_ context.Context, _ string, _ []llmclient.Message) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", errors.New("no more scripted replies")
}

func testRegistry() *skills.Registry {
	return skills.NewRegistry(skills.NewBuiltinSkills()...)
}

func testJobAndStep(role step.Role) (*ent.Job, *ent.Step) {
	j := &ent.Job{ID: "job-1", WorkspaceRef: "ws-1"}
	st := &ent.Step{ID: "step-1", JobID: "job-1", Role: role, Attempt: 0}
	return j, st
}

func TestLoop_CompletesOnFirstTurnResult(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{replies: []string{`<result>{"ok":true}</result>`}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RoleRepoMapper)

	l.Run(context.Background(), j, st)

	assert.Equal(t, "step-1", jobs.completedStepID)
	assert.Equal(t, `{"ok":true}`, jobs.completedPayload)
	assert.Empty(t, jobs.failedStepID)
}

func TestLoop_RunsCodeActionThenCompletes(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{runResult: &workspace.RunResult{ExitCode: 0, Stdout: "42"}}
	llm := &fakeLLM{replies: []string{
		"```python\nprint(6*7)\n```",
		`<result>done</result>`,
	}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RolePlanner)

	l.Run(context.Background(), j, st)

	assert.Equal(t, 1, ws.runCodeCalls)
	assert.Equal(t, "done", jobs.completedPayload)
	require.Len(t, jobs.savedHistory, 1)
}

func TestLoop_NoCodeBlockNudges(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{replies: []string{
		"just thinking out loud",
		`<result>ok</result>`,
	}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RolePlanner)

	l.Run(context.Background(), j, st)

	assert.Equal(t, 0, ws.runCodeCalls)
	assert.Equal(t, "ok", jobs.completedPayload)
}

func TestLoop_RateLimitSleepsAndRetriesWithoutConsumingTurn(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{
		errs:    []error{&llmclient.RateLimitError{}, nil},
		replies: []string{"", `<result>ok</result>`},
	}

	l := NewLoop(jobs, ws, llm, testRegistry())
	var slept time.Duration
	l.sleep = func(d time.Duration) { slept = d }

	j, st := testJobAndStep(step.RoleTester)
	l.Run(context.Background(), j, st)

	assert.Equal(t, RateLimitSleep, slept)
	assert.Equal(t, "ok", jobs.completedPayload)
	assert.Empty(t, jobs.failedStepID)
}

func TestLoop_OtherLLMErrorFailsStepImmediately(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{errs: []error{errors.New("boom")}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RoleTester)
	l.Run(context.Background(), j, st)

	assert.Equal(t, "step-1", jobs.failedStepID)
	assert.Contains(t, jobs.failedReason, "boom")
}

func TestLoop_ExhaustionFailsWithMaxTurnsReached(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	replies := make([]string, 0, MaxTurns)
	for i := 0; i < MaxTurns; i++ {
		replies = append(replies, "still thinking, no result yet")
	}
	llm := &fakeLLM{replies: replies}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RolePlanner)
	l.Run(context.Background(), j, st)

	assert.Equal(t, "step-1", jobs.failedStepID)
	assert.Equal(t, "max turns reached", jobs.failedReason)
}

func TestLoop_HeartbeatsEveryThirdTurn(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{replies: []string{
		"turn 1, no result",
		"turn 2, no result",
		"turn 3, no result",
		`<result>ok</result>`,
	}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RolePlanner)
	l.Run(context.Background(), j, st)

	assert.Equal(t, 1, jobs.heartbeats)
}

func TestLoop_ImplementerRestoresExistingSnapshotThenTakesNew(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{replies: []string{`<result>done</result>`}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RoleImplementer)
	existing := "prior-snap"
	j.SnapshotKey = &existing

	l.Run(context.Background(), j, st)

	assert.Equal(t, 1, ws.restoreCalls)
	assert.Equal(t, 1, ws.snapshotCalls)
	assert.Equal(t, "snap-1", jobs.snapshotKeySaved)
}

func TestLoop_ImplementerFirstAttemptSkipsRestore(t *testing.T) {
	jobs := &fakeJobStore{}
	ws := &fakeWorkspaceRunner{}
	llm := &fakeLLM{replies: []string{`<result>done</result>`}}

	l := NewLoop(jobs, ws, llm, testRegistry())
	j, st := testJobAndStep(step.RoleImplementer)

	l.Run(context.Background(), j, st)

	assert.Equal(t, 0, ws.restoreCalls)
	assert.Equal(t, 1, ws.snapshotCalls)
}
