package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/codeready-toolchain/repairctl/ent"
	"github.com/codeready-toolchain/repairctl/ent/job"
	"github.com/codeready-toolchain/repairctl/ent/step"
	"github.com/google/uuid"
)

// MaxAttempts is the retry cap for a single step (spec §4.2).
const MaxAttempts = 3

// StallCutoff is how long a Running step may go without a heartbeat before
// the reaper reclaims it (spec §4.2, §5).
const StallCutoff = 5 * time.Minute

// rolePipeline is the closed, ordered sequence of agent roles (spec §4.1).
var rolePipeline = []step.Role{
	step.RoleRepoMapper,
	step.RolePlanner,
	step.RoleImplementer,
	step.RoleTester,
	step.RoleReviewer,
	step.RoleFinalizer,
}

// roleState maps a pending role to the job's coarse reported state (spec §4.2).
var roleState = map[step.Role]job.State{
	step.RoleRepoMapper:  job.StateMapRepo,
	step.RolePlanner:     job.StatePlan,
	step.RoleImplementer: job.StateImplement,
	step.RoleTester:      job.StateTest,
	step.RoleReviewer:    job.StateReview,
	step.RoleFinalizer:   job.StateFinalize,
}

// WorkspaceClient is the subset of the Workspace Client the Job Service needs
// to clone a repository at submission and tear down on terminal states.
type WorkspaceClient interface {
	Create(ctx context.Context, workspaceRef, repoURL, gitRef string) error
	Delete(ctx context.Context, workspaceRef string) error
}

// JobService is the transactional custodian of the Job/Step state machine
// (spec §4.2): submit, claim, complete, fail, heartbeat, reclaim-stalled.
type JobService struct {
	client    *ent.Client
	workspace WorkspaceClient
}

// NewJobService constructs a JobService.
func NewJobService(client *ent.Client, workspace WorkspaceClient) *JobService {
	return &JobService{client: client, workspace: workspace}
}

// nextRole returns the role following r in the pipeline, and false if r is
// the last role.
func nextRole(r step.Role) (step.Role, bool) {
	for i, candidate := range rolePipeline {
		if candidate == r && i+1 < len(rolePipeline) {
			return rolePipeline[i+1], true
		}
	}
	return "", false
}

// Submit creates a Job, clones its repository via the Workspace Client, and
// creates the initial Pending RepoMapper step. The whole operation is a
// single durable transaction; on clone failure the job is created Failed and
// no step is created (spec §4.2).
func (s *JobService) Submit(ctx context.Context, repoURL, revision string, taskDescription, failingTest *string) (*ent.Job, error) {
	if repoURL == "" {
		return nil, NewValidationError("repo_url", "required")
	}
	if revision == "" {
		revision = "main"
	}

	id := uuid.New().String()
	workspaceRef := id

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("start submit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	create := tx.Job.Create().
		SetID(id).
		SetRepoURL(repoURL).
		SetRevision(revision).
		SetWorkspaceRef(workspaceRef).
		SetState(job.StateMapRepo)
	if taskDescription != nil {
		create = create.SetTaskDescription(*taskDescription)
	}
	if failingTest != nil {
		create = create.SetFailingTest(*failingTest)
	}

	j, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if cloneErr := s.workspace.Create(ctx, workspaceRef, repoURL, revision); cloneErr != nil {
		j, err = j.Update().SetState(job.StateFailed).Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("mark job failed after clone error: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit failed job: %w", err)
		}
		slog.Warn("workspace clone failed at submit", "job_id", id, "error", cloneErr)
		return j.Unwrap(), nil
	}

	if _, err := tx.Step.Create().
		SetID(uuid.New().String()).
		SetJobID(id).
		SetRole(step.RoleRepoMapper).
		SetState(step.StatePending).
		Save(ctx); err != nil {
		return nil, fmt.Errorf("create initial step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return j.Unwrap(), nil
}

// ClaimNextStep atomically claims the oldest Pending step using
// SELECT ... FOR UPDATE SKIP LOCKED so that concurrent callers never observe
// the same row (spec §4.2, §4.3, §5).
func (s *JobService) ClaimNextStep(ctx context.Context, workerID string) (*ent.Step, error) {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := tx.Step.Query().
		Where(step.StateEQ(step.StatePending)).
		Order(ent.Asc(step.FieldCreatedAt)).
		Limit(1).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query pending step: %w", err)
	}

	now := time.Now()
	st, err = st.Update().
		SetState(step.StateRunning).
		SetWorkerID(workerID).
		SetStartedAt(now).
		SetHeartbeatAt(now).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return st, nil
}

// testsPassed reads the tests_passed field out of a Tester result payload.
// Substring detection rather than strict JSON parsing is intentional (spec
// §9): the prompt fixes the field name, and both compact and spaced forms
// are accepted; any other shape is treated as failure.
func testsPassed(payload string) bool {
	return strings.Contains(payload, `"tests_passed":true`) ||
		strings.Contains(payload, `"tests_passed": true`)
}

// CompleteStep transitions step to Done with the given result payload, then
// advances the pipeline per spec §4.2: Tester results drive backtracking;
// any other role simply advances to the next role, or to Done after
// Finalizer.
func (s *JobService) CompleteStep(ctx context.Context, stepID, resultPayload string) error {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("start complete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := tx.Step.Get(ctx, stepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}

	st, err = st.Update().
		SetState(step.StateDone).
		SetFinishedAt(time.Now()).
		SetResultPayload(resultPayload).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("mark step done: %w", err)
	}

	j, err := tx.Job.Get(ctx, st.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	if st.Role == step.RoleTester {
		if !testsPassed(resultPayload) {
			j, err = j.Update().AddConsecutiveTestFailures(1).Save(ctx)
			if err != nil {
				return fmt.Errorf("increment consecutive test failures: %w", err)
			}
			if j.ConsecutiveTestFailures >= 2 {
				if _, err := j.Update().SetState(job.StateFailed).Save(ctx); err != nil {
					return fmt.Errorf("fail job on backtrack budget exhaustion: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit backtrack-exhausted: %w", err)
				}
				s.cleanupWorkspace(j.ID, j.WorkspaceRef)
				return nil
			}

			j, err = j.Update().
				AddIterationCount(1).
				SetState(job.StatePlan).
				Save(ctx)
			if err != nil {
				return fmt.Errorf("advance to backtrack planner: %w", err)
			}
			if _, err := tx.Step.Create().
				SetID(uuid.New().String()).
				SetJobID(j.ID).
				SetRole(step.RolePlanner).
				SetState(step.StatePending).
				Save(ctx); err != nil {
				return fmt.Errorf("create backtrack planner step: %w", err)
			}
			return tx.Commit()
		}

		j, err = j.Update().SetConsecutiveTestFailures(0).Save(ctx)
		if err != nil {
			return fmt.Errorf("reset consecutive test failures: %w", err)
		}
	}

	nr, ok := nextRole(st.Role)
	if !ok {
		if _, err := j.Update().SetState(job.StateDone).Save(ctx); err != nil {
			return fmt.Errorf("mark job done: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit job done: %w", err)
		}
		s.cleanupWorkspace(j.ID, j.WorkspaceRef)
		return nil
	}

	if _, err := j.Update().SetState(roleState[nr]).Save(ctx); err != nil {
		return fmt.Errorf("advance job state: %w", err)
	}
	if _, err := tx.Step.Create().
		SetID(uuid.New().String()).
		SetJobID(j.ID).
		SetRole(nr).
		SetState(step.StatePending).
		Save(ctx); err != nil {
		return fmt.Errorf("create next step: %w", err)
	}

	return tx.Commit()
}

// FailStep increments the step's attempt counter and either re-queues it as
// Pending (attempt < MaxAttempts) or fails it and the enclosing job
// permanently (spec §4.2).
func (s *JobService) FailStep(ctx context.Context, stepID, reason string) error {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("start fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := tx.Step.Get(ctx, stepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}

	attempt := st.Attempt + 1

	if attempt < MaxAttempts {
		if _, err := st.Update().
			SetAttempt(attempt).
			ClearWorkerID().
			SetState(step.StatePending).
			ClearStartedAt().
			ClearFinishedAt().
			Save(ctx); err != nil {
			return fmt.Errorf("requeue step: %w", err)
		}
		slog.Info("step requeued after failure", "step_id", stepID, "attempt", attempt, "reason", reason)
		return tx.Commit()
	}

	if _, err := st.Update().
		SetAttempt(attempt).
		ClearWorkerID().
		SetState(step.StateFailed).
		Save(ctx); err != nil {
		return fmt.Errorf("permanently fail step: %w", err)
	}

	j, err := tx.Job.Get(ctx, st.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	j, err = j.Update().SetState(job.StateFailed).Save(ctx)
	if err != nil {
		return fmt.Errorf("fail job on retry exhaustion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry exhaustion: %w", err)
	}
	slog.Warn("step failed permanently, job failed", "step_id", stepID, "job_id", j.ID, "reason", reason)
	s.cleanupWorkspace(j.ID, j.WorkspaceRef)
	return nil
}

// cleanupWorkspace deletes a terminal job's workspace. Errors are logged and
// swallowed — workspace cleanup never rolls back the committing transaction
// (spec §4.2, §7).
func (s *JobService) cleanupWorkspace(jobID, workspaceRef string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.workspace.Delete(ctx, workspaceRef); err != nil {
		slog.Warn("workspace cleanup failed", "job_id", jobID, "workspace_ref", workspaceRef, "error", err)
	}
}

// Heartbeat updates a Running step's heartbeat_at to now — a single-row
// update (spec §4.2).
func (s *JobService) Heartbeat(ctx context.Context, stepID string) error {
	err := s.client.Step.UpdateOneID(stepID).SetHeartbeatAt(time.Now()).Exec(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat step: %w", err)
	}
	return nil
}

// ReclaimStalled finds every Running step whose heartbeat is older than
// StallCutoff and fails each with a "heartbeat timed out" reason — the sole
// liveness mechanism for crashed workers (spec §4.2).
func (s *JobService) ReclaimStalled(ctx context.Context) error {
	cutoff := time.Now().Add(-StallCutoff)
	stalled, err := s.client.Step.Query().
		Where(
			step.StateEQ(step.StateRunning),
			step.HeartbeatAtLT(cutoff),
		).
		All(ctx)
	if err != nil {
		return fmt.Errorf("query stalled steps: %w", err)
	}

	for _, st := range stalled {
		if err := s.FailStep(ctx, st.ID, "heartbeat timed out"); err != nil {
			slog.Error("reclaim stalled step failed", "step_id", st.ID, "error", err)
		}
	}
	return nil
}

// CompletedResults returns, for every role, the latest Done step's result
// payload for jobID. After backtracking there can be multiple Done steps
// with the same role; the latest (by created_at) wins (spec §4.2).
func (s *JobService) CompletedResults(ctx context.Context, jobID string) (map[step.Role]string, error) {
	steps, err := s.client.Step.Query().
		Where(
			step.JobIDEQ(jobID),
			step.StateEQ(step.StateDone),
		).
		Order(ent.Asc(step.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("query completed steps: %w", err)
	}

	out := make(map[step.Role]string, len(rolePipeline))
	for _, st := range steps {
		if st.ResultPayload != nil {
			out[st.Role] = *st.ResultPayload
		}
	}
	return out, nil
}

// SaveHistory persists a step's serialized conversation history — a
// single-row update used by the Agent Loop between turns (spec §4.2, §4.4).
func (s *JobService) SaveHistory(ctx context.Context, stepID, serializedHistory string) error {
	err := s.client.Step.UpdateOneID(stepID).SetConversationHistory(serializedHistory).Exec(ctx)
	if err != nil {
		return fmt.Errorf("save step history: %w", err)
	}
	return nil
}

// SaveSnapshotKey persists the latest workspace snapshot key on jobID — a
// single-row update used by the Agent Loop's Implementer prolog (spec §4.2,
// §4.4).
func (s *JobService) SaveSnapshotKey(ctx context.Context, jobID, key string) error {
	err := s.client.Job.UpdateOneID(jobID).SetSnapshotKey(key).Exec(ctx)
	if err != nil {
		return fmt.Errorf("save job snapshot key: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *JobService) GetJob(ctx context.Context, id string) (*ent.Job, error) {
	j, err := s.client.Job.Get(ctx, id)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	return j, nil
}

// ListSteps returns a job's steps in creation order.
func (s *JobService) ListSteps(ctx context.Context, jobID string) ([]*ent.Step, error) {
	steps, err := s.client.Step.Query().
		Where(step.JobIDEQ(jobID)).
		Order(ent.Asc(step.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}
