// Package scheduler implements the Step Scheduler: a periodic driver that
// claims at most one pending step per tick and dispatches it to a bounded
// worker pool, plus a second periodic driver running the stall-reclamation
// sweep (spec §4.3).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/repairctl/ent"
	"github.com/google/uuid"
)

// TickInterval is how often the scheduler attempts a claim (spec §4.3).
const TickInterval = 2 * time.Second

// ReclaimInterval is how often the stall-reclamation sweep runs (spec §4.2,
// §4.3).
const ReclaimInterval = 60 * time.Second

// DefaultPoolSize is the default number of concurrent Agent Loop workers
// (spec §4.3, §5).
const DefaultPoolSize = 4

// JobClaimer is the subset of the Job Service the scheduler depends on for
// claiming and reclaiming steps.
type JobClaimer interface {
	ClaimNextStep(ctx context.Context, workerID string) (*ent.Step, error)
	ReclaimStalled(ctx context.Context) error
	GetJob(ctx context.Context, id string) (*ent.Job, error)
	FailStep(ctx context.Context, stepID, reason string) error
}

// AgentRunner runs one claimed step to completion (the Agent Loop).
type AgentRunner interface {
	Run(ctx context.Context, job *ent.Job, st *ent.Step)
}

// Scheduler is the Step Scheduler (spec §4.3).
type Scheduler struct {
	jobs     JobClaimer
	runner   AgentRunner
	poolSize int

	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler with the given worker pool size. poolSize <= 0
// falls back to DefaultPoolSize.
func New(jobs JobClaimer, runner AgentRunner, poolSize int) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Scheduler{
		jobs:     jobs,
		runner:   runner,
		poolSize: poolSize,
		sem:      make(chan struct{}, poolSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the claim-tick driver and the stall-reclamation driver as
// background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting step scheduler", "tick_interval", TickInterval, "pool_size", s.poolSize)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runClaimLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runReclaimLoop(ctx)
	}()
}

// Stop signals both drivers to stop and waits for them and for every
// dispatch goroutine to return. A dispatch still waiting for a pool slot
// gives up; one whose Agent Loop run has started is waited for until that
// run returns.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("step scheduler stopped")
}

func (s *Scheduler) runClaimLoop(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick generates a fresh short worker identifier, claims at most one step,
// and dispatches it to the bounded pool (spec §4.3).
func (s *Scheduler) tick(ctx context.Context) {
	workerID := "w-" + uuid.New().String()[:8]

	st, err := s.jobs.ClaimNextStep(ctx, workerID)
	if err != nil {
		slog.Error("claim next step failed", "worker_id", workerID, "error", err)
		return
	}
	if st == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx, st)
	}()
}

// dispatch acquires a pool slot and runs the claimed step's Agent Loop,
// recovering any panic and funneling it into failStep so a single
// misbehaving step can never kill the worker pool (spec §4.3).
func (s *Scheduler) dispatch(ctx context.Context, st *ent.Step) {
	select {
	case s.sem <- struct{}{}:
	case <-s.stopCh:
		return
	}
	defer func() { <-s.sem }()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent loop panicked, failing step", "step_id", st.ID, "panic", r)
			if err := s.jobs.FailStep(ctx, st.ID, fmt.Sprintf("panic: %v", r)); err != nil {
				slog.Error("fail step after panic failed", "step_id", st.ID, "error", err)
			}
		}
	}()

	j, err := s.jobs.GetJob(ctx, st.JobID)
	if err != nil {
		slog.Error("load job for claimed step failed", "step_id", st.ID, "job_id", st.JobID, "error", err)
		if failErr := s.jobs.FailStep(ctx, st.ID, fmt.Sprintf("failed to load job: %v", err)); failErr != nil {
			slog.Error("fail step after job load failure failed", "step_id", st.ID, "error", failErr)
		}
		return
	}

	s.runner.Run(ctx, j, st)
}

func (s *Scheduler) runReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.jobs.ReclaimStalled(ctx); err != nil {
				slog.Error("reclaim stalled steps failed", "error", err)
			}
		}
	}
}
