package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/repairctl/ent/job"
	"github.com/codeready-toolchain/repairctl/ent/step"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newPostgresTestClient starts a real PostgreSQL container and runs the
// embedded migrations against it — SQLite has no row-level MVCC locking, so
// it cannot exercise ClaimNextStep's FOR UPDATE SKIP LOCKED guarantee; this
// invariant can only be validated against the real dialect.
func newPostgresTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("repairctl_test"),
		postgres.WithUsername("repairctl"),
		postgres.WithPassword("repairctl"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := Config{
		Host:            host,
		Port:            port.Int(),
		User:            "repairctl",
		Password:        "repairctl",
		Database:        "repairctl_test",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 15 * time.Minute,
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// TestJobService_ClaimNextStepIsExclusiveUnderConcurrency verifies the
// no-duplicate-claim invariant (spec §5, §8 "concurrent claims"): many
// workers racing ClaimNextStep against the same Pending backlog never
// observe the same step twice.
func TestJobService_ClaimNextStepIsExclusiveUnderConcurrency(t *testing.T) {
	client := newPostgresTestClient(t)
	ctx := context.Background()

	const numSteps = 20
	const numWorkers = 8

	j, err := client.Job.Create().
		SetID("job-concurrent").
		SetRepoURL("git://example/repo.git").
		SetRevision("main").
		SetWorkspaceRef("ws-concurrent").
		SetState(job.StateMapRepo).
		Save(ctx)
	require.NoError(t, err)

	for i := 0; i < numSteps; i++ {
		_, err := client.Step.Create().
			SetID(fmt.Sprintf("step-%d", i)).
			SetJobID(j.ID).
			SetRole(step.RoleRepoMapper).
			SetState(step.StatePending).
			Save(ctx)
		require.NoError(t, err)
	}

	svc := NewJobService(client.Client, nil)

	var (
		mu      sync.Mutex
		claimed = make(map[string]string) // step ID -> claiming worker ID
		wg      sync.WaitGroup
	)

	for w := 0; w < numWorkers; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				st, err := svc.ClaimNextStep(ctx, workerID)
				if !assert.NoError(t, err) {
					return
				}
				if st == nil {
					return
				}
				mu.Lock()
				prior, dup := claimed[st.ID]
				claimed[st.ID] = workerID
				mu.Unlock()
				assert.Falsef(t, dup, "step %s claimed by both %s and %s", st.ID, prior, workerID)
			}
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, claimed, numSteps)

	running, err := client.Step.Query().Where(step.StateEQ(step.StateRunning)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, numSteps, running)
}
