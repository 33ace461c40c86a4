package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codeready-toolchain/repairctl/ent"
	"github.com/codeready-toolchain/repairctl/ent/job"
	"github.com/codeready-toolchain/repairctl/ent/step"
	"github.com/codeready-toolchain/repairctl/pkg/store"
	"github.com/gin-gonic/gin"
)

// JobStore is the subset of the Job Service the HTTP ingress depends on
// (spec §6).
type JobStore interface {
	Submit(ctx context.Context, repoURL, revision string, taskDescription, failingTest *string) (*ent.Job, error)
	GetJob(ctx context.Context, id string) (*ent.Job, error)
	ListSteps(ctx context.Context, jobID string) ([]*ent.Step, error)
	CompletedResults(ctx context.Context, jobID string) (map[step.Role]string, error)
}

// HealthChecker reports durable store connectivity and backlog, backing
// GET /health.
type HealthChecker interface {
	Health(ctx context.Context) (*store.HealthStatus, error)
}

// Server is the Job Control HTTP ingress (spec §6).
type Server struct {
	jobs JobStore
}

// NewServer constructs a Server.
func NewServer(jobs JobStore) *Server {
	return &Server{jobs: jobs}
}

// CreateJob handles POST /jobs.
func (s *Server) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var taskDescription, failingTest *string
	if req.TaskDescription != "" {
		taskDescription = &req.TaskDescription
	}
	if req.FailingTest != "" {
		failingTest = &req.FailingTest
	}

	j, err := s.jobs.Submit(c.Request.Context(), req.RepoURL, req.GitRef, taskDescription, failingTest)
	if err != nil {
		if store.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, toJobResponse(j))
}

// GetJob handles GET /jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	j, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

// ListSteps handles GET /jobs/:id/steps.
func (s *Server) ListSteps(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.jobs.GetJob(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	steps, err := s.jobs.ListSteps(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]StepResponse, 0, len(steps))
	for _, st := range steps {
		out = append(out, toStepResponse(st))
	}
	c.JSON(http.StatusOK, out)
}

// GetReport handles GET /jobs/:id/report (spec §6). Until the Finalizer step
// completes it returns 202 with the job's current coarse state; once done it
// returns the Finalizer's JSON payload enriched with job metadata, falling
// back to a raw-text wrapper if the payload is not valid JSON.
func (s *Server) GetReport(c *gin.Context) {
	jobID := c.Param("id")
	j, err := s.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if j.State != job.StateDone {
		c.JSON(http.StatusAccepted, PendingReportResponse{Status: "pending", JobState: string(j.State)})
		return
	}

	results, err := s.jobs.CompletedResults(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload, ok := results[step.RoleFinalizer]
	if !ok {
		c.JSON(http.StatusAccepted, PendingReportResponse{Status: "pending", JobState: string(j.State)})
		return
	}

	report := map[string]any{
		"jobId":      j.ID,
		"jobState":   string(j.State),
		"createdAt":  j.CreatedAt,
		"updatedAt":  j.UpdatedAt,
		"iterations": j.IterationCount,
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
		for k, v := range parsed {
			report[k] = v
		}
	} else {
		report["report"] = payload
	}

	c.JSON(http.StatusOK, report)
}

func toJobResponse(j *ent.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		State:     string(j.State),
		RepoURL:   j.RepoURL,
		GitRef:    j.Revision,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func toStepResponse(st *ent.Step) StepResponse {
	return StepResponse{
		ID:          st.ID,
		Role:        string(st.Role),
		State:       string(st.State),
		Attempt:     st.Attempt,
		WorkerID:    st.WorkerID,
		CreatedAt:   st.CreatedAt,
		StartedAt:   st.StartedAt,
		FinishedAt:  st.FinishedAt,
		HeartbeatAt: st.HeartbeatAt,
		ResultJSON:  st.ResultPayload,
	}
}
