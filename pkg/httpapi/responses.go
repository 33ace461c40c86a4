package httpapi

import "time"

// JobResponse is the shape returned by POST /jobs and GET /jobs/{id} (spec §6).
type JobResponse struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	RepoURL   string    `json:"repoUrl"`
	GitRef    string    `json:"gitRef"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepResponse is one element of GET /jobs/{id}/steps (spec §6).
type StepResponse struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt"`
	WorkerID    *string    `json:"workerId"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`
	HeartbeatAt *time.Time `json:"heartbeatAt"`
	ResultJSON  *string    `json:"resultJson"`
}

// PendingReportResponse is returned by GET /jobs/{id}/report with HTTP 202
// when the Finalizer step has not yet completed (spec §6).
type PendingReportResponse struct {
	Status   string `json:"status"`
	JobState string `json:"jobState"`
}
