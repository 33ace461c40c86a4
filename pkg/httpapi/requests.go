package httpapi

// CreateJobRequest is the body of POST /jobs (spec §6).
type CreateJobRequest struct {
	RepoURL         string `json:"repoUrl" binding:"required"`
	GitRef          string `json:"gitRef"`
	TaskDescription string `json:"taskDescription"`
	FailingTest     string `json:"failingTest"`
}
