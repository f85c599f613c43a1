package models

import (
	"math"
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobCreated          JobStatus = "created"
	JobPairSelection    JobStatus = "pair_selection"
	JobSubJobProcessing JobStatus = "sub_job_processing"
	JobAggregating      JobStatus = "aggregating"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
	JobCancelled        JobStatus = "cancelled"
)

// Terminal reports whether no further automatic transition happens from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SubJobStatus enumerates sub-job lifecycle states.
type SubJobStatus string

const (
	SubJobPending   SubJobStatus = "pending"
	SubJobSubmitted SubJobStatus = "submitted"
	SubJobPolling   SubJobStatus = "polling"
	SubJobSucceeded SubJobStatus = "succeeded"
	SubJobFailed    SubJobStatus = "failed"
	SubJobTimedOut  SubJobStatus = "timed_out"
)

// Terminal reports whether the sub-job row is frozen.
func (s SubJobStatus) Terminal() bool {
	switch s {
	case SubJobSucceeded, SubJobFailed, SubJobTimedOut:
		return true
	}
	return false
}

// JobParams are the generation parameters requested for a job.
type JobParams struct {
	ClipDurationSeconds float64 `json:"clip_duration_seconds"`
	TargetCount         *int    `json:"target_count,omitempty"`
	Model               string  `json:"model"`
	Prompt              string  `json:"prompt,omitempty"`
}

// Job is one user-level video generation request.
type Job struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	CampaignID       string    `json:"campaign_id,omitempty"`
	Status           JobStatus `json:"status"`
	Params           JobParams `json:"parameters"`
	EstimatedCost    float64   `json:"estimated_cost"`
	ActualCost       float64   `json:"actual_cost"`
	CostOverEstimate bool      `json:"cost_over_estimate"`
	SuccessfulCount  int       `json:"successful_count"`
	FailedCount      int       `json:"failed_count"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	ResultRef        *string   `json:"result_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SubJob is one unit of generation work (one clip) spawned from a job.
type SubJob struct {
	ID                string       `json:"id"`
	JobID             string       `json:"job_id"`
	Number            int          `json:"sub_job_number"`
	InputRef          []byte       `json:"input_ref"`
	ProviderRequestID *string      `json:"provider_request_id,omitempty"`
	Status            SubJobStatus `json:"status"`
	ArtifactRef       *string      `json:"artifact_ref,omitempty"`
	RetryCount        int          `json:"retry_count"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	EstimatedCost     float64      `json:"estimated_cost"`
	ActualCost        float64      `json:"actual_cost"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// SubJobUpdate carries the fields the scheduler writes on a sub-job row.
// Nil pointers leave the column untouched.
type SubJobUpdate struct {
	Status            SubJobStatus
	ProviderRequestID *string
	ArtifactRef       *string
	RetryCount        *int
	ErrorMessage      *string
	ActualCost        *float64
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// JobOutcome is written once when a job reaches a terminal state.
type JobOutcome struct {
	Status           JobStatus
	ActualCost       float64
	CostOverEstimate bool
	SuccessfulCount  int
	FailedCount      int
	ErrorMessage     *string
	ResultRef        *string
}

// Progress is derived from sub-job counts; it is never stored.
type Progress struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percent    float64 `json:"percent"`
}

// SubJobSummary is the per-sub-job slice of a JobView used by progress UIs.
type SubJobSummary struct {
	Number       int          `json:"sub_job_number"`
	Status       SubJobStatus `json:"status"`
	RetryCount   int          `json:"retry_count"`
	ArtifactRef  *string      `json:"artifact_ref,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	ActualCost   float64      `json:"actual_cost"`
}

// JobView is the snapshot returned to callers of get_job.
type JobView struct {
	Job      Job             `json:"job"`
	Progress Progress        `json:"progress"`
	SubJobs  []SubJobSummary `json:"sub_jobs"`
	Partial  bool            `json:"partial"`
}

// NewJobView builds a snapshot from authoritative rows. subJobs must be ordered by number.
// Cost and outcome counts are derived from the sub-job rows, so they are
// current mid-flight and on cancelled jobs.
func NewJobView(job Job, subJobs []SubJob) JobView {
	if len(subJobs) > 0 {
		job.ActualCost, job.SuccessfulCount, job.FailedCount = settled(subJobs)
	}
	view := JobView{Job: job, SubJobs: make([]SubJobSummary, 0, len(subJobs))}
	for _, sj := range subJobs {
		view.SubJobs = append(view.SubJobs, SubJobSummary{
			Number:       sj.Number,
			Status:       sj.Status,
			RetryCount:   sj.RetryCount,
			ArtifactRef:  sj.ArtifactRef,
			ErrorMessage: sj.ErrorMessage,
			ActualCost:   sj.ActualCost,
		})
	}
	view.Progress = ComputeProgress(subJobs)
	view.Partial = job.Status == JobCompleted && job.SuccessfulCount > 0 && job.FailedCount > 0
	return view
}

// settled sums what succeeded sub-jobs cost and counts finished rows.
func settled(subJobs []SubJob) (actual float64, succeeded, failed int) {
	for _, sj := range subJobs {
		switch {
		case sj.Status == SubJobSucceeded:
			succeeded++
			actual += sj.ActualCost
		case sj.Status.Terminal():
			failed++
		}
	}
	return math.Round(actual*1e4) / 1e4, succeeded, failed
}

// ComputeProgress counts sub-jobs by phase.
func ComputeProgress(subJobs []SubJob) Progress {
	p := Progress{Total: len(subJobs)}
	for _, sj := range subJobs {
		switch sj.Status {
		case SubJobPending:
			p.Pending++
		case SubJobSubmitted, SubJobPolling:
			p.Processing++
		case SubJobSucceeded:
			p.Completed++
		default:
			p.Failed++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}

// StringPtr returns a pointer to v, or nil for an empty string.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
