package store

import (
	"context"
	"errors"

	"adgen-orchestrator/internal/models"
)

// ErrNotFound is returned when a job or sub-job row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the authoritative persistence for jobs and sub-jobs. Conditional
// writes report whether a row was changed; a false result with a nil error
// means the row had already reached a terminal state.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateJobStatus moves a non-terminal job to status.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) (bool, error)
	SetJobEstimate(ctx context.Context, id string, estimated float64) error
	// FinalizeJob writes the terminal outcome unless the job is already terminal.
	FinalizeJob(ctx context.Context, id string, outcome models.JobOutcome) (bool, error)
	// MarkCancelled flips a non-terminal job to cancelled.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// SettleCancelled records the cost and counts of a cancelled job's
	// finished sub-jobs. Status, error and result are left alone.
	SettleCancelled(ctx context.Context, id string, outcome models.JobOutcome) (bool, error)

	// CreateSubJobs inserts all rows for a job in one shot. Numbers must be 1..N.
	CreateSubJobs(ctx context.Context, jobID string, subJobs []models.SubJob) ([]models.SubJob, error)
	// ListSubJobs returns the job's sub-jobs ordered by sub_job_number.
	ListSubJobs(ctx context.Context, jobID string) ([]models.SubJob, error)
	// UpdateSubJob applies upd to a non-terminal sub-job row.
	UpdateSubJob(ctx context.Context, id string, upd models.SubJobUpdate) (bool, error)

	Ping(ctx context.Context) error
	Close()
}

// LoadView rebuilds a job snapshot from authoritative rows.
func LoadView(ctx context.Context, s Store, jobID string) (models.JobView, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return models.JobView{}, err
	}
	subJobs, err := s.ListSubJobs(ctx, jobID)
	if err != nil {
		return models.JobView{}, err
	}
	return models.NewJobView(job, subJobs), nil
}

func validateNumbers(subJobs []models.SubJob) error {
	for i, sj := range subJobs {
		if sj.Number != i+1 {
			return errors.New("sub_job_number must run contiguously from 1")
		}
	}
	return nil
}
