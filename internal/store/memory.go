package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adgen-orchestrator/internal/models"
)

// Memory is an in-process Store used by tests and the runner CLI. It applies
// the same conditional-write rules as Postgres.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	subJobs map[string]models.SubJob
	byJob   map[string][]string
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]models.Job),
		subJobs: make(map[string]models.SubJob),
		byJob:   make(map[string][]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close()                     {}
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := m.jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = models.JobCreated
	}
	now := m.now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, status models.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return true, nil
}

func (m *Memory) SetJobEstimate(_ context.Context, id string, estimated float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.EstimatedCost = estimated
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) FinalizeJob(_ context.Context, id string, o models.JobOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = o.Status
	job.ActualCost = o.ActualCost
	job.CostOverEstimate = o.CostOverEstimate
	job.SuccessfulCount = o.SuccessfulCount
	job.FailedCount = o.FailedCount
	job.ErrorMessage = copyString(o.ErrorMessage)
	job.ResultRef = copyString(o.ResultRef)
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return true, nil
}

func (m *Memory) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return m.UpdateJobStatus(ctx, id, models.JobCancelled)
}

func (m *Memory) SettleCancelled(_ context.Context, id string, o models.JobOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != models.JobCancelled {
		return false, nil
	}
	job.ActualCost = o.ActualCost
	job.CostOverEstimate = o.CostOverEstimate
	job.SuccessfulCount = o.SuccessfulCount
	job.FailedCount = o.FailedCount
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return true, nil
}

func (m *Memory) CreateSubJobs(_ context.Context, jobID string, subJobs []models.SubJob) ([]models.SubJob, error) {
	if err := validateNumbers(subJobs); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if len(m.byJob[jobID]) > 0 {
		return nil, fmt.Errorf("job %s already has sub-jobs", jobID)
	}
	out := make([]models.SubJob, len(subJobs))
	ids := make([]string, len(subJobs))
	for i, sj := range subJobs {
		sj.ID = uuid.New().String()
		sj.JobID = jobID
		sj.Status = models.SubJobPending
		m.subJobs[sj.ID] = cloneSubJob(sj)
		ids[i] = sj.ID
		out[i] = cloneSubJob(sj)
	}
	m.byJob[jobID] = ids
	return out, nil
}

func (m *Memory) ListSubJobs(_ context.Context, jobID string) ([]models.SubJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byJob[jobID]
	out := make([]models.SubJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneSubJob(m.subJobs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) UpdateSubJob(_ context.Context, id string, upd models.SubJobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sj, ok := m.subJobs[id]
	if !ok {
		return false, fmt.Errorf("sub-job %s: %w", id, ErrNotFound)
	}
	if sj.Status.Terminal() {
		return false, nil
	}
	sj.Status = upd.Status
	if upd.ProviderRequestID != nil {
		sj.ProviderRequestID = copyString(upd.ProviderRequestID)
	}
	if upd.ArtifactRef != nil {
		sj.ArtifactRef = copyString(upd.ArtifactRef)
	}
	if upd.RetryCount != nil {
		sj.RetryCount = *upd.RetryCount
	}
	if upd.ErrorMessage != nil {
		sj.ErrorMessage = copyString(upd.ErrorMessage)
	}
	if upd.ActualCost != nil {
		sj.ActualCost = *upd.ActualCost
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		sj.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		sj.CompletedAt = &t
	}
	m.subJobs[id] = sj
	return true, nil
}

func cloneJob(j models.Job) models.Job {
	j.ErrorMessage = copyString(j.ErrorMessage)
	j.ResultRef = copyString(j.ResultRef)
	if j.Params.TargetCount != nil {
		n := *j.Params.TargetCount
		j.Params.TargetCount = &n
	}
	return j
}

func cloneSubJob(sj models.SubJob) models.SubJob {
	sj.InputRef = append([]byte(nil), sj.InputRef...)
	sj.ProviderRequestID = copyString(sj.ProviderRequestID)
	sj.ArtifactRef = copyString(sj.ArtifactRef)
	sj.ErrorMessage = copyString(sj.ErrorMessage)
	if sj.StartedAt != nil {
		t := *sj.StartedAt
		sj.StartedAt = &t
	}
	if sj.CompletedAt != nil {
		t := *sj.CompletedAt
		sj.CompletedAt = &t
	}
	return sj
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
