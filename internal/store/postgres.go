package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"adgen-orchestrator/internal/models"
)

var (
	terminalJobStatuses    = []string{string(models.JobCompleted), string(models.JobFailed), string(models.JobCancelled)}
	terminalSubJobStatuses = []string{string(models.SubJobSucceeded), string(models.SubJobFailed), string(models.SubJobTimedOut)}
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob inserts a job row. An empty ID is assigned.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobCreated
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal parameters: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, client_id, campaign_id, status, parameters, estimated_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, job.ID, job.OwnerID, job.ClientID, job.CampaignID, string(job.Status), params, job.EstimatedCost, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, client_id, campaign_id, status, parameters, estimated_cost, actual_cost,
		       cost_over_estimate, successful_count, failed_count, error_message, result_ref, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var status string
	var params []byte
	var errMsg, resultRef pgtype.Text
	if err := row.Scan(&job.ID, &job.OwnerID, &job.ClientID, &job.CampaignID, &status, &params,
		&job.EstimatedCost, &job.ActualCost, &job.CostOverEstimate, &job.SuccessfulCount, &job.FailedCount,
		&errMsg, &resultRef, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.ErrorMessage = textPtr(errMsg)
	job.ResultRef = textPtr(resultRef)
	return job, nil
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND NOT (status = ANY($3))
	`, id, string(status), terminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SetJobEstimate(ctx context.Context, id string, estimated float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET estimated_cost = $2, updated_at = NOW() WHERE id = $1
	`, id, estimated)
	if err != nil {
		return fmt.Errorf("update job estimate: %w", err)
	}
	return nil
}

func (s *Postgres) FinalizeJob(ctx context.Context, id string, o models.JobOutcome) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, actual_cost = $3, cost_over_estimate = $4, successful_count = $5, failed_count = $6,
		    error_message = $7, result_ref = $8, updated_at = NOW()
		WHERE id = $1 AND NOT (status = ANY($9))
	`, id, string(o.Status), o.ActualCost, o.CostOverEstimate, o.SuccessfulCount, o.FailedCount,
		o.ErrorMessage, o.ResultRef, terminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.UpdateJobStatus(ctx, id, models.JobCancelled)
}

func (s *Postgres) SettleCancelled(ctx context.Context, id string, o models.JobOutcome) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET actual_cost = $2, cost_over_estimate = $3, successful_count = $4, failed_count = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, o.ActualCost, o.CostOverEstimate, o.SuccessfulCount, o.FailedCount, string(models.JobCancelled))
	if err != nil {
		return false, fmt.Errorf("settle cancelled job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateSubJobs inserts every sub-job row of a job inside one transaction.
func (s *Postgres) CreateSubJobs(ctx context.Context, jobID string, subJobs []models.SubJob) ([]models.SubJob, error) {
	if err := validateNumbers(subJobs); err != nil {
		return nil, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	out := make([]models.SubJob, len(subJobs))
	batch := &pgx.Batch{}
	for i, sj := range subJobs {
		sj.ID = uuid.New().String()
		sj.JobID = jobID
		sj.Status = models.SubJobPending
		input := sj.InputRef
		if len(input) == 0 {
			input = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO sub_jobs (id, job_id, sub_job_number, input_ref, status, estimated_cost)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sj.ID, jobID, sj.Number, input, string(sj.Status), sj.EstimatedCost)
		out[i] = sj
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert sub-jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Postgres) ListSubJobs(ctx context.Context, jobID string) ([]models.SubJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, sub_job_number, input_ref, provider_request_id, status, artifact_ref, retry_count,
		       error_message, estimated_cost, actual_cost, started_at, completed_at
		FROM sub_jobs WHERE job_id = $1 ORDER BY sub_job_number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query sub-jobs: %w", err)
	}
	defer rows.Close()

	var out []models.SubJob
	for rows.Next() {
		var sj models.SubJob
		var status string
		var reqID, artifact, errMsg pgtype.Text
		if err := rows.Scan(&sj.ID, &sj.JobID, &sj.Number, &sj.InputRef, &reqID, &status, &artifact,
			&sj.RetryCount, &errMsg, &sj.EstimatedCost, &sj.ActualCost, &sj.StartedAt, &sj.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan sub-job: %w", err)
		}
		sj.Status = models.SubJobStatus(status)
		sj.ProviderRequestID = textPtr(reqID)
		sj.ArtifactRef = textPtr(artifact)
		sj.ErrorMessage = textPtr(errMsg)
		out = append(out, sj)
	}
	return out, rows.Err()
}

// UpdateSubJob touches only the addressed row; terminal rows are left as they are.
func (s *Postgres) UpdateSubJob(ctx context.Context, id string, upd models.SubJobUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sub_jobs
		SET status = $2,
		    provider_request_id = COALESCE($3, provider_request_id),
		    artifact_ref = COALESCE($4, artifact_ref),
		    retry_count = COALESCE($5, retry_count),
		    error_message = COALESCE($6, error_message),
		    actual_cost = COALESCE($7, actual_cost),
		    started_at = COALESCE($8, started_at),
		    completed_at = COALESCE($9, completed_at),
		    updated_at = NOW()
		WHERE id = $1 AND NOT (status = ANY($10))
	`, id, string(upd.Status), upd.ProviderRequestID, upd.ArtifactRef, upd.RetryCount, upd.ErrorMessage,
		upd.ActualCost, upd.StartedAt, upd.CompletedAt, terminalSubJobStatuses)
	if err != nil {
		return false, fmt.Errorf("update sub-job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
