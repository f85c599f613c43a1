package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adgen-orchestrator/internal/models"
)

func seedJob(t *testing.T, s *Memory, n int) (models.Job, []models.SubJob) {
	t.Helper()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, models.Job{Status: models.JobPairSelection, Params: models.JobParams{Model: "hailuo-02"}})
	require.NoError(t, err)
	specs := make([]models.SubJob, n)
	for i := range specs {
		specs[i] = models.SubJob{Number: i + 1, EstimatedCost: 0.45}
	}
	subs, err := s.CreateSubJobs(ctx, job.ID, specs)
	require.NoError(t, err)
	return job, subs
}

func TestGetJobUnknownIsNotFound(t *testing.T) {
	_, err := NewMemory().GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateSubJobsRequiresContiguousNumbers(t *testing.T) {
	s := NewMemory()
	job, err := s.CreateJob(context.Background(), models.Job{})
	require.NoError(t, err)
	_, err = s.CreateSubJobs(context.Background(), job.ID, []models.SubJob{{Number: 1}, {Number: 3}})
	require.Error(t, err)
}

func TestListSubJobsOrderedAndPending(t *testing.T) {
	s := NewMemory()
	job, _ := seedJob(t, s, 4)
	subs, err := s.ListSubJobs(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	for i, sj := range subs {
		assert.Equal(t, i+1, sj.Number)
		assert.Equal(t, models.SubJobPending, sj.Status)
		assert.Equal(t, job.ID, sj.JobID)
	}
}

func TestTerminalSubJobIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, subs := seedJob(t, s, 1)
	id := subs[0].ID

	artifact := "s3://clips/1.mp4"
	ok, err := s.UpdateSubJob(ctx, id, models.SubJobUpdate{Status: models.SubJobSucceeded, ArtifactRef: &artifact})
	require.NoError(t, err)
	require.True(t, ok)

	msg := "job cancelled"
	ok, err = s.UpdateSubJob(ctx, id, models.SubJobUpdate{Status: models.SubJobFailed, ErrorMessage: &msg})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.ListSubJobs(ctx, subs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.SubJobSucceeded, got[0].Status)
	assert.Nil(t, got[0].ErrorMessage)
}

func TestFinalizeLosesToCancel(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 1)

	ok, err := s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.FinalizeJob(ctx, job.ID, models.JobOutcome{Status: models.JobCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)

	ok, err = s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettleCancelledOnlyTouchesCancelledJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 3)
	spent := models.JobOutcome{Status: models.JobCompleted, ActualCost: 0.45, SuccessfulCount: 1, FailedCount: 2}

	ok, err := s.SettleCancelled(ctx, job.ID, spent)
	require.NoError(t, err)
	assert.False(t, ok, "a running job is finalized, not settled")

	_, err = s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	ok, err = s.SettleCancelled(ctx, job.ID, spent)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.InDelta(t, 0.45, got.ActualCost, 1e-9)
	assert.Equal(t, 1, got.SuccessfulCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.Nil(t, got.ResultRef)

	_, err = s.SettleCancelled(ctx, "missing", spent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSubJobUpdatesTouchOwnRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, subs := seedJob(t, s, 25)

	var wg sync.WaitGroup
	for i, sj := range subs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cost := float64(i)
			_, _ = s.UpdateSubJob(ctx, id, models.SubJobUpdate{Status: models.SubJobSucceeded, ActualCost: &cost})
		}(i, sj.ID)
	}
	wg.Wait()

	got, err := s.ListSubJobs(ctx, job.ID)
	require.NoError(t, err)
	for i, sj := range got {
		assert.Equal(t, models.SubJobSucceeded, sj.Status)
		assert.InDelta(t, float64(i), sj.ActualCost, 1e-9)
	}
}

func TestLoadView(t *testing.T) {
	s := NewMemory()
	job, _ := seedJob(t, s, 3)
	view, err := LoadView(context.Background(), s, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Progress.Total)
	assert.Equal(t, 3, view.Progress.Pending)
	assert.Len(t, view.SubJobs, 3)
}
