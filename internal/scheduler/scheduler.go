// Package scheduler fans a job's sub-jobs out to the generation provider and
// waits for every one of them to reach a terminal state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"adgen-orchestrator/internal/backoff"
	"adgen-orchestrator/internal/cost"
	"adgen-orchestrator/internal/generation"
	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/store"
	"adgen-orchestrator/internal/telemetry"
)

// ErrJobCancelled is recorded on sub-jobs interrupted or finished after the
// job was cancelled.
var ErrJobCancelled = errors.New("job cancelled")

// Invalidator drops derived views of a job after its rows change.
type Invalidator interface {
	Invalidate(ctx context.Context, jobID string)
}

// Spec is one sub-job to run: its persisted row and the provider request.
type Spec struct {
	SubJob  models.SubJob
	Request generation.Request
}

// Options tune retries and timeouts. Every sub-job gets its own timers.
type Options struct {
	MaxAttempts     int
	RetryBackoff    backoff.Schedule
	MaxPollDuration time.Duration
}

// Result summarizes a finished fan-out from the authoritative store.
type Result struct {
	SubJobs   []models.SubJob
	Succeeded int
	Failed    int
	TimedOut  int
}

// Unsuccessful counts sub-jobs excluded from aggregation.
func (r Result) Unsuccessful() int {
	return r.Failed + r.TimedOut
}

// Scheduler runs sub-jobs. It holds no per-job state; one instance serves
// every job in the process.
type Scheduler struct {
	client  *generation.Client
	store   store.Store
	cache   Invalidator
	tracker *cost.Tracker
	opts    Options
	now     func() time.Time
}

func New(client *generation.Client, st store.Store, cache Invalidator, tracker *cost.Tracker, opts Options) *Scheduler {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxPollDuration <= 0 {
		opts.MaxPollDuration = 10 * time.Minute
	}
	return &Scheduler{
		client:  client,
		store:   st,
		cache:   cache,
		tracker: tracker,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run launches every spec at once, with no concurrency cap, and returns after
// all of them are terminal. Sub-job failures are recorded on their rows and
// never returned; an error means the store itself could not be written.
func (s *Scheduler) Run(ctx context.Context, jobID string, specs []Spec) (Result, error) {
	ctx = logger.SetComponent(ctx, "scheduler")
	start := time.Now()

	var g errgroup.Group
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			return s.runOne(ctx, jobID, spec)
		})
	}
	runErr := g.Wait()

	subJobs, err := s.store.ListSubJobs(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return Result{}, fmt.Errorf("list sub-jobs: %w", err)
	}
	res := Result{SubJobs: subJobs}
	for _, sj := range subJobs {
		switch sj.Status {
		case models.SubJobSucceeded:
			res.Succeeded++
		case models.SubJobTimedOut:
			res.TimedOut++
		default:
			res.Failed++
		}
	}
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount:      len(specs),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Infof("fan-out finished: %d succeeded, %d failed, %d timed out", res.Succeeded, res.Failed, res.TimedOut)
	return res, runErr
}

// attempt tracks one sub-job across submissions and retries.
type attempt struct {
	spec      Spec
	status    models.SubJobStatus
	requestID string
	deadline  time.Time
	retries   *backoff.Iterator
	started   bool
	inFlight  bool
}

func (s *Scheduler) runOne(ctx context.Context, jobID string, spec Spec) error {
	ctx = logger.WithField(ctx, logger.FieldSubJobNumber, spec.SubJob.Number)
	a := &attempt{
		spec:    spec,
		status:  models.SubJobPending,
		retries: s.opts.RetryBackoff.Retries(s.opts.MaxAttempts - 1),
	}
	defer func() {
		if a.inFlight {
			telemetry.InFlightSubJobs.Dec()
		}
	}()

	for {
		if s.cancelled(ctx, jobID) {
			return s.fail(ctx, jobID, a, models.SubJobFailed, ErrJobCancelled)
		}

		if a.requestID == "" {
			id, err := s.client.Submit(ctx, spec.Request)
			if err != nil {
				if done, werr := s.handleError(ctx, jobID, a, err); done || werr != nil {
					return werr
				}
				continue
			}
			if err := s.markSubmitted(ctx, jobID, a, id); err != nil {
				return err
			}
		}

		out, err := s.client.PollUntilTerminal(ctx, a.requestID, time.Until(a.deadline))
		if err != nil {
			if done, werr := s.handleError(ctx, jobID, a, err); done || werr != nil {
				return werr
			}
			continue
		}
		return s.succeed(ctx, jobID, a, out)
	}
}

// handleError records a failed step. It reports done once the sub-job is
// terminal, or false after a retry wait when another try should follow.
func (s *Scheduler) handleError(ctx context.Context, jobID string, a *attempt, err error) (bool, error) {
	log := logger.FromContext(ctx).WithError(err)
	switch {
	case ctx.Err() != nil:
		return true, s.fail(ctx, jobID, a, models.SubJobFailed, s.interruption(ctx, jobID))
	case generation.IsTimeout(err):
		log.Warn("sub-job exceeded its poll budget")
		return true, s.fail(ctx, jobID, a, models.SubJobTimedOut, err)
	case !generation.IsTransient(err):
		log.Warn("sub-job failed permanently")
		return true, s.fail(ctx, jobID, a, models.SubJobFailed, err)
	}

	wait, ok := a.retries.Next()
	if !ok {
		log.Warnf("sub-job failed after %d retries", a.retries.Served())
		return true, s.fail(ctx, jobID, a, models.SubJobFailed, err)
	}
	if s.cancelled(ctx, jobID) {
		return true, s.fail(ctx, jobID, a, models.SubJobFailed, ErrJobCancelled)
	}

	var te *generation.TransientError
	if errors.As(err, &te) && te.Op != "poll" {
		// The provider gave up on the request; a retry must resubmit.
		a.requestID = ""
	}
	retries := a.retries.Served()
	telemetry.ProviderRetries.Inc()
	log.WithField(logger.FieldAttempt, retries+1).Infof("retrying sub-job in %s", wait)
	if werr := s.write(ctx, jobID, a, models.SubJobUpdate{
		Status:       a.status,
		RetryCount:   &retries,
		ErrorMessage: models.StringPtr(err.Error()),
	}); werr != nil {
		return true, werr
	}

	if serr := backoff.Sleep(ctx, wait); serr != nil {
		return true, s.fail(ctx, jobID, a, models.SubJobFailed, s.interruption(ctx, jobID))
	}
	return false, nil
}

func (s *Scheduler) markSubmitted(ctx context.Context, jobID string, a *attempt, requestID string) error {
	a.requestID = requestID
	a.deadline = s.now().Add(s.opts.MaxPollDuration)
	upd := models.SubJobUpdate{Status: models.SubJobSubmitted, ProviderRequestID: &requestID}
	if !a.started {
		now := s.now()
		upd.StartedAt = &now
		a.started = true
	}
	if !a.inFlight {
		a.inFlight = true
		telemetry.InFlightSubJobs.Inc()
	}
	a.status = models.SubJobSubmitted
	if err := s.write(ctx, jobID, a, upd); err != nil {
		return err
	}
	a.status = models.SubJobPolling
	return s.write(ctx, jobID, a, models.SubJobUpdate{Status: models.SubJobPolling})
}

func (s *Scheduler) succeed(ctx context.Context, jobID string, a *attempt, out generation.Outcome) error {
	// A result that lands after cancellation is discarded.
	if s.cancelled(ctx, jobID) {
		return s.fail(ctx, jobID, a, models.SubJobFailed, ErrJobCancelled)
	}
	req := a.spec.Request
	actual, err := s.tracker.Actual(req.Model, out.DurationSeconds, req.DurationSeconds)
	if err != nil {
		return s.fail(ctx, jobID, a, models.SubJobFailed, err)
	}
	now := s.now()
	artifact := out.ArtifactRef
	a.status = models.SubJobSucceeded
	telemetry.SubJobsFinished.WithLabelValues(string(a.status)).Inc()
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCost:   actual,
		logger.FieldStatus: a.status,
	}).Infof("sub-job succeeded after %d polls", out.Polls)
	return s.write(ctx, jobID, a, models.SubJobUpdate{
		Status:      models.SubJobSucceeded,
		ArtifactRef: &artifact,
		ActualCost:  &actual,
		CompletedAt: &now,
	})
}

func (s *Scheduler) fail(ctx context.Context, jobID string, a *attempt, status models.SubJobStatus, cause error) error {
	now := s.now()
	a.status = status
	telemetry.SubJobsFinished.WithLabelValues(string(status)).Inc()
	return s.write(ctx, jobID, a, models.SubJobUpdate{
		Status:       status,
		ErrorMessage: models.StringPtr(cause.Error()),
		CompletedAt:  &now,
	})
}

// write updates the sub-job row and drops the job's cached view. Writes
// outlive ctx so a cancelled sub-job still lands in a terminal state.
func (s *Scheduler) write(ctx context.Context, jobID string, a *attempt, upd models.SubJobUpdate) error {
	wctx := context.WithoutCancel(ctx)
	changed, err := s.store.UpdateSubJob(wctx, a.spec.SubJob.ID, upd)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("sub-job write failed")
		return fmt.Errorf("sub-job %d: %w", a.spec.SubJob.Number, err)
	}
	if changed && s.cache != nil {
		s.cache.Invalidate(wctx, jobID)
	}
	return nil
}

// interruption explains why ctx ended under a running sub-job.
func (s *Scheduler) interruption(ctx context.Context, jobID string) error {
	if s.cancelled(ctx, jobID) {
		return ErrJobCancelled
	}
	return fmt.Errorf("interrupted: %w", context.Cause(ctx))
}

// cancelled reads the job's flag from the authoritative store.
func (s *Scheduler) cancelled(ctx context.Context, jobID string) bool {
	job, err := s.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("could not read cancellation flag")
		return ctx.Err() != nil
	}
	return job.Status == models.JobCancelled
}
