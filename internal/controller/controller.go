// Package controller owns the job state machine: it accepts briefs, drives
// selection, fan-out and aggregation, and finalizes each job exactly once.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"adgen-orchestrator/internal/aggregator"
	"adgen-orchestrator/internal/cache"
	"adgen-orchestrator/internal/cost"
	"adgen-orchestrator/internal/generation"
	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/scheduler"
	"adgen-orchestrator/internal/selection"
	"adgen-orchestrator/internal/store"
	"adgen-orchestrator/internal/telemetry"
)

// Brief is the input to CreateJob.
type Brief struct {
	OwnerID    string                `json:"owner_id"`
	ClientID   string                `json:"client_id"`
	CampaignID string                `json:"campaign_id"`
	Candidates []selection.Candidate `json:"candidates"`
	Params     models.JobParams      `json:"parameters"`
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Store      store.Store
	Cache      *cache.StatusCache
	Selector   selection.Selector
	Scheduler  *scheduler.Scheduler
	Aggregator *aggregator.Aggregator
	Registry   *cost.Registry
	Tracker    *cost.Tracker
}

// Options holds creation rules.
type Options struct {
	MinCandidates int
	DefaultModel  string
}

// Controller runs each accepted job in its own goroutine. It is safe for
// concurrent use.
type Controller struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(deps Deps, opts Options) *Controller {
	if opts.MinCandidates < 2 {
		opts.MinCandidates = 2
	}
	return &Controller{deps: deps, opts: opts, running: make(map[string]context.CancelFunc)}
}

// CreateJob validates the brief, persists the job in pair_selection and
// returns without waiting for any generation.
func (c *Controller) CreateJob(ctx context.Context, brief Brief) (models.Job, error) {
	params, err := c.validate(brief)
	if err != nil {
		return models.Job{}, err
	}

	job, err := c.deps.Store.CreateJob(ctx, models.Job{
		OwnerID:    brief.OwnerID,
		ClientID:   brief.ClientID,
		CampaignID: brief.CampaignID,
		Status:     models.JobPairSelection,
		Params:     params,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.Inc()
	telemetry.ActiveJobs.Inc()

	// The run outlives the request; it keeps the caller's log fields only.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logger.SetJobID(runCtx, job.ID)
	c.mu.Lock()
	c.running[job.ID] = cancel
	c.mu.Unlock()

	candidates := append([]selection.Candidate(nil), brief.Candidates...)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer telemetry.ActiveJobs.Dec()
		defer c.release(job.ID)
		c.run(runCtx, job, candidates)
	}()

	logger.FromContext(runCtx).WithFields(logger.Fields{
		logger.FieldModel: params.Model,
		logger.FieldCount: len(brief.Candidates),
	}).Info("job accepted")
	return job, nil
}

func (c *Controller) validate(brief Brief) (models.JobParams, error) {
	params := brief.Params
	selectable := 0
	for _, cand := range brief.Candidates {
		if cand.Selectable() {
			selectable++
		}
	}
	if selectable < c.opts.MinCandidates {
		return params, &ValidationError{
			Field:  "candidates",
			Reason: fmt.Sprintf("need at least %d selectable pair candidates, got %d", c.opts.MinCandidates, selectable),
		}
	}
	if params.TargetCount != nil && *params.TargetCount < 1 {
		return params, &ValidationError{Field: "target_count", Reason: "must be at least 1"}
	}
	if params.Model == "" {
		params.Model = c.opts.DefaultModel
	}
	model, err := c.deps.Registry.Lookup(params.Model)
	if err != nil {
		return params, &ValidationError{Field: "model", Reason: err.Error()}
	}
	if params.ClipDurationSeconds < 0 {
		return params, &ValidationError{Field: "clip_duration_seconds", Reason: "must not be negative"}
	}
	params.ClipDurationSeconds = model.ClampDuration(params.ClipDurationSeconds)
	return params, nil
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.running[jobID]; ok {
		cancel()
		delete(c.running, jobID)
	}
}

// run is the asynchronous continuation of CreateJob.
func (c *Controller) run(ctx context.Context, job models.Job, candidates []selection.Candidate) {
	ctx = logger.SetComponent(ctx, "controller")
	log := logger.FromContext(ctx)
	start := time.Now()

	pairs, err := c.deps.Selector.Select(ctx, candidates, job.Params.TargetCount)
	if err != nil {
		c.fail(ctx, job.ID, models.JobOutcome{}, &PairSelectionError{Err: err})
		return
	}
	log.WithField(logger.FieldCount, len(pairs)).Info("pairs selected")

	if !c.transition(ctx, job.ID, models.JobSubJobProcessing) {
		return
	}

	specs, err := c.createSubJobs(ctx, job, pairs)
	if err != nil {
		c.fail(ctx, job.ID, models.JobOutcome{}, err)
		return
	}

	res, err := c.deps.Scheduler.Run(ctx, job.ID, specs)
	if err != nil {
		c.fail(ctx, job.ID, models.JobOutcome{}, fmt.Errorf("run sub-jobs: %w", err))
		return
	}
	outcome := c.outcome(ctx, job.ID, res)
	if c.settleIfCancelled(ctx, job.ID, outcome) {
		return
	}

	if res.Succeeded == 0 {
		c.fail(ctx, job.ID, outcome, fmt.Errorf("all %d sub-jobs failed: %w", len(res.SubJobs), aggregator.ErrNoSuccesses))
		return
	}

	if !c.transition(ctx, job.ID, models.JobAggregating) {
		c.settleIfCancelled(ctx, job.ID, outcome)
		return
	}
	agg, err := c.deps.Aggregator.Aggregate(ctx, job.ID, res.SubJobs)
	if err != nil {
		c.fail(ctx, job.ID, outcome, err)
		return
	}

	outcome.Status = models.JobCompleted
	outcome.ResultRef = models.StringPtr(agg.OutputRef)
	if !c.finalize(ctx, job.ID, outcome) {
		return
	}
	if outcome.FailedCount > 0 {
		telemetry.JobsPartial.Inc()
	}
	log.WithFields(logger.Fields{
		logger.FieldCost:       outcome.ActualCost,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Infof("job completed with sub-jobs %s (excluded: %s)",
		aggregator.Numbers(agg.Included), aggregator.Numbers(agg.Excluded))
}

// createSubJobs persists one pending row per pair, numbered 1..N in pair
// order, and records the job's estimate.
func (c *Controller) createSubJobs(ctx context.Context, job models.Job, pairs []selection.Pair) ([]scheduler.Spec, error) {
	estimate, err := c.deps.Tracker.Estimate(job.Params.Model, job.Params.ClipDurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("estimate cost: %w", err)
	}

	rows := make([]models.SubJob, len(pairs))
	costs := make([]float64, len(pairs))
	for i, p := range pairs {
		input, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode pair %d: %w", i+1, err)
		}
		rows[i] = models.SubJob{Number: i + 1, InputRef: input, EstimatedCost: estimate}
		costs[i] = estimate
	}
	created, err := c.deps.Store.CreateSubJobs(ctx, job.ID, rows)
	if err != nil {
		return nil, fmt.Errorf("create sub-jobs: %w", err)
	}
	total := cost.Sum(costs...)
	if err := c.deps.Store.SetJobEstimate(ctx, job.ID, total); err != nil {
		return nil, err
	}
	c.deps.Cache.Invalidate(ctx, job.ID)
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount: len(created),
		logger.FieldCost:  total,
	}).Info("sub-jobs created")

	specs := make([]scheduler.Spec, len(created))
	for i, sj := range created {
		prompt := pairs[i].Prompt
		if prompt == "" {
			prompt = job.Params.Prompt
		}
		specs[i] = scheduler.Spec{SubJob: sj, Request: generation.Request{
			Model:           job.Params.Model,
			Inputs:          pairs[i].Inputs,
			Prompt:          prompt,
			DurationSeconds: job.Params.ClipDurationSeconds,
			Metadata: map[string]string{
				"job_id":         job.ID,
				"sub_job_number": strconv.Itoa(sj.Number),
			},
		}}
	}
	return specs, nil
}

// outcome derives counts and cost from the scheduler's authoritative rows.
func (c *Controller) outcome(ctx context.Context, jobID string, res scheduler.Result) models.JobOutcome {
	var actual, estimated []float64
	for _, sj := range res.SubJobs {
		estimated = append(estimated, sj.EstimatedCost)
		if sj.Status == models.SubJobSucceeded {
			actual = append(actual, sj.ActualCost)
		}
	}
	out := models.JobOutcome{
		ActualCost:      cost.Sum(actual...),
		SuccessfulCount: res.Succeeded,
		FailedCount:     res.Unsuccessful(),
	}
	v := c.deps.Tracker.Check(cost.Sum(estimated...), out.ActualCost)
	if v.Exceeded {
		out.CostOverEstimate = true
		telemetry.CostVarianceFlags.Inc()
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldCost: v.Actual,
			"estimated":      v.Estimated,
		}).Warnf("job %s spent %.0f%% of its estimate", jobID, v.Ratio*100)
	}
	return out
}

func (c *Controller) transition(ctx context.Context, jobID string, status models.JobStatus) bool {
	ok, err := c.deps.Store.UpdateJobStatus(context.WithoutCancel(ctx), jobID, status)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("could not move job to %s", status)
		c.fail(ctx, jobID, models.JobOutcome{}, err)
		return false
	}
	if !ok {
		logger.CtxInfo(ctx, "job no longer active; stopping before %s", status)
		return false
	}
	c.deps.Cache.Invalidate(ctx, jobID)
	logger.FromContext(ctx).WithField(logger.FieldStatus, status).Info("job status changed")
	return true
}

func (c *Controller) fail(ctx context.Context, jobID string, outcome models.JobOutcome, cause error) {
	logger.FromContext(ctx).WithError(cause).Error("job failed")
	outcome.Status = models.JobFailed
	outcome.ErrorMessage = models.StringPtr(cause.Error())
	outcome.ResultRef = nil
	c.finalize(ctx, jobID, outcome)
}

// finalize writes the terminal outcome unless the job was already cancelled,
// in which case only the spend of its finished sub-jobs is kept.
func (c *Controller) finalize(ctx context.Context, jobID string, outcome models.JobOutcome) bool {
	wctx := context.WithoutCancel(ctx)
	ok, err := c.deps.Store.FinalizeJob(wctx, jobID, outcome)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("finalize job")
		return false
	}
	if !ok {
		if outcome.SuccessfulCount+outcome.FailedCount > 0 {
			c.settleIfCancelled(ctx, jobID, outcome)
		}
		return false
	}
	c.deps.Cache.Invalidate(wctx, jobID)
	telemetry.JobsFinished.WithLabelValues(string(outcome.Status)).Inc()
	return true
}

// settleIfCancelled keeps a cancelled job's cost and counts equal to what
// its finished sub-jobs spent. It reports whether the job was cancelled.
func (c *Controller) settleIfCancelled(ctx context.Context, jobID string, outcome models.JobOutcome) bool {
	wctx := context.WithoutCancel(ctx)
	ok, err := c.deps.Store.SettleCancelled(wctx, jobID, outcome)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("settle cancelled job")
		return c.isCancelled(ctx, jobID)
	}
	if !ok {
		return false
	}
	c.deps.Cache.Invalidate(wctx, jobID)
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCost:  outcome.ActualCost,
		logger.FieldCount: outcome.SuccessfulCount,
	}).Info("job cancelled; results discarded")
	return true
}

func (c *Controller) isCancelled(ctx context.Context, jobID string) bool {
	job, err := c.deps.Store.GetJob(context.WithoutCancel(ctx), jobID)
	return err == nil && job.Status == models.JobCancelled
}

// GetJob returns the job snapshot through the status cache.
func (c *Controller) GetJob(ctx context.Context, jobID string) (models.JobView, error) {
	return c.deps.Cache.Get(ctx, jobID, func(ctx context.Context, id string) (models.JobView, error) {
		return store.LoadView(ctx, c.deps.Store, id)
	})
}

// CancelJob flags the job cancelled and stops its polling. Requests already
// accepted by the provider are not revoked; their results are discarded.
func (c *Controller) CancelJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := c.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobTerminal)
	}
	ok, err := c.deps.Store.MarkCancelled(ctx, jobID)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		job, _ = c.deps.Store.GetJob(ctx, jobID)
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobTerminal)
	}
	c.deps.Cache.Invalidate(ctx, jobID)
	telemetry.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()

	c.mu.Lock()
	cancel := c.running[jobID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logger.FromContext(logger.SetJobID(ctx, jobID)).Info("job cancelled")

	job.Status = models.JobCancelled
	return job, nil
}

// Wait blocks until every running job has returned or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
