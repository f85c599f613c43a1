// Package aggregator turns a job's successful clips into one deliverable.
package aggregator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/storage"
	"adgen-orchestrator/internal/telemetry"
)

// Result describes the deliverable and which sub-jobs went into it.
type Result struct {
	OutputRef string
	Included  []int // sub_job_numbers, ascending
	Excluded  []int
}

// Aggregator fetches, combines and publishes successful clips in
// sub_job_number order.
type Aggregator struct {
	fetcher  Fetcher
	combiner Combiner
	uploader storage.Uploader
	workDir  string
}

func New(fetcher Fetcher, combiner Combiner, uploader storage.Uploader, workDir string) *Aggregator {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Aggregator{fetcher: fetcher, combiner: combiner, uploader: uploader, workDir: workDir}
}

// Select splits sub-jobs into included and excluded by status, ordered by
// sub_job_number regardless of input order. Only succeeded rows with an
// artifact are included.
func Select(subJobs []models.SubJob) (included []models.SubJob, excluded []int) {
	ordered := append([]models.SubJob(nil), subJobs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })
	for _, sj := range ordered {
		if sj.Status == models.SubJobSucceeded && sj.ArtifactRef != nil && *sj.ArtifactRef != "" {
			included = append(included, sj)
			continue
		}
		excluded = append(excluded, sj.Number)
	}
	return included, excluded
}

// Aggregate builds the job's deliverable. With zero successes it returns
// ErrNoSuccesses without invoking the combiner; any later failure is an
// *AggregationError.
func (a *Aggregator) Aggregate(ctx context.Context, jobID string, subJobs []models.SubJob) (Result, error) {
	ctx = logger.SetComponent(ctx, "aggregator")
	start := time.Now()

	included, excluded := Select(subJobs)
	res := Result{Excluded: excluded}
	for _, sj := range included {
		res.Included = append(res.Included, sj.Number)
	}
	if len(included) == 0 {
		return res, ErrNoSuccesses
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return res, a.fail(ctx, "fetch", fmt.Errorf("create work dir: %w", err))
	}
	dir, err := os.MkdirTemp(a.workDir, "job-"+jobID+"-")
	if err != nil {
		return res, a.fail(ctx, "fetch", fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(dir)

	inputs := make([]string, 0, len(included))
	for _, sj := range included {
		path, err := a.fetcher.Fetch(ctx, *sj.ArtifactRef, dir, fmt.Sprintf("clip-%03d", sj.Number))
		if err != nil {
			return res, a.fail(ctx, "fetch", fmt.Errorf("sub-job %d: %w", sj.Number, err))
		}
		inputs = append(inputs, path)
	}

	output := filepath.Join(dir, "final.mp4")
	if err := a.combiner.Combine(ctx, inputs, output); err != nil {
		return res, a.fail(ctx, "combine", err)
	}

	ref, err := a.uploader.Upload(ctx, "jobs/"+jobID+"/final.mp4", output)
	if err != nil {
		return res, a.fail(ctx, "upload", err)
	}
	res.OutputRef = ref

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount:      len(res.Included),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		"excluded":             len(res.Excluded),
	}).Infof("deliverable written to %s", ref)
	return res, nil
}

func (a *Aggregator) fail(ctx context.Context, stage string, err error) error {
	telemetry.AggregationErrors.Inc()
	logger.FromContext(ctx).WithError(err).WithField("stage", stage).Error("aggregation failed")
	return &AggregationError{Stage: stage, Err: err}
}

// Numbers formats sub-job numbers for log and error messages.
func Numbers(ns []int) string {
	out := make([]byte, 0, len(ns)*3)
	for i, n := range ns {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendInt(out, int64(n), 10)
	}
	return string(out)
}
