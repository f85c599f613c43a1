package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"adgen-orchestrator/internal/app"
	"adgen-orchestrator/internal/config"
	"adgen-orchestrator/internal/controller"
	"adgen-orchestrator/internal/generation"
	"adgen-orchestrator/internal/generation/gentest"
	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/store"
	"adgen-orchestrator/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	briefPath := flag.String("brief", "", "Path to a brief JSON file (candidates + parameters)")
	simulate := flag.Bool("simulate", false, "Use an in-process provider that returns each pair's first input as its clip; inputs resolve from the brief's directory")
	timeout := flag.Duration("timeout", time.Hour, "Give up waiting for the job after this long")
	poll := flag.Duration("poll", 2*time.Second, "How often to print progress")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("load config")
	}
	log := app.NewLogger(cfg, "adgen-runner")
	defer logger.Sync()

	if *briefPath == "" {
		log.Error("-brief is required")
		return 2
	}
	brief, err := readBrief(*briefPath)
	if err != nil {
		log.WithError(err).Error("read brief")
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	var overrides app.Overrides
	if *simulate {
		p := gentest.New()
		p.Artifact = func(req generation.Request) string {
			if len(req.Inputs) == 0 {
				return ""
			}
			return req.Inputs[0]
		}
		overrides.Provider = p
		overrides.Store = store.NewMemory()
		if cfg.ArtifactLocalRoot == "" {
			if abs, err := filepath.Abs(*briefPath); err == nil {
				cfg.ArtifactLocalRoot = filepath.Dir(abs)
			}
		}
		log.Info("simulating provider; pair inputs are used as clips")
	}

	orchestrator, err := app.Build(ctx, cfg, overrides)
	if err != nil {
		log.WithError(err).Error("build orchestrator")
		return 1
	}
	defer orchestrator.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	job, err := orchestrator.Controller.CreateJob(ctx, brief)
	if err != nil {
		log.WithError(err).Error("create job")
		return 1
	}
	log.WithField(logger.FieldJobID, job.ID).Info("job created")

	view, err := waitForJob(ctx, orchestrator.Controller, job.ID, *poll, *timeout)
	if err != nil {
		log.WithError(err).Warn("cancelling job")
		if _, cerr := orchestrator.Controller.CancelJob(context.WithoutCancel(ctx), job.ID); cerr != nil {
			log.WithError(cerr).Warn("cancel job")
		}
		waitCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		_ = orchestrator.Controller.Wait(waitCtx)
		view, _ = orchestrator.Controller.GetJob(waitCtx, job.ID)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(view)
	if view.Job.Status != models.JobCompleted {
		return 1
	}
	return 0
}

func readBrief(path string) (controller.Brief, error) {
	var brief controller.Brief
	raw, err := os.ReadFile(path)
	if err != nil {
		return brief, err
	}
	if err := json.Unmarshal(raw, &brief); err != nil {
		return brief, fmt.Errorf("decode %s: %w", path, err)
	}
	return brief, nil
}

func waitForJob(ctx context.Context, c *controller.Controller, jobID string, every, timeout time.Duration) (models.JobView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		view, err := c.GetJob(ctx, jobID)
		if err != nil {
			return view, err
		}
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldStatus: view.Job.Status,
			"percent":          fmt.Sprintf("%.0f", view.Progress.Percent),
		}).Info("progress")
		if view.Job.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}
