package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"adgen-orchestrator/internal/api"
	"adgen-orchestrator/internal/app"
	"adgen-orchestrator/internal/config"
	"adgen-orchestrator/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("load config")
	}
	log := app.NewLogger(cfg, "adgen-api")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	orchestrator, err := app.Build(ctx, cfg, app.Overrides{})
	if err != nil {
		log.WithError(err).Fatal("build orchestrator")
	}
	defer orchestrator.Close()

	var limiter api.Limiter
	if orchestrator.Limiter != nil {
		limiter = orchestrator.Limiter
	}
	server := api.New(orchestrator.Controller, limiter, orchestrator.Store)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return log.WithContext(context.Background()) },
	}

	log.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := orchestrator.Controller.Wait(shutdownCtx); err != nil {
		log.WithError(err).Warn("jobs still running at shutdown")
	}
}
