package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/conveyr/conveyr/internal/actions"
	"github.com/conveyr/conveyr/internal/config"
	"github.com/conveyr/conveyr/internal/engine"
	"github.com/conveyr/conveyr/internal/httpapi"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/state"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/internal/trigger"
	"github.com/conveyr/conveyr/internal/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := actions.NewDefaultRegistry(actions.DefaultsConfig{
		HTTP: actions.HTTPConfig{},
		Email: actions.EmailConfig{
			ProviderURL: cfg.Actions.Email.ProviderURL,
			APIKey:      cfg.Actions.Email.APIKey,
			FromAddress: cfg.Actions.Email.FromAddress,
		},
		Integration: actions.IntegrationConfig{
			GatewayURL: cfg.Actions.Integration.GatewayURL,
			APIKey:     cfg.Actions.Integration.APIKey,
		},
		AITool: actions.AIToolConfig{
			DefaultServerURL: cfg.Actions.AITool.ServerURL,
		},
	})
	if err != nil {
		return fmt.Errorf("build action registry: %w", err)
	}

	stateMgr := state.NewManager(st, logger)
	executor := engine.NewExecutor(st, stateMgr, registry, logger,
		engine.WithStepTimeout(cfg.Actions.StepTimeout))

	worker := queue.NewWorker(st, queue.NewEngineRunner(executor), logger,
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithRateLimit(rate.Limit(cfg.Queue.RateLimit), cfg.Queue.Concurrency),
		queue.WithPollInterval(cfg.Queue.PollInterval))

	trig := trigger.NewService(st, executor, logger)

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("compile validation schemas: %w", err)
	}

	api := httpapi.New(trig, executor, validator, logger, httpapi.Config{
		CronSecret: cfg.Server.CronSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	err = api.ListenAndServe(ctx, cfg.Server.ListenAddr)

	// Stop the worker (a server error may have preceded the signal) and
	// wait for in-flight jobs.
	stop()
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		logger.Warn("queue worker did not drain in time")
	}

	logger.Info("shutdown complete")
	return err
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database DSN configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	db, err := store.OpenPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return store.NewPostgresStore(db), nil
}
