// Package main is the entry point for the Helmsman strategy aggregation
// service. It evaluates trading-strategy DSL programs against local price
// history, fans evaluations out over a worker pool, and aggregates the
// partial allocations of each batch into one consolidated target portfolio.
//
// Startup sequence:
//  1. Load configuration from environment variables
//  2. Initialize structured logging
//  3. Open the databases (sessions, history, portfolio)
//  4. Wire the evaluation pipeline: store, coordinator, worker pool
//  5. Register event consumers (rebalancing targets)
//  6. Start the cron scheduler (timeout scan, maintenance)
//  7. Start the HTTP server
//  8. Wait for a shutdown signal and drain gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jvallis/helmsman/internal/aggregation"
	"github.com/jvallis/helmsman/internal/config"
	"github.com/jvallis/helmsman/internal/database"
	"github.com/jvallis/helmsman/internal/events"
	"github.com/jvallis/helmsman/internal/indicators"
	"github.com/jvallis/helmsman/internal/rebalancing"
	"github.com/jvallis/helmsman/internal/scheduler"
	"github.com/jvallis/helmsman/internal/server"
	"github.com/jvallis/helmsman/internal/signals"
	"github.com/jvallis/helmsman/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Helmsman")

	// Databases. Sessions use the ledger profile: the session store is the
	// source of truth for the fan-out state machine.
	sessionsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "sessions.db"),
		Profile: database.ProfileLedger,
		Name:    "sessions",
		Schema:  aggregation.SessionsSchema,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open sessions database")
	}
	defer sessionsDB.Close()

	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
		Schema:  indicators.HistorySchema,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
		Schema:  rebalancing.TargetsSchema,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open portfolio database")
	}
	defer portfolioDB.Close()

	// Event bus and consumers.
	bus := events.NewBus(log)
	targets := rebalancing.NewTargetRepository(portfolioDB.Conn(), log)
	rebalancing.NewListener(targets, log).Register(bus)

	// Evaluation pipeline. The pool is constructed after the coordinator
	// because the coordinator dispatches into it and the pool posts results
	// back; the function adapter breaks the construction cycle.
	store := aggregation.NewSQLiteStore(sessionsDB.Conn(), log)
	history := indicators.NewHistoryRepository(historyDB.Conn(), log)
	provider := indicators.NewProvider(history, cfg.HistoryLookbackDays, log)

	var pool *signals.Pool
	coordinator := aggregation.NewCoordinator(store,
		aggregation.DispatcherFunc(func(job aggregation.StrategyJob) { pool.Dispatch(job) }),
		bus,
		aggregation.Config{
			SessionDeadline: cfg.SessionDeadline,
			FailurePolicy:   cfg.FailurePolicy,
		},
		log,
	)
	service := signals.NewService(provider, provider, coordinator, bus, log)
	pool = signals.NewPool(service, cfg.WorkerCount, log)
	pool.Start()

	// Background jobs.
	sched := scheduler.New(log)
	allDatabases := []*database.DB{sessionsDB, historyDB, portfolioDB}
	if err := sched.AddJob("@every "+cfg.ScanInterval.String(), scheduler.NewTimeoutScanJob(coordinator)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register timeout scan job")
	}
	if err := sched.AddJob("@hourly", scheduler.NewWALCheckpointJob(allDatabases, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	if err := sched.AddJob("0 0 4 * * *", scheduler.NewHealthCheckJob(allDatabases, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register health check job")
	}
	sched.Start()

	// HTTP server.
	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		DataDir:     cfg.DataDir,
		SessionsDB:  sessionsDB,
		HistoryDB:   historyDB,
		Coordinator: coordinator,
		EventBus:    bus,
		History:     history,
		Targets:     targets,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info().
		Int("port", cfg.Port).
		Int("workers", cfg.WorkerCount).
		Str("failure_policy", cfg.FailurePolicy).
		Dur("session_deadline", cfg.SessionDeadline).
		Msg("Helmsman started")

	// Wait for shutdown signal or server failure.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Graceful shutdown: stop accepting requests, stop the scheduler,
	// drain in-flight evaluations, then close the databases (deferred).
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()
	pool.Stop()

	log.Info().Msg("Helmsman stopped")
}
