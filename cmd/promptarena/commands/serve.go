package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptarena/promptarena/config"
	"github.com/promptarena/promptarena/db"
	"github.com/promptarena/promptarena/dispatch"
	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/invoke"
	"github.com/promptarena/promptarena/logger"
	"github.com/promptarena/promptarena/progress"
	"github.com/promptarena/promptarena/queue"
	"github.com/promptarena/promptarena/recurring"
	"github.com/promptarena/promptarena/run"
	"github.com/promptarena/promptarena/server"
)

var serveConfigPath string

// ServeCmd starts the execution engine and the progress WebSocket server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution engine and progress WebSocket server",
	Long: `Start the promptarena daemon: the dispatch engine draining the job queue,
the recurring maintenance ticker, and the WebSocket endpoint pushing live
test-run progress to clients.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (default: promptarena.toml in . or ~/.config/promptarena)")
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromFile(serveConfigPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	log := logger.Logger

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	jobStore := queue.NewStore(database)
	runStore := run.NewStore(database)
	recurringStore := recurring.NewStore(database)
	publisher := progress.NewPublisher()

	orch := run.NewOrchestrator(runStore, jobStore, publisher, run.Defaults{
		Concurrency:    cfg.Dispatch.DefaultRunConcurrency,
		MaxAttempts:    cfg.Dispatch.DefaultMaxAttempts,
		DailyBudgetUSD: cfg.Budget.DailyBudgetUSD,
	}, log)

	registry := invoke.NewRegistry()
	registry.Register(invoke.NewStubInvoker())
	if cfg.OpenRouter.APIKey != "" {
		registry.Register(invoke.NewOpenRouterInvoker(invoke.OpenRouterConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Timeout: time.Duration(cfg.OpenRouter.TimeoutSeconds) * time.Second,
			Logger:  log,
		}))
	} else {
		log.Warnw("No OpenRouter API key configured; only the stub provider is available")
	}

	engine := dispatch.NewEngine(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		PollInterval:   time.Duration(cfg.Dispatch.PollIntervalMS) * time.Millisecond,
		JobTimeout:     time.Duration(cfg.Dispatch.JobTimeoutSeconds) * time.Second,
		Retry: queue.RetryPolicy{
			Base:   time.Duration(cfg.Dispatch.BackoffBaseMS) * time.Millisecond,
			Cap:    time.Duration(cfg.Dispatch.BackoffCapMS) * time.Millisecond,
			Jitter: cfg.Dispatch.BackoffJitter,
		},
		CallsPerMinute: cfg.Budget.MaxCallsPerMinute,
	}, jobStore, runStore, orch, registry, log)

	if err := engine.Start(); err != nil {
		return errors.Wrap(err, "failed to start dispatch engine")
	}

	if err := ensureCleanupJob(recurringStore, cfg.Dispatch.CleanupAfterHours); err != nil {
		return err
	}
	ticker := recurring.NewTicker(recurringStore, jobStore, recurring.DefaultTickerConfig(), log)
	ticker.Start()

	hub := server.NewHub(publisher, orch, cfg.Server.AllowedOrigins, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		queued, running, err := jobStore.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"queued":  queued,
			"running": running,
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("Server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig)
	case err := <-errCh:
		log.Errorw("Server failed", "error", err)
	}

	// Stop intake first, then the workers, then the push path.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown error", "error", err)
	}
	ticker.Stop()
	engine.Stop()
	hub.Shutdown()
	return nil
}

// ensureCleanupJob seeds the recurring queue-cleanup job on first start.
func ensureCleanupJob(store *recurring.Store, olderThanHours int) error {
	existing, err := store.ListByType(queue.TypeCleanup)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	payload, err := json.Marshal(queue.CleanupPayload{OlderThanHours: olderThanHours})
	if err != nil {
		return errors.Wrap(err, "failed to encode cleanup payload")
	}
	job, err := recurring.NewJob(queue.TypeCleanup, payload, time.Hour)
	if err != nil {
		return err
	}
	return store.Create(job)
}
