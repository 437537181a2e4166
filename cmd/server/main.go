package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	h "github.com/veranemoloko/drop-runner/internal/api/http"
	"github.com/veranemoloko/drop-runner/internal/captcha"
	"github.com/veranemoloko/drop-runner/internal/checkout"
	cfgpkg "github.com/veranemoloko/drop-runner/internal/config"
	"github.com/veranemoloko/drop-runner/internal/monitor"
	"github.com/veranemoloko/drop-runner/internal/orchestrator"
	"github.com/veranemoloko/drop-runner/internal/proxy"
	repo "github.com/veranemoloko/drop-runner/internal/repository"
	"github.com/veranemoloko/drop-runner/internal/runner"
	svc "github.com/veranemoloko/drop-runner/internal/service"
	"github.com/veranemoloko/drop-runner/internal/storage"
	"github.com/veranemoloko/drop-runner/internal/validation"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully")

	taskStorage, err := storage.NewTaskStorage(cfg.TasksDir)
	if err != nil {
		logger.Error("failed to initialize task storage", "error", err)
		os.Exit(1)
	}

	profiles, err := storage.NewProfileStorage(cfg.ProfilesFile)
	if err != nil {
		logger.Error("failed to load profiles", "error", err)
		os.Exit(1)
	}

	quirks, err := checkout.LoadQuirks(cfg.QuirksFile)
	if err != nil {
		logger.Error("failed to load site quirks", "error", err)
		os.Exit(1)
	}

	pool := proxy.NewPool(logger, proxy.WithPollInterval(cfg.ProxyPollInterval))
	proxies, err := storage.LoadProxies(cfg.ProxiesFile)
	if err != nil {
		logger.Error("failed to load proxies", "error", err)
		os.Exit(1)
	}
	for _, p := range proxies {
		pool.Register(p)
	}
	logger.Info("proxy pool ready", "proxies", pool.Size(), "profiles", len(profiles.IDs()))

	outcomes, err := openOutcomes(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize outcome history", "error", err)
		os.Exit(1)
	}

	deps := runner.Deps{
		NewClient:    runner.StorefrontClients(cfg.RequestTimeout, cfg.RequestsPerSecond, cfg.UserAgent, logger),
		Matcher:      monitor.NewMatcher(logger),
		Quirks:       quirks,
		Receipts:     storage.NewReceiptStorage(cfg.ReceiptsDir),
		MonitorDelay: cfg.MonitorDelay,
		ErrorDelay:   cfg.ErrorDelay,
		ProxyWait:    cfg.ProxyWaitTimeout,
	}
	if cfg.CaptchaURL != "" {
		deps.Captcha = captcha.NewHTTPSource(cfg.CaptchaURL, cfg.CaptchaTimeout)
	}

	orch := orchestrator.New(pool, profiles, deps, logger, orchestrator.WithEventBuffer(cfg.EventBuffer))
	taskService := svc.NewTaskService(taskStorage, orch, outcomes, svc.Options{
		WaitForProxy: cfg.WaitForProxy,
		JournalSize:  cfg.JournalSize,
	}, logger)

	if cfg.Autostart {
		if err := taskService.StartTasks(nil, nil); err != nil {
			logger.Error("failed to start some tasks", "error", err)
		}
	}

	router := h.NewRouter(taskService, validation.New(cfg.AllowPrivateStorefronts), logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := taskService.Shutdown(shutdownCtx); err != nil {
		logger.Error("task service shutdown failed", "error", err)
	}
}

// openOutcomes picks PostgreSQL when a database URL is configured and the
// JSON state file otherwise.
func openOutcomes(cfg *cfgpkg.Config, logger *slog.Logger) (repo.OutcomeRepo, error) {
	if cfg.DatabaseURL == "" {
		return repo.NewOutcomeStorage(cfg.OutcomesFile, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()

	pg, err := repo.NewPostgresOutcomeRepo(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}
