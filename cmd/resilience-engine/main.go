package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resilstack/resilience-engine/internal/api"
	"github.com/resilstack/resilience-engine/internal/cache"
	"github.com/resilstack/resilience-engine/internal/circuit"
	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/degradation"
	"github.com/resilstack/resilience-engine/internal/deploy"
	"github.com/resilstack/resilience-engine/internal/escalation"
	"github.com/resilstack/resilience-engine/internal/healing"
	"github.com/resilstack/resilience-engine/internal/metrics"
	"github.com/resilstack/resilience-engine/internal/recovery"
	"github.com/resilstack/resilience-engine/internal/repo"
	"github.com/resilstack/resilience-engine/internal/services"
	"github.com/resilstack/resilience-engine/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting resilience engine",
		"address", cfg.Server.Address,
		"metrics_address", cfg.Server.MetricsAddress)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("register metrics", "error", err)
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Error("connect valkey", "addr", cfg.Cache.Addr, "error", err)
			os.Exit(1)
		}
		cacheProvider = provider
		logger.Info("valkey cache connected", "addr", cfg.Cache.Addr)
	}
	defer func() {
		if err := cacheProvider.Close(); err != nil {
			logger.Warn("close cache", "error", err)
		}
	}()

	monitor := repo.NewMonitorClient(
		cfg.Clients.Monitor.BaseURL,
		cfg.Clients.Monitor.MetricsPath,
		cfg.Clients.Monitor.AlertsPath,
		cfg.Clients.Monitor.HealthPath,
		cfg.Clients.Monitor.OpsPath,
		cfg.Clients.Monitor.Timeout,
		cacheProvider,
		cfg.Cache.SnapshotTTL,
	)
	notifier := repo.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout, logger)
	prober := repo.NewProbeRunner(monitor, logger)

	circuits := circuit.NewRegistry(circuit.Settings{
		FailureThreshold:       cfg.Circuit.FailureThreshold,
		RequestVolumeThreshold: cfg.Circuit.RequestVolumeThreshold,
		ErrorRateThreshold:     cfg.Circuit.ErrorRateThreshold,
		SlowCallRateThreshold:  cfg.Circuit.SlowCallRateThreshold,
		SlowCallDuration:       cfg.Circuit.SlowCallDuration,
		CallTimeout:            cfg.Circuit.CallTimeout,
		RecoveryTimeout:        cfg.Circuit.RecoveryTimeout,
		SuccessThreshold:       cfg.Circuit.SuccessThreshold,
	}, cfg.Circuit.MetricsInterval, monitor, logger)

	healer := healing.NewEngine(logger, cfg.Healing, monitor, monitor, monitor, monitor)
	degrader := degradation.NewEngine(logger, cfg.Degradation, monitor, monitor, monitor, monitor)
	escalator := escalation.NewService(logger, cfg.Escalation, monitor, notifier)
	orchestrator := recovery.NewOrchestrator(logger, cfg.Recovery, monitor, monitor, monitor, circuits, healer, degrader, notifier, escalator, monitor)
	deployments := deploy.NewMonitor(logger, cfg.Deployment, monitor, prober, monitor, monitor)

	if err := loadCatalogs(cfg.Catalogs, orchestrator, healer, degrader, escalator); err != nil {
		logger.Error("load catalogs", "error", err)
		os.Exit(1)
	}

	var watcher *config.CatalogWatcher
	if cfg.Catalogs.HotReload {
		watcher, err = config.WatchCatalogs(cfg.Catalogs.Dir, logger, func(path string) {
			reloadCatalog(cfg.Catalogs, path, logger, orchestrator, healer, degrader, escalator)
		})
		if err != nil {
			logger.Warn("catalog hot reload unavailable", "dir", cfg.Catalogs.Dir, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	overview := services.NewOverviewService(logger, circuits, orchestrator, healer, degrader, escalator, deployments)
	handlers := api.NewHandlers(logger, overview, orchestrator, circuits, degrader, escalator, healer, deployments)
	server := api.NewServer(cfg.Server, handlers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go circuits.Run(ctx)
	go orchestrator.Run(ctx)
	go healer.Run(ctx)
	go degrader.Run(ctx)
	go escalator.Run(ctx)
	go deployments.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      promhttp.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()

	degrader.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}

	// Give in-flight log writes a moment to flush.
	time.Sleep(100 * time.Millisecond)
	logger.Info("resilience engine stopped")
}

// loadCatalogs seeds every component with its declarative pack. Missing
// files are tolerated: each loader returns an empty catalog for them.
func loadCatalogs(cfg config.CatalogsConfig, orchestrator *recovery.Orchestrator, healer *healing.Engine, degrader *degradation.Engine, escalator *escalation.Service) error {
	actions, err := recovery.LoadCatalog(cfg.Path(cfg.RecoveryActions))
	if err != nil {
		return fmt.Errorf("recovery actions: %w", err)
	}
	orchestrator.SetCatalog(actions)

	healActions, err := healing.LoadCatalog(cfg.Path(cfg.HealingActions))
	if err != nil {
		return fmt.Errorf("healing actions: %w", err)
	}
	healer.SetCatalog(healActions)

	rules, features, err := degradation.LoadRules(cfg.Path(cfg.DegradationRule))
	if err != nil {
		return fmt.Errorf("degradation rules: %w", err)
	}
	degrader.SetRules(rules, features)

	schedules, err := escalation.LoadSchedules(cfg.Path(cfg.OnCallSchedules))
	if err != nil {
		return fmt.Errorf("oncall schedules: %w", err)
	}
	escalator.SetSchedules(schedules)

	escRules, err := escalation.LoadRules(cfg.Path(cfg.EscalationRules))
	if err != nil {
		return fmt.Errorf("escalation rules: %w", err)
	}
	escalator.SetRules(escRules)
	return nil
}

// reloadCatalog routes a changed catalog file to the component that owns it.
func reloadCatalog(cfg config.CatalogsConfig, path string, logger *slog.Logger, orchestrator *recovery.Orchestrator, healer *healing.Engine, degrader *degradation.Engine, escalator *escalation.Service) {
	var err error
	switch filepath.Base(path) {
	case filepath.Base(cfg.RecoveryActions):
		err = orchestrator.ReloadCatalog(path)
	case filepath.Base(cfg.HealingActions):
		err = healer.ReloadCatalog(path)
	case filepath.Base(cfg.DegradationRule):
		err = degrader.ReloadRules(path)
	case filepath.Base(cfg.EscalationRules):
		err = escalator.ReloadCatalogs(cfg.Path(cfg.OnCallSchedules), path)
	case filepath.Base(cfg.OnCallSchedules):
		err = escalator.ReloadCatalogs(path, cfg.Path(cfg.EscalationRules))
	default:
		return
	}
	if err != nil {
		logger.Warn("catalog reload failed", "path", path, "error", err)
		return
	}
	logger.Info("catalog reloaded", "path", path)
}
