package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pricefeed/config"
	"pricefeed/internal/dashboard"
	"pricefeed/internal/metrics"
	"pricefeed/internal/orchestrator"
	"pricefeed/logger"
	"pricefeed/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting pricefeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	metrics.Init()
	if cfg.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}

	store, err := openStore(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer store.Close()

	services, buildErrs := orchestrator.Builder{
		Store:     store,
		UserAgent: cfg.Service.Name + "/" + cfg.Service.Version,
	}.Build(cfg.Connectors)
	if len(services) == 0 {
		log.WithFields(logger.Fields{"skipped": len(buildErrs)}).Error("no connectors to run")
		os.Exit(1)
	}

	orch := orchestrator.New(services, orchestrator.Options{
		ShutdownTimeout: cfg.Service.ShutdownTimeout,
		ReportInterval:  cfg.Logging.ReportInterval,
	})
	orch.LogSummary()
	if err := orch.StartAll(); err != nil {
		log.WithError(err).Error("failed to start connectors")
		os.Exit(1)
	}

	if cfg.Control.Enabled {
		ctl := orchestrator.NewController(orch, store, orchestrator.ControlOptions{
			PollInterval:   cfg.Control.PollInterval,
			StatusInterval: cfg.Control.StatusInterval,
			StatusTTL:      cfg.Control.StatusTTL,
		})
		go ctl.Run(ctx)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, orch, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown timeout exceeded")
	} else {
		log.Info("graceful shutdown completed")
	}
	cancel()

	log.Info("pricefeed stopped")
}

func openStore(ctx context.Context, cfg config.RedisConfig) (writer.Store, error) {
	if cfg.Driver == "memory" {
		logger.GetLogger().WithComponent("main").Warn("using in-process store; records are not shared")
		return writer.NewMemoryStore(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return writer.NewRedisStore(dialCtx, writer.RedisConfig{
		URL:          cfg.URL,
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}
