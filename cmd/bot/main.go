// Command bot runs the intraday opening-range breakout agent.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/jspahr/openrange/internal/alerts"
	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/dashboard"
	"github.com/jspahr/openrange/internal/marketdata"
	"github.com/jspahr/openrange/internal/mock"
	"github.com/jspahr/openrange/internal/orchestrator"
	"github.com/jspahr/openrange/internal/signals"
	"github.com/jspahr/openrange/internal/storage"
)

// Exit codes: 0 clean drain, 1 initialization failure, 2 invalid config.
const (
	exitOK         = 0
	exitInitFailed = 1
	exitBadConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var cloudMode bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&cloudMode, "cloud-mode", false, "Use S3-backed state and require the health endpoint")
	flag.Parse()

	// .env is optional; real deployments inject environment directly.
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("Failed to load config: %v", err)
		return exitBadConfig
	}
	if cloudMode {
		cfg.Storage.Backend = "s3"
		if err := cfg.Validate(); err != nil {
			logger.Printf("Invalid config for cloud mode: %v", err)
			return exitBadConfig
		}
	}

	runID := uuid.NewString()
	logger.Printf("Starting openrange run %s in %s mode (%d symbols)",
		runID, cfg.Environment.Mode, len(cfg.Universe.Symbols))
	if cfg.IsLive() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway := buildBroker(cfg)
	store, err := buildStorage(ctx, cfg)
	if err != nil {
		logger.Printf("Failed to initialize storage: %v", err)
		return exitInitFailed
	}

	data := marketdata.NewService(gateway, logger)

	var filter signals.Filter
	if !cfg.Environment.Enable0DTE {
		filter = signals.WeakSignalFilter{}
	} else {
		// The options overlay supplies its own filter; until it ships
		// the overlay runs ungated.
		filter = signals.NopFilter{}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config: cfg,
		Logger: logger,
		Data:   data,
		Store:  store,
		Sink:   &alerts.LogSink{Logger: logger},
		Broker: gateway,
		Filter: filter,
	})

	dashLogger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		dashLogger.SetLevel(lvl)
	}

	port := cfg.Dashboard.Port
	if cloudMode && port == 0 {
		port = 8080
	}
	if port > 0 {
		srv := dashboard.NewServer(port, orch.CurrentStatus, dashLogger)
		go func() {
			if err := srv.Start(); err != nil {
				dashLogger.WithError(err).Error("dashboard failed")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	if err := orch.Run(ctx); err != nil {
		logger.Printf("Orchestrator failed: %v", err)
		return exitInitFailed
	}

	logger.Println("Drain complete, exiting")
	return exitOK
}

// buildBroker selects the gateway for the configured mode and wraps it
// with the resilience layers: rate limiter innermost against the wire,
// circuit breaker outside it.
func buildBroker(cfg *config.Config) broker.Broker {
	var base broker.Broker
	if cfg.IsLive() {
		base = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.APIEndpoint, cfg.Broker.AccountID, false)
	} else {
		base = mock.NewBroker(100_000)
	}
	limited := broker.NewRateLimitedBroker(base, cfg.Broker.RateLimit)
	return broker.NewCircuitBreakerBroker(limited)
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Interface, error) {
	if cfg.Storage.Backend == "s3" {
		return storage.NewS3Storage(ctx, cfg.Storage.Bucket, cfg.Storage.Region, cfg.Storage.Prefix)
	}
	return storage.NewJSONStorage(cfg.Storage.Path)
}
