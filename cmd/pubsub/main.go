package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pubsub/internal/api"
	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/config"
	"github.com/adred-codev/pubsub/internal/limits"
	"github.com/adred-codev/pubsub/internal/monitoring"
	"github.com/adred-codev/pubsub/internal/natsbridge"
	"github.com/adred-codev/pubsub/internal/ws"
)

// ackDrain is how long in-flight request handlers get to finish after
// the accept gate flips, before sessions are torn down.
const ackDrain = 500 * time.Millisecond

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured one exists.
	boot := log.New(os.Stdout, "[pubsub] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container CPU limit.
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	registry := broker.NewRegistry(broker.TopicConfig{
		RingCapacity:  cfg.RingCapacity,
		QueueCapacity: cfg.QueueCapacity,
		BatchSize:     cfg.BatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		SendTimeout:   cfg.SendTimeout,
		SampleCap:     cfg.SampleCap,
	}, logger)

	monitor := monitoring.NewSystemMonitor(registry, cfg.MemoryLimit, cfg.MetricsInterval, logger)
	monitor.Start()

	guard := limits.NewResourceGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxGoroutines,
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		AcceptRate:         cfg.AcceptRate,
		SessionRateLimit:   cfg.SessionRateLimit,
	}, monitor, logger)

	var bridge *natsbridge.Bridge
	if cfg.NATSURL != "" {
		bridge, err = natsbridge.New(cfg.NATSURL, cfg.NATSSubjectPrefix, registry, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS ingest bridge")
		}
	}

	wsHandler := ws.NewHandler(registry, guard, logger)
	apiServer := api.NewServer(cfg.Addr, registry, wsHandler.HandleUpgrade, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		logger.Fatal().Err(err).Msg("Control server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Mutations and upgrades 503 from here; in-flight handlers finish.
	apiServer.StopAccepting()
	time.Sleep(ackDrain)

	// Stop ingest before topics go away.
	if bridge != nil {
		if err := bridge.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("NATS bridge drain failed")
		}
	}

	wsHandler.Shutdown()
	registry.ShutdownAll()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Control server shutdown failed")
	}
	<-serveErr

	monitor.Shutdown()
	logger.Info().Msg("Shutdown complete")
}
