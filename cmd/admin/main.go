package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fredppm/DisplayOps-sub003/config"
	"github.com/fredppm/DisplayOps-sub003/initialize"
	"github.com/fredppm/DisplayOps-sub003/pkg/fleet"
	"github.com/fredppm/DisplayOps-sub003/pkg/fleet/api"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	port := flag.Int("port", 0, "Listen port, overrides the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Failed to load config %s, falling back to defaults: %v", *configPath, err)
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := initialize.NewLogger(cfg.Server.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := initialize.NewDatabase(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	svc := fleet.NewService(logger, cfg, db, prometheus.DefaultRegisterer)

	r := mux.NewRouter()
	r.HandleFunc(cfg.Server.WSPath, svc.WSHandler())
	r.Handle("/metrics", promhttp.Handler())
	api.NewFleetAPI(logger, svc).Register(r)

	if err := svc.Start(r); err != nil {
		logger.Fatal("Failed to start fleet service", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := svc.Stop(ctx); err != nil {
			logger.Warn("Graceful shutdown incomplete", zap.Error(err))
		}
		close(done)
	}()

	// A second signal or a stuck drain forces the teardown.
	select {
	case <-done:
	case <-sigChan:
		logger.Warn("Second signal received, forcing shutdown")
		svc.ForceStop()
	case <-ctx.Done():
		logger.Warn("Shutdown deadline exceeded, forcing shutdown")
		svc.ForceStop()
	}

	logger.Info("Shutdown complete")
}
