package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/controlplane"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/version"
)

func main() {
	log.Printf("Starting GoDRGuard %s (%s)...", version.Version, version.GitCommit)

	// Load and validate configuration
	if err := config.LoadConfiguration(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.ValidateConfig(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	if config.CFG.Debug {
		config.DisplayConfiguration()
	}

	logger := logging.New(config.CFG.Logging, config.CFG.Debug)

	infra, err := controlplane.Build(context.Background(), &config.CFG, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage and catalog: %v", err)
	}

	cp, err := controlplane.Assemble(&config.CFG, infra)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}

	if err := cp.Start(); err != nil {
		logger.Fatalf("Failed to start control plane: %v", err)
	}

	logger.Info("GoDRGuard is running. Press Ctrl+C to exit.")
	waitForShutdown(cp)
}

// waitForShutdown blocks until SIGINT or SIGTERM and then stops the control
// plane, giving running work up to 30 seconds to finish
func waitForShutdown(cp *controlplane.ControlPlane) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cp.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
}
