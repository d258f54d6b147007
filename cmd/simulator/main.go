// ==============================================================================
// MOVEMENT SIMULATOR - cmd/simulator/main.go
// ==============================================================================
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fleetsync/internal/backend"
	"fleetsync/internal/simulator"
	"fleetsync/pkg/config"
	"fleetsync/pkg/logger"
)

func main() {
	log := logger.New("simulator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	vessels, err := simulator.ParseSeeds(cfg.Simulator.Vessels)
	if err != nil {
		log.Fatal("Invalid SIM_VESSELS", map[string]interface{}{"error": err.Error()})
	}
	if len(vessels) == 0 {
		log.Fatal("No vessels to simulate; set SIM_VESSELS to id:lat:lng,...", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := backend.NewClient(cfg.API.BaseURL, cfg.API.Timeout, backend.TokenSource(ctx, cfg.Auth), log)
	sim := simulator.New(vessels, api, simulator.Config{
		Interval:   cfg.Simulator.Interval,
		SpeedKnots: cfg.Simulator.SpeedKnots,
	}, log)

	log.Info("Starting simulator", map[string]interface{}{
		"vessels":  len(vessels),
		"interval": cfg.Simulator.Interval.String(),
		"api":      cfg.API.BaseURL,
	})

	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal("Simulator stopped", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Simulator stopped", nil)
}
