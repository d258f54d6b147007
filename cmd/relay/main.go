// ==============================================================================
// DEVELOPMENT RELAY - cmd/relay/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetsync/internal/auth"
	"fleetsync/internal/handler"
	"fleetsync/internal/relay"
	"fleetsync/internal/repository/memory"
	"fleetsync/internal/repository/postgres"
	"fleetsync/internal/scheduler"
	"fleetsync/internal/tracking"
	"fleetsync/pkg/cache"
	"fleetsync/pkg/config"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/validator"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := logger.New("relay")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting relay", map[string]interface{}{
		"port":          cfg.Server.Port,
		"broadcast_all": cfg.Relay.BroadcastAll,
		"api_prefix":    cfg.Relay.APIPrefix,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	val := validator.New()

	hub := relay.NewHub(log, m, cfg.Relay.BroadcastAll)

	// Database connection (optional)
	var db *sqlx.DB
	var devices relay.DeviceRepository = memory.NewDeviceRepository()
	if cfg.Database.URL != "" {
		db, err = postgres.Connect(cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		}
		defer db.Close()
		if err := postgres.MigrateUp(db, cfg.Database.MigrationsPath); err != nil {
			log.Fatal("Failed to apply migrations", map[string]interface{}{"error": err.Error()})
		}
		devices = postgres.NewDeviceRepository(db)
		log.Info("Database connected", nil)
	}

	// Redis connection (optional)
	var redisClient *redis.Client
	var rc *cache.RedisCache
	var pub relay.Publisher = relay.NewLocalBackplane(hub)
	if cfg.Redis.URL != "" {
		rc, err = cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer rc.Close()
		redisClient = rc.Client()

		bp := relay.NewRedisBackplane(rc, cfg.Relay.RedisChannel, hub, log)
		if err := bp.Start(ctx); err != nil {
			log.Fatal("Failed to start relay backplane", map[string]interface{}{"error": err.Error()})
		}
		defer bp.Close()
		pub = bp
		log.Info("Redis connected", map[string]interface{}{"channel": cfg.Relay.RedisChannel})
	}

	var positions tracking.PositionStore
	switch {
	case db != nil:
		positions = postgres.NewPositionRepository(db)
	case rc != nil:
		positions = tracking.NewRedisPositionStore(rc, time.Duration(cfg.Proximity.RecencyWindowDays*24)*time.Hour)
	default:
		positions = tracking.NewMemoryPositionStore()
	}

	var tokens *auth.Service
	if cfg.Relay.JWTSecret != "" {
		tokens = auth.NewService(cfg.Relay.JWTSecret, cfg.Relay.TokenExpiry)
		dev, err := tokens.IssueToken("dev-console", handler.ScopeDevicesWrite, handler.ScopeTelemetryWrite)
		if err != nil {
			log.Fatal("Failed to issue development token", map[string]interface{}{"error": err.Error()})
		}
		log.Info("Relay auth enabled", map[string]interface{}{
			"dev_token":  dev.AccessToken,
			"expires_at": dev.ExpiresAt,
		})
	}

	deviceService := relay.NewDeviceService(devices, pub, log, cfg.Relay.PendingTTL)

	sched := scheduler.NewScheduler(log, time.Second)
	if cfg.Relay.ExpirySweepInterval > 0 {
		err := sched.Schedule(scheduler.Job{
			Name:     "expire-pending-devices",
			Interval: cfg.Relay.ExpirySweepInterval,
			Run: func(ctx context.Context) error {
				n, err := deviceService.ExpirePending(ctx)
				if n > 0 {
					log.Info("Expired pending devices", map[string]interface{}{"count": n})
				}
				return err
			},
		})
		if err != nil {
			log.Fatal("Failed to schedule device expiry", map[string]interface{}{"error": err.Error()})
		}
	}
	sched.Start(ctx)

	router := handler.NewRouter(handler.RouterDeps{
		Config:    cfg.Relay,
		Proximity: cfg.Proximity,
		Hub:       hub,
		Devices:   deviceService,
		Telemetry: relay.NewTelemetryService(positions, pub, val, log, m),
		Tokens:    tokens,
		DB:        db,
		Redis:     redisClient,
		Gatherer:  reg,
		Validator: val,
		Logger:    log,
	})

	// WriteTimeout is left unset: push connections are long-lived and the hub
	// manages its own write deadlines.
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Relay started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay...", nil)

	sched.Stop()
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Relay forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Relay stopped gracefully", nil)
}
