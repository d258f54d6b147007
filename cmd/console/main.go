// ==============================================================================
// HEADLESS FLEET CONSOLE - cmd/console/main.go
// ==============================================================================
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetsync/internal/backend"
	"fleetsync/internal/device"
	"fleetsync/internal/proximity"
	"fleetsync/internal/subscription"
	"fleetsync/internal/tracking"
	"fleetsync/internal/transport"
	"fleetsync/pkg/cache"
	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/validator"
)

// logMap stands in for the map renderer.
type logMap struct {
	log logger.Logger
}

func (m logMap) SetMarker(vesselID string, at domain.Coordinate) {
	m.log.Debug("Marker moved", map[string]interface{}{"vessel_id": vesselID, "lat": at.Lat, "lng": at.Lng})
}

func (m logMap) Center(at domain.Coordinate) {
	m.log.Info("Map centered", map[string]interface{}{"lat": at.Lat, "lng": at.Lng})
}

func main() {
	vesselID := flag.String("vessel", os.Getenv("CONSOLE_VESSEL"), "vessel to follow")
	flag.Parse()

	log := logger.New("console")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if *vesselID == "" {
		log.Fatal("A vessel is required (-vessel or CONSOLE_VESSEL)", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(nil)
	val := validator.New()

	ts := backend.TokenSource(ctx, cfg.Auth)
	api := backend.NewClient(cfg.API.BaseURL, cfg.API.Timeout, ts, log)

	tcfg, err := transport.ConfigFrom(cfg, ts)
	if err != nil {
		log.Fatal("Invalid transport configuration", map[string]interface{}{"error": err.Error()})
	}
	mgr := transport.NewManager(tcfg, log, m)
	defer mgr.Close()
	reg := subscription.NewRegistry(mgr, log, m)
	defer reg.Close()

	var store tracking.PositionStore = tracking.NewMemoryPositionStore()
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer rc.Close()
		store = tracking.NewRedisPositionStore(rc, time.Duration(cfg.Proximity.RecencyWindowDays*24)*time.Hour)
	}
	engine := proximity.NewEngine(store, val, log, m)

	tracker := device.NewTracker(reg, api, log, m, device.Options{
		Notifier: func(tr device.Transition) {
			fields := map[string]interface{}{"event": tr.Event, "vessel_id": tr.VesselID}
			if tr.Device != nil {
				fields["device_id"] = tr.Device.ID
				fields["state"] = tr.Device.State
			}
			log.Info("Device transition", fields)
		},
	})
	defer tracker.Close()

	watcher := tracking.NewWatcher(reg, store, logMap{log: log}, val, log, m, tracking.Options{
		OnChange: func(st tracking.Status) {
			if st.Position == nil {
				log.Info("Watch status", map[string]interface{}{"vessel_id": st.VesselID, "liveness": st.Liveness.String()})
				return
			}
			go reportNearby(ctx, engine, cfg.Proximity, st, log)
		},
	})
	defer watcher.Stop()

	if err := tracker.Open(ctx, *vesselID); err != nil {
		log.Fatal("Failed to open device tracker", map[string]interface{}{"error": err.Error()})
	}
	if err := watcher.Watch(*vesselID); err != nil {
		log.Fatal("Failed to watch vessel", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Console following vessel", map[string]interface{}{
		"vessel_id": *vesselID,
		"api":       cfg.API.BaseURL,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Console stopped", nil)
}

func reportNearby(ctx context.Context, engine *proximity.Engine, defaults config.ProximityConfig, st tracking.Status, log logger.Logger) {
	result, err := engine.Nearby(ctx, proximity.Query{
		Origin:            st.Position.Coordinate(),
		RadiusKm:          defaults.RadiusKm,
		RecencyWindowDays: int(defaults.RecencyWindowDays),
		ExcludeID:         st.VesselID,
	})
	if err != nil {
		log.Warn("Nearby query failed", map[string]interface{}{"error": err.Error()})
		return
	}

	nearby := make([]map[string]interface{}, 0, len(result))
	for _, n := range result {
		nearby = append(nearby, map[string]interface{}{
			"vessel_id":   n.ID,
			"distance_km": n.DistanceKm,
		})
	}
	log.Info("Position update", map[string]interface{}{
		"vessel_id": st.VesselID,
		"liveness":  st.Liveness.String(),
		"lat":       st.Position.Latitude,
		"lng":       st.Position.Longitude,
		"nearby":    nearby,
	})
}
