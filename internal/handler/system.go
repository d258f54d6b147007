package handler

import (
	"context"
	"net/http"
	"time"

	"fleetsync/internal/relay"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// SystemHandler reports relay health. The database and Redis are optional.
type SystemHandler struct {
	db          *sqlx.DB
	redisClient *redis.Client
	hub         *relay.Hub
	logger      logger.Logger
	startTime   time.Time
}

func NewSystemHandler(db *sqlx.DB, redisClient *redis.Client, hub *relay.Hub, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		db:          db,
		redisClient: redisClient,
		hub:         hub,
		logger:      log,
		startTime:   time.Now(),
	}
}

type ServiceStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
}

type HealthResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Clients       map[string]int  `json:"clients"`
	Services      []ServiceStatus `json:"services"`
}

// Health handles GET /health. It answers 503 when a configured dependency is
// unreachable.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Clients: map[string]int{
			domain.DeviceEventsNamespace.Name: h.hub.Clients(domain.DeviceEventsNamespace.Name),
			domain.TrackingNamespace.Name:     h.hub.Clients(domain.TrackingNamespace.Name),
		},
		Services: []ServiceStatus{},
	}

	if h.db != nil {
		resp.Services = append(resp.Services, h.check(ctx, "database", 200, h.db.PingContext))
	}
	if h.redisClient != nil {
		resp.Services = append(resp.Services, h.check(ctx, "redis", 50, func(ctx context.Context) error {
			return h.redisClient.Ping(ctx).Err()
		}))
	}

	status := http.StatusOK
	for _, s := range resp.Services {
		if s.Status == "outage" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, h.logger, status, resp)
}

func (h *SystemHandler) check(ctx context.Context, id string, slowMs int64, ping func(context.Context) error) ServiceStatus {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start).Milliseconds()

	s := ServiceStatus{ID: id, Status: "operational", LatencyMs: latency}
	switch {
	case err != nil:
		s.Status = "outage"
		h.logger.Error("Health check failed", map[string]interface{}{"service": id, "error": err.Error()})
	case latency > slowMs:
		s.Status = "degraded"
	}
	return s
}
