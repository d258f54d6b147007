package handler

import (
	"net/http"
	"strings"

	"fleetsync/internal/auth"
	"fleetsync/internal/middleware"
	"fleetsync/internal/relay"
	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Scopes checked on mutating endpoints when relay auth is enabled.
const (
	ScopeDevicesWrite   = "devices:write"
	ScopeTelemetryWrite = "telemetry:write"
)

// RouterDeps wires the relay's HTTP surface. Tokens, DB, Redis and Gatherer
// are optional.
type RouterDeps struct {
	Config    config.RelayConfig
	Proximity config.ProximityConfig
	Hub       *relay.Hub
	Devices   *relay.DeviceService
	Telemetry *relay.TelemetryService
	Tokens    *auth.Service
	DB        *sqlx.DB
	Redis     *redis.Client
	Gatherer  prometheus.Gatherer
	Validator *validator.Validator
	Logger    logger.Logger
}

// NewRouter builds the relay router: the two push namespaces at the root,
// REST endpoints under Config.APIPrefix, plus /health and /metrics.
func NewRouter(d RouterDeps) http.Handler {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	val := d.Validator
	if val == nil {
		val = validator.New()
	}

	devices := NewDeviceHandler(d.Devices, val, log)
	telemetry := NewTelemetryHandler(d.Telemetry, val, d.Proximity, log)
	system := NewSystemHandler(d.DB, d.Redis, d.Hub, log)

	var authn *middleware.AuthMiddleware
	if d.Tokens != nil {
		authn = middleware.NewAuthMiddleware(d.Tokens, log)
	}
	protect := func(h http.Handler, scope string) http.Handler {
		if authn == nil {
			return h
		}
		if scope != "" {
			h = middleware.RequireScope(scope)(h)
		}
		return authn.Authenticate(h)
	}

	r := mux.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(log))

	r.HandleFunc("/health", system.Health).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	for _, ns := range []domain.Namespace{domain.DeviceEventsNamespace, domain.TrackingNamespace} {
		r.Handle("/"+ns.Name, protect(d.Hub.ServeNamespace(ns), "")).Methods(http.MethodGet)
	}

	api := r
	if prefix := strings.TrimRight(d.Config.APIPrefix, "/"); prefix != "" {
		api = r.PathPrefix(prefix).Subrouter()
	}

	// The activation token is the device's credential.
	api.HandleFunc("/devices/{id}/activate", devices.Activate).Methods(http.MethodPost)

	var createDevice http.Handler = http.HandlerFunc(devices.Create)
	var postTelemetry http.Handler = http.HandlerFunc(telemetry.Post)
	if d.Redis != nil {
		createDevice = middleware.NewIdempotencyMiddleware(d.Redis, "fleetsync:", d.Config.PendingTTL, log).Handle(createDevice)
		if d.Config.TelemetryRateLimit > 0 {
			postTelemetry = middleware.NewRateLimiter(d.Redis, "fleetsync:", d.Config.TelemetryRateLimit, d.Config.TelemetryRateWindow).Limit(postTelemetry)
		}
	}

	api.Handle("/devices", protect(http.HandlerFunc(devices.List), "")).Methods(http.MethodGet)
	api.Handle("/devices", protect(createDevice, ScopeDevicesWrite)).Methods(http.MethodPost)
	api.Handle("/devices/{id}/retire", protect(http.HandlerFunc(devices.Retire), ScopeDevicesWrite)).Methods(http.MethodPost)
	api.Handle("/devices/{id}", protect(http.HandlerFunc(devices.Delete), ScopeDevicesWrite)).Methods(http.MethodDelete)

	api.Handle("/vessels/{id}/telemetry", protect(postTelemetry, ScopeTelemetryWrite)).Methods(http.MethodPost)
	api.Handle("/vessels/{id}/position", protect(http.HandlerFunc(telemetry.Latest), "")).Methods(http.MethodGet)
	api.Handle("/vessels/{id}/nearby", protect(http.HandlerFunc(telemetry.Nearby), "")).Methods(http.MethodGet)

	// CORS wraps the router so preflight requests never reach method matching.
	return middleware.CORS(d.Config.AllowedOrigins)(r)
}
