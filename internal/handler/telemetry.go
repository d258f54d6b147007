package handler

import (
	"net/http"
	"strconv"
	"time"

	"fleetsync/internal/proximity"
	"fleetsync/internal/relay"
	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/validator"

	"github.com/gorilla/mux"
)

// TelemetryHandler accepts vessel telemetry and answers position queries.
type TelemetryHandler struct {
	service   *relay.TelemetryService
	validator *validator.Validator
	defaults  config.ProximityConfig
	logger    logger.Logger
}

func NewTelemetryHandler(service *relay.TelemetryService, val *validator.Validator, defaults config.ProximityConfig, log logger.Logger) *TelemetryHandler {
	return &TelemetryHandler{service: service, validator: val, defaults: defaults, logger: log}
}

type nearbyResponse struct {
	VesselID   string  `json:"vessel_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	DistanceKm float64 `json:"distance_km"`
	LastSeen   string  `json:"last_seen"`
}

// Post handles POST /vessels/{id}/telemetry.
func (h *TelemetryHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req domain.TelemetryRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}
	if valErrs := h.validator.ValidateStructured(&req); valErrs != nil {
		respondValidationErrors(w, h.logger, valErrs)
		return
	}

	if err := h.service.PostTelemetry(r.Context(), mux.Vars(r)["id"], req); err != nil {
		respondServiceError(w, h.logger, err, "Record telemetry")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Latest handles GET /vessels/{id}/position.
func (h *TelemetryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	sample, err := h.service.Latest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, h.logger, err, "Load position")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, sample)
}

// Nearby handles GET /vessels/{id}/nearby?radius_km=&recency_days=.
func (h *TelemetryHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	radius := h.defaults.RadiusKm
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, h.logger, http.StatusBadRequest, "radius_km must be a number")
			return
		}
		radius = f
	}
	days := int(h.defaults.RecencyWindowDays)
	if v := q.Get("recency_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, h.logger, http.StatusBadRequest, "recency_days must be an integer")
			return
		}
		days = n
	}

	result, err := h.service.Nearby(r.Context(), mux.Vars(r)["id"], radius, days)
	if err != nil {
		respondServiceError(w, h.logger, err, "Nearby query")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, toNearbyResponse(result))
}

func toNearbyResponse(result []proximity.Nearby) []nearbyResponse {
	out := make([]nearbyResponse, 0, len(result))
	for _, n := range result {
		out = append(out, nearbyResponse{
			VesselID:   n.ID,
			Lat:        n.Position.Lat,
			Lng:        n.Position.Lng,
			DistanceKm: n.DistanceKm,
			LastSeen:   n.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return out
}
