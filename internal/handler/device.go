package handler

import (
	"net/http"
	"strings"

	"fleetsync/internal/relay"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/validator"

	"github.com/gorilla/mux"
)

// DeviceHandler exposes the device lifecycle endpoints.
type DeviceHandler struct {
	service   *relay.DeviceService
	validator *validator.Validator
	logger    logger.Logger
}

func NewDeviceHandler(service *relay.DeviceService, val *validator.Validator, log logger.Logger) *DeviceHandler {
	return &DeviceHandler{service: service, validator: val, logger: log}
}

// List handles GET /devices?vessel_id=. The response is always a JSON array.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	vesselID := validator.Sanitize(r.URL.Query().Get("vessel_id"))
	if vesselID == "" {
		respondError(w, h.logger, http.StatusBadRequest, "vessel_id query parameter is required")
		return
	}

	devices, err := h.service.List(r.Context(), vesselID)
	if err != nil {
		respondServiceError(w, h.logger, err, "List devices")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, devices)
}

// Create handles POST /devices.
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDeviceRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}
	req.VesselID = strings.TrimSpace(req.VesselID)
	if valErrs := h.validator.ValidateStructured(&req); valErrs != nil {
		respondValidationErrors(w, h.logger, valErrs)
		return
	}

	device, err := h.service.Create(r.Context(), req.VesselID)
	if err != nil {
		respondServiceError(w, h.logger, err, "Create device")
		return
	}
	respondJSON(w, h.logger, http.StatusCreated, device)
}

// Activate handles POST /devices/{id}/activate.
func (h *DeviceHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateDeviceRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}
	if valErrs := h.validator.ValidateStructured(&req); valErrs != nil {
		respondValidationErrors(w, h.logger, valErrs)
		return
	}

	device, err := h.service.Activate(r.Context(), mux.Vars(r)["id"], req.ActivationToken)
	if err != nil {
		respondServiceError(w, h.logger, err, "Activate device")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, device)
}

// Retire handles POST /devices/{id}/retire.
func (h *DeviceHandler) Retire(w http.ResponseWriter, r *http.Request) {
	device, err := h.service.Retire(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, h.logger, err, "Retire device")
		return
	}
	respondJSON(w, h.logger, http.StatusOK, device)
}

// Delete handles DELETE /devices/{id}.
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondServiceError(w, h.logger, err, "Delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
