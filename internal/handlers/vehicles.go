package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type trackRequest struct {
	DriverLabel string `json:"driverLabel"`
}

func (h *TrackingHandler) HandleStartTracking(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	var req trackRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeValidationError(w, h.log, "request body is not valid JSON")
			return
		}
	}

	vehicle, created, err := h.registry.StartTracking(r.Context(), vehicleID, req.DriverLabel)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, vehicle)
}

func (h *TrackingHandler) HandleStopTracking(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	if err := h.registry.StopTracking(r.Context(), vehicleID); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (h *TrackingHandler) HandleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (h *TrackingHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	active, err := h.view.ListActive(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *TrackingHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	hours := 0
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeValidationError(w, h.log, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	maxPoints := 100
	if raw := r.URL.Query().Get("maxPoints"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeValidationError(w, h.log, "maxPoints must be a positive integer")
			return
		}
		maxPoints = parsed
	}

	history, err := h.view.History(r.Context(), vehicleID, hours, maxPoints)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
