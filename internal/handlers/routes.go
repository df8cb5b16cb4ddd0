package handlers

import (
	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, h *TrackingHandler) {
	r.HandleFunc("/healthz", h.HandleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/vehicles", h.HandleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles/active", h.HandleListActive).Methods("GET")
	api.HandleFunc("/vehicles/{id}/track", h.HandleStartTracking).Methods("POST")
	api.HandleFunc("/vehicles/{id}/stop", h.HandleStopTracking).Methods("POST")
	api.HandleFunc("/vehicles/{id}/history", h.HandleHistory).Methods("GET")
	api.HandleFunc("/locations", h.HandleSubmitLocation).Methods("POST")
	api.HandleFunc("/locations/batch", h.HandleSubmitBatch).Methods("POST")
	api.HandleFunc("/dashboard", h.HandleDashboard).Methods("GET")
	api.HandleFunc("/admin/retention/sweep", h.HandleSweep).Methods("POST")
}
