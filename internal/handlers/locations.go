package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/transitops/fleet-ingest/internal/database"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/ingest"
	"github.com/transitops/fleet-ingest/internal/retention"
)

type locationRequest struct {
	VehicleID  string     `json:"vehicleId"`
	Latitude   *float64   `json:"lat"`
	Longitude  *float64   `json:"lon"`
	Accuracy   *float64   `json:"accuracy"`
	ObservedAt *time.Time `json:"observedAt"`
}

type batchRequest struct {
	VehicleID string            `json:"vehicleId"`
	Locations []locationRequest `json:"locations"`
}

type submitResponse struct {
	Accepted    bool   `json:"accepted"`
	RateLimited bool   `json:"rateLimited,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type batchResponse struct {
	ProcessedCount int `json:"processedCount"`
	FailedCount    int `json:"failedCount"`
}

func (lr locationRequest) toSubmitRequest() (ingest.SubmitRequest, bool) {
	if lr.Latitude == nil || lr.Longitude == nil {
		return ingest.SubmitRequest{}, false
	}
	return ingest.SubmitRequest{
		VehicleID:  lr.VehicleID,
		Latitude:   *lr.Latitude,
		Longitude:  *lr.Longitude,
		Accuracy:   lr.Accuracy,
		ObservedAt: lr.ObservedAt,
	}, true
}

func (h *TrackingHandler) HandleSubmitLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, h.log, "request body is not valid JSON")
		return
	}
	submitReq, ok := req.toSubmitRequest()
	if !ok {
		writeValidationError(w, h.log, "lat and lon are required")
		return
	}

	result, err := h.gate.Submit(r.Context(), submitReq)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Accepted:    result.Accepted,
		RateLimited: result.RateLimited,
	})
}

func (h *TrackingHandler) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, h.log, "request body is not valid JSON")
		return
	}

	// The cap applies to the request as sent; entries without coordinates
	// still count against it.
	if h.cfg.MaxBatchSize > 0 && len(req.Locations) > h.cfg.MaxBatchSize {
		writeError(w, h.log, fleeterr.Newf(fleeterr.KindValidation,
			"batch size %d exceeds maximum of %d", len(req.Locations), h.cfg.MaxBatchSize))
		return
	}

	entries := make([]ingest.SubmitRequest, 0, len(req.Locations))
	missing := 0
	for _, lr := range req.Locations {
		entry, ok := lr.toSubmitRequest()
		if !ok {
			// Entries without coordinates join the failed count; they must
			// not block the valid subset.
			missing++
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 && missing > 0 {
		writeJSON(w, http.StatusOK, batchResponse{ProcessedCount: 0, FailedCount: missing})
		return
	}

	result, err := h.gate.SubmitBatch(r.Context(), req.VehicleID, entries)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		ProcessedCount: result.Processed,
		FailedCount:    result.Failed + missing,
	})
}

func (h *TrackingHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.view.Dashboard(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type sweepRequest struct {
	RetentionDays int `json:"retentionDays"`
	KeepEveryNth  int `json:"keepEveryNth"`
}

type sweepResponse struct {
	DeletedCount     int64 `json:"deletedCount"`
	ArchivedCount    int   `json:"archivedCount"`
	DeactivatedCount int   `json:"deactivatedCount"`
	CacheEvicted     int   `json:"cacheEvicted"`
}

func (h *TrackingHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeValidationError(w, h.log, "request body is not valid JSON")
			return
		}
	}

	report, err := h.sweeper.Sweep(r.Context(), retention.Params{
		RetentionDays: req.RetentionDays,
		KeepEveryNth:  req.KeepEveryNth,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		DeletedCount:     report.DeletedCount,
		ArchivedCount:    report.ArchivedCount,
		DeactivatedCount: report.DeactivatedCount,
		CacheEvicted:     report.CacheEvicted,
	})
}

func (h *TrackingHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"pool":   database.PoolStats(h.db),
	})
}
