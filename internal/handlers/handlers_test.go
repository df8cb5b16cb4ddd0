package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/fleet-ingest/internal/archive"
	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/config"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/ingest"
	"github.com/transitops/fleet-ingest/internal/models"
	"github.com/transitops/fleet-ingest/internal/registry"
	"github.com/transitops/fleet-ingest/internal/retention"
	"github.com/transitops/fleet-ingest/internal/view"
)

type memVehicleStore struct {
	vehicles map[string]models.Vehicle
}

func (m *memVehicleStore) Get(ctx context.Context, vehicleID string) (models.Vehicle, error) {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return models.Vehicle{}, fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
	}
	return v, nil
}

func (m *memVehicleStore) Create(ctx context.Context, v *models.Vehicle) error {
	m.vehicles[v.ID] = *v
	return nil
}

func (m *memVehicleStore) Reactivate(ctx context.Context, vehicleID, driverLabel string) (models.Vehicle, error) {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return models.Vehicle{}, fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
	}
	v.Active = true
	if driverLabel != "" {
		v.DriverLabel = driverLabel
	}
	m.vehicles[vehicleID] = v
	return v, nil
}

func (m *memVehicleStore) Deactivate(ctx context.Context, vehicleID string) error {
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
	}
	v.Active = false
	m.vehicles[vehicleID] = v
	return nil
}

func (m *memVehicleStore) List(ctx context.Context) ([]models.Vehicle, error) {
	out := make([]models.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	return out, nil
}

func (m *memVehicleStore) ListActiveWithLatest(ctx context.Context, recencyWindow time.Duration) ([]models.ActiveVehicle, error) {
	out := make([]models.ActiveVehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		if v.Active {
			out = append(out, models.ActiveVehicle{Vehicle: v})
		}
	}
	return out, nil
}

func (m *memVehicleStore) DeactivateSilent(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}

type memSampleStore struct {
	samples []models.LocationSample
}

func (m *memSampleStore) Insert(ctx context.Context, sample *models.LocationSample) error {
	m.samples = append(m.samples, *sample)
	return nil
}

func (m *memSampleStore) InsertBatch(ctx context.Context, samples []models.LocationSample) (int, error) {
	m.samples = append(m.samples, samples...)
	return len(samples), nil
}

func (m *memSampleStore) HistorySince(ctx context.Context, vehicleID string, since time.Time) ([]models.LocationSample, error) {
	var out []models.LocationSample
	for _, s := range m.samples {
		if s.VehicleID == vehicleID && !s.ObservedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSampleStore) Stats(ctx context.Context) (models.StoreStats, error) {
	return models.StoreStats{TotalSamples: int64(len(m.samples))}, nil
}

func (m *memSampleStore) AgedSurplus(ctx context.Context, cutoff time.Time, keepEveryNth int) ([]models.LocationSample, error) {
	return nil, nil
}

func (m *memSampleStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	return 0, nil
}

func newTestRouter(t *testing.T) (*mux.Router, *memVehicleStore, *memSampleStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := &config.Config{MaxBatchSize: 50}

	vehicles := &memVehicleStore{vehicles: make(map[string]models.Vehicle)}
	samples := &memSampleStore{}
	c := cache.New(cache.Config{})

	reg := registry.NewService(logger, vehicles, c)
	gate := ingest.NewGate(logger, vehicles, samples, c, ingest.Config{})
	av := view.NewAggregateView(logger, vehicles, samples, c, nil, view.Config{})
	sweeper := retention.NewSweeper(logger, samples, vehicles, c, archive.Noop{}, retention.Params{})

	h := NewTrackingHandler(logger, cfg, reg, gate, av, sweeper, nil)
	r := mux.NewRouter()
	RegisterRoutes(r, h)
	return r, vehicles, samples
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTrackSubmitAndListActive(t *testing.T) {
	r, _, samples := newTestRouter(t)

	rec := doJSON(t, r, "POST", "/api/vehicles/bus-42/track", map[string]string{"driverLabel": "pat"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, r, "POST", "/api/locations", map[string]interface{}{
		"vehicleId": "bus-42", "lat": 40.4168, "lon": -3.7038,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Accepted)
	assert.False(t, res.RateLimited)
	assert.Len(t, samples.samples, 1)

	rec = doJSON(t, r, "GET", "/api/vehicles/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []models.ActiveVehicle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "bus-42", active[0].Vehicle.ID)
}

func TestSubmitErrorEnvelope(t *testing.T) {
	r, _, _ := newTestRouter(t)

	cases := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
		wantKind   string
	}{
		{
			"missing coordinates",
			map[string]interface{}{"vehicleId": "bus-1"},
			http.StatusBadRequest, "validation",
		},
		{
			"latitude out of range",
			map[string]interface{}{"vehicleId": "bus-1", "lat": 200.0, "lon": 0.0},
			http.StatusBadRequest, "validation",
		},
		{
			"unknown vehicle",
			map[string]interface{}{"vehicleId": "ghost", "lat": 1.0, "lon": 1.0},
			http.StatusNotFound, "not_found",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, r, "POST", "/api/locations", tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var envelope errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, tc.wantKind, string(envelope.Error.Kind))
			assert.NotEmpty(t, envelope.Error.Message)
			assert.False(t, envelope.Error.Timestamp.IsZero())
		})
	}
}

func TestSubmitToStoppedVehicleConflicts(t *testing.T) {
	r, _, _ := newTestRouter(t)

	doJSON(t, r, "POST", "/api/vehicles/bus-1/track", nil)
	rec := doJSON(t, r, "POST", "/api/vehicles/bus-1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, "POST", "/api/locations", map[string]interface{}{
		"vehicleId": "bus-1", "lat": 1.0, "lon": 1.0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchEndpointCounts(t *testing.T) {
	r, _, _ := newTestRouter(t)
	doJSON(t, r, "POST", "/api/vehicles/bus-1/track", nil)

	rec := doJSON(t, r, "POST", "/api/locations/batch", map[string]interface{}{
		"vehicleId": "bus-1",
		"locations": []map[string]interface{}{
			{"lat": 10.0, "lon": 20.0},
			{"lat": 200.0, "lon": 20.0},
			{"lat": 11.0, "lon": 21.0},
			{"lat": 12.0, "lon": 22.0},
			{"lon": 23.0}, // missing lat
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 3, res.ProcessedCount)
	assert.Equal(t, 2, res.FailedCount)
}

func TestBatchEndpointCapCountsEveryEntry(t *testing.T) {
	r, _, samples := newTestRouter(t)
	doJSON(t, r, "POST", "/api/vehicles/bus-1/track", nil)

	// 60 entries total; the 11 without coordinates still count against the
	// 50-entry cap, so the request is rejected before any write.
	locations := make([]map[string]interface{}, 0, 60)
	for i := 0; i < 49; i++ {
		locations = append(locations, map[string]interface{}{"lat": 10.0, "lon": 20.0})
	}
	for i := 0; i < 11; i++ {
		locations = append(locations, map[string]interface{}{"lon": 20.0})
	}

	rec := doJSON(t, r, "POST", "/api/locations/batch", map[string]interface{}{
		"vehicleId": "bus-1",
		"locations": locations,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "validation", string(envelope.Error.Kind))
	assert.Empty(t, samples.samples)
}

func TestHistoryEndpointValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	doJSON(t, r, "POST", "/api/vehicles/bus-1/track", nil)

	rec := doJSON(t, r, "GET", "/api/vehicles/bus-1/history?hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, "GET", "/api/vehicles/ghost/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, "GET", "/api/vehicles/bus-1/history?hours=24&maxPoints=50", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.HistoryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "bus-1", res.Vehicle.ID)
}

func TestSweepEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, "POST", "/api/admin/retention/sweep", map[string]int{
		"retentionDays": 7, "keepEveryNth": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res sweepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Zero(t, res.DeletedCount)
}

func TestHealthEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pool"`)
}
