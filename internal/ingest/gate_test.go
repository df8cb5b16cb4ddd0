package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
)

type fakeVehicles struct {
	vehicles map[string]models.Vehicle
	calls    int
}

func (f *fakeVehicles) Get(ctx context.Context, vehicleID string) (models.Vehicle, error) {
	f.calls++
	v, ok := f.vehicles[vehicleID]
	if !ok {
		return models.Vehicle{}, fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
	}
	return v, nil
}

type fakeSamples struct {
	inserted  []models.LocationSample
	batches   [][]models.LocationSample
	insertErr error
}

func (f *fakeSamples) Insert(ctx context.Context, sample *models.LocationSample) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *sample)
	return nil
}

func (f *fakeSamples) InsertBatch(ctx context.Context, samples []models.LocationSample) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.batches = append(f.batches, samples)
	f.inserted = append(f.inserted, samples...)
	return len(samples), nil
}

func newTestGate(t *testing.T, vehicles *fakeVehicles, samples *fakeSamples) (*Gate, *cache.FreshnessCache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c := cache.New(cache.Config{})
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	g := NewGate(logger, vehicles, samples, c, Config{MinSampleInterval: 8 * time.Second, MaxBatchSize: 50})
	clock := now
	g.now = func() time.Time { return clock }
	return g, c, &clock
}

func activeFleet(ids ...string) *fakeVehicles {
	f := &fakeVehicles{vehicles: make(map[string]models.Vehicle)}
	for _, id := range ids {
		f.vehicles[id] = models.Vehicle{ID: id, Active: true}
	}
	return f
}

func validRequest(vehicleID string) SubmitRequest {
	return SubmitRequest{VehicleID: vehicleID, Latitude: 52.52, Longitude: 13.405}
}

func TestSubmitValidation(t *testing.T) {
	acc := -1.0
	cases := []struct {
		name string
		req  SubmitRequest
		kind fleeterr.Kind
	}{
		{"empty vehicle id", SubmitRequest{Latitude: 1, Longitude: 1}, fleeterr.KindValidation},
		{"latitude above range", SubmitRequest{VehicleID: "bus-1", Latitude: 90.01, Longitude: 0}, fleeterr.KindValidation},
		{"latitude below range", SubmitRequest{VehicleID: "bus-1", Latitude: -91, Longitude: 0}, fleeterr.KindValidation},
		{"longitude out of range", SubmitRequest{VehicleID: "bus-1", Latitude: 0, Longitude: 200}, fleeterr.KindValidation},
		{"negative accuracy", SubmitRequest{VehicleID: "bus-1", Latitude: 0, Longitude: 0, Accuracy: &acc}, fleeterr.KindValidation},
		{"unknown vehicle", validRequest("ghost"), fleeterr.KindNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			samples := &fakeSamples{}
			g, _, _ := newTestGate(t, activeFleet("bus-1"), samples)

			_, err := g.Submit(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, fleeterr.KindOf(err))
			assert.Empty(t, samples.inserted, "validation failure must have no side effects")
		})
	}
}

func TestSubmitInactiveVehicle(t *testing.T) {
	vehicles := &fakeVehicles{vehicles: map[string]models.Vehicle{
		"bus-1": {ID: "bus-1", Active: false},
	}}
	g, _, _ := newTestGate(t, vehicles, &fakeSamples{})

	_, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindState, fleeterr.KindOf(err))
}

func TestSubmitRateLimitWindow(t *testing.T) {
	samples := &fakeSamples{}
	g, c, clock := newTestGate(t, activeFleet("bus-1"), samples)
	start := *clock

	// t=0: first submission is always accepted and written.
	res, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.RateLimited)
	require.Len(t, samples.inserted, 1)

	// t=5s: reported accepted, but suppressed; no write, mark unchanged.
	*clock = start.Add(5 * time.Second)
	res, err = g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.RateLimited)
	assert.Len(t, samples.inserted, 1)
	last, ok := c.LastAcceptedAt("bus-1")
	require.True(t, ok)
	assert.Equal(t, start, last)

	// t=9s: outside the window, written again.
	*clock = start.Add(9 * time.Second)
	res, err = g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.RateLimited)
	assert.Len(t, samples.inserted, 2)
}

func TestSubmitRateLimitPerVehicle(t *testing.T) {
	samples := &fakeSamples{}
	g, _, _ := newTestGate(t, activeFleet("bus-1", "bus-2"), samples)

	_, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)

	// Another vehicle inside bus-1's window is unaffected.
	res, err := g.Submit(context.Background(), validRequest("bus-2"))
	require.NoError(t, err)
	assert.False(t, res.RateLimited)
	assert.Len(t, samples.inserted, 2)
}

func TestSubmitWriteFailureLeavesCacheUnmodified(t *testing.T) {
	samples := &fakeSamples{insertErr: errors.New("connection reset by peer")}
	g, c, _ := newTestGate(t, activeFleet("bus-1"), samples)

	_, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.Error(t, err)

	_, ok := c.LastAcceptedAt("bus-1")
	assert.False(t, ok, "failed write must not leave a rate-limit mark")
	_, ok = c.LatestLocation("bus-1")
	assert.False(t, ok)

	// The next attempt is not rate-limited by the failed one.
	samples.insertErr = nil
	res, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)
	assert.False(t, res.RateLimited)
	assert.Len(t, samples.inserted, 1)
}

func TestSubmitUpdatesLatestLocation(t *testing.T) {
	samples := &fakeSamples{}
	g, c, clock := newTestGate(t, activeFleet("bus-1"), samples)

	res, err := g.Submit(context.Background(), validRequest("bus-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Sample)

	got, ok := c.LatestLocation("bus-1")
	require.True(t, ok)
	assert.Equal(t, res.Sample.ID, got.ID)
	assert.Equal(t, *clock, got.RecordedAt)
}

func TestSubmitClampsFutureObservedAt(t *testing.T) {
	samples := &fakeSamples{}
	g, _, clock := newTestGate(t, activeFleet("bus-1"), samples)

	future := clock.Add(time.Hour)
	req := validRequest("bus-1")
	req.ObservedAt = &future

	res, err := g.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, *clock, res.Sample.ObservedAt, "far-future timestamps are clamped to server time")
}

func TestSubmitBatchPartialFailure(t *testing.T) {
	samples := &fakeSamples{}
	g, _, _ := newTestGate(t, activeFleet("bus-1"), samples)

	entries := []SubmitRequest{
		{Latitude: 10, Longitude: 20},
		{Latitude: 200, Longitude: 20}, // out of range
		{Latitude: 11, Longitude: 21},
		{Latitude: 12, Longitude: 22},
		{Latitude: 13, Longitude: 23},
	}

	res, err := g.SubmitBatch(context.Background(), "bus-1", entries)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, samples.batches, 1)
	assert.Len(t, samples.batches[0], 4)
}

func TestSubmitBatchAllInvalid(t *testing.T) {
	samples := &fakeSamples{}
	g, _, _ := newTestGate(t, activeFleet("bus-1"), samples)

	res, err := g.SubmitBatch(context.Background(), "bus-1", []SubmitRequest{
		{Latitude: 200, Longitude: 20},
		{Latitude: 10, Longitude: 300},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, samples.batches)
}

func TestSubmitBatchSizeLimit(t *testing.T) {
	g, _, _ := newTestGate(t, activeFleet("bus-1"), &fakeSamples{})

	entries := make([]SubmitRequest, 51)
	for i := range entries {
		entries[i] = SubmitRequest{Latitude: 1, Longitude: 1}
	}

	_, err := g.SubmitBatch(context.Background(), "bus-1", entries)
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindValidation, fleeterr.KindOf(err))
}

func TestSubmitBatchAdvancesLatestToNewest(t *testing.T) {
	samples := &fakeSamples{}
	g, c, clock := newTestGate(t, activeFleet("bus-1"), samples)

	older := clock.Add(-2 * time.Minute)
	newer := clock.Add(-30 * time.Second)
	res, err := g.SubmitBatch(context.Background(), "bus-1", []SubmitRequest{
		{Latitude: 10, Longitude: 20, ObservedAt: &newer},
		{Latitude: 11, Longitude: 21, ObservedAt: &older},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	got, ok := c.LatestLocation("bus-1")
	require.True(t, ok)
	assert.Equal(t, newer, got.ObservedAt)
}
