// Package view composes the read side: cache-first active list, live
// dashboard statistics, and stride-downsampled history.
package view

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
)

type VehicleReader interface {
	Get(ctx context.Context, vehicleID string) (models.Vehicle, error)
	ListActiveWithLatest(ctx context.Context, recencyWindow time.Duration) ([]models.ActiveVehicle, error)
}

type SampleReader interface {
	HistorySince(ctx context.Context, vehicleID string, since time.Time) ([]models.LocationSample, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

type Config struct {
	RecencyWindow       time.Duration
	DefaultHistoryHours int
}

type AggregateView struct {
	vehicles VehicleReader
	samples  SampleReader
	cache    *cache.FreshnessCache
	pool     func() models.PoolStats
	cfg      Config
	log      *logrus.Entry
	now      func() time.Time
}

func NewAggregateView(logger *logrus.Logger, vehicles VehicleReader, samples SampleReader, c *cache.FreshnessCache, pool func() models.PoolStats, cfg Config) *AggregateView {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 30 * time.Minute
	}
	if cfg.DefaultHistoryHours <= 0 {
		cfg.DefaultHistoryHours = 24
	}
	if pool == nil {
		pool = func() models.PoolStats { return models.PoolStats{} }
	}
	return &AggregateView{
		vehicles: vehicles,
		samples:  samples,
		cache:    c,
		pool:     pool,
		cfg:      cfg,
		log:      logger.WithField("component", "aggregate_view"),
		now:      time.Now,
	}
}

// ListActive serves the snapshot while fresh and falls back to one composite
// query, repopulating the snapshot on the way out. Vehicles with no sample
// inside the recency window are still listed; active means tracking intent,
// not recent movement.
func (v *AggregateView) ListActive(ctx context.Context) ([]models.ActiveVehicle, error) {
	if list, ok := v.cache.ActiveList(); ok {
		return list, nil
	}

	list, err := v.vehicles.ListActiveWithLatest(ctx, v.cfg.RecencyWindow)
	if err != nil {
		return nil, err
	}
	v.cache.SetActiveList(list)
	return list, nil
}

// Dashboard composes the active list with store-wide statistics. Statistics
// are always read live; they are cheap aggregates and caching them buys
// nothing user-visible.
func (v *AggregateView) Dashboard(ctx context.Context) (models.DashboardSummary, error) {
	active, err := v.ListActive(ctx)
	if err != nil {
		return models.DashboardSummary{}, err
	}
	stats, err := v.samples.Stats(ctx)
	if err != nil {
		return models.DashboardSummary{}, err
	}
	return models.DashboardSummary{
		ActiveVehicles: active,
		Stats:          stats,
		Pool:           v.pool(),
		GeneratedAt:    v.now().UTC(),
	}, nil
}

// History returns a vehicle's trailing window oldest-to-newest, downsampled
// by fixed stride when the row count exceeds maxPoints. The most recent
// sample is always included. This is a display-oriented approximation, not a
// statistical sample.
func (v *AggregateView) History(ctx context.Context, vehicleID string, hours, maxPoints int) (models.HistoryResult, error) {
	if hours <= 0 {
		hours = v.cfg.DefaultHistoryHours
	}
	if maxPoints <= 0 {
		return models.HistoryResult{}, fleeterr.Newf(fleeterr.KindValidation, "maxPoints %d must be positive", maxPoints)
	}

	vehicle, err := v.vehicles.Get(ctx, vehicleID)
	if err != nil {
		return models.HistoryResult{}, err
	}

	since := v.now().UTC().Add(-time.Duration(hours) * time.Hour)
	samples, err := v.samples.HistorySince(ctx, vehicleID, since)
	if err != nil {
		return models.HistoryResult{}, err
	}

	sampled := downsample(samples, maxPoints)
	return models.HistoryResult{
		Vehicle:           vehicle,
		Samples:           sampled,
		TotalSampleCount:  len(samples),
		SampledPointCount: len(sampled),
	}, nil
}

// downsample keeps every stride-th point with stride = ceil(n/maxPoints),
// force-including the newest sample when the stride would skip it.
func downsample(samples []models.LocationSample, maxPoints int) []models.LocationSample {
	n := len(samples)
	if n <= maxPoints {
		return samples
	}
	stride := (n + maxPoints - 1) / maxPoints
	out := make([]models.LocationSample, 0, maxPoints+1)
	for i := 0; i < n; i += stride {
		out = append(out, samples[i])
	}
	if out[len(out)-1].ID != samples[n-1].ID {
		if len(out) >= maxPoints {
			out[len(out)-1] = samples[n-1]
		} else {
			out = append(out, samples[n-1])
		}
	}
	return out
}
