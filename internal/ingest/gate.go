// Package ingest implements the write-path admission gate: validate, rate
// limit per vehicle, write through to the sample log, then refresh the
// cache. The check-then-update against the rate-limit mark is atomic per
// vehicle key.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
	"github.com/transitops/fleet-ingest/internal/registry"
)

type VehicleLookup interface {
	Get(ctx context.Context, vehicleID string) (models.Vehicle, error)
}

type SampleWriter interface {
	Insert(ctx context.Context, sample *models.LocationSample) error
	InsertBatch(ctx context.Context, samples []models.LocationSample) (int, error)
}

type Config struct {
	MinSampleInterval time.Duration
	MaxBatchSize      int

	// FutureSkew bounds how far ahead of server time a client-supplied
	// observation timestamp may sit before it is clamped.
	FutureSkew time.Duration
}

type SubmitRequest struct {
	VehicleID  string
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	ObservedAt *time.Time
}

type SubmitResult struct {
	Accepted    bool
	RateLimited bool
	Sample      *models.LocationSample
}

type BatchResult struct {
	Processed   int
	Failed      int
	RateLimited bool
}

type Gate struct {
	vehicles VehicleLookup
	samples  SampleWriter
	cache    *cache.FreshnessCache
	cfg      Config
	log      *logrus.Entry
	now      func() time.Time
}

func NewGate(logger *logrus.Logger, vehicles VehicleLookup, samples SampleWriter, c *cache.FreshnessCache, cfg Config) *Gate {
	if cfg.MinSampleInterval <= 0 {
		cfg.MinSampleInterval = 8 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FutureSkew <= 0 {
		cfg.FutureSkew = 5 * time.Minute
	}
	return &Gate{
		vehicles: vehicles,
		samples:  samples,
		cache:    c,
		cfg:      cfg,
		log:      logger.WithField("component", "ingest_gate"),
		now:      time.Now,
	}
}

func validateCoords(lat, lon float64, accuracy *float64) error {
	if lat < -90 || lat > 90 {
		return fleeterr.Newf(fleeterr.KindValidation, "latitude %.6f out of range [-90,90]", lat)
	}
	if lon < -180 || lon > 180 {
		return fleeterr.Newf(fleeterr.KindValidation, "longitude %.6f out of range [-180,180]", lon)
	}
	if accuracy != nil && *accuracy < 0 {
		return fleeterr.Newf(fleeterr.KindValidation, "accuracy %.2f must be non-negative", *accuracy)
	}
	return nil
}

// validate fails fast with no side effects; the vehicle must exist and be
// actively tracked before any rate-limit state is touched.
func (g *Gate) validate(ctx context.Context, req SubmitRequest) (models.Vehicle, error) {
	if !registry.ValidVehicleID(req.VehicleID) {
		return models.Vehicle{}, fleeterr.Newf(fleeterr.KindValidation, "vehicle id %q is not a valid token", req.VehicleID)
	}
	if err := validateCoords(req.Latitude, req.Longitude, req.Accuracy); err != nil {
		return models.Vehicle{}, err
	}
	v, err := g.vehicles.Get(ctx, req.VehicleID)
	if err != nil {
		return models.Vehicle{}, err
	}
	if !v.Active {
		return models.Vehicle{}, fleeterr.Newf(fleeterr.KindState,
			"vehicle %q is not actively tracked; start tracking before sending locations", req.VehicleID)
	}
	return v, nil
}

func (g *Gate) buildSample(req SubmitRequest, now time.Time) models.LocationSample {
	observed := now
	if req.ObservedAt != nil {
		observed = req.ObservedAt.UTC()
		if observed.After(now.Add(g.cfg.FutureSkew)) {
			observed = now
		}
	}
	accuracy := 0.0
	if req.Accuracy != nil {
		accuracy = *req.Accuracy
	}
	return models.LocationSample{
		ID:         uuid.New(),
		VehicleID:  req.VehicleID,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Accuracy:   accuracy,
		ObservedAt: observed,
		RecordedAt: now,
	}
}

// Submit admits, suppresses, or rejects one location update. A submission
// inside the rate window is reported accepted so well-behaved clients do not
// retry, but it is not written and does not advance the rate-limit mark.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if _, err := g.validate(ctx, req); err != nil {
		return SubmitResult{}, err
	}

	now := g.now().UTC()
	prev, ok := g.cache.TryAdvanceAccepted(req.VehicleID, now, g.cfg.MinSampleInterval)
	if !ok {
		g.log.WithFields(logrus.Fields{
			"vehicle_id": req.VehicleID,
			"event":      "rate_limited",
		}).Debug("Location suppressed inside rate window")
		return SubmitResult{Accepted: true, RateLimited: true}, nil
	}

	sample := g.buildSample(req, now)
	if err := g.samples.Insert(ctx, &sample); err != nil {
		g.cache.ReleaseAccepted(req.VehicleID, prev)
		g.log.WithFields(logrus.Fields{
			"vehicle_id": req.VehicleID,
			"event":      "write_failed",
			"error":      err,
		}).Error("Location write failed")
		return SubmitResult{}, err
	}

	g.cache.SetLatestLocation(req.VehicleID, sample)
	g.cache.RefreshActiveLocation(req.VehicleID, sample)
	g.log.WithFields(logrus.Fields{
		"vehicle_id": req.VehicleID,
		"event":      "accepted",
	}).Debug("Location accepted")
	return SubmitResult{Accepted: true, Sample: &sample}, nil
}

// SubmitBatch partitions entries by validity and writes the valid subset in
// one batch insert. One bad entry never fails the batch; invalid entries are
// only counted, per the contract. The batch counts as a single admission
// decision for the vehicle.
func (g *Gate) SubmitBatch(ctx context.Context, vehicleID string, entries []SubmitRequest) (BatchResult, error) {
	if len(entries) == 0 {
		return BatchResult{}, fleeterr.New(fleeterr.KindValidation, "batch contains no entries")
	}
	if len(entries) > g.cfg.MaxBatchSize {
		return BatchResult{}, fleeterr.Newf(fleeterr.KindValidation, "batch size %d exceeds maximum of %d", len(entries), g.cfg.MaxBatchSize)
	}
	if !registry.ValidVehicleID(vehicleID) {
		return BatchResult{}, fleeterr.Newf(fleeterr.KindValidation, "vehicle id %q is not a valid token", vehicleID)
	}

	v, err := g.vehicles.Get(ctx, vehicleID)
	if err != nil {
		return BatchResult{}, err
	}
	if !v.Active {
		return BatchResult{}, fleeterr.Newf(fleeterr.KindState,
			"vehicle %q is not actively tracked; start tracking before sending locations", vehicleID)
	}

	now := g.now().UTC()
	valid := make([]models.LocationSample, 0, len(entries))
	failed := 0
	for _, e := range entries {
		if validateCoords(e.Latitude, e.Longitude, e.Accuracy) != nil {
			failed++
			continue
		}
		e.VehicleID = vehicleID
		valid = append(valid, g.buildSample(e, now))
	}
	if len(valid) == 0 {
		return BatchResult{Failed: failed}, nil
	}

	prev, ok := g.cache.TryAdvanceAccepted(vehicleID, now, g.cfg.MinSampleInterval)
	if !ok {
		g.log.WithFields(logrus.Fields{
			"vehicle_id": vehicleID,
			"count":      len(valid),
			"event":      "rate_limited",
		}).Debug("Batch suppressed inside rate window")
		return BatchResult{Processed: len(valid), Failed: failed, RateLimited: true}, nil
	}

	processed, err := g.samples.InsertBatch(ctx, valid)
	if err != nil {
		g.cache.ReleaseAccepted(vehicleID, prev)
		return BatchResult{}, err
	}

	newest := valid[0]
	for _, s := range valid[1:] {
		if s.ObservedAt.After(newest.ObservedAt) {
			newest = s
		}
	}
	g.cache.SetLatestLocation(vehicleID, newest)
	g.cache.RefreshActiveLocation(vehicleID, newest)
	g.log.WithFields(logrus.Fields{
		"vehicle_id": vehicleID,
		"processed":  processed,
		"failed":     failed,
		"event":      "batch_accepted",
	}).Debug("Location batch accepted")
	return BatchResult{Processed: processed, Failed: failed}, nil
}
