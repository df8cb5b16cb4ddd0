// Package retention downsamples aged location rows into a sparse historical
// skeleton, deactivates silent vehicles, and prunes stale cache entries. A
// sweep is triggered externally (schedule or endpoint) and is safe to run
// alongside ingestion.
package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/archive"
	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
)

type SampleSweepStore interface {
	AgedSurplus(ctx context.Context, cutoff time.Time, keepEveryNth int) ([]models.LocationSample, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type VehicleSweepStore interface {
	DeactivateSilent(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Params struct {
	RetentionDays    int
	KeepEveryNth     int
	InactivityWindow time.Duration
}

type Sweeper struct {
	samples  SampleSweepStore
	vehicles VehicleSweepStore
	cache    *cache.FreshnessCache
	archiver archive.Archiver
	defaults Params
	log      *logrus.Entry
	now      func() time.Time
}

func NewSweeper(logger *logrus.Logger, samples SampleSweepStore, vehicles VehicleSweepStore, c *cache.FreshnessCache, archiver archive.Archiver, defaults Params) *Sweeper {
	if defaults.RetentionDays <= 0 {
		defaults.RetentionDays = 7
	}
	if defaults.KeepEveryNth <= 0 {
		defaults.KeepEveryNth = 10
	}
	if defaults.InactivityWindow <= 0 {
		defaults.InactivityWindow = 2 * time.Hour
	}
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Sweeper{
		samples:  samples,
		vehicles: vehicles,
		cache:    c,
		archiver: archiver,
		defaults: defaults,
		log:      logger.WithField("component", "retention_sweeper"),
		now:      time.Now,
	}
}

// Sweep archives and deletes the aged surplus, keeping every Nth sample per
// vehicle by recency rank, then deactivates vehicles that went silent for
// the inactivity window and clears their cache entries, and finally evicts
// cache entries past twice their TTL.
func (s *Sweeper) Sweep(ctx context.Context, p Params) (models.SweepReport, error) {
	if p.RetentionDays == 0 {
		p.RetentionDays = s.defaults.RetentionDays
	}
	if p.KeepEveryNth == 0 {
		p.KeepEveryNth = s.defaults.KeepEveryNth
	}
	if p.InactivityWindow == 0 {
		p.InactivityWindow = s.defaults.InactivityWindow
	}
	if p.RetentionDays < 1 {
		return models.SweepReport{}, fleeterr.Newf(fleeterr.KindValidation, "retentionDays %d must be at least 1", p.RetentionDays)
	}
	if p.KeepEveryNth < 2 {
		return models.SweepReport{}, fleeterr.Newf(fleeterr.KindValidation, "keepEveryNth %d must be at least 2", p.KeepEveryNth)
	}

	now := s.now().UTC()
	log := s.log.WithField("operation", "sweep")
	var report models.SweepReport

	cutoff := now.AddDate(0, 0, -p.RetentionDays)
	doomed, err := s.samples.AgedSurplus(ctx, cutoff, p.KeepEveryNth)
	if err != nil {
		return report, err
	}
	if len(doomed) > 0 {
		// Rows are archived before deletion; an upload failure aborts the
		// batch so no sample is lost unarchived. Re-running later picks the
		// same rows up again.
		if err := s.archiver.ArchiveSamples(ctx, now, doomed); err != nil {
			log.WithError(err).Error("Archive failed, keeping aged samples")
			return report, fleeterr.Wrap(fleeterr.KindStorage, "archive of swept samples failed", err)
		}
		report.ArchivedCount = len(doomed)

		ids := make([]uuid.UUID, len(doomed))
		for i, d := range doomed {
			ids[i] = d.ID
		}
		deleted, err := s.samples.DeleteByIDs(ctx, ids)
		report.DeletedCount = deleted
		if err != nil {
			return report, err
		}
	}

	silentCutoff := now.Add(-p.InactivityWindow)
	deactivated, err := s.vehicles.DeactivateSilent(ctx, silentCutoff)
	if err != nil {
		return report, err
	}
	for _, id := range deactivated {
		s.cache.InvalidateVehicle(id)
	}
	if len(deactivated) > 0 {
		s.cache.InvalidateActiveList()
	}
	report.DeactivatedCount = len(deactivated)

	report.CacheEvicted = s.cache.Sweep(now)

	log.WithFields(logrus.Fields{
		"deleted":       report.DeletedCount,
		"archived":      report.ArchivedCount,
		"deactivated":   report.DeactivatedCount,
		"cache_evicted": report.CacheEvicted,
	}).Info("Retention sweep finished")
	return report, nil
}

// Run triggers sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval).Info("Starting retention sweeper")
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx, Params{}); err != nil {
				s.log.WithError(err).Error("Scheduled sweep failed")
			}
		case <-ctx.Done():
			s.log.Info("Stopping retention sweeper")
			return
		}
	}
}
