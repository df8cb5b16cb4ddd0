package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/transitops/fleet-ingest/internal/database"
	"github.com/transitops/fleet-ingest/internal/models"
)

const deleteChunkSize = 500

// SampleStore is the append-only location log. Samples are immutable once
// written; only the retention sweep removes rows.
type SampleStore struct {
	db          *gorm.DB
	log         *logrus.Entry
	stmtTimeout time.Duration
}

func NewSampleStore(logger *logrus.Logger, db *gorm.DB, stmtTimeout time.Duration) *SampleStore {
	return &SampleStore{
		db:          db,
		log:         logger.WithField("component", "sample_store"),
		stmtTimeout: stmtTimeout,
	}
}

func (s *SampleStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.stmtTimeout)
}

func (s *SampleStore) Insert(ctx context.Context, sample *models.LocationSample) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Create(sample).Error
	})
	if err != nil {
		return database.Classify(err, "sample insert failed")
	}
	return nil
}

func (s *SampleStore) InsertBatch(ctx context.Context, samples []models.LocationSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).CreateInBatches(samples, len(samples)).Error
	})
	if err != nil {
		return 0, database.Classify(err, "sample batch insert failed")
	}
	return len(samples), nil
}

// HistorySince returns a vehicle's samples from since onward, oldest first.
func (s *SampleStore) HistorySince(ctx context.Context, vehicleID string, since time.Time) ([]models.LocationSample, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var samples []models.LocationSample
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).
			Where("vehicle_id = ? AND observed_at >= ?", vehicleID, since).
			Order("observed_at ASC, recorded_at ASC").
			Find(&samples).Error
	})
	if err != nil {
		return nil, database.Classify(err, "history query failed")
	}
	return samples, nil
}

func (s *SampleStore) Stats(ctx context.Context) (models.StoreStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var stats models.StoreStats
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Raw(`
			SELECT COUNT(*) AS total_samples,
			       COUNT(DISTINCT vehicle_id) AS distinct_vehicles,
			       MIN(observed_at) AS oldest_sample,
			       MAX(observed_at) AS newest_sample
			FROM location_samples`).
			Scan(&stats).Error
	})
	if err != nil {
		return models.StoreStats{}, database.Classify(err, "sample stats query failed")
	}
	return stats, nil
}

// AgedSurplus selects the rows a retention sweep would delete: samples
// recorded before the cutoff, ranked per vehicle oldest first, dropping
// everything except every Nth rank. Vehicles whose aged tail already fits in
// keepEveryNth rows are skipped, which makes an immediate re-run a no-op.
func (s *SampleStore) AgedSurplus(ctx context.Context, cutoff time.Time, keepEveryNth int) ([]models.LocationSample, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var samples []models.LocationSample
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Raw(`
			SELECT id, vehicle_id, latitude, longitude, accuracy, observed_at, recorded_at
			FROM (
				SELECT id, vehicle_id, latitude, longitude, accuracy, observed_at, recorded_at,
				       ROW_NUMBER() OVER (
				           PARTITION BY vehicle_id
				           ORDER BY observed_at ASC, recorded_at ASC, id ASC
				       ) AS rank,
				       COUNT(*) OVER (PARTITION BY vehicle_id) AS aged_total
				FROM location_samples
				WHERE recorded_at < ?
			) ranked
			WHERE aged_total > ? AND rank % ? <> 0
			ORDER BY vehicle_id, observed_at`, cutoff, keepEveryNth, keepEveryNth).
			Scan(&samples).Error
	})
	if err != nil {
		return nil, database.Classify(err, "aged sample scan failed")
	}
	return samples, nil
}

// DeleteByIDs removes samples in bounded chunks so the sweep never holds a
// long transaction against concurrent ingestion.
func (s *SampleStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		chunkCtx, cancel := s.bound(ctx)
		var affected int64
		err := database.WithRetry(chunkCtx, s.log, func() error {
			res := s.db.WithContext(chunkCtx).Where("id IN ?", chunk).Delete(&models.LocationSample{})
			affected = res.RowsAffected
			return res.Error
		})
		cancel()
		if err != nil {
			return deleted, database.Classify(err, "sample delete failed")
		}
		deleted += affected
	}
	return deleted, nil
}
