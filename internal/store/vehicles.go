package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/transitops/fleet-ingest/internal/database"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
)

// VehicleStore is the durable vehicle registry. Every statement runs under
// the configured timeout and transient connection errors get the bounded
// store-level retry.
type VehicleStore struct {
	db          *gorm.DB
	log         *logrus.Entry
	stmtTimeout time.Duration
}

func NewVehicleStore(logger *logrus.Logger, db *gorm.DB, stmtTimeout time.Duration) *VehicleStore {
	return &VehicleStore{
		db:          db,
		log:         logger.WithField("component", "vehicle_store"),
		stmtTimeout: stmtTimeout,
	}
}

func (s *VehicleStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.stmtTimeout)
}

func (s *VehicleStore) Get(ctx context.Context, vehicleID string) (models.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var v models.Vehicle
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).First(&v, "id = ?", vehicleID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Vehicle{}, fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
		}
		return models.Vehicle{}, database.Classify(err, "vehicle lookup failed")
	}
	return v, nil
}

func (s *VehicleStore) Create(ctx context.Context, v *models.Vehicle) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Create(v).Error
	})
	if err != nil {
		return database.Classify(err, "vehicle create failed")
	}
	return nil
}

// Reactivate flips a known vehicle back to active, optionally relabeling the
// driver, and bumps UpdatedAt.
func (s *VehicleStore) Reactivate(ctx context.Context, vehicleID, driverLabel string) (models.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	updates := map[string]interface{}{
		"active":     true,
		"updated_at": time.Now().UTC(),
	}
	if driverLabel != "" {
		updates["driver_label"] = driverLabel
	}

	err := database.WithRetry(ctx, s.log, func() error {
		res := s.db.WithContext(ctx).Model(&models.Vehicle{}).Where("id = ?", vehicleID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Vehicle{}, fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
		}
		return models.Vehicle{}, database.Classify(err, "vehicle reactivate failed")
	}
	return s.Get(ctx, vehicleID)
}

func (s *VehicleStore) Deactivate(ctx context.Context, vehicleID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := database.WithRetry(ctx, s.log, func() error {
		res := s.db.WithContext(ctx).Model(&models.Vehicle{}).Where("id = ?", vehicleID).
			Updates(map[string]interface{}{"active": false, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fleeterr.Newf(fleeterr.KindNotFound, "vehicle %q is not tracked", vehicleID)
		}
		return database.Classify(err, "vehicle deactivate failed")
	}
	return nil
}

func (s *VehicleStore) List(ctx context.Context) ([]models.Vehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var vehicles []models.Vehicle
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Order("id").Find(&vehicles).Error
	})
	if err != nil {
		return nil, database.Classify(err, "vehicle list failed")
	}
	return vehicles, nil
}

// activeRow is the flattened scan target for the composite active-list
// query; sample columns are nullable because of the left join.
type activeRow struct {
	ID          string
	DriverLabel string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	SampleID    *uuid.UUID
	Latitude    *float64
	Longitude   *float64
	Accuracy    *float64
	ObservedAt  *time.Time
	RecordedAtS *time.Time
}

// ListActiveWithLatest answers the cache-miss path of the active list in one
// composite query: every active vehicle joined with its most recent sample
// inside the recency window, ordered newest sample first, sampleless
// vehicles last.
func (s *VehicleStore) ListActiveWithLatest(ctx context.Context, recencyWindow time.Duration) ([]models.ActiveVehicle, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	since := time.Now().UTC().Add(-recencyWindow)
	var rows []activeRow
	err := database.WithRetry(ctx, s.log, func() error {
		return s.db.WithContext(ctx).Raw(`
			SELECT v.id, v.driver_label, v.active, v.created_at, v.updated_at,
			       s.id AS sample_id, s.latitude, s.longitude, s.accuracy,
			       s.observed_at, s.recorded_at AS recorded_at_s
			FROM vehicles v
			LEFT JOIN LATERAL (
				SELECT id, latitude, longitude, accuracy, observed_at, recorded_at
				FROM location_samples
				WHERE vehicle_id = v.id AND observed_at >= ?
				ORDER BY observed_at DESC, recorded_at DESC
				LIMIT 1
			) s ON TRUE
			WHERE v.active
			ORDER BY s.observed_at DESC NULLS LAST, v.id`, since).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, database.Classify(err, "active vehicle query failed")
	}

	result := make([]models.ActiveVehicle, 0, len(rows))
	for _, r := range rows {
		av := models.ActiveVehicle{
			Vehicle: models.Vehicle{
				ID:          r.ID,
				DriverLabel: r.DriverLabel,
				Active:      r.Active,
				CreatedAt:   r.CreatedAt,
				UpdatedAt:   r.UpdatedAt,
			},
		}
		if r.SampleID != nil {
			av.LatestLocation = &models.LocationSample{
				ID:         *r.SampleID,
				VehicleID:  r.ID,
				Latitude:   *r.Latitude,
				Longitude:  *r.Longitude,
				Accuracy:   *r.Accuracy,
				ObservedAt: *r.ObservedAt,
				RecordedAt: *r.RecordedAtS,
			}
		}
		result = append(result, av)
	}
	return result, nil
}

// DeactivateSilent flips vehicles to inactive when they are marked active
// but produced no sample inside the window. Vehicles whose registry row was
// touched inside the window are spared, so a freshly started vehicle gets a
// grace period before its first ping.
func (s *VehicleStore) DeactivateSilent(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var ids []string
	err := database.WithRetry(ctx, s.log, func() error {
		ids = ids[:0]
		return s.db.WithContext(ctx).Raw(`
			UPDATE vehicles v
			SET active = FALSE, updated_at = NOW()
			WHERE v.active
			  AND v.updated_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM location_samples s
				WHERE s.vehicle_id = v.id AND s.observed_at >= ?
			  )
			RETURNING v.id`, cutoff, cutoff).
			Scan(&ids).Error
	})
	if err != nil {
		return nil, database.Classify(err, "silent vehicle deactivation failed")
	}
	return ids, nil
}
