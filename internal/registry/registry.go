// Package registry owns the start/stop tracking lifecycle. Vehicles are
// never hard-deleted; stop-tracking only flips the active flag and clears
// the vehicle's cached state.
package registry

import (
	"context"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/fleeterr"
	"github.com/transitops/fleet-ingest/internal/models"
)

var vehicleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type VehicleStore interface {
	Get(ctx context.Context, vehicleID string) (models.Vehicle, error)
	Create(ctx context.Context, v *models.Vehicle) error
	Reactivate(ctx context.Context, vehicleID, driverLabel string) (models.Vehicle, error)
	Deactivate(ctx context.Context, vehicleID string) error
	List(ctx context.Context) ([]models.Vehicle, error)
}

type Service struct {
	vehicles VehicleStore
	cache    *cache.FreshnessCache
	log      *logrus.Entry
}

func NewService(logger *logrus.Logger, vehicles VehicleStore, c *cache.FreshnessCache) *Service {
	return &Service{
		vehicles: vehicles,
		cache:    c,
		log:      logger.WithField("component", "registry"),
	}
}

func ValidVehicleID(vehicleID string) bool {
	return vehicleIDPattern.MatchString(vehicleID)
}

// StartTracking creates an unseen vehicle or reactivates a known one.
// Calling it twice for the same id never duplicates a row.
func (s *Service) StartTracking(ctx context.Context, vehicleID, driverLabel string) (models.Vehicle, bool, error) {
	if !ValidVehicleID(vehicleID) {
		return models.Vehicle{}, false, fleeterr.Newf(fleeterr.KindValidation, "vehicle id %q is not a valid token", vehicleID)
	}

	_, err := s.vehicles.Get(ctx, vehicleID)
	if err != nil {
		if !fleeterr.IsKind(err, fleeterr.KindNotFound) {
			return models.Vehicle{}, false, err
		}
		label := driverLabel
		if label == "" {
			label = models.DefaultDriverLabel
		}
		now := time.Now().UTC()
		v := models.Vehicle{
			ID:          vehicleID,
			DriverLabel: label,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.vehicles.Create(ctx, &v); err != nil {
			// Another tracker may have raced the create; fall through to
			// reactivation when the row now exists.
			if reactivated, rerr := s.vehicles.Reactivate(ctx, vehicleID, driverLabel); rerr == nil {
				return reactivated, false, nil
			}
			return models.Vehicle{}, false, err
		}
		s.cache.InvalidateActiveList()
		s.log.WithFields(logrus.Fields{"vehicle_id": vehicleID, "event": "tracking_started"}).Info("Vehicle tracking started")
		return v, true, nil
	}

	v, err := s.vehicles.Reactivate(ctx, vehicleID, driverLabel)
	if err != nil {
		return models.Vehicle{}, false, err
	}
	s.cache.InvalidateActiveList()
	s.log.WithFields(logrus.Fields{"vehicle_id": vehicleID, "event": "tracking_reactivated"}).Info("Vehicle tracking reactivated")
	return v, false, nil
}

// StopTracking deactivates the vehicle and clears its cached rate-limit and
// location state, so a later restart submits immediately.
func (s *Service) StopTracking(ctx context.Context, vehicleID string) error {
	if err := s.vehicles.Deactivate(ctx, vehicleID); err != nil {
		return err
	}
	s.cache.InvalidateVehicle(vehicleID)
	s.cache.InvalidateActiveList()
	s.log.WithFields(logrus.Fields{"vehicle_id": vehicleID, "event": "tracking_stopped"}).Info("Vehicle tracking stopped")
	return nil
}

func (s *Service) Get(ctx context.Context, vehicleID string) (models.Vehicle, error) {
	return s.vehicles.Get(ctx, vehicleID)
}

func (s *Service) List(ctx context.Context) ([]models.Vehicle, error) {
	return s.vehicles.List(ctx)
}
