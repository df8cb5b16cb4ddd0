package handlers

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/transitops/fleet-ingest/internal/config"
	"github.com/transitops/fleet-ingest/internal/ingest"
	"github.com/transitops/fleet-ingest/internal/registry"
	"github.com/transitops/fleet-ingest/internal/retention"
	"github.com/transitops/fleet-ingest/internal/view"
)

type TrackingHandler struct {
	cfg      *config.Config
	registry *registry.Service
	gate     *ingest.Gate
	view     *view.AggregateView
	sweeper  *retention.Sweeper
	db       *gorm.DB
	log      *logrus.Entry
}

func NewTrackingHandler(logger *logrus.Logger, cfg *config.Config, reg *registry.Service, gate *ingest.Gate, av *view.AggregateView, sweeper *retention.Sweeper, db *gorm.DB) *TrackingHandler {
	return &TrackingHandler{
		cfg:      cfg,
		registry: reg,
		gate:     gate,
		view:     av,
		sweeper:  sweeper,
		db:       db,
		log:      logger.WithField("component", "tracking_handler"),
	}
}
