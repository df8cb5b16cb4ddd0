package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/archive"
	"github.com/transitops/fleet-ingest/internal/cache"
	"github.com/transitops/fleet-ingest/internal/config"
	"github.com/transitops/fleet-ingest/internal/database"
	"github.com/transitops/fleet-ingest/internal/handlers"
	"github.com/transitops/fleet-ingest/internal/ingest"
	"github.com/transitops/fleet-ingest/internal/models"
	"github.com/transitops/fleet-ingest/internal/registry"
	"github.com/transitops/fleet-ingest/internal/retention"
	"github.com/transitops/fleet-ingest/internal/store"
	"github.com/transitops/fleet-ingest/internal/view"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	db, err := database.NewPostgresDB(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Database initialization failed")
	}

	freshness := cache.New(cache.Config{
		LatestLocationTTL: cfg.LatestLocationTTL,
		ActiveListTTL:     cfg.ActiveListTTL,
		SilenceBound:      cfg.InactivityWindow,
	})

	vehicleStore := store.NewVehicleStore(logger, db, cfg.StatementTimeout)
	sampleStore := store.NewSampleStore(logger, db, cfg.StatementTimeout)

	var archiver archive.Archiver = archive.Noop{}
	if cfg.S3Bucket != "" {
		archiver = archive.NewS3Archiver(logger, cfg)
	}

	reg := registry.NewService(logger, vehicleStore, freshness)
	gate := ingest.NewGate(logger, vehicleStore, sampleStore, freshness, ingest.Config{
		MinSampleInterval: cfg.MinSampleInterval,
		MaxBatchSize:      cfg.MaxBatchSize,
		FutureSkew:        cfg.FutureSkew,
	})
	aggregate := view.NewAggregateView(logger, vehicleStore, sampleStore, freshness,
		func() models.PoolStats { return database.PoolStats(db) },
		view.Config{RecencyWindow: cfg.RecencyWindow})
	sweeper := retention.NewSweeper(logger, sampleStore, vehicleStore, freshness, archiver, retention.Params{
		RetentionDays:    cfg.RetentionDays,
		KeepEveryNth:     cfg.KeepEveryNth,
		InactivityWindow: cfg.InactivityWindow,
	})

	handler := handlers.NewTrackingHandler(logger, cfg, reg, gate, aggregate, sweeper, db)
	limiter := handlers.NewRequestLimiter(cfg)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger))
	r.Use(limiter.Middleware)
	handlers.RegisterRoutes(r, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go limiter.Cleanup(ctx)
	go sweeper.Run(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
	}()

	logger.WithField("addr", server.Addr).Info("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server failed")
	}
}
