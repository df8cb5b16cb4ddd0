// Package archive exports retention-swept samples to durable object storage
// before they are deleted. Archiving is optional; when no bucket is
// configured the sweep runs with the noop implementation.
package archive

import (
	"context"
	"time"

	"github.com/transitops/fleet-ingest/internal/models"
)

type Archiver interface {
	ArchiveSamples(ctx context.Context, batchTime time.Time, samples []models.LocationSample) error
}

type Noop struct{}

func (Noop) ArchiveSamples(ctx context.Context, batchTime time.Time, samples []models.LocationSample) error {
	return nil
}
