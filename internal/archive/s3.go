package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/jszwec/csvutil"
	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/config"
	"github.com/transitops/fleet-ingest/internal/models"
)

type sampleRecord struct {
	ID         string  `csv:"id"`
	VehicleID  string  `csv:"vehicle_id"`
	Latitude   float64 `csv:"latitude"`
	Longitude  float64 `csv:"longitude"`
	Accuracy   float64 `csv:"accuracy"`
	ObservedAt string  `csv:"observed_at"`
	RecordedAt string  `csv:"recorded_at"`
}

type S3Archiver struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	log      *logrus.Entry
}

func NewS3Archiver(logger *logrus.Logger, cfg *config.Config) *S3Archiver {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		Credentials:      credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
	}

	sess := session.Must(session.NewSession(awsConfig))

	return &S3Archiver{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		log:      logger.WithField("component", "s3_archiver"),
	}
}

// ArchiveSamples writes one CSV object per sweep batch. The sweep deletes
// rows only after this returns, so a failed upload leaves the store intact.
func (a *S3Archiver) ArchiveSamples(ctx context.Context, batchTime time.Time, samples []models.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}

	records := make([]sampleRecord, 0, len(samples))
	for _, s := range samples {
		records = append(records, sampleRecord{
			ID:         s.ID.String(),
			VehicleID:  s.VehicleID,
			Latitude:   s.Latitude,
			Longitude:  s.Longitude,
			Accuracy:   s.Accuracy,
			ObservedAt: s.ObservedAt.UTC().Format(time.RFC3339Nano),
			RecordedAt: s.RecordedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	body, err := csvutil.Marshal(records)
	if err != nil {
		return fmt.Errorf("csv encode failed: %w", err)
	}

	key := fmt.Sprintf("%s/%s/samples.csv", a.prefix, batchTime.UTC().Format("20060102T150405Z"))
	_, err = a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"key":   key,
		"count": len(samples),
	}).Info("Archived swept samples")
	return nil
}
