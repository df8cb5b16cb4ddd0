package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/fleeterr"
)

const (
	maxStatementRetries = 2
	retryBackoff        = 150 * time.Millisecond
)

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"i/o timeout",
	"bad connection",
	"server closed the connection",
}

// IsTransient reports whether an error is a connection-class failure worth
// one more attempt. Constraint violations and malformed statements are never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WithRetry runs fn up to 1+maxStatementRetries times with a fixed backoff,
// retrying only transient connection errors. Context expiry stops retrying
// immediately.
func WithRetry(ctx context.Context, log *logrus.Entry, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxStatementRetries; attempt++ {
		if attempt > 0 {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("Retrying statement after transient error")
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Classify maps a persistence failure onto the error taxonomy: timed-out
// waits are capacity errors the caller may retry later, anything else is a
// storage error.
func Classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fleeterr.Wrap(fleeterr.KindCapacity, msg, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fleeterr.Wrap(fleeterr.KindCapacity, msg, err)
	}
	return fleeterr.Wrap(fleeterr.KindStorage, msg, err)
}
