// Package cleaner runs periodic maintenance: expired confirmation keys are
// removed from the database and failed spool entries past their retention
// are deleted from disk.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// ConfirmationStore removes expired confirmation keys. Implemented by
// db.Database.
type ConfirmationStore interface {
	CleanupExpiredConfirmations(ctx context.Context, expirationDays int) (int64, error)
}

// Spool removes failed entries past their retention. Implemented by
// mailqueue.DiskQueue.
type Spool interface {
	CleanupOldFailedMessages(retention time.Duration) (int, error)
}

type Worker struct {
	store           ConfirmationStore
	spool           Spool
	interval        time.Duration
	expirationDays  int
	failedRetention time.Duration
	stopCh          chan struct{}
}

// New creates a cleanup worker. A zero failedRetention disables failed spool
// entry deletion, expired entries then stay on disk for manual inspection.
func New(store ConfirmationStore, spool Spool, interval time.Duration, expirationDays int, failedRetention time.Duration) *Worker {
	return &Worker{
		store:           store,
		spool:           spool,
		interval:        interval,
		expirationDays:  expirationDays,
		failedRetention: failedRetention,
		stopCh:          make(chan struct{}),
	}
}

const minInterval = time.Minute

// Start runs the worker until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minInterval {
		logger.Warn("Cleaner: Configured interval below minimum, clamping",
			"interval", interval, "minimum", minInterval)
		interval = minInterval
	}
	logger.Info("Cleaner: Worker starting", "interval", interval,
		"confirmation_expiration_days", w.expirationDays, "failed_retention", w.failedRetention)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: Worker stopped")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: Worker stopped")
				return
			case <-ticker.C:
				if err := w.runOnce(ctx); err != nil {
					logger.Error("Cleaner: Pass finished with errors", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// runOnce executes one cleanup pass. The phases are independent, a failing
// phase does not keep the others from running.
func (w *Worker) runOnce(ctx context.Context) error {
	var errs []error

	count, err := w.store.CleanupExpiredConfirmations(ctx, w.expirationDays)
	if err != nil {
		errs = append(errs, fmt.Errorf("expired confirmations: %w", err))
	} else if count > 0 {
		metrics.ConfirmationsTotal.WithLabelValues("expired").Add(float64(count))
		logger.Info("Cleaner: Removed expired confirmations", "count", count)
	}

	if w.failedRetention > 0 {
		removed, err := w.spool.CleanupOldFailedMessages(w.failedRetention)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed spool entries: %w", err))
		} else if removed > 0 {
			logger.Info("Cleaner: Removed old failed spool entries",
				"count", removed, "retention", w.failedRetention)
		}
	}

	return errors.Join(errs...)
}
