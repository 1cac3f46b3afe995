package mailqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/delivery"
)

// Queue defines the spool operations required by the worker.
// This allows for mocking in tests and decouples the worker from the concrete DiskQueue.
type Queue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(messageID string) error
	MarkFailure(messageID string, errorMsg string) error
	MarkPermanentFailure(messageID string, errorMsg string) error
	Release(messageID string) error
	RecoverOrphanedMessages() (int, error)
	GetStats() (pending, processing, failed int, err error)
}

// Processor handles one spooled message. The recipient is the delivery
// address the message arrived on and decides which pipeline runs.
type Processor interface {
	ProcessMessage(ctx context.Context, sender, recipient string, raw []byte) error
}

// Worker drains the inbound spool with a pool of concurrent processors.
//
// It supports:
//   - Concurrent processing of distinct spool entries (configurable concurrency)
//   - Immediate processing via notification channel
//   - Error reporting via error channel
//   - Graceful shutdown with WaitGroup
//   - Idempotent Start/Stop (safe to call multiple times)
type Worker struct {
	queue       Queue
	processor   Processor
	interval    time.Duration
	batchSize   int
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewWorker creates a new mail queue worker.
//
// Parameters:
//   - queue: Spool implementation (typically *DiskQueue)
//   - processor: Handler that runs one message through its pipeline
//   - interval: How often to scan for ready entries
//   - batchSize: Maximum entries to process per interval
//   - concurrency: Number of entries to process concurrently
//   - errCh: Channel for error reporting (can be nil)
func NewWorker(queue Queue, processor Processor, interval time.Duration, batchSize, concurrency int, errCh chan<- error) *Worker {
	if batchSize <= 0 {
		batchSize = 100 // Default batch size
	}
	if concurrency <= 0 {
		concurrency = 4 // Default worker pool size
	}

	return &Worker{
		queue:       queue,
		processor:   processor,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		errCh:       errCh,
	}
}

// Start begins background processing of the spool. Entries stranded in
// processing by an earlier crash are moved back to pending first.
// It is safe to call Start multiple times, subsequent calls are no-ops if
// already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if _, err := w.queue.RecoverOrphanedMessages(); err != nil {
		logger.Error("MailQueue: Failed to recover stranded entries", "error", err)
	}

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("MailQueue: worker started")
	return nil
}

// Stop gracefully stops the worker and waits for all goroutines to complete.
// It is safe to call Stop multiple times, subsequent calls are no-ops if
// already stopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	logger.Info("MailQueue: worker stopped")
}

// NotifyQueued signals the worker to scan the spool immediately without
// waiting for the interval. Called after LMTP accepts a message.
// If a notification is already pending, this is a no-op (non-blocking).
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
		// Don't block if notifyCh already has a signal
	}
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info("MailQueue: Worker processing", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)

	// Process immediately on start
	w.processQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MailQueue: worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			logger.Info("MailQueue: worker stopped due to stop signal")
			return
		case <-ticker.C:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		case <-w.notifyCh:
			logger.Info("MailQueue: worker notified")
			_ = w.processQueue(ctx)
		}
	}
}

// processQueue processes a batch of entries from the spool with concurrent
// workers. It acquires entries one by one up to the batch size, then hands
// them to the pool through a semaphore limiting concurrent processing.
func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	processed := 0
	for processed < w.batchSize {
		// Check for context cancellation early
		select {
		case <-ctx.Done():
			logger.Info("MailQueue: batch aborted")
			wg.Wait() // Wait for in-flight entries to complete
			return nil
		default:
		}

		// Acquire next entry
		msg, messageBytes, err := w.queue.AcquireNext()
		if err != nil {
			wg.Wait() // Wait for in-flight entries before returning error
			return fmt.Errorf("failed to acquire entry: %w", err)
		}

		if msg == nil {
			// No entries ready for processing, break and wait for next interval
			break
		}

		// Process the entry concurrently
		select {
		case <-ctx.Done():
			logger.Info("MailQueue: batch aborted during processing")
			// Put the acquired entry back without counting an attempt
			if releaseErr := w.queue.Release(msg.ID); releaseErr != nil {
				logger.Error("MailQueue: Failed to release entry on shutdown", "id", msg.ID, "error", releaseErr)
			}
			wg.Wait()
			return nil
		case sem <- struct{}{}:
			wg.Add(1)
			go func(msg *QueuedMessage, messageBytes []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				w.processMessage(ctx, msg, messageBytes)
			}(msg, messageBytes)
			processed++
		}
	}

	// Wait for all concurrent workers to complete
	wg.Wait()

	// Update metrics and log
	if processed > 0 {
		pending, processing, failed, err := w.queue.GetStats()
		if err == nil {
			metrics.MailQueueDepth.WithLabelValues("pending").Set(float64(pending))
			metrics.MailQueueDepth.WithLabelValues("processing").Set(float64(processing))
			metrics.MailQueueDepth.WithLabelValues("failed").Set(float64(failed))

			logger.Info("MailQueue: Processed entries", "count", processed,
				"pending", pending, "processing", processing, "failed", failed)
		}
	}

	return nil
}

// processMessage runs a single spool entry through the processor.
func (w *Worker) processMessage(ctx context.Context, msg *QueuedMessage, messageBytes []byte) {
	// Track entry age in the spool
	messageAge := time.Since(msg.QueuedAt)
	metrics.MailQueueAge.Observe(messageAge.Seconds())

	logger.Info("MailQueue: Processing entry", "id", msg.ID, "sender", msg.Sender,
		"recipient", msg.Recipient, "attempt", msg.Attempts+1, "age", messageAge)

	if w.processor == nil {
		logger.Error("MailQueue: ERROR - Processor not configured, marking as failed")
		if err := w.queue.MarkFailure(msg.ID, "processor not configured"); err != nil {
			logger.Error("MailQueue: CRITICAL - Failed to mark failure for entry", "id", msg.ID, "error", err)
		}
		return
	}

	// Check for context cancellation before processing
	select {
	case <-ctx.Done():
		logger.Info("MailQueue: Shutdown before processing, releasing entry", "id", msg.ID)
		if err := w.queue.Release(msg.ID); err != nil {
			logger.Error("MailQueue: CRITICAL - Failed to release entry", "id", msg.ID, "error", err)
		}
		return
	default:
	}

	startTime := time.Now()
	err := w.processor.ProcessMessage(ctx, msg.Sender, msg.Recipient, messageBytes)
	duration := time.Since(startTime)

	if err != nil {
		if delivery.IsPermanentError(err) {
			// Retrying cannot fix this one, park it under failed
			logger.Error("MailQueue: Permanent processing failure, dropping entry", "id", msg.ID, "error", err, "duration", duration)

			if markErr := w.queue.MarkPermanentFailure(msg.ID, err.Error()); markErr != nil {
				logger.Error("MailQueue: CRITICAL - Failed to mark permanent failure for entry", "id", msg.ID, "error", markErr)
			}
		} else {
			// Transient failure, reschedule on the retry ladder
			logger.Error("MailQueue: Processing failed, will retry", "id", msg.ID, "error", err, "duration", duration)

			if markErr := w.queue.MarkFailure(msg.ID, err.Error()); markErr != nil {
				logger.Error("MailQueue: CRITICAL - Failed to mark failure for entry", "id", msg.ID, "error", markErr)
			}
		}
		return
	}

	logger.Info("MailQueue: Processed entry successfully", "id", msg.ID, "duration", duration)

	if markErr := w.queue.MarkSuccess(msg.ID); markErr != nil {
		logger.Error("MailQueue: CRITICAL - Failed to mark success for entry", "id", msg.ID, "error", markErr)
	}
}

// reportError sends an error to the error channel if configured, otherwise logs it
func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
		default:
			logger.Error("MailQueue: Worker error (no listener)", "error", err)
		}
	} else {
		logger.Error("MailQueue: Worker error", "error", err)
	}
}

// GetStats returns current spool statistics.
func (w *Worker) GetStats() (pending, processing, failed int, err error) {
	return w.queue.GetStats()
}
