// Package mailqueue implements the disk spool for inbound messages.
//
// Every message accepted over LMTP is written here before any processing
// happens, so an accepted message survives a crash or a database outage.
// Each spool entry is a pair of files: a JSON metadata sidecar and the raw
// RFC 822 body. Entries move between the pending, processing and failed
// directories by rename, which keeps every state transition atomic.
// Entries whose sidecar or body cannot be read are set aside under broken
// so they stop blocking the scan.
package mailqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// QueuedMessage is the metadata sidecar of one spool entry.
type QueuedMessage struct {
	ID          string    `json:"id"`           // Unique entry ID
	Sender      string    `json:"sender"`       // Envelope sender (empty for null sender bounces)
	Recipient   string    `json:"recipient"`    // Delivery address the message arrived on
	QueuedAt    time.Time `json:"queued_at"`    // When first queued
	Attempts    int       `json:"attempts"`     // Number of processing attempts
	LastAttempt time.Time `json:"last_attempt"` // Last attempt timestamp
	NextRetry   time.Time `json:"next_retry"`   // When to retry next
	Errors      []string  `json:"errors"`       // Error history
}

// DiskQueue manages the disk-based inbound spool
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	failedDir     string
	brokenDir     string
	maxAttempts   int
	retryBackoff  []time.Duration
	mu            sync.Mutex
}

// NewDiskQueue creates a new disk-based mail queue rooted at basePath
func NewDiskQueue(basePath string, maxAttempts int, retryBackoff []time.Duration) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if maxAttempts <= 0 {
		maxAttempts = 10 // Default
	}

	if len(retryBackoff) == 0 {
		// Default retry ladder
		retryBackoff = []time.Duration{
			150 * time.Second,
			5 * time.Minute,
			10 * time.Minute,
			30 * time.Minute,
			1 * time.Hour,
			2 * time.Hour,
		}
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		brokenDir:     filepath.Join(basePath, "broken"),
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
	}

	// Create directories
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir, q.brokenDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return q, nil
}

// Enqueue adds an accepted message to the spool
func (q *DiskQueue) Enqueue(sender, recipient string, messageBytes []byte) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	// Generate unique ID
	id := uuid.New().String()

	// Create metadata
	metadata := QueuedMessage{
		ID:          id,
		Sender:      sender,
		Recipient:   recipient,
		QueuedAt:    time.Now(),
		Attempts:    0,
		LastAttempt: time.Time{},
		NextRetry:   time.Now(), // Ready for immediate processing
		Errors:      []string{},
	}

	// Write metadata atomically
	metadataPath := filepath.Join(q.pendingDir, id+".json")
	if err := q.writeFileAtomic(metadataPath, metadata); err != nil {
		metrics.MailQueueOperations.WithLabelValues("enqueue", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("enqueue").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	// Write message body atomically
	messagePath := filepath.Join(q.pendingDir, id+".msg")
	if err := q.writeDataAtomic(messagePath, messageBytes); err != nil {
		// Clean up metadata if message write fails
		os.Remove(metadataPath)
		metrics.MailQueueOperations.WithLabelValues("enqueue", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("enqueue").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to write message: %w", err)
	}

	metrics.MailQueueOperations.WithLabelValues("enqueue", "success").Inc()
	metrics.MailQueueOperationDuration.WithLabelValues("enqueue").Observe(time.Since(start).Seconds())
	logger.Info("MailQueue: Enqueued message", "id", id, "sender", sender, "recipient", recipient)
	return nil
}

// AcquireNext finds the next entry ready for processing and moves it to processing state.
// Returns nil metadata when no entry is ready, which is not an error.
func (q *DiskQueue) AcquireNext() (*QueuedMessage, []byte, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	// List pending entries
	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		metrics.MailQueueOperations.WithLabelValues("acquire", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("acquire").Observe(time.Since(start).Seconds())
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := time.Now()

	// Find first entry ready for processing
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		// Read metadata
		metadataPath := filepath.Join(q.pendingDir, entry.Name())
		var metadata QueuedMessage
		if err := q.readMetadata(metadataPath, &metadata); err != nil {
			logger.Error("MailQueue: Unreadable metadata, moving entry to broken", "entry", entry.Name(), "error", err)
			q.moveToBroken(strings.TrimSuffix(entry.Name(), ".json"))
			continue
		}

		// Check if ready for retry
		if now.Before(metadata.NextRetry) {
			continue
		}

		// Read message body
		messageID := metadata.ID
		messagePath := filepath.Join(q.pendingDir, messageID+".msg")
		messageBytes, err := os.ReadFile(messagePath)
		if err != nil {
			logger.Error("MailQueue: Unreadable message body, moving entry to broken", "id", messageID, "error", err)
			q.moveToBroken(messageID)
			continue
		}

		// Move to processing directory atomically
		processingMetadataPath := filepath.Join(q.processingDir, messageID+".json")
		processingMessagePath := filepath.Join(q.processingDir, messageID+".msg")

		// Move metadata
		if err := os.Rename(metadataPath, processingMetadataPath); err != nil {
			logger.Error("MailQueue: Failed to move metadata to processing", "error", err)
			continue
		}

		// Move message
		if err := os.Rename(messagePath, processingMessagePath); err != nil {
			// Try to move metadata back
			os.Rename(processingMetadataPath, metadataPath)
			logger.Error("MailQueue: Failed to move message to processing", "error", err)
			continue
		}

		metrics.MailQueueOperations.WithLabelValues("acquire", "success").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("acquire").Observe(time.Since(start).Seconds())
		return &metadata, messageBytes, nil
	}

	// No entries ready, this is normal
	metrics.MailQueueOperationDuration.WithLabelValues("acquire").Observe(time.Since(start).Seconds())
	return nil, nil, nil
}

// MarkSuccess removes the entry from the spool after successful processing
func (q *DiskQueue) MarkSuccess(messageID string) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, messageID+".json")
	messagePath := filepath.Join(q.processingDir, messageID+".msg")

	// Remove both files
	if err := os.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
		metrics.MailQueueOperations.WithLabelValues("mark_success", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_success").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	if err := os.Remove(messagePath); err != nil && !os.IsNotExist(err) {
		metrics.MailQueueOperations.WithLabelValues("mark_success", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_success").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to remove message: %w", err)
	}

	metrics.MailQueueOperations.WithLabelValues("mark_success", "success").Inc()
	metrics.MailQueueOperationDuration.WithLabelValues("mark_success").Observe(time.Since(start).Seconds())
	logger.Info("MailQueue: Processed entry", "id", messageID)
	return nil
}

// MarkFailure updates the entry after a failed processing attempt. The entry
// moves back to pending on the retry ladder, or to failed once it has used
// up its attempts.
func (q *DiskQueue) MarkFailure(messageID string, errorMsg string) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, messageID+".json")
	messagePath := filepath.Join(q.processingDir, messageID+".msg")

	// Read current metadata
	var metadata QueuedMessage
	if err := q.readMetadata(metadataPath, &metadata); err != nil {
		metrics.MailQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	// Update metadata
	metadata.Attempts++
	metadata.LastAttempt = time.Now()
	metadata.Errors = append(metadata.Errors, fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), errorMsg))

	// Check if max attempts exceeded
	if metadata.Attempts >= q.maxAttempts {
		logger.Error("MailQueue: Entry exceeded max attempts, moving to failed", "id", messageID, "max_attempts", q.maxAttempts)

		if err := q.moveToFailed(messageID, metadata, metadataPath, messagePath); err != nil {
			metrics.MailQueueOperations.WithLabelValues("mark_failure", "error").Inc()
			metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
			return err
		}

		metrics.MailQueueOperations.WithLabelValues("mark_failure", "success").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
		return nil
	}

	// Pick the next rung of the retry ladder
	backoffIndex := metadata.Attempts - 1
	if backoffIndex >= len(q.retryBackoff) {
		backoffIndex = len(q.retryBackoff) - 1
	}
	metadata.NextRetry = time.Now().Add(q.retryBackoff[backoffIndex])

	logger.Info("MailQueue: Entry processing failed", "id", messageID,
		"attempt", metadata.Attempts, "max_attempts", q.maxAttempts,
		"retry_at", metadata.NextRetry.Format(time.RFC3339), "error", errorMsg)

	// Move back to pending directory for retry
	pendingMetadataPath := filepath.Join(q.pendingDir, messageID+".json")
	pendingMessagePath := filepath.Join(q.pendingDir, messageID+".msg")

	if err := q.writeFileAtomic(pendingMetadataPath, metadata); err != nil {
		metrics.MailQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to write pending metadata: %w", err)
	}

	if err := os.Rename(messagePath, pendingMessagePath); err != nil {
		// Try to clean up metadata
		os.Remove(pendingMetadataPath)
		metrics.MailQueueOperations.WithLabelValues("mark_failure", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to move message to pending: %w", err)
	}

	// Remove from processing
	os.Remove(metadataPath)
	metrics.MailQueueOperations.WithLabelValues("mark_failure", "success").Inc()
	metrics.MailQueueOperationDuration.WithLabelValues("mark_failure").Observe(time.Since(start).Seconds())
	return nil
}

// MarkPermanentFailure moves the entry straight to failed without burning
// through the retry ladder. Used when processing reported an error that
// retrying cannot fix.
func (q *DiskQueue) MarkPermanentFailure(messageID string, errorMsg string) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, messageID+".json")
	messagePath := filepath.Join(q.processingDir, messageID+".msg")

	// Read current metadata
	var metadata QueuedMessage
	if err := q.readMetadata(metadataPath, &metadata); err != nil {
		metrics.MailQueueOperations.WithLabelValues("mark_permanent", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_permanent").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	metadata.Attempts++
	metadata.LastAttempt = time.Now()
	metadata.Errors = append(metadata.Errors, fmt.Sprintf("[%s] PERMANENT: %s", time.Now().Format(time.RFC3339), errorMsg))

	logger.Error("MailQueue: Permanent failure, moving entry to failed", "id", messageID, "error", errorMsg)

	if err := q.moveToFailed(messageID, metadata, metadataPath, messagePath); err != nil {
		metrics.MailQueueOperations.WithLabelValues("mark_permanent", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("mark_permanent").Observe(time.Since(start).Seconds())
		return err
	}

	metrics.MailQueueOperations.WithLabelValues("mark_permanent", "success").Inc()
	metrics.MailQueueOperationDuration.WithLabelValues("mark_permanent").Observe(time.Since(start).Seconds())
	return nil
}

// Release moves the entry from processing back to pending without counting
// an attempt. Used when the worker shuts down with the entry still in hand.
func (q *DiskQueue) Release(messageID string) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	metadataPath := filepath.Join(q.processingDir, messageID+".json")
	messagePath := filepath.Join(q.processingDir, messageID+".msg")

	pendingMetadataPath := filepath.Join(q.pendingDir, messageID+".json")
	pendingMessagePath := filepath.Join(q.pendingDir, messageID+".msg")

	if err := os.Rename(metadataPath, pendingMetadataPath); err != nil {
		metrics.MailQueueOperations.WithLabelValues("release", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("release").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to move metadata to pending: %w", err)
	}

	if err := os.Rename(messagePath, pendingMessagePath); err != nil {
		// Try to move metadata back
		os.Rename(pendingMetadataPath, metadataPath)
		metrics.MailQueueOperations.WithLabelValues("release", "error").Inc()
		metrics.MailQueueOperationDuration.WithLabelValues("release").Observe(time.Since(start).Seconds())
		return fmt.Errorf("failed to move message to pending: %w", err)
	}

	metrics.MailQueueOperations.WithLabelValues("release", "success").Inc()
	metrics.MailQueueOperationDuration.WithLabelValues("release").Observe(time.Since(start).Seconds())
	logger.Info("MailQueue: Released entry back to pending", "id", messageID)
	return nil
}

// RecoverOrphanedMessages moves every entry found under processing back to
// pending. Entries stranded there are leftovers from a crash mid-processing.
// Returns the number of entries recovered.
func (q *DiskQueue) RecoverOrphanedMessages() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.processingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read processing directory: %w", err)
	}

	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		messageID := strings.TrimSuffix(entry.Name(), ".json")

		metadataPath := filepath.Join(q.processingDir, messageID+".json")
		messagePath := filepath.Join(q.processingDir, messageID+".msg")
		pendingMetadataPath := filepath.Join(q.pendingDir, messageID+".json")
		pendingMessagePath := filepath.Join(q.pendingDir, messageID+".msg")

		if err := os.Rename(metadataPath, pendingMetadataPath); err != nil {
			logger.Error("MailQueue: Failed to recover metadata", "id", messageID, "error", err)
			continue
		}
		if err := os.Rename(messagePath, pendingMessagePath); err != nil && !os.IsNotExist(err) {
			logger.Error("MailQueue: Failed to recover message body", "id", messageID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		logger.Info("MailQueue: Recovered stranded entries from processing", "count", recovered)
	}
	return recovered, nil
}

// GetStats returns spool statistics
func (q *DiskQueue) GetStats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err = q.countDir(q.pendingDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}

	processing, err = q.countDir(q.processingDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}

	failed, err = q.countDir(q.failedDir, ".json")
	if err != nil {
		return 0, 0, 0, err
	}

	return pending, processing, failed, nil
}

// CleanupOldFailedMessages deletes failed entries whose last attempt is older
// than retention. A zero retention disables the sweep. Returns the number of
// entries removed.
func (q *DiskQueue) CleanupOldFailedMessages(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.failedDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read failed directory: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		metadataPath := filepath.Join(q.failedDir, entry.Name())
		var metadata QueuedMessage
		if err := q.readMetadata(metadataPath, &metadata); err != nil {
			logger.Error("MailQueue: Unreadable failed metadata during cleanup", "entry", entry.Name(), "error", err)
			continue
		}

		// Fall back to the enqueue time for entries that never got an attempt
		reference := metadata.LastAttempt
		if reference.IsZero() {
			reference = metadata.QueuedAt
		}
		if reference.After(cutoff) {
			continue
		}

		messageID := strings.TrimSuffix(entry.Name(), ".json")
		os.Remove(metadataPath)
		os.Remove(filepath.Join(q.failedDir, messageID+".msg"))
		cleaned++
	}

	if cleaned > 0 {
		logger.Info("MailQueue: Cleaned up old failed entries", "count", cleaned, "retention", retention.String())
	}
	return cleaned, nil
}

// moveToFailed writes the updated metadata into failed and moves the body
// over. Caller holds the lock.
func (q *DiskQueue) moveToFailed(messageID string, metadata QueuedMessage, metadataPath, messagePath string) error {
	failedMetadataPath := filepath.Join(q.failedDir, messageID+".json")
	failedMessagePath := filepath.Join(q.failedDir, messageID+".msg")

	if err := q.writeFileAtomic(failedMetadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write failed metadata: %w", err)
	}

	if err := os.Rename(messagePath, failedMessagePath); err != nil {
		return fmt.Errorf("failed to move message to failed: %w", err)
	}

	// Remove from processing
	os.Remove(metadataPath)
	return nil
}

// moveToBroken sets a pending entry aside under broken. Best effort, either
// file may already be missing. Caller holds the lock.
func (q *DiskQueue) moveToBroken(messageID string) {
	for _, ext := range []string{".json", ".msg"} {
		src := filepath.Join(q.pendingDir, messageID+ext)
		dst := filepath.Join(q.brokenDir, messageID+ext)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			logger.Error("MailQueue: Failed to move file to broken", "file", src, "error", err)
		}
	}
}

// writeFileAtomic writes data to a file atomically using temp file + rename
func (q *DiskQueue) writeFileAtomic(path string, data any) error {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	return q.writeDataAtomic(path, jsonBytes)
}

// writeDataAtomic writes raw bytes to a file atomically using temp file + rename
func (q *DiskQueue) writeDataAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	// Write and close
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}

// readMetadata reads and unmarshals metadata from a JSON file
func (q *DiskQueue) readMetadata(path string, metadata *QueuedMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, metadata)
}

// countDir counts files with given extension in a directory
func (q *DiskQueue) countDir(dir string, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ext {
			count++
		}
	}
	return count, nil
}
