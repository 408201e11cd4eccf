// Package retention deletes event rows once they are safely exported.
//
// Deletion is the only irreversible step in the pipeline, so the cleaner
// fails closed: a row must carry raw_exported_at older than the delay, and
// the raw bucket must show evidence of exports, before anything is removed.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Evothesis/server-infrastructure/common/database"
	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/messaging"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
	"github.com/Evothesis/server-infrastructure/internal/repository"
	"github.com/Evothesis/server-infrastructure/internal/retry"
)

const stage = "cleanup"

// Defaults applied by New.
const (
	DefaultBatchSize       = 1000
	DefaultDeleteBatchSize = 1000
	DefaultStaleAfter      = 24 * time.Hour
	MaxBatchSize           = 10000
)

// Abort reasons.
const (
	abortNoEvidence        = "no_evidence"
	abortVerificationError = "verification_error"
)

// ErrNoEvidence means the raw bucket holds no exports at all.
var ErrNoEvidence = errors.New("no raw exports found in bucket")

// Options configures a Cleaner.
type Options struct {
	Enabled bool
	Delay   time.Duration

	// BatchSize caps the rows selected per pass; DeleteBatchSize caps the
	// rows removed per transaction.
	BatchSize       int
	DeleteBatchSize int

	Verify     bool
	StaleAfter time.Duration

	// Retry wraps each verification listing and each delete sub-batch.
	Retry     retry.Policy
	Publisher messaging.Publisher
	Logger    *logging.Logger
	Now       func() time.Time
}

// Cleaner is the RetentionCleaner.
type Cleaner struct {
	store repository.EventStore
	raw   objectstore.Store

	enabled         bool
	delay           time.Duration
	batchSize       int
	deleteBatchSize int
	verify          bool
	staleAfter      time.Duration

	policy    retry.Policy
	publisher messaging.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// New validates opts. raw may be nil only when verification is off.
func New(store repository.EventStore, raw objectstore.Store, opts Options) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("retention: event store is required")
	}
	if opts.Verify && raw == nil {
		return nil, errors.New("retention: raw bucket is required when verification is enabled")
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("retention: delay must be non-negative, got %s", opts.Delay)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize < 1 || opts.BatchSize > MaxBatchSize {
		return nil, fmt.Errorf("retention: batch size must be between 1 and %d, got %d", MaxBatchSize, opts.BatchSize)
	}
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	if opts.Publisher == nil {
		opts.Publisher = messaging.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cleaner{
		store:           store,
		raw:             raw,
		enabled:         opts.Enabled,
		delay:           opts.Delay,
		batchSize:       opts.BatchSize,
		deleteBatchSize: min(opts.DeleteBatchSize, opts.BatchSize),
		verify:          opts.Verify,
		staleAfter:      opts.StaleAfter,
		policy:          opts.Retry,
		publisher:       opts.Publisher,
		logger:          opts.Logger.With(logging.Stage(stage)),
		now:             opts.Now,
	}, nil
}

// Cleanup runs one pass.
func (c *Cleaner) Cleanup(ctx context.Context) models.CleanupResult {
	start := time.Now()
	ctx = logging.WithPassID(ctx, uuid.NewString())

	result := c.cleanup(ctx)

	metrics.PassesTotal.WithLabelValues(stage, string(result.Status)).Inc()
	metrics.PassDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return result
}

func (c *Cleaner) cleanup(ctx context.Context) models.CleanupResult {
	log := c.logger.WithContext(ctx)
	now := c.now().UTC()
	cutoff := now.Add(-c.delay)
	result := models.CleanupResult{Cutoff: cutoff, CleanupTime: now}

	if !c.enabled {
		result.Status = models.StatusDisabled
		result.Message = "Database cleanup is disabled"
		return result
	}

	ids, err := c.listDeletable(ctx, cutoff)
	if err != nil {
		log.Error("failed to select deletable events", logging.Error(err))
		result.Status = models.StatusError
		result.Message = "Failed to select deletable events: " + err.Error()
		return result
	}
	if len(ids) == 0 {
		result.Status = models.StatusSuccess
		result.Message = "No events eligible for cleanup"
		return result
	}
	result.EventsAttempted = len(ids)
	log.Info("found events eligible for cleanup",
		logging.Count(len(ids)), slog.Time("cutoff", cutoff))

	if c.verify {
		warning, err := c.verifyEvidence(ctx, now)
		if err != nil {
			reason := abortVerificationError
			if errors.Is(err, ErrNoEvidence) {
				reason = abortNoEvidence
			}
			metrics.CleanupAbortsTotal.WithLabelValues(reason).Inc()
			log.Error("raw export verification failed, aborting cleanup", logging.Error(err))
			result.Status = models.StatusSkipped
			result.Message = "Cleanup aborted: " + err.Error()
			return result
		}
		if warning != "" {
			log.Warn(warning)
			result.Warnings = append(result.Warnings, warning)
		}
	}

	for i := 0; i < len(ids); i += c.deleteBatchSize {
		batch := ids[i:min(i+c.deleteBatchSize, len(ids))]
		batchNo := i/c.deleteBatchSize + 1

		deleted, err := c.deleteBatch(ctx, batch, cutoff)
		if err != nil {
			result.FailedBatches++
			log.Error("failed to delete batch, continuing",
				slog.Int("batch", batchNo), logging.Count(len(batch)), logging.Error(err))
			continue
		}
		result.EventsDeleted += int(deleted)
		log.Info("deleted event batch", slog.Int("batch", batchNo), logging.Count(int(deleted)))
	}
	metrics.CleanupDeletedTotal.Add(float64(result.EventsDeleted))

	switch {
	case result.FailedBatches == 0:
		result.Status = models.StatusSuccess
	case result.EventsDeleted > 0:
		result.Status = models.StatusPartialSuccess
	default:
		result.Status = models.StatusError
	}
	result.Message = fmt.Sprintf("Cleaned up %d of %d events", result.EventsDeleted, result.EventsAttempted)
	if result.FailedBatches > 0 {
		result.Message += fmt.Sprintf(" (%d batches failed)", result.FailedBatches)
	}

	log.Info("cleanup pass complete",
		logging.Count(result.EventsDeleted),
		slog.Int("attempted", result.EventsAttempted),
		slog.Int("failed_batches", result.FailedBatches))

	if result.EventsDeleted > 0 {
		c.notify(ctx, result)
	}
	return result
}

func (c *Cleaner) listDeletable(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := c.policy.Do(ctx, "list_deletable", func(ctx context.Context, _ int) error {
		qctx, cancel := database.QueryContext(ctx)
		defer cancel()
		var err error
		ids, err = c.store.ListDeletable(qctx, cutoff, c.batchSize)
		return err
	})
	return ids, err
}

func (c *Cleaner) deleteBatch(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	var deleted int64
	err := c.policy.Do(ctx, "delete_batch", func(ctx context.Context, _ int) error {
		bctx, cancel := database.BulkContext(ctx)
		defer cancel()
		var err error
		deleted, err = c.store.DeleteBatch(bctx, ids, cutoff)
		return err
	})
	return deleted, err
}

func (c *Cleaner) notify(ctx context.Context, result models.CleanupResult) {
	n := messaging.Notification{
		Stage:      stage,
		EventCount: result.EventsDeleted,
		OccurredAt: result.CleanupTime,
	}
	if err := messaging.PublishNotification(ctx, c.publisher, messaging.SubjectCleanupCompleted, n); err != nil {
		c.logger.WithContext(ctx).Warn("failed to publish cleanup notification", logging.Error(err))
	}
}

// Status reports cleanup configuration and row counts relative to the
// current cutoff.
func (c *Cleaner) Status(ctx context.Context) models.CleanupStatus {
	now := c.now().UTC()
	status := models.CleanupStatus{
		Enabled:       c.enabled,
		DelayHours:    c.delay.Hours(),
		BatchSize:     c.batchSize,
		VerifyObjects: c.verify,
		Cutoff:        now.Add(-c.delay),
		Timestamp:     now,
	}

	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	stats, err := c.store.Stats(qctx, status.Cutoff)
	if err != nil {
		c.logger.WithContext(ctx).Error("failed to read cleanup status", logging.Error(err))
		status.Error = err.Error()
		return status
	}
	status.TotalEvents = stats.Total
	status.RawExportedEvents = stats.Exported
	status.CleanupEligible = stats.Eligible
	status.LatestEligibleExport = stats.LatestEligible
	return status
}
