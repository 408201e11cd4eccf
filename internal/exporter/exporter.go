// Package exporter copies not-yet-exported event rows into dated raw objects
// and marks the rows only after the upload is acknowledged.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
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

const stage = "export"

// DefaultMaxBatchBytes caps the encoded event array of one raw object.
const DefaultMaxBatchBytes = 64 << 20

// Options configures an Exporter.
type Options struct {
	BatchSize     int
	MaxBatchBytes int
	Retry         retry.Policy

	// Publisher announces uploaded objects. Nil disables notifications.
	Publisher messaging.Publisher
	Logger    *logging.Logger

	// Now is the pass clock. Defaults to time.Now.
	Now func() time.Time
}

// Exporter is the RawExporter.
type Exporter struct {
	store     repository.EventStore
	raw       objectstore.Store
	batchSize int
	maxBytes  int
	policy    retry.Policy
	publisher messaging.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// New validates opts and returns an Exporter writing to raw.
func New(store repository.EventStore, raw objectstore.Store, opts Options) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("exporter: event store is required")
	}
	if raw == nil {
		return nil, errors.New("exporter: raw bucket is required")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("exporter: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("exporter: %w", err)
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

	return &Exporter{
		store:     store,
		raw:       raw,
		batchSize: opts.BatchSize,
		maxBytes:  opts.MaxBatchBytes,
		policy:    opts.Retry,
		publisher: opts.Publisher,
		logger:    opts.Logger.With(logging.Stage(stage)),
		now:       opts.Now,
	}, nil
}

// Export runs one pass. It never returns an error; failures are reported in
// the result and leave every selected row unmarked.
func (e *Exporter) Export(ctx context.Context) models.ExportResult {
	start := time.Now()
	exportID := uuid.NewString()
	ctx = logging.WithPassID(ctx, exportID)

	result := e.export(ctx, exportID)

	metrics.PassesTotal.WithLabelValues(stage, string(result.Status)).Inc()
	metrics.PassDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return result
}

func (e *Exporter) export(ctx context.Context, exportID string) models.ExportResult {
	log := e.logger.WithContext(ctx)
	now := e.now().UTC()
	result := models.ExportResult{ExportTime: now, Bucket: e.raw.Bucket()}

	batch, skipped, err := e.nextBatch(ctx, now)
	result.EventsSkipped = skipped
	if err != nil {
		log.Error("failed to select unexported events", logging.Error(err))
		return failed(result, "failed to select unexported events", err)
	}
	if len(batch) == 0 {
		if skipped > 0 {
			result.Status = models.StatusSkipped
			result.Message = fmt.Sprintf("Quarantined %d unexportable events, none left to export", skipped)
			return result
		}
		result.Status = models.StatusSuccess
		result.Message = "No events to export"
		return result
	}

	envelope := buildEnvelope(exportID, now, batch)
	body, err := json.Marshal(envelope)
	if err != nil {
		log.Error("failed to encode export batch", logging.Error(err))
		return failed(result, "failed to encode export batch", err)
	}

	key := objectstore.RawKey(now, exportID)
	meta := map[string]string{
		objectstore.MetaExportID:      exportID,
		objectstore.MetaEventCount:    strconv.Itoa(len(batch)),
		objectstore.MetaPipelineStage: models.StageRaw,
		objectstore.MetaFormat:        "json",
	}

	err = e.policy.Do(ctx, "raw_upload", func(ctx context.Context, attempt int) error {
		err := e.raw.Put(ctx, key, body, objectstore.PutOptions{
			ContentType: objectstore.ContentTypeJSON,
			Metadata:    meta,
		})
		if err != nil {
			log.Warn("raw upload attempt failed",
				logging.ObjectKey(key), logging.Attempt(attempt), logging.Error(err))
		}
		return err
	})
	if err != nil {
		log.Error("raw upload failed, events left unexported",
			logging.ObjectKey(key), logging.Count(len(batch)), logging.Error(err))
		return failed(result, "raw upload failed", err)
	}

	ids := make([]int64, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}

	var marked int64
	err = e.policy.Do(ctx, "mark_exported", func(ctx context.Context, _ int) error {
		wctx, cancel := database.WriteContext(ctx)
		defer cancel()
		n, err := e.store.MarkExported(wctx, ids, now)
		marked = n
		return err
	})
	if err != nil {
		// The object is durable; the rows will be exported again next pass.
		log.Error("failed to mark exported events",
			logging.ObjectKey(key), logging.Count(len(ids)), logging.Error(err))
		result.Key = key
		result.ExportID = exportID
		result.SizeBytes = len(body)
		return failed(result, "uploaded but failed to mark events exported", err)
	}
	if int(marked) != len(ids) {
		log.Warn("some events were already marked exported",
			logging.Count(len(ids)), slog.Int64("marked", marked))
	}

	metrics.ExportedEventsTotal.Add(float64(len(batch)))
	metrics.ExportBytesTotal.Add(float64(len(body)))

	log.Info("exported raw events",
		logging.ExportID(exportID),
		logging.ObjectKey(key),
		logging.Count(len(batch)),
		slog.Int("size_bytes", len(body)))

	e.notify(ctx, messaging.Notification{
		Stage:      models.StageRaw,
		ID:         exportID,
		Bucket:     e.raw.Bucket(),
		ObjectKey:  key,
		EventCount: len(batch),
		OccurredAt: now,
	})

	result.Status = models.StatusSuccess
	result.Message = fmt.Sprintf("Exported %d events", len(batch))
	result.ExportID = exportID
	result.Key = key
	result.SizeBytes = len(body)
	result.EventsExported = len(batch)
	return result
}

func (e *Exporter) listUnexported(ctx context.Context) ([]models.EventRecord, error) {
	var rows []models.EventRecord
	err := e.policy.Do(ctx, "list_unexported", func(ctx context.Context, _ int) error {
		qctx, cancel := database.QueryContext(ctx)
		defer cancel()
		var err error
		rows, err = e.store.ListUnexported(qctx, e.batchSize)
		return err
	})
	return rows, err
}

// maxSelectRounds bounds how often one pass re-selects after quarantining a
// window made up only of unexportable rows.
const maxSelectRounds = 4

// nextBatch selects the oldest exportable rows. Rows that can never be
// exported are quarantined so they leave the selection window; the returned
// count includes every row quarantined during the pass.
func (e *Exporter) nextBatch(ctx context.Context, now time.Time) ([]models.EventRecord, int, error) {
	log := e.logger.WithContext(ctx)
	skippedTotal := 0

	for round := 0; round < maxSelectRounds; round++ {
		rows, err := e.listUnexported(ctx)
		if err != nil {
			return nil, skippedTotal, err
		}
		if len(rows) == 0 {
			return nil, skippedTotal, nil
		}

		batch, skipped := e.selectBatch(ctx, rows)
		if len(skipped) == 0 {
			return batch, skippedTotal, nil
		}
		skippedTotal += len(skipped)
		metrics.ExportSkippedEventsTotal.Add(float64(len(skipped)))

		if err := e.quarantine(ctx, skipped, now); err != nil {
			if len(batch) > 0 {
				// The batch is still good; the skipped rows come back next pass.
				log.Warn("failed to quarantine unexportable events",
					logging.Count(len(skipped)), logging.Error(err))
				return batch, skippedTotal, nil
			}
			return nil, skippedTotal, fmt.Errorf("quarantine unexportable events: %w", err)
		}
		if len(batch) > 0 {
			return batch, skippedTotal, nil
		}
	}
	return nil, skippedTotal, nil
}

func (e *Exporter) quarantine(ctx context.Context, rows []models.SkippedRow, now time.Time) error {
	return e.policy.Do(ctx, "quarantine_unexportable", func(ctx context.Context, _ int) error {
		wctx, cancel := database.WriteContext(ctx)
		defer cancel()
		n, err := e.store.MarkExportSkipped(wctx, rows, now)
		if err != nil {
			return err
		}
		e.logger.WithContext(ctx).Warn("quarantined unexportable events",
			logging.Count(len(rows)), slog.Int64("marked", n))
		return nil
	})
}

// selectBatch sets aside rows that cannot be exported (undecodable, payload
// over the per-event cap, or not encodable) and stops once the encoded batch
// would pass maxBytes. The first fitting row is always taken.
func (e *Exporter) selectBatch(ctx context.Context, rows []models.EventRecord) ([]models.EventRecord, []models.SkippedRow) {
	log := e.logger.WithContext(ctx)

	batch := make([]models.EventRecord, 0, len(rows))
	var skipped []models.SkippedRow
	skip := func(id int64, msg string, err error) {
		log.Warn(msg, slog.Int64("event_row_id", id), logging.Error(err))
		skipped = append(skipped, models.SkippedRow{ID: id, Reason: err.Error()})
	}

	total := 0
	for i := range rows {
		if rows[i].LoadErr != nil {
			skip(rows[i].ID, "event row could not be decoded", rows[i].LoadErr)
			continue
		}
		if err := rows[i].Payload.Validate(); err != nil {
			skip(rows[i].ID, "event payload too large", err)
			continue
		}

		size, err := snapshotSize(rows[i])
		if err != nil {
			skip(rows[i].ID, "event could not be encoded", err)
			continue
		}
		if len(batch) > 0 && total+size > e.maxBytes {
			log.Info("export batch reached byte limit",
				logging.Count(len(batch)), slog.Int("max_batch_bytes", e.maxBytes))
			break
		}
		total += size
		batch = append(batch, rows[i])
	}
	return batch, skipped
}

func snapshotSize(r models.EventRecord) (int, error) {
	b, err := json.Marshal(r.Snapshot())
	if err != nil {
		return 0, err
	}
	return len(b) + 1, nil
}

func buildEnvelope(exportID string, now time.Time, rows []models.EventRecord) models.ExportEnvelope {
	events := make([]models.EventSnapshot, len(rows))
	for i := range rows {
		events[i] = rows[i].Snapshot()
	}
	return models.ExportEnvelope{
		Metadata: models.EnvelopeMetadata{
			ID:            exportID,
			CreatedTime:   now,
			EventCount:    len(events),
			PipelineStage: models.StageRaw,
			Format:        "json",
			TimeRange:     models.NewTimeRange(events),
		},
		Events: events,
	}
}

func (e *Exporter) notify(ctx context.Context, n messaging.Notification) {
	if err := messaging.PublishNotification(ctx, e.publisher, messaging.SubjectRawExported, n); err != nil {
		e.logger.WithContext(ctx).Warn("failed to publish export notification", logging.Error(err))
	}
}

func failed(result models.ExportResult, msg string, err error) models.ExportResult {
	result.Status = models.StatusError
	result.Message = msg
	result.Error = err.Error()
	return result
}

// Status reports how many rows are exported and pending.
func (e *Exporter) Status(ctx context.Context) models.ExportStatus {
	status := models.ExportStatus{
		Bucket:    e.raw.Bucket(),
		BatchSize: e.batchSize,
		Timestamp: e.now().UTC(),
	}

	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	stats, err := e.store.Stats(qctx, status.Timestamp)
	if err != nil {
		e.logger.WithContext(ctx).Error("failed to read export status", logging.Error(err))
		status.Error = err.Error()
		return status
	}
	status.TotalEvents = stats.Total
	status.ExportedEvents = stats.Exported
	status.PendingEvents = stats.Pending
	status.QuarantinedEvents = stats.Quarantined
	status.LatestExport = stats.LatestExport
	return status
}
