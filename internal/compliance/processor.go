// Package compliance turns raw export objects into tenant-partitioned,
// privacy-filtered processed objects.
//
// A raw object moves unprocessed -> processing -> processed. The first step
// is a conditional create of a claim object next to it; the last rewrites
// the raw object's metadata with a copy guarded by the ETag read at download
// time, then drops the claim. An object that cannot be decoded is tagged
// rejected instead and never picked up again.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/messaging"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
	"github.com/Evothesis/server-infrastructure/internal/privacy"
	"github.com/Evothesis/server-infrastructure/internal/retry"
)

const stage = "process"

// Defaults applied by New.
const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 4
	DefaultClaimTTL    = 15 * time.Minute
	DefaultScanLimit   = 1000
)

// TierResolver returns a tenant's privacy tier. It must not fail; unknown
// tenants resolve to standard.
type TierResolver interface {
	Resolve(ctx context.Context, tenantID string) models.PrivacyLevel
}

// Indexer mirrors a published processed document into a search backend.
type Indexer interface {
	IndexDocument(ctx context.Context, key string, doc models.ProcessedDocument) error
}

// Options configures a Processor.
type Options struct {
	// BatchSize is the number of raw objects handled per pass.
	BatchSize   int
	Concurrency int
	ClaimTTL    time.Duration

	// ScanLimit bounds the raw objects inspected per pass while looking
	// for work. The next pass resumes after the last object inspected, so
	// every object is reached within a bounded number of passes. Zero
	// inspects every object not yet known to be finished.
	ScanLimit int

	Retry     retry.Policy
	Indexer   Indexer
	Publisher messaging.Publisher
	Logger    *logging.Logger

	// Owner identifies this process in claim objects. Defaults to
	// hostname/uuid.
	Owner string
	Now   func() time.Time
}

// Processor is the ComplianceProcessor.
type Processor struct {
	raw         objectstore.Store
	processed   objectstore.Store
	resolver    TierResolver
	transformer *privacy.Transformer

	batchSize   int
	concurrency int
	claimTTL    time.Duration
	scanLimit   int
	owner       string

	policy    retry.Policy
	indexer   Indexer
	publisher messaging.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// New returns a Processor reading raw and writing processed.
func New(raw, processed objectstore.Store, resolver TierResolver, transformer *privacy.Transformer, opts Options) (*Processor, error) {
	switch {
	case raw == nil:
		return nil, errors.New("compliance: raw bucket is required")
	case processed == nil:
		return nil, errors.New("compliance: processed bucket is required")
	case resolver == nil:
		return nil, errors.New("compliance: tenant resolver is required")
	}
	if transformer == nil {
		transformer = privacy.NewTransformer("")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.ScanLimit < 0 {
		return nil, fmt.Errorf("compliance: scan limit must not be negative, got %d", opts.ScanLimit)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}
	if opts.Publisher == nil {
		opts.Publisher = messaging.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = host + "/" + uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Processor{
		raw:         raw,
		processed:   processed,
		resolver:    resolver,
		transformer: transformer,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		claimTTL:    opts.ClaimTTL,
		scanLimit:   opts.ScanLimit,
		owner:       opts.Owner,
		policy:      opts.Retry,
		indexer:     opts.Indexer,
		publisher:   opts.Publisher,
		logger:      opts.Logger.With(logging.Stage(stage)),
		now:         opts.Now,
	}, nil
}

// objectOutcome is the result of handling one raw object.
type objectOutcome struct {
	key     string
	skipped bool
	events  int
	outputs []models.ProcessedOutput
	err     error
}

// Process runs one pass over up to BatchSize unprocessed raw objects.
func (p *Processor) Process(ctx context.Context) models.ProcessResult {
	start := time.Now()
	ctx = logging.WithPassID(ctx, uuid.NewString())

	result := p.process(ctx)

	metrics.PassesTotal.WithLabelValues(stage, string(result.Status)).Inc()
	metrics.PassDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return result
}

func (p *Processor) process(ctx context.Context) models.ProcessResult {
	log := p.logger.WithContext(ctx)
	result := models.ProcessResult{ProcessTime: p.now().UTC()}

	keys, err := p.findUnprocessed(ctx)
	if err != nil {
		log.Error("failed to list unprocessed raw objects", logging.Error(err))
		result.Status = models.StatusError
		result.Message = "Failed to list unprocessed raw files: " + err.Error()
		result.ProcessingErrors = []string{err.Error()}
		return result
	}
	result.FilesFound = len(keys)
	if len(keys) == 0 {
		result.Status = models.StatusSuccess
		result.Message = "No unprocessed raw files to process"
		return result
	}

	outcomes := make([]objectOutcome, len(keys))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			outcomes[i] = p.handleObject(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case o.skipped:
			result.FilesSkipped++
			metrics.ProcessedObjectsTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		case o.err != nil:
			result.FilesFailed++
			result.ProcessingErrors = append(result.ProcessingErrors, fmt.Sprintf("%s: %v", o.key, o.err))
			metrics.ProcessedObjectsTotal.WithLabelValues(metrics.ResultError).Inc()
		default:
			result.FilesProcessed++
			result.EventsProcessed += o.events
			result.Outputs = append(result.Outputs, o.outputs...)
			metrics.ProcessedObjectsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		}
	}

	switch {
	case result.FilesFailed == 0:
		result.Status = models.StatusSuccess
	case result.FilesProcessed == 0:
		result.Status = models.StatusError
	default:
		result.Status = models.StatusPartialSuccess
	}
	result.Message = fmt.Sprintf("Processed %d/%d files", result.FilesProcessed, len(keys))

	log.Info("compliance pass complete",
		logging.Count(result.FilesProcessed),
		"files_found", result.FilesFound,
		"files_failed", result.FilesFailed,
		"files_skipped", result.FilesSkipped,
		"events_processed", result.EventsProcessed)
	return result
}

// handleObject claims, processes, marks and releases one raw object.
func (p *Processor) handleObject(ctx context.Context, key string) objectOutcome {
	log := p.logger.WithContext(ctx).With(logging.ObjectKey(key))
	out := objectOutcome{key: key}

	if err := p.claim(ctx, key); err != nil {
		if errors.Is(err, errClaimHeld) {
			log.Info("raw object claimed by another pass, skipping")
			out.skipped = true
			return out
		}
		log.Error("failed to claim raw object", logging.Error(err))
		out.err = fmt.Errorf("claim: %w", err)
		return out
	}
	defer p.release(ctx, key)

	body, info, err := p.download(ctx, key)
	if err != nil {
		log.Error("failed to download raw object", logging.Error(err))
		out.err = err
		return out
	}
	if isTerminal(info.Metadata) {
		// Marked by another pass between listing and claiming.
		out.skipped = true
		return out
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		log.Error("failed to parse raw object, rejecting it", logging.Error(err))
		out.err = err
		if rerr := p.markRejected(ctx, key, info, err); rerr != nil {
			log.Error("failed to mark raw object rejected", logging.Error(rerr))
			out.err = fmt.Errorf("%w (mark rejected: %v)", err, rerr)
		}
		return out
	}

	order, groups := models.GroupByTenant(env.Events)
	for _, tenantID := range order {
		output, err := p.publishTenant(ctx, key, tenantID, groups[tenantID])
		if err != nil {
			log.Error("failed to publish tenant group, raw object left unprocessed",
				logging.TenantID(tenantID), logging.Error(err))
			out.err = fmt.Errorf("tenant %s: %w", tenantID, err)
			return out
		}
		out.outputs = append(out.outputs, output)
		out.events += output.EventCount
	}

	if err := p.markProcessed(ctx, key, info); err != nil {
		log.Error("failed to mark raw object processed", logging.Error(err))
		out.err = fmt.Errorf("mark processed: %w", err)
		return out
	}

	log.Info("processed raw object",
		logging.Count(out.events), "tenants", len(order))

	p.notify(ctx, key, order, out.events)
	return out
}

func (p *Processor) download(ctx context.Context, key string) ([]byte, objectstore.ObjectInfo, error) {
	var (
		body []byte
		info objectstore.ObjectInfo
	)
	err := p.policy.Do(ctx, "raw_download", func(ctx context.Context, _ int) error {
		var err error
		body, info, err = p.raw.Get(ctx, key)
		return err
	})
	return body, info, err
}

// markProcessed tags the raw object processed by copying it onto itself
// with replaced metadata. The copy only succeeds if the object still has the
// ETag seen at download.
func (p *Processor) markProcessed(ctx context.Context, key string, info objectstore.ObjectInfo) error {
	meta := objectstore.CloneMetadata(info.Metadata)
	meta[objectstore.MetaProcessedAt] = p.now().UTC().Format(time.RFC3339)
	meta[objectstore.MetaPipelineStage] = models.StageProcessed
	return p.retag(ctx, "raw_mark_processed", key, info, meta)
}

// maxRejectReason keeps the reason well inside the S3 user metadata limit.
const maxRejectReason = 256

// markRejected tags a raw object that can never be decoded so later passes
// stop picking it up.
func (p *Processor) markRejected(ctx context.Context, key string, info objectstore.ObjectInfo, cause error) error {
	reason := cause.Error()
	if len(reason) > maxRejectReason {
		reason = reason[:maxRejectReason]
	}
	meta := objectstore.CloneMetadata(info.Metadata)
	meta[objectstore.MetaPipelineStage] = models.StageRejected
	meta[objectstore.MetaRejectReason] = reason
	return p.retag(ctx, "raw_mark_rejected", key, info, meta)
}

func (p *Processor) retag(ctx context.Context, opName, key string, info objectstore.ObjectInfo, meta map[string]string) error {
	contentType := info.ContentType
	if contentType == "" {
		contentType = objectstore.ContentTypeJSON
	}

	return p.policy.Do(ctx, opName, func(ctx context.Context, _ int) error {
		return p.raw.Copy(ctx, key, key, objectstore.CopyOptions{
			ReplaceMetadata: true,
			Metadata:        meta,
			ContentType:     contentType,
			IfMatch:         info.ETag,
		})
	})
}

func (p *Processor) notify(ctx context.Context, key string, tenants []string, events int) {
	n := messaging.Notification{
		Stage:      models.StageProcessed,
		Bucket:     p.processed.Bucket(),
		ObjectKey:  key,
		TenantIDs:  tenants,
		EventCount: events,
		OccurredAt: p.now().UTC(),
	}
	if err := messaging.PublishNotification(ctx, p.publisher, messaging.SubjectProcessedPublished, n); err != nil {
		p.logger.WithContext(ctx).Warn("failed to publish processed notification", logging.Error(err))
	}
}
