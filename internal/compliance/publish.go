package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
)

func decodeEnvelope(body []byte) (models.ExportEnvelope, error) {
	var env models.ExportEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode raw object: %w", err)
	}
	return env, nil
}

// publishTenant filters one tenant's events and writes them as a processed
// object: temp key, copy to the final key, delete the temp key. Readers
// listing the final prefix never see a partial object.
func (p *Processor) publishTenant(ctx context.Context, sourceKey, tenantID string, events []models.EventSnapshot) (models.ProcessedOutput, error) {
	log := p.logger.WithContext(ctx).With(logging.TenantID(tenantID))

	level := p.resolver.Resolve(ctx, tenantID)
	filtered := p.transformer.Apply(level, events)

	processID := uuid.NewString()
	now := p.now().UTC()
	doc := models.ProcessedDocument{
		Metadata: models.EnvelopeMetadata{
			ID:            processID,
			CreatedTime:   now,
			EventCount:    len(filtered),
			PipelineStage: models.StageProcessed,
			Format:        "json",
			TenantID:      tenantID,
			PrivacyLevel:  level.String(),
			SourceKey:     sourceKey,
			TimeRange:     models.NewTimeRange(filtered),
		},
		Events: filtered,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return models.ProcessedOutput{}, fmt.Errorf("encode processed object: %w", err)
	}

	key := objectstore.ProcessedKey(tenantID, now, processID)
	tempKey := objectstore.TempKey(key)
	meta := map[string]string{
		objectstore.MetaProcessID:     processID,
		objectstore.MetaTenantID:      tenantID,
		objectstore.MetaEventCount:    strconv.Itoa(len(filtered)),
		objectstore.MetaPipelineStage: models.StageProcessed,
		objectstore.MetaPrivacyLevel:  level.String(),
		objectstore.MetaSourceKey:     sourceKey,
		objectstore.MetaFormat:        "json",
	}

	err = p.policy.Do(ctx, "processed_upload", func(ctx context.Context, _ int) error {
		return p.processed.Put(ctx, tempKey, body, objectstore.PutOptions{
			ContentType: objectstore.ContentTypeJSON,
			Metadata:    meta,
		})
	})
	if err != nil {
		return models.ProcessedOutput{}, fmt.Errorf("upload temp object: %w", err)
	}

	err = p.policy.Do(ctx, "processed_promote", func(ctx context.Context, _ int) error {
		return p.processed.Copy(ctx, tempKey, key, objectstore.CopyOptions{})
	})
	if err != nil {
		p.deleteTemp(ctx, tempKey)
		return models.ProcessedOutput{}, fmt.Errorf("promote temp object: %w", err)
	}
	p.deleteTemp(ctx, tempKey)

	metrics.PublishedEventsTotal.WithLabelValues(level.String()).Add(float64(len(filtered)))
	log.Info("published processed object",
		logging.ObjectKey(key),
		logging.ProcessID(processID),
		logging.PrivacyLevel(level.String()),
		logging.Count(len(filtered)))

	if p.indexer != nil {
		if err := p.indexer.IndexDocument(ctx, key, doc); err != nil {
			log.Warn("search mirror indexing failed", logging.ObjectKey(key), logging.Error(err))
		}
	}

	return models.ProcessedOutput{
		SourceKey:    sourceKey,
		TenantID:     tenantID,
		PrivacyLevel: level.String(),
		Key:          key,
		SizeBytes:    len(body),
		EventCount:   len(filtered),
	}, nil
}

// deleteTemp removes a staging object. Failures are only logged.
func (p *Processor) deleteTemp(ctx context.Context, tempKey string) {
	err := p.policy.Do(ctx, "processed_cleanup", func(ctx context.Context, _ int) error {
		return p.processed.Delete(ctx, tempKey)
	})
	if err != nil {
		p.logger.WithContext(ctx).Warn("failed to delete temp object",
			logging.ObjectKey(tempKey), logging.Error(err))
	}
}
