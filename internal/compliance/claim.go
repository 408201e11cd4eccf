package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
)

// ObjectState is the processing status of a raw object.
type ObjectState string

const (
	StateUnprocessed ObjectState = "unprocessed"
	StateProcessing  ObjectState = "processing"
	StateProcessed   ObjectState = "processed"
	StateRejected    ObjectState = "rejected"
)

// errClaimHeld means another pass holds a fresh claim on the object.
var errClaimHeld = errors.New("raw object claimed by another pass")

type claimBody struct {
	Owner     string    `json:"owner"`
	SourceKey string    `json:"source_key"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// isProcessed reports whether raw object metadata carries the processed tag.
func isProcessed(meta map[string]string) bool {
	return meta[objectstore.MetaProcessedAt] != "" ||
		meta[objectstore.MetaPipelineStage] == models.StageProcessed
}

func isRejected(meta map[string]string) bool {
	return meta[objectstore.MetaPipelineStage] == models.StageRejected
}

// isTerminal reports whether no pass will ever process the object again.
func isTerminal(meta map[string]string) bool {
	return isProcessed(meta) || isRejected(meta)
}

// ObjectState derives the state of the raw object at key from its metadata
// and its claim object.
func (p *Processor) ObjectState(ctx context.Context, key string) (ObjectState, error) {
	info, err := p.raw.Head(ctx, key)
	if err != nil {
		return "", err
	}
	switch {
	case isProcessed(info.Metadata):
		return StateProcessed, nil
	case isRejected(info.Metadata):
		return StateRejected, nil
	}

	claim, err := p.raw.Head(ctx, objectstore.ClaimKey(key))
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return StateUnprocessed, nil
	case err != nil:
		return "", err
	case p.claimFresh(claim.LastModified):
		return StateProcessing, nil
	default:
		return StateUnprocessed, nil
	}
}

func (p *Processor) claimFresh(claimedAt time.Time) bool {
	return p.now().Sub(claimedAt) < p.claimTTL
}

// claim moves key from unprocessed to processing. The transition is a
// conditional create of the claim object, so only one pass wins. A stale
// claim left by a crashed pass is overwritten only while its ETag is
// unchanged, so two passes racing for the same stale claim cannot both win.
func (p *Processor) claim(ctx context.Context, key string) error {
	body, err := json.Marshal(claimBody{Owner: p.owner, SourceKey: key, ClaimedAt: p.now().UTC()})
	if err != nil {
		return err
	}
	claimKey := objectstore.ClaimKey(key)
	put := func(opts objectstore.PutOptions) error {
		opts.ContentType = objectstore.ContentTypeJSON
		opts.Metadata = map[string]string{objectstore.MetaClaimOwner: p.owner}
		err := p.raw.Put(ctx, claimKey, body, opts)
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return errClaimHeld
		}
		return err
	}

	err = put(objectstore.PutOptions{IfAbsent: true})
	if !errors.Is(err, errClaimHeld) {
		return err
	}

	existing, err := p.raw.Head(ctx, claimKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return put(objectstore.PutOptions{IfAbsent: true})
	}
	if err != nil {
		return fmt.Errorf("inspect claim: %w", err)
	}
	if p.claimFresh(existing.LastModified) {
		return errClaimHeld
	}

	p.logger.WithContext(ctx).Warn("taking over stale claim",
		logging.ObjectKey(key),
		slog.String("previous_owner", existing.Metadata[objectstore.MetaClaimOwner]),
		slog.Time("claimed_at", existing.LastModified))
	err = put(objectstore.PutOptions{IfMatch: existing.ETag})
	if errors.Is(err, objectstore.ErrNotFound) {
		// Released between the Head and the takeover.
		return put(objectstore.PutOptions{IfAbsent: true})
	}
	return err
}

func (p *Processor) release(ctx context.Context, key string) {
	if err := p.raw.Delete(ctx, objectstore.ClaimKey(key)); err != nil {
		p.logger.WithContext(ctx).Warn("failed to release claim",
			logging.ObjectKey(key), logging.Error(err))
	}
}
