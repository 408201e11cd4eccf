// Package trigger runs compliance passes when the exporter announces new raw
// objects, so processing does not wait for the next scheduled tick.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/messaging"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/scheduler"
)

// ProcessStage is the guard key shared with the scheduler and the ops API.
const ProcessStage = "process"

// Processor runs one compliance pass.
type Processor interface {
	Process(ctx context.Context) models.ProcessResult
}

// Handler consumes raw-export notifications from a queue group.
type Handler struct {
	subscriber messaging.Subscriber
	processor  Processor
	guard      *scheduler.Guard
	logger     *logging.Logger

	mu   sync.Mutex
	ctx  context.Context
	subs []messaging.Subscription
}

// NewHandler creates a handler. A nil guard gets a private one.
func NewHandler(sub messaging.Subscriber, proc Processor, guard *scheduler.Guard, logger *logging.Logger) *Handler {
	if guard == nil {
		guard = scheduler.NewGuard()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		subscriber: sub,
		processor:  proc,
		guard:      guard,
		logger:     logger.With(logging.Service("trigger")),
	}
}

// Start subscribes to raw-export notifications. Passes run with ctx, not the
// per-message context, so a long pass is not cut short by the broker
// handler timeout.
func (h *Handler) Start(ctx context.Context) error {
	if h.subscriber == nil || h.processor == nil {
		return errors.New("trigger: subscriber and processor are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx

	sub, err := h.subscriber.QueueSubscribe(
		messaging.SubjectRawExported,
		messaging.QueueComplianceWorkers,
		h.handleRawExported,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", messaging.SubjectRawExported, err)
	}
	h.subs = append(h.subs, sub)

	h.logger.Info("trigger started",
		"subject", messaging.SubjectRawExported,
		"queue", messaging.QueueComplianceWorkers)
	return nil
}

// Stop unsubscribes from every subject.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", "subject", sub.Subject(), logging.Error(err))
		}
	}
	h.subs = nil
	h.logger.Info("trigger stopped")
	return nil
}

func (h *Handler) handleRawExported(_ context.Context, msg *messaging.Message) error {
	n, err := messaging.DecodeNotification(msg)
	if err != nil {
		h.logger.Warn("ignoring malformed notification", logging.Error(err))
		return err
	}
	if n.EventCount == 0 {
		return nil
	}

	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return nil
	}

	var result models.ProcessResult
	err = h.guard.TryRun(ProcessStage, func() {
		result = h.processor.Process(ctx)
	})
	if errors.Is(err, scheduler.ErrBusy) {
		// The running pass or the next tick picks the object up.
		h.logger.Debug("compliance pass already running", logging.ExportID(n.ID))
		return nil
	}

	h.logger.Info("triggered compliance pass finished",
		logging.ExportID(n.ID),
		"status", string(result.Status),
		"files_processed", result.FilesProcessed,
		"files_failed", result.FilesFailed)
	return nil
}
