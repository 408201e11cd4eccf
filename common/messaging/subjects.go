package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Pipeline subjects. Follow the pattern: {domain}.{action}.{resource}
const (
	SubjectRawExported        = "pipeline.raw.exported"        // RawExporter uploaded a batch
	SubjectProcessedPublished = "pipeline.processed.published" // ComplianceProcessor finished a raw object
	SubjectCleanupCompleted   = "pipeline.cleanup.completed"   // RetentionCleaner finished a pass
)

// Queue group names for load-balanced consumers.
const (
	QueueComplianceWorkers = "compliance-workers"
)

// Notification is the body of every pipeline subject.
type Notification struct {
	Stage      string    `json:"stage"`
	ID         string    `json:"id,omitempty"`
	Bucket     string    `json:"bucket,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	TenantIDs  []string  `json:"tenant_ids,omitempty"`
	EventCount int       `json:"event_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PublishNotification JSON-encodes n and publishes it on subject.
func PublishNotification(ctx context.Context, p Publisher, subject string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.PublishMsg(ctx, &Message{
		Subject:  subject,
		Data:     data,
		Metadata: map[string]string{"Content-Type": "application/json", "Stage": n.Stage},
	})
}

// DecodeNotification parses a Notification from msg.
func DecodeNotification(msg *Message) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification on %s: %w", msg.Subject, err)
	}
	return n, nil
}
