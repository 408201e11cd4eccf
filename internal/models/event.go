package models

import (
	"time"

	"github.com/google/uuid"
)

// UnknownTenant groups events that arrived without a tenant ID.
const UnknownTenant = "unknown"

// EventRecord is one captured event row. The row store owns it; the pipeline
// only reads it, sets RawExportedAt once, and eventually deletes it.
type EventRecord struct {
	ID        int64
	EventID   uuid.UUID
	EventType string
	TenantID  string
	SessionID string
	VisitorID string
	SiteID    string
	URL       string
	Path      string
	UserAgent string
	IPAddress string
	Timestamp time.Time
	CreatedAt time.Time
	Payload   Payload

	// RawExportedAt is nil until the row is part of an acknowledged raw upload.
	RawExportedAt *time.Time

	// LoadErr is set by the store when the row exists but could not be
	// decoded. Only ID and CreatedAt are meaningful on such a record.
	LoadErr error
}

// SkippedRow is a row the exporter quarantines instead of exporting.
type SkippedRow struct {
	ID     int64
	Reason string
}

// Exported reports whether the row has been durably exported.
func (r *EventRecord) Exported() bool {
	return r.RawExportedAt != nil
}

// Snapshot returns the serialized form of the row written into raw objects.
func (r *EventRecord) Snapshot() EventSnapshot {
	return EventSnapshot{
		ID:        r.ID,
		EventID:   r.EventID.String(),
		EventType: r.EventType,
		TenantID:  r.TenantID,
		SessionID: r.SessionID,
		VisitorID: r.VisitorID,
		SiteID:    r.SiteID,
		URL:       r.URL,
		Path:      r.Path,
		UserAgent: r.UserAgent,
		IPAddress: r.IPAddress,
		Timestamp: r.Timestamp.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
		Payload:   r.Payload,
	}
}

// EventSnapshot is an event as stored in raw and processed objects.
type EventSnapshot struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	VisitorID string    `json:"visitor_id,omitempty"`
	SiteID    string    `json:"site_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Path      string    `json:"path,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
	Payload   Payload   `json:"raw_event_data,omitempty"`

	ComplianceMarkers
}

// Tenant returns the grouping key for the snapshot.
func (s *EventSnapshot) Tenant() string {
	if s.TenantID == "" {
		return UnknownTenant
	}
	return s.TenantID
}

// ComplianceMarkers are set on processed events by the gdpr and hipaa tiers.
type ComplianceMarkers struct {
	GDPRProcessed         bool `json:"gdpr_processed,omitempty"`
	IPAnonymized          bool `json:"ip_anonymized,omitempty"`
	HIPAAProcessed        bool `json:"hipaa_processed,omitempty"`
	AuditRequired         bool `json:"audit_required,omitempty"`
	EncryptionRecommended bool `json:"encryption_recommended,omitempty"`
}
