package models

import "time"

// Pipeline stages recorded in object metadata and envelopes.
const (
	StageRaw       = "raw"
	StageProcessed = "processed"
	// StageRejected tags raw objects that can never be processed.
	StageRejected = "rejected"
)

// TimeRange spans the created_at times of the events in an object.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EnvelopeMetadata heads both raw and processed objects.
type EnvelopeMetadata struct {
	ID            string     `json:"id"`
	CreatedTime   time.Time  `json:"created_time"`
	EventCount    int        `json:"event_count"`
	PipelineStage string     `json:"pipeline_stage"`
	Format        string     `json:"format"`
	TenantID      string     `json:"tenant_id,omitempty"`
	PrivacyLevel  string     `json:"privacy_level,omitempty"`
	SourceKey     string     `json:"source_key,omitempty"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`
}

// ExportEnvelope is the content of one raw object.
type ExportEnvelope struct {
	Metadata EnvelopeMetadata `json:"export_metadata"`
	Events   []EventSnapshot  `json:"events"`
}

// ProcessedDocument is the content of one processed object: a single tenant's
// share of a raw object after its privacy tier has been applied.
type ProcessedDocument struct {
	Metadata EnvelopeMetadata `json:"process_metadata"`
	Events   []EventSnapshot  `json:"events"`
}

// NewTimeRange returns the created_at span of events, or nil if empty.
func NewTimeRange(events []EventSnapshot) *TimeRange {
	if len(events) == 0 {
		return nil
	}
	tr := &TimeRange{Start: events[0].CreatedAt, End: events[0].CreatedAt}
	for _, e := range events[1:] {
		if e.CreatedAt.Before(tr.Start) {
			tr.Start = e.CreatedAt
		}
		if e.CreatedAt.After(tr.End) {
			tr.End = e.CreatedAt
		}
	}
	return tr
}

// GroupByTenant splits events by tenant, keeping each group in input order.
// The returned tenant slice lists tenants in order of first appearance.
func GroupByTenant(events []EventSnapshot) ([]string, map[string][]EventSnapshot) {
	groups := make(map[string][]EventSnapshot)
	var order []string
	for _, e := range events {
		tenant := e.Tenant()
		if _, ok := groups[tenant]; !ok {
			order = append(order, tenant)
		}
		groups[tenant] = append(groups[tenant], e)
	}
	return order, groups
}
