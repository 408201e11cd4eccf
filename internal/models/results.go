package models

import "time"

// Status is the outcome of a pipeline pass.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusError          Status = "error"
	StatusDisabled       Status = "disabled"
	StatusSkipped        Status = "skipped"
)

// ExportResult reports one RawExporter pass.
type ExportResult struct {
	Status         Status    `json:"status"`
	Message        string    `json:"message"`
	ExportID       string    `json:"export_id,omitempty"`
	Bucket         string    `json:"bucket,omitempty"`
	Key            string    `json:"key,omitempty"`
	SizeBytes      int       `json:"size_bytes"`
	EventsExported int       `json:"events_exported"`
	EventsSkipped  int       `json:"events_skipped"`
	Error          string    `json:"error,omitempty"`
	ExportTime     time.Time `json:"export_time"`
}

// ProcessedOutput describes one published processed object.
type ProcessedOutput struct {
	SourceKey    string `json:"source_key"`
	TenantID     string `json:"tenant_id"`
	PrivacyLevel string `json:"privacy_level"`
	Key          string `json:"key"`
	SizeBytes    int    `json:"size_bytes"`
	EventCount   int    `json:"event_count"`
}

// ProcessResult reports one ComplianceProcessor pass.
type ProcessResult struct {
	Status           Status            `json:"status"`
	Message          string            `json:"message"`
	FilesFound       int               `json:"files_found"`
	FilesProcessed   int               `json:"files_processed"`
	FilesFailed      int               `json:"files_failed"`
	FilesSkipped     int               `json:"files_skipped"`
	EventsProcessed  int               `json:"events_processed"`
	Outputs          []ProcessedOutput `json:"outputs,omitempty"`
	ProcessingErrors []string          `json:"processing_errors,omitempty"`
	ProcessTime      time.Time         `json:"process_time"`
}

// CleanupResult reports one RetentionCleaner pass.
type CleanupResult struct {
	Status          Status    `json:"status"`
	Message         string    `json:"message"`
	EventsAttempted int       `json:"events_attempted"`
	EventsDeleted   int       `json:"events_deleted"`
	FailedBatches   int       `json:"failed_batches"`
	Cutoff          time.Time `json:"cutoff_time"`
	Warnings        []string  `json:"warnings,omitempty"`
	CleanupTime     time.Time `json:"cleanup_time"`
}

// RowStats summarizes the row store from the pipeline's point of view.
type RowStats struct {
	Total          int64      `json:"total_events"`
	Exported       int64      `json:"exported_events"`
	Pending        int64      `json:"pending_events"`
	Quarantined    int64      `json:"quarantined_events"`
	Eligible       int64      `json:"cleanup_eligible_events"`
	LatestExport   *time.Time `json:"latest_export,omitempty"`
	LatestEligible *time.Time `json:"latest_eligible_export,omitempty"`
}

// ExportStatus is the RawExporter's status report. Quarantined rows were
// skipped as unexportable and stay in the row store until an operator deals
// with them.
type ExportStatus struct {
	TotalEvents       int64      `json:"total_events"`
	ExportedEvents    int64      `json:"exported_events"`
	PendingEvents     int64      `json:"pending_events"`
	QuarantinedEvents int64      `json:"quarantined_events"`
	LatestExport      *time.Time `json:"latest_export,omitempty"`
	Bucket            string     `json:"raw_bucket"`
	BatchSize         int        `json:"batch_size"`
	Error             string     `json:"error,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// CleanupStatus is the RetentionCleaner's status report.
type CleanupStatus struct {
	Enabled              bool       `json:"cleanup_enabled"`
	DelayHours           float64    `json:"cleanup_delay_hours"`
	BatchSize            int        `json:"cleanup_batch_size"`
	VerifyObjects        bool       `json:"verify_raw_export_enabled"`
	TotalEvents          int64      `json:"total_events"`
	RawExportedEvents    int64      `json:"raw_exported_events"`
	CleanupEligible      int64      `json:"cleanup_eligible_events"`
	LatestEligibleExport *time.Time `json:"latest_eligible_export,omitempty"`
	Cutoff               time.Time  `json:"cutoff_time"`
	Error                string     `json:"error,omitempty"`
	Timestamp            time.Time  `json:"timestamp"`
}
