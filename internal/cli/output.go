package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	labelColor   = color.New(color.FgWhite, color.Bold)
)

func success(w io.Writer, format string, a ...any) {
	successColor.Fprintf(w, "✓ "+format+"\n", a...)
}

func failure(w io.Writer, format string, a ...any) {
	errorColor.Fprintf(w, "✗ "+format+"\n", a...)
}

func info(w io.Writer, format string, a ...any) {
	infoColor.Fprintf(w, format+"\n", a...)
}

func warn(w io.Writer, format string, a ...any) {
	warnColor.Fprintf(w, "⚠ "+format+"\n", a...)
}

func field(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "  %-24s", label+":")
	fmt.Fprintf(w, " %v\n", value)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusLine prints a pass outcome in the colour matching its status.
func statusLine(w io.Writer, stage string, status models.Status, message string) {
	switch status {
	case models.StatusSuccess:
		success(w, "%s: %s", stage, message)
	case models.StatusPartialSuccess, models.StatusSkipped, models.StatusDisabled:
		warn(w, "%s %s: %s", stage, status, message)
	default:
		failure(w, "%s failed: %s", stage, message)
	}
}

func printExportResult(w io.Writer, r models.ExportResult) {
	statusLine(w, "export", r.Status, r.Message)
	if r.Key != "" {
		field(w, "object", "s3://"+r.Bucket+"/"+r.Key)
	}
	field(w, "events exported", r.EventsExported)
	if r.EventsSkipped > 0 {
		field(w, "events skipped", r.EventsSkipped)
	}
	if r.SizeBytes > 0 {
		field(w, "size bytes", r.SizeBytes)
	}
	if r.Error != "" {
		field(w, "error", r.Error)
	}
}

func printProcessResult(w io.Writer, r models.ProcessResult) {
	statusLine(w, "process", r.Status, r.Message)
	field(w, "files found", r.FilesFound)
	field(w, "files processed", r.FilesProcessed)
	field(w, "files failed", r.FilesFailed)
	field(w, "files skipped", r.FilesSkipped)
	field(w, "events processed", r.EventsProcessed)
	for _, o := range r.Outputs {
		info(w, "  → %s [%s] %d events", o.Key, o.PrivacyLevel, o.EventCount)
	}
	for _, e := range r.ProcessingErrors {
		failure(w, "  %s", e)
	}
}

func printCleanupResult(w io.Writer, r models.CleanupResult) {
	statusLine(w, "cleanup", r.Status, r.Message)
	field(w, "cutoff", r.Cutoff.Format("2006-01-02 15:04:05 MST"))
	field(w, "events attempted", r.EventsAttempted)
	field(w, "events deleted", r.EventsDeleted)
	if r.FailedBatches > 0 {
		field(w, "failed batches", r.FailedBatches)
	}
	for _, msg := range r.Warnings {
		warn(w, "  %s", msg)
	}
}

func printStatus(w io.Writer, e models.ExportStatus, c models.CleanupStatus) {
	info(w, "Export")
	field(w, "raw bucket", e.Bucket)
	field(w, "total events", e.TotalEvents)
	field(w, "exported events", e.ExportedEvents)
	field(w, "pending events", e.PendingEvents)
	if e.QuarantinedEvents > 0 {
		field(w, "quarantined events", e.QuarantinedEvents)
	}
	if e.LatestExport != nil {
		field(w, "latest export", e.LatestExport.Format("2006-01-02 15:04:05 MST"))
	}
	if e.Error != "" {
		failure(w, "  %s", e.Error)
	}

	info(w, "Cleanup")
	field(w, "enabled", c.Enabled)
	field(w, "delay hours", c.DelayHours)
	field(w, "batch size", c.BatchSize)
	field(w, "verify raw export", c.VerifyObjects)
	field(w, "cleanup eligible", c.CleanupEligible)
	field(w, "cutoff", c.Cutoff.Format("2006-01-02 15:04:05 MST"))
	if c.Error != "" {
		failure(w, "  %s", c.Error)
	}
}
