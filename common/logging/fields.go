package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every pipeline component.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldPassID    = "pass_id"
	FieldStage     = "stage"
	FieldTenantID  = "tenant_id"
	FieldObjectKey = "object_key"
	FieldBucket    = "bucket"
	FieldExportID  = "export_id"
	FieldProcessID = "process_id"
	FieldCount     = "count"
	FieldAttempt   = "attempt"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldPrivacy   = "privacy_level"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Stage returns a slog attribute naming the pipeline stage (export, process, cleanup).
func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

// TenantID returns a slog attribute for the tenant ID.
func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

// ObjectKey returns a slog attribute for an object storage key.
func ObjectKey(key string) slog.Attr {
	return slog.String(FieldObjectKey, key)
}

// Bucket returns a slog attribute for a bucket name.
func Bucket(name string) slog.Attr {
	return slog.String(FieldBucket, name)
}

// ExportID returns a slog attribute for a raw export batch ID.
func ExportID(id string) slog.Attr {
	return slog.String(FieldExportID, id)
}

// ProcessID returns a slog attribute for a processed object ID.
func ProcessID(id string) slog.Attr {
	return slog.String(FieldProcessID, id)
}

// Count returns a slog attribute for an item count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Attempt returns a slog attribute for a retry attempt number (1-based).
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// PrivacyLevel returns a slog attribute for a tenant's privacy tier.
func PrivacyLevel(level string) slog.Attr {
	return slog.String(FieldPrivacy, level)
}

// Duration returns a slog attribute for d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Error returns a slog attribute for an error. A nil error logs as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}
