package objectstore

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Key layout prefixes.
const (
	RawPrefix       = "raw-events/"
	ProcessedPrefix = "processed-events/"
	StatePrefix     = "pipeline-state/"

	// ComplianceScanKey holds the compliance processor's scan position in
	// the raw bucket.
	ComplianceScanKey = StatePrefix + "compliance/scan.json"

	tempSuffix  = ".tmp"
	claimSuffix = ".claim"
)

// Object metadata keys. S3 lowercases user metadata, so these stay lowercase.
const (
	MetaExportID      = "export_id"
	MetaProcessID     = "process_id"
	MetaEventCount    = "event_count"
	MetaPipelineStage = "pipeline_stage"
	MetaProcessedAt   = "processed_at"
	MetaTenantID      = "tenant_id"
	MetaPrivacyLevel  = "privacy_level"
	MetaSourceKey     = "source_file"
	MetaFormat        = "format"
	MetaClaimOwner    = "claim_owner"
	MetaRejectReason  = "reject_reason"
)

// ContentTypeJSON is used for every object the pipeline writes.
const ContentTypeJSON = "application/json"

// DatePrefix returns "raw-events/yyyy/mm/dd/" for t in UTC.
func DatePrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/", RawPrefix, t.Year(), int(t.Month()), t.Day())
}

// RawKeyDay returns the UTC day encoded in a key under RawPrefix.
func RawKeyDay(key string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(key, RawPrefix)
	if !ok || len(rest) < len("2006/01/02/") || rest[10] != '/' {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", rest[:10])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// RawKey returns raw-events/{yyyy}/{mm}/{dd}/{exportID}.json.
func RawKey(t time.Time, exportID string) string {
	return DatePrefix(t) + exportID + ".json"
}

// ProcessedKey returns processed-events/{tenant}/{yyyy}/{mm}/{dd}/{processID}.json.
// The tenant ID is path-escaped so it always occupies one segment.
func ProcessedKey(tenantID string, t time.Time, processID string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%04d/%02d/%02d/%s.json",
		ProcessedPrefix, url.PathEscape(tenantID), t.Year(), int(t.Month()), t.Day(), processID)
}

// TempKey is where a processed object is staged before being copied into place.
func TempKey(key string) string {
	return key + tempSuffix
}

// ClaimKey is the lease object guarding processing of a raw object.
func ClaimKey(key string) string {
	return key + claimSuffix
}

// ClaimSource returns the raw key guarded by claimKey.
func ClaimSource(claimKey string) (string, bool) {
	source, ok := strings.CutSuffix(claimKey, claimSuffix)
	if !ok || !IsRawObject(source) {
		return "", false
	}
	return source, true
}

// IsRawObject reports whether key names a raw export (not a claim or temp object).
func IsRawObject(key string) bool {
	return strings.HasPrefix(key, RawPrefix) && strings.HasSuffix(key, ".json")
}
