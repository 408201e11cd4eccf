// Package privacy implements the per-tier event transforms applied before
// events leave the raw bucket.
package privacy

import (
	"strings"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

// Replacement markers.
const (
	Redacted             = "[REDACTED]"
	HIPAARedacted        = "[HIPAA_REDACTED]"
	HIPAAContentRedacted = "[HIPAA_CONTENT_REDACTED]"
)

// MaxStringLength is the longest string value the standard pass keeps intact.
const MaxStringLength = 100

// Key fragments that mark a payload field as sensitive. Matching is a
// case-insensitive substring test on the key.
var sensitiveKeyPatterns = []string{
	"password", "pwd", "pass", "secret", "token", "key",
	"email", "mail", "phone", "tel", "ssn", "social",
	"credit", "card", "cvv", "cvc", "billing",
}

// Health terms checked against both keys and string values by the hipaa pass.
var healthPatterns = []string{
	"health", "medical", "patient", "diagnosis", "treatment",
	"prescription", "medication", "hospital", "clinic", "doctor",
	"nurse", "physician", "therapy", "insurance", "medicare",
	"medicaid", "ssn", "social_security", "dob", "birth_date",
}

func containsAny(s string, patterns []string) bool {
	s = strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// RedactSensitive replaces the value of every sensitive key with [REDACTED]
// and truncates long strings, at any depth. The input is not modified.
func RedactSensitive(p models.Payload) models.Payload {
	if p == nil {
		return nil
	}
	return models.Payload(redactMap(p))
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if containsAny(k, sensitiveKeyPatterns) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case models.Payload:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	case string:
		if len(t) > MaxStringLength {
			return truncate(t)
		}
		return t
	default:
		return v
	}
}

// truncate cuts s to MaxStringLength bytes without splitting a UTF-8 sequence.
func truncate(s string) string {
	cut := MaxStringLength
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// RedactHealth is the hipaa pass: keys naming a health term become
// [HIPAA_REDACTED], string values mentioning one become
// [HIPAA_CONTENT_REDACTED]. The input is not modified.
func RedactHealth(p models.Payload) models.Payload {
	if p == nil {
		return nil
	}
	return models.Payload(healthMap(p))
}

func healthMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if containsAny(k, healthPatterns) {
			out[k] = HIPAARedacted
			continue
		}
		out[k] = healthValue(v)
	}
	return out
}

func healthValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return healthMap(t)
	case models.Payload:
		return healthMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = healthValue(item)
		}
		return out
	case string:
		if containsAny(t, healthPatterns) {
			return HIPAAContentRedacted
		}
		return t
	default:
		return v
	}
}
