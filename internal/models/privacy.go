package models

import "strings"

// PrivacyLevel is a tenant's compliance tier.
type PrivacyLevel string

const (
	PrivacyStandard PrivacyLevel = "standard"
	PrivacyGDPR     PrivacyLevel = "gdpr"
	PrivacyHIPAA    PrivacyLevel = "hipaa"
)

// ParsePrivacyLevel maps s onto a known tier. Unknown or empty values are
// reported with ok=false and resolve to PrivacyStandard.
func ParsePrivacyLevel(s string) (level PrivacyLevel, ok bool) {
	switch PrivacyLevel(strings.ToLower(strings.TrimSpace(s))) {
	case PrivacyStandard:
		return PrivacyStandard, true
	case PrivacyGDPR:
		return PrivacyGDPR, true
	case PrivacyHIPAA:
		return PrivacyHIPAA, true
	default:
		return PrivacyStandard, false
	}
}

func (l PrivacyLevel) String() string {
	return string(l)
}
