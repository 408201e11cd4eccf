package privacy

import (
	"github.com/Evothesis/server-infrastructure/internal/models"
)

// Transformer applies a privacy tier to event snapshots.
type Transformer struct {
	ipSalt string
}

// NewTransformer returns a Transformer hashing IPs with salt, or
// DefaultIPSalt when salt is empty.
func NewTransformer(salt string) *Transformer {
	if salt == "" {
		salt = DefaultIPSalt
	}
	return &Transformer{ipSalt: salt}
}

// Apply returns transformed copies of events. The input slice and its
// payloads are left untouched.
func (t *Transformer) Apply(level models.PrivacyLevel, events []models.EventSnapshot) []models.EventSnapshot {
	out := make([]models.EventSnapshot, len(events))
	for i := range events {
		out[i] = t.Event(level, events[i])
	}
	return out
}

// Event transforms a single snapshot.
//
//	standard: sensitive payload keys redacted, long strings truncated
//	gdpr:     standard + IP hashed, user agent reduced to its family
//	hipaa:    gdpr + health terms redacted from payload keys and values
//
// Unknown levels are treated as standard.
func (t *Transformer) Event(level models.PrivacyLevel, ev models.EventSnapshot) models.EventSnapshot {
	ev.Payload = RedactSensitive(ev.Payload)

	switch level {
	case models.PrivacyGDPR:
		t.anonymize(&ev)
		ev.GDPRProcessed = true
		ev.IPAnonymized = true
	case models.PrivacyHIPAA:
		t.anonymize(&ev)
		ev.Payload = RedactHealth(ev.Payload)
		ev.HIPAAProcessed = true
		ev.AuditRequired = true
		ev.EncryptionRecommended = true
	}
	return ev
}

func (t *Transformer) anonymize(ev *models.EventSnapshot) {
	if ev.IPAddress != "" {
		ev.IPAddress = HashIP(ev.IPAddress, t.ipSalt)
	}
	ev.UserAgent = AnonymizeUserAgent(ev.UserAgent)
}
