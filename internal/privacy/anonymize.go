package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// DefaultIPSalt is mixed into IP hashes when no salt is configured. It only
// makes hashes differ from a bare SHA-256 of the address; it is not a secret.
const DefaultIPSalt = "securepixel_ip_salt"

const ipHashLength = 16

// User agent replacements.
const (
	AnonymizedUserAgent = "[ANONYMIZED]"
	AnonymizedBrowser   = "[BROWSER_ANONYMIZED]"
)

// minUserAgentLength is the shortest user agent from which a family is kept.
const minUserAgentLength = 20

// Families kept by AnonymizeUserAgent, in substring fallback order.
var browserFamilies = []string{"Chrome", "Firefox", "Safari", "Edge"}

// HashIP returns the first 16 hex characters of sha256(ip + salt).
func HashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])[:ipHashLength]
}

// AnonymizeUserAgent reduces ua to its browser family, e.g.
// "Firefox/[VERSION] (anonymized)".
func AnonymizeUserAgent(ua string) string {
	if len(ua) < minUserAgentLength {
		return AnonymizedUserAgent
	}

	name, _ := useragent.New(ua).Browser()
	for _, family := range browserFamilies {
		if name == family {
			return family + "/[VERSION] (anonymized)"
		}
	}
	for _, family := range browserFamilies {
		if strings.Contains(ua, family) {
			return family + "/[VERSION] (anonymized)"
		}
	}
	return AnonymizedBrowser
}
