package identity

import "strings"

// MaxParticipantIDLen bounds ids forwarded by the identity provider.
const MaxParticipantIDLen = 128

// NormalizeParticipantID trims surrounding whitespace. Ids are opaque, so case is preserved.
func NormalizeParticipantID(s string) string {
	return strings.TrimSpace(s)
}

// ValidParticipantID reports whether s is a usable participant id:
// non-empty, bounded, and made of printable ASCII without spaces.
func ValidParticipantID(s string) bool {
	if s == "" || len(s) > MaxParticipantIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
