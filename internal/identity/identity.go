// Package identity defines the verified identity model and manages the
// Redis-backed sessions created after the external identity provider has
// verified a subject. Every event and authorization decision in the system
// is bound to a SubjectID from this package, never to a display name.
package identity

import "fmt"

// TrustLevel is the verification claim attached to a subject by the
// identity provider.
type TrustLevel string

const (
	// TrustPhone means the subject verified with a phone number.
	TrustPhone TrustLevel = "phone"

	// TrustOrb means the subject completed the stronger in-person check.
	TrustOrb TrustLevel = "orb"
)

// ParseTrustLevel validates a raw trust claim from the provider callback.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustPhone, TrustOrb:
		return TrustLevel(s), nil
	}
	return "", fmt.Errorf("identity: unknown trust level %q", s)
}

// Identity is a verified subject. SubjectID is immutable and globally
// unique per verified subject; DisplayName is client-chosen, cosmetic, and
// never authoritative.
type Identity struct {
	SubjectID   string
	Trust       TrustLevel
	DisplayName string
}

// DefaultDisplayName derives the fallback display name used before a
// subject picks one: the last four characters of the subject id.
func DefaultDisplayName(subjectID string) string {
	if len(subjectID) <= 4 {
		return subjectID
	}
	return subjectID[len(subjectID)-4:]
}
