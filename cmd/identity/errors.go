package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrMissingParticipant = errors.New("missing_participant")
	ErrInvalidParticipant = errors.New("invalid_participant")
)

// IsMissing reports whether err represents ErrMissingParticipant.
func IsMissing(err error) bool { return errors.Is(err, ErrMissingParticipant) }

// IsInvalid reports whether err represents ErrInvalidParticipant.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidParticipant) }
