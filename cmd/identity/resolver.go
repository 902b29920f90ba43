package identity

import (
	"net/http"
	"strings"
)

// DefaultHeader is the request header carrying the verified participant id.
const DefaultHeader = "X-Participant-ID"

// Resolver extracts the verified participant id from an inbound request.
type Resolver interface {
	Participant(r *http.Request) (string, error)
}

// HeaderResolver trusts a single header set by the upstream identity proxy.
type HeaderResolver struct {
	Header string
}

// NewHeaderResolver returns a resolver for header (DefaultHeader when empty).
func NewHeaderResolver(header string) HeaderResolver {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultHeader
	}
	return HeaderResolver{Header: header}
}

// Participant returns the canonical participant id or a typed error.
func (h HeaderResolver) Participant(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingParticipant
	}
	header := h.Header
	if header == "" {
		header = DefaultHeader
	}

	id := NormalizeParticipantID(r.Header.Get(header))
	if id == "" {
		return "", ErrMissingParticipant
	}
	if !ValidParticipantID(id) {
		return "", ErrInvalidParticipant
	}
	return id, nil
}

var _ Resolver = HeaderResolver{}
