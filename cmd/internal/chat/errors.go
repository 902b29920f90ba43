package chat

import (
	"context"
	"errors"
	"fmt"

	"marketchat/cmd/identity"
)

// Sentinel error kinds (stable for errors.Is and for mapping to transport status codes).
var (
	ErrValidation          = errors.New("validation_error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not_found")
	ErrConversationClosed  = errors.New("conversation_closed")
	ErrTimeout             = errors.New("timeout")
	ErrDeliveryUnavailable = errors.New("delivery_unavailable")
)

// Validation reasons. They travel next to ErrValidation so callers can match either.
var (
	ErrEmptyMessage       = errors.New("empty_message")
	ErrMessageTooLong     = errors.New("message_too_long")
	ErrTooLarge           = errors.New("too_large")
	ErrUnsupportedType    = errors.New("unsupported_type")
	ErrEmptyAttachment    = errors.New("empty_attachment")
	ErrInvalidEncoding    = errors.New("invalid_encoding")
	ErrInvalidParticipant = identity.ErrInvalidParticipant
	ErrInvalidArgument    = errors.New("invalid_argument")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Reason is optional and narrows Kind (e.g. ErrValidation + ErrTooLarge).
type OpError struct {
	Op     string
	Kind   error
	Reason error
	Msg    string
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Reason != nil {
		s += ": " + e.Reason.Error()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Reason == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Reason}
}

// NewError builds an OpError of the given kind.
func NewError(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// NewValidationError builds an ErrValidation OpError narrowed by reason.
func NewValidationError(op string, reason error, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Reason: reason, Msg: msg}
}

// FromContext converts a context failure into the chat taxonomy.
// A deadline becomes ErrTimeout (retryable by the caller); other errors pass through.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OpError{Op: op, Kind: ErrTimeout, Msg: "deadline exceeded"}
	}
	return err
}

// storeError maps a storage failure, preferring the context's verdict when it expired.
func storeError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if te := FromContext(op, ctxErr); te != ctxErr {
			return te
		}
	}
	return FromContext(op, err)
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConversationClosed reports whether err represents ErrConversationClosed.
func IsConversationClosed(err error) bool { return errors.Is(err, ErrConversationClosed) }

// IsTimeout reports whether err represents ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// ErrorCode returns the stable wire/label code of err ("internal" for unknown errors).
func ErrorCode(err error) string {
	switch {
	case IsValidation(err):
		return ErrValidation.Error()
	case IsUnauthorized(err):
		return ErrUnauthorized.Error()
	case IsNotFound(err):
		return ErrNotFound.Error()
	case IsConversationClosed(err):
		return ErrConversationClosed.Error()
	case IsTimeout(err):
		return ErrTimeout.Error()
	case IsDeliveryUnavailable(err):
		return ErrDeliveryUnavailable.Error()
	default:
		return "internal"
	}
}

// IsDeliveryUnavailable reports whether err represents ErrDeliveryUnavailable.
func IsDeliveryUnavailable(err error) bool { return errors.Is(err, ErrDeliveryUnavailable) }
