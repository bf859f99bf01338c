package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Match with errors.Is.
var (
	// ErrInvalidInput marks malformed or missing input. Not retryable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateName marks a display name that is already taken.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrNotFound marks a reference to an entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a transient store failure. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrBroadcastDelivery marks a failed delivery to a single observer.
	// It is logged by the transport and never returned to mutators.
	ErrBroadcastDelivery = errors.New("broadcast delivery failed")
)

// Invalid returns an ErrInvalidInput carrying a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps err as ErrStoreUnavailable, keeping err in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsClientError reports whether err is caused by the caller and should not
// be retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrDuplicateName) || errors.Is(err, ErrNotFound)
}
