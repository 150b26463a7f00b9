// internal/pkg/errors/error.go
package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict: resource already exists")
	ErrInternal     = errors.New("internal server error")
	ErrRateLimited  = errors.New("too many requests")
)

// Payment engine taxonomy. Handlers map these onto HTTP codes and safe
// messages; raw verifier/provider internals are never surfaced to clients.
var (
	// ErrDuplicateTransaction: the transaction reference was already consumed
	// by a completed order of any product type.
	ErrDuplicateTransaction = errors.New("transaction reference already used")

	// ErrVerificationTimeout: retries exhausted without the payment becoming
	// visible on chain. Terminal failure, no refund owed.
	ErrVerificationTimeout = errors.New("payment not confirmed on chain")

	// ErrVerificationInfra: the verifier itself failed (transport/parse), as
	// opposed to the payment simply not being there yet.
	ErrVerificationInfra = errors.New("payment verification unavailable")

	// ErrFulfillment: provider delivery failed after the payment was
	// confirmed. The order carries a refund record.
	ErrFulfillment = errors.New("fulfillment failed")

	// ErrRefundInitiation is logged, never returned to callers: a refund
	// failure must not mask the fulfillment failure that caused it.
	ErrRefundInitiation = errors.New("refund initiation failed")

	// ErrStateConflict: a state-machine transition was attempted from a
	// status other than the expected one.
	ErrStateConflict = errors.New("order is not in the expected state")
)

// Provider error taxonomy, normalized from the delivery API's codes.
var (
	ErrProviderCredentials = errors.New("provider rejected credentials")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrAmountOutOfRange    = errors.New("amount out of provider range")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
