package perception

import (
	"errors"
	"fmt"
	"time"
)

// DefaultQuotaRetryDelay is used when the backend reports quota exhaustion
// without a suggested delay.
const DefaultQuotaRetryDelay = 5 * time.Second

// QuotaError indicates the backend rejected the request for rate/quota
// reasons. The caller must wait at least RetryAfter before the next call.
type QuotaError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded (retry after %s): %s", e.RetryAfter, e.Message)
}

// ModelUnavailableError indicates the requested model identifier is not
// served by the backend. Fatal unless a fallback model is configured.
type ModelUnavailableError struct {
	Model   string
	Message string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %q not available: %s", e.Model, e.Message)
}

// TransportError indicates a network or protocol failure. Retryable a
// bounded number of times; the client retries internally before surfacing.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsQuota reports whether err is a quota error and returns the mandated delay.
func IsQuota(err error) (time.Duration, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter, true
	}
	return 0, false
}

// IsModelUnavailable reports whether err is a model-availability error.
func IsModelUnavailable(err error) bool {
	var me *ModelUnavailableError
	return errors.As(err, &me)
}

// IsTransport reports whether err is a transport-class error.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
