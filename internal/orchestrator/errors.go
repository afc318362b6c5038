package orchestrator

import (
	"errors"
	"fmt"

	"flowplane/pkg/api"
)

// APIError represents a non-retryable error response from the control plane.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// StaleVersionError is returned when a transition proposal is rejected
// because its expected version is stale or the transition is illegal.
// Current holds the authoritative run state the caller must
// resynchronize against before deciding what to do next.
type StaleVersionError struct {
	Current api.Run
	Detail  string
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("transition rejected for run %s: authority reports state %s (version %d): %s",
		e.Current.ID, e.Current.State, e.Current.StateVersion, e.Detail)
}

// TransientError wraps a network or availability failure that persisted
// through all retries. The operation may be retried later; the control
// plane's state was not necessarily observed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("control plane unreachable (%s): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsStaleVersion reports whether err is a rejection carrying the
// authority's current state.
func IsStaleVersion(err error) (*StaleVersionError, bool) {
	var sve *StaleVersionError
	if errors.As(err, &sve) {
		return sve, true
	}
	return nil, false
}

// IsTransient reports whether err is a retryable availability failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
