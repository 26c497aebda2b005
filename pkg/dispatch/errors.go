package dispatch

import "errors"

// Sentinel errors the dispatcher and its collaborators return. Callers use
// errors.Is/errors.As rather than type switches, matching the rest of this
// repository's error-handling style.
var (
	// ErrHandlerNotFound is returned when find_handler reaches the root
	// router with no matching binding. The owning task future fails with
	// this error; it is never retried.
	ErrHandlerNotFound = errors.New("dispatch: no handler matches metadata")

	// ErrRegistration wraps every configuration-time mistake: a nil filter
	// in a filter tuple, a nil router passed to IncludeRouter, a nil
	// handler function or factory, a nil middleware, a negative timeout, or
	// a negative pool capacity. A zero pool capacity is not an error: it
	// means unbounded. Registration errors are fatal to configuration and
	// are never raised once the dispatcher is live.
	ErrRegistration = errors.New("dispatch: registration error")

	// ErrPoolCapacityRequired is a RegistrationError returned for a
	// negative pool capacity; 0 means unbounded.
	ErrPoolCapacityRequired = errors.New("dispatch: pool capacity must be set explicitly")

	// ErrMalformedPayload means the classifier received a non-map payload.
	ErrMalformedPayload = errors.New("dispatch: payload is not a map")

	// ErrPoolFull means the pool was at capacity when a task admission
	// was attempted; the classifier turns this into a non-ack instead of
	// surfacing it to a caller.
	ErrPoolFull = errors.New("dispatch: pool is full")

	// ErrDuplicateTask means a task uuid was offered while a prior task
	// with the same uuid is still occupying the pool.
	ErrDuplicateTask = errors.New("dispatch: uuid already has a running task")
)

// HandlerFailure wraps the error a handler's Handle returned so callers can
// distinguish "the handler itself failed" from dispatch-level errors while
// still unwrapping to the original cause.
type HandlerFailure struct {
	UUID string
	Err  error
}

func (e *HandlerFailure) Error() string {
	return "dispatch: handler failed for " + e.UUID + ": " + e.Err.Error()
}

func (e *HandlerFailure) Unwrap() error { return e.Err }
