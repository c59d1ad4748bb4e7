package attendance

import "errors"

// Domain errors. The control API maps these to HTTP statuses; everything else
// surfaces as an upstream failure.
var (
	// ErrMissingIdentity means meeting ID or user ID was absent.
	ErrMissingIdentity = errors.New("meeting id and user id are required")
	// ErrNotTracking means the operation needs an active tracking session.
	ErrNotTracking = errors.New("tracking is not active")
	// ErrBreakUnavailable means the break cannot be taken or transitioned in
	// the current phase (wrong role, allowance used up, or already on break).
	ErrBreakUnavailable = errors.New("break unavailable")
	// ErrSessionClosed means the server terminated the session after the
	// warning budget was exhausted. Fatal for the session; not retried.
	ErrSessionClosed = errors.New("session closed by server")
	// ErrStaleResponse means a response arrived for a torn-down session and
	// was dropped.
	ErrStaleResponse = errors.New("stale response dropped")
)
