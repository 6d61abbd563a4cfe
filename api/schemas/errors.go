package schemas

import "errors"

// Error taxonomy for the automation engine. Callers match with errors.Is;
// components wrap these with context via fmt.Errorf("...: %w", ...).
var (
	// ErrFetch covers network failures, non-2xx responses and malformed
	// instruction bodies. The run is aborted and not retried until the next
	// trigger.
	ErrFetch = errors.New("instruction fetch failed")

	// ErrNavigationTimeout means the page never reached ready within the
	// navigation window. The run is aborted and the navigation flag cleared.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrElementNotFound means the resolution deadline elapsed with no match.
	// Non-critical steps record it and continue; critical steps abort.
	ErrElementNotFound = errors.New("element not found")

	// ErrAction means the activation attempt raised even after the fallback
	// dispatch method.
	ErrAction = errors.New("element action failed")

	// ErrStaleState marks a persisted record older than the staleness window.
	// It is discarded silently and the engine treated as idle.
	ErrStaleState = errors.New("stale pending automation")

	// ErrNotFound is returned by the store when no record exists.
	ErrNotFound = errors.New("not found")
)
