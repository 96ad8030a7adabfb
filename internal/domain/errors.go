// Package domain holds the core types shared by the gateway and the agent:
// sessions, messages, tool calls, subagent records, audit entries, and the
// error kinds surfaced across component boundaries.
package domain

import "errors"

// Error kinds. Components wrap these with context via fmt.Errorf("…: %w", …)
// and callers branch with errors.Is.
var (
	// ErrInvalidInput covers schema violations, bad paths, and unknown
	// session keys. Returned synchronously, never fatal to a turn.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflictingKey is returned when creating a session whose key exists.
	ErrConflictingKey = errors.New("session key already exists")

	// ErrPermissionDenied is a path-policy failure. Surfaced as an error
	// tool result so the model can react.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrProtocol covers malformed frames, oversize frames, and unknown
	// envelope tags. Terminates the turn.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout covers turn deadlines and bridge deadlines.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled marks explicit or supervisory cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrUpstream is a model-provider failure after retries.
	ErrUpstream = errors.New("upstream error")

	// ErrStoreBusy is returned when a concurrent writer holds the
	// session lock during finalize.
	ErrStoreBusy = errors.New("store busy")

	// ErrStore is a persistence failure other than contention.
	ErrStore = errors.New("store error")
)
