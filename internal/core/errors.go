package core

import "errors"

// Failure taxonomy for observer operations. Callers match with
// errors.Is; every error returned by the runtime wraps exactly one of
// these.
var (
	// ErrPermissionDenied means the caller lacks privilege for the
	// requested scope or precision.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidDescriptor means the request was malformed or
	// self-contradictory. It is always detected before any backend
	// is touched.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrNotSupported means the bound backend cannot satisfy the
	// request. On first use the capability is downgraded for that
	// context/backend pair instead of being retried.
	ErrNotSupported = errors.New("not supported")

	// ErrNoSuchTarget means the task or CPU to monitor is gone.
	ErrNoSuchTarget = errors.New("no such target")

	// ErrResourceExhausted means no backend slot is free and no
	// software fallback was requested.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrBusy means an exclusive backend is already claimed in an
	// incompatible way. Retryable.
	ErrBusy = errors.New("busy")

	// ErrClosed means the handle or its runtime has been closed.
	ErrClosed = errors.New("closed")
)

// errRetry is the internal retryable-busy result of a cross-processor
// invocation arriving after the target context migrated. It never
// escapes the retry loop.
var errRetry = errors.New("context moved, retry")
