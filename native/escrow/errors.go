package escrow

import "errors"

// Error kinds for the escrow state machine. Operations wrap these sentinels
// with %w so callers can classify failures without parsing messages.
var (
	// ErrUnauthorized marks a caller that is not permitted for the
	// requested operation.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")

	// ErrInvalidState marks an operation invoked from a state (or at a
	// time) that does not permit it.
	ErrInvalidState = errors.New("escrow: operation not permitted in current state")

	// ErrInvalidParameter marks malformed input at creation or resolution.
	ErrInvalidParameter = errors.New("escrow: invalid parameter")

	// ErrAmountTooSmall marks a creation amount that cannot cover the
	// minimum protocol fee.
	ErrAmountTooSmall = errors.New("escrow: amount too small for minimum fee")

	// ErrTransferFailed marks a failed value-transfer port call. The
	// operation that triggered it is discarded as a whole.
	ErrTransferFailed = errors.New("escrow: value transfer failed")

	// ErrNotFound marks a lookup for an escrow that was never created.
	ErrNotFound = errors.New("escrow: escrow not found")
)
