package engine

import "errors"

// Expected domain-level conditions. The executor records these as SKIPPED
// outcomes; they are not system failures.
var (
	// ErrInsufficientSize means the sized quantity rounded to zero or fell
	// below the instrument's minimum notional.
	ErrInsufficientSize = errors.New("sized quantity below instrument minimum")

	// ErrInvalidProtectiveSpec means a protective order's trigger would sit on
	// the wrong side of the entry price and self-trigger.
	ErrInvalidProtectiveSpec = errors.New("protective order spec would self-trigger")

	// ErrPositionAlreadyOpen means the venue already reports an open position
	// for the symbol of an entry signal.
	ErrPositionAlreadyOpen = errors.New("position already open for symbol")

	// ErrNoPositionToExit means an exit signal arrived for a symbol with no
	// open position; exits are idempotent so this is a no-op.
	ErrNoPositionToExit = errors.New("no open position to exit")
)
