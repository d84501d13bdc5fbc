package types

import "errors"

// Error kinds surfaced at component boundaries. Callers classify with
// errors.Is; only ErrDuplicateIdempotency and ErrTransactionConflict are
// locally recoverable.
var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInsufficientMargin   = errors.New("insufficient free margin")
	ErrPositionNotFound     = errors.New("position not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTransactionConflict  = errors.New("transaction conflict")
	ErrTimeout              = errors.New("operation timed out")
	ErrIntegrityViolation   = errors.New("integrity violation")
	ErrLeverageExceeded     = errors.New("leverage exceeds maximum")
	ErrEngineStopped        = errors.New("engine is not running")
)
