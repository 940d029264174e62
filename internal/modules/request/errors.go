// README: Sentinel errors returned by the request engine.
package request

import "errors"

var (
	ErrInvalidState           = errors.New("invalid state")
	ErrNotOwner               = errors.New("not owner")
	ErrDuplicateActiveQuote   = errors.New("duplicate active quote")
	ErrAlreadyTerminal        = errors.New("quote already terminal")
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAssignmentConflict     = errors.New("assignment conflict")
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrActiveRequest          = errors.New("client has an open request")
)

// IsRetryable reports whether the caller should reload and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrAssignmentConflict)
}
