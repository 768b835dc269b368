package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderDuplicate         = errors.New("order: duplicate client order id")
	ErrOrderUnknown           = errors.New("order: not found")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderInvalidFill       = errors.New("order: invalid fill")
	ErrOrderDuplicateFill     = errors.New("order: duplicate fill")
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
)

// ErrValidation marks a filter or precision violation. It is rejected before
// submission and never retried.
var ErrValidation = errors.New("order: validation failed")
