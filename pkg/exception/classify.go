package exception

import (
	"context"

	"github.com/yanun0323/errors"
)

// IsTransient reports whether err should be retried. Errors the gateway did
// not classify are treated as transient, as are deadline expiries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsDefinitive(err)
}

// IsDefinitive reports whether err is an exchange-side rejection or a local
// validation failure.
func IsDefinitive(err error) bool {
	return err != nil && (errors.Is(err, ErrGatewayDefinitive) || errors.Is(err, ErrValidation))
}

// IsTimeout reports whether err came from an expired gateway call.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
