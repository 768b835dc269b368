package exception

import "github.com/yanun0323/errors"

var (
	// ErrRecoveryConflict is an irreconcilable local/exchange mismatch. It halts
	// the affected symbol and is never retried silently.
	ErrRecoveryConflict        = errors.New("recovery: conflict")
	ErrRecoveryUnknownConflict = errors.New("recovery: unknown conflict")
	ErrRecoveryInProgress      = errors.New("recovery: already running")
)
