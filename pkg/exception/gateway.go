package exception

import "github.com/yanun0323/errors"

var (
	// ErrGatewayTransient is a timeout or connectivity failure. Submission is
	// retried up to the retry budget.
	ErrGatewayTransient = errors.New("gateway: transient failure")
	// ErrGatewayDefinitive is an exchange-side rejection. It is terminal.
	ErrGatewayDefinitive    = errors.New("gateway: definitive rejection")
	ErrGatewayOrderNotFound = errors.New("gateway: order not found")
	ErrGatewayDisconnected  = errors.New("gateway: disconnected")
)
