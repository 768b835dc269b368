package exception

import "github.com/yanun0323/errors"

var (
	ErrRiskHalted        = errors.New("risk: scope halted")
	ErrRiskUnknownScope  = errors.New("risk: unknown scope")
	ErrRiskNoPrice       = errors.New("risk: no reference price")
	ErrRiskZeroQuantity  = errors.New("risk: quantity rounds to zero")
	ErrRiskNothingToFlat = errors.New("risk: no position to flatten")
)
