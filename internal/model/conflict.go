package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConflictKind names the mismatch found during recovery.
type ConflictKind uint8

const (
	_conflict_kind_beg ConflictKind = iota
	ConflictPositionSize
	ConflictOrderQuantity
	ConflictOrderIdentity
	_conflict_kind_end
)

func (k ConflictKind) IsAvailable() bool {
	return k > _conflict_kind_beg && k < _conflict_kind_end
}

func (k ConflictKind) String() string {
	return enumString(k, conflictKindNames)
}

func (k ConflictKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ConflictKind) UnmarshalText(b []byte) error {
	return enumParse(b, conflictKindNames, k)
}

var conflictKindNames = map[ConflictKind]string{
	ConflictPositionSize:  "POSITION_SIZE",
	ConflictOrderQuantity: "ORDER_QUANTITY",
	ConflictOrderIdentity: "ORDER_IDENTITY",
}

// RecoveryConflict is an irreconcilable local/exchange mismatch.
type RecoveryConflict struct {
	ID            string          `json:"id"`
	Kind          ConflictKind    `json:"kind"`
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"clientOrderId"`
	Local         decimal.Decimal `json:"local"`
	Exchange      decimal.Decimal `json:"exchange"`
	Detail        string          `json:"detail"`
	AutoResolved  bool            `json:"autoResolved"`
	Acknowledged  bool            `json:"acknowledged"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

// Pending reports whether the conflict still blocks its symbol.
func (c RecoveryConflict) Pending() bool {
	return !c.AutoResolved && !c.Acknowledged
}
