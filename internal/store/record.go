package store

import (
	"context"
	"strings"
	"time"

	"tradecore/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Kind identifies what a Record holds.
type Kind uint8

const (
	_kind_beg Kind = iota
	KindSignal
	KindOrderRequest
	KindOrderTransition
	KindFill
	KindRiskChange
	KindConflict
	KindCheckpoint
	_kind_end
)

func (k Kind) IsAvailable() bool {
	return k > _kind_beg && k < _kind_end
}

var kindNames = map[Kind]string{
	KindSignal:          "SIGNAL",
	KindOrderRequest:    "ORDER_REQUEST",
	KindOrderTransition: "ORDER_TRANSITION",
	KindFill:            "FILL",
	KindRiskChange:      "RISK_CHANGE",
	KindConflict:        "CONFLICT",
	KindCheckpoint:      "CHECKPOINT",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, errors.Wrapf(exception.ErrInvalidArgument, "unknown record kind %q", s)
}

// Record is one append-only persistence entry. Seq is assigned by the
// repository on append and is strictly increasing.
type Record struct {
	Seq     uint64
	Kind    Kind
	Symbol  string
	Key     string
	At      time.Time
	Payload []byte
}

// Criteria selects records. Zero fields match everything; Limit 0 is
// unbounded. Results are ordered by Seq.
type Criteria struct {
	Kind   Kind
	Symbol string
	Key    string
	Since  time.Time
	Limit  int
}

// Match reports whether r satisfies c.
func (c Criteria) Match(r Record) bool {
	if c.Kind != 0 && c.Kind != r.Kind {
		return false
	}
	if c.Symbol != "" && c.Symbol != r.Symbol {
		return false
	}
	if c.Key != "" && c.Key != r.Key {
		return false
	}
	if !c.Since.IsZero() && r.At.Before(c.Since) {
		return false
	}
	return true
}

// Repository is the narrow persistence contract of the core. Append returns
// only after the record is durable; callers proceed with side effects only on
// a nil error.
type Repository interface {
	Append(ctx context.Context, r Record) (uint64, error)
	Query(ctx context.Context, c Criteria) ([]Record, error)
	Close() error
}

// NewRecord encodes payload with sonic into a Record.
func NewRecord(kind Kind, symbol, key string, at time.Time, payload any) (Record, error) {
	buf, err := sonic.Marshal(payload)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s payload", kind)
	}
	return Record{Kind: kind, Symbol: symbol, Key: key, At: at, Payload: buf}, nil
}

// Decode unmarshals the payload of r into a T.
func Decode[T any](r Record) (T, error) {
	var v T
	if err := sonic.Unmarshal(r.Payload, &v); err != nil {
		return v, errors.Wrapf(exception.ErrStoreCorrupted, "decode %s seq %d, err: %+v", r.Kind, r.Seq, err)
	}
	return v, nil
}

// Last returns the newest record matching c.
func Last(ctx context.Context, repo Repository, c Criteria) (Record, bool, error) {
	c.Limit = 0
	records, err := repo.Query(ctx, c)
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[len(records)-1], true, nil
}
