package store

import (
	"context"
	"time"

	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

var _ Repository = (*Gorm)(nil)

type recordRow struct {
	Seq     uint64    `gorm:"column:seq;primaryKey;autoIncrement"`
	Kind    uint8     `gorm:"column:kind;not null;index:idx_records_kind_symbol"`
	Symbol  string    `gorm:"column:symbol;size:32;index:idx_records_kind_symbol"`
	Key     string    `gorm:"column:record_key;size:64;index"`
	At      time.Time `gorm:"column:at;not null;index"`
	Payload []byte    `gorm:"column:payload"`
}

func (recordRow) TableName() string {
	return "trade_records"
}

// Gorm persists records in a relational table. Each Append is its own
// committed transaction, so a nil error means the row is durable.
type Gorm struct {
	db *gorm.DB
}

// NewGorm migrates the records table and returns the repository.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, errors.Wrap(err, "auto migrate trade_records")
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Append(ctx context.Context, r Record) (uint64, error) {
	row := recordRow{
		Kind:    uint8(r.Kind),
		Symbol:  r.Symbol,
		Key:     r.Key,
		At:      r.At.UTC(),
		Payload: r.Payload,
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, errors.Wrapf(exception.ErrStoreNotAcknowledged, "append %s %s, err: %+v", r.Kind, r.Key, err)
	}
	return row.Seq, nil
}

func (g *Gorm) Query(ctx context.Context, c Criteria) ([]Record, error) {
	tx := g.db.WithContext(ctx).Model(&recordRow{})
	if c.Kind != 0 {
		tx = tx.Where("kind = ?", uint8(c.Kind))
	}
	if c.Symbol != "" {
		tx = tx.Where("symbol = ?", c.Symbol)
	}
	if c.Key != "" {
		tx = tx.Where("record_key = ?", c.Key)
	}
	if !c.Since.IsZero() {
		tx = tx.Where("at >= ?", c.Since.UTC())
	}
	if c.Limit > 0 {
		tx = tx.Limit(c.Limit)
	}

	var rows []recordRow
	if err := tx.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query trade_records")
	}
	result := make([]Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, Record{
			Seq:     row.Seq,
			Kind:    Kind(row.Kind),
			Symbol:  row.Symbol,
			Key:     row.Key,
			At:      row.At,
			Payload: row.Payload,
		})
	}
	return result, nil
}

// Close is a no-op; the pool belongs to conn.Client.
func (g *Gorm) Close() error {
	return nil
}
