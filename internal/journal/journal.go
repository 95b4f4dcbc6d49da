// Package journal writes an audit trail of submissions and executions to
// Postgres. It is write-only: the broker stays the system of record and
// nothing here is ever read back into trading decisions.
package journal

import (
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dipper/internal/model"
)

// OrderRow records one order handed to the broker.
type OrderRow struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"index"`
	OrderID   string
	ClientID  string
	Tag       string
	Side      string
	Qty       int64
	Price     string
	CreatedAt time.Time
}

func (OrderRow) TableName() string { return "orders" }

// FillRow records one broker-reported execution.
type FillRow struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"index"`
	OrderID   string
	Tag       string
	Side      string
	Qty       int64
	Price     string
	FilledAt  time.Time
	CreatedAt time.Time
}

func (FillRow) TableName() string { return "fills" }

// Journal is a nil-safe handle; a nil Journal drops every write.
type Journal struct {
	db *gorm.DB
}

// Open connects and migrates the journal schema. An empty DSN disables the
// journal entirely.
func Open(dsn string) (*Journal, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRow{}, &FillRow{}); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordOrder journals a submission. Failures are logged, never propagated.
func (j *Journal) RecordOrder(symbol string, ref model.OrderRef, side model.OrderSide, qty int64, price string) {
	if j == nil || j.db == nil {
		return
	}
	row := OrderRow{
		Symbol:   symbol,
		OrderID:  ref.ID,
		ClientID: ref.ClientID,
		Tag:      ref.Tag.String(),
		Side:     side.String(),
		Qty:      qty,
		Price:    price,
	}
	if err := j.db.Create(&row).Error; err != nil {
		logs.Warnf("journal order write failed: %+v", err)
	}
}

// RecordFill journals an execution. Failures are logged, never propagated.
func (j *Journal) RecordFill(fill model.Fill, tag model.OrderTag) {
	if j == nil || j.db == nil {
		return
	}
	row := FillRow{
		Symbol:   fill.Symbol,
		OrderID:  fill.OrderID,
		Tag:      tag.String(),
		Side:     fill.Side.String(),
		Qty:      fill.Qty,
		Price:    fill.Price.String(),
		FilledAt: fill.At,
	}
	if err := j.db.Create(&row).Error; err != nil {
		logs.Warnf("journal fill write failed: %+v", err)
	}
}
