package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is an immutable execution record (spec §3). Price is always the
// resting (maker) order's price — the aggressor gets price improvement.
type Trade struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Seq           int64           `gorm:"not null;index"`
	PairID        uuid.UUID       `gorm:"type:uuid;not null;index"`
	RestingOrderID  uuid.UUID     `gorm:"type:uuid;not null;index"`
	AggressorOrderID uuid.UUID    `gorm:"type:uuid;not null;index"`
	BuyerID       uuid.UUID       `gorm:"type:uuid;not null;index"`
	SellerID      uuid.UUID       `gorm:"type:uuid;not null;index"`
	Price         decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Quantity      decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Value         decimal.Decimal `gorm:"type:numeric(36,8);not null"` // price * quantity
	BuyerFee      decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	SellerFee     decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	CreatedAt     time.Time       `gorm:"index"`
}

func (Trade) TableName() string { return "trades" }
