package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderBookLevel is a cache of the Matching Engine's in-memory book (spec
// §3, §9): "the spec treats the denormalized table as a cache of the
// engine's internal book and requires the engine to own all writes to it;
// simulator writes are restricted to pairs with no live flow." It exists so
// REST/WS consumers and process restarts have a relational fallback view,
// but pkg/orderbook is authoritative in-memory.
type OrderBookLevel struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PairID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_level_identity"`
	Side     Side            `gorm:"size:8;not null;uniqueIndex:idx_level_identity"`
	Price    decimal.Decimal `gorm:"type:numeric(36,8);not null;uniqueIndex:idx_level_identity"`
	Quantity decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Count    int             `gorm:"not null"`
}

func (OrderBookLevel) TableName() string { return "order_book_levels" }
