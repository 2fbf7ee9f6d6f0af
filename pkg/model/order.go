package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/apperr"
)

type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStop       OrderType = "stop"
	OrderStopLimit  OrderType = "stop_limit"
)

// Matchable reports whether the order type participates in matching (spec
// §3: "only market and limit are matched; stop variants are accepted but
// held inert").
func (t OrderType) Matchable() bool {
	return t == OrderMarket || t == OrderLimit
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusPartialFilled  OrderStatus = "partial_filled"
	StatusFilled         OrderStatus = "filled"
	StatusCancelled      OrderStatus = "cancelled"
	StatusRejected       OrderStatus = "rejected"
)

// IsTerminal reports whether a status is permanent (spec §3).
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// orderTransitions encodes the DAG from spec §3:
//
//	pending -> partial_filled -> filled
//	   |             |
//	   +-> cancelled |-> cancelled
//	   +-> rejected  +-> filled
var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusPartialFilled: true,
		StatusFilled:        true,
		StatusCancelled:     true,
		StatusRejected:      true,
	},
	StatusPartialFilled: {
		StatusFilled:    true,
		StatusCancelled: true,
		StatusRejected:  true, // a mid-fill ledger invariant failure aborts an order that already has partial fills
	},
}

// Order mirrors spec §3 exactly.
type Order struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Seq              int64           `gorm:"not null;index"` // snowflake ID: submission order, used for price-time ties
	ClientOrderID    *string         `gorm:"size:64;index"`
	UserID           uuid.UUID       `gorm:"type:uuid;not null;index"`
	PairID           uuid.UUID       `gorm:"type:uuid;not null;index"`
	Type             OrderType       `gorm:"size:16;not null"`
	Side             Side            `gorm:"size:8;not null"`
	Quantity         decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Price            *decimal.Decimal `gorm:"type:numeric(36,8)"` // required for limit; ignored for market
	Filled           decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	AvgFillPrice     decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	MakerFee         decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	TakerFee         decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	TotalFee         decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	TimeInForce      TimeInForce     `gorm:"size:8;not null"`
	Status           OrderStatus     `gorm:"size:16;not null;index"`
	ReservedCurrency uuid.UUID       `gorm:"type:uuid;not null"` // currency the reservation was frozen in
	ReservedAmount   decimal.Decimal `gorm:"type:numeric(36,8);not null"` // amount originally frozen
	CreatedAt        time.Time       `gorm:"index"`
	UpdatedAt        time.Time
	FilledAt         *time.Time
}

func (Order) TableName() string { return "orders" }

// Remaining is quantity - filled (spec §3).
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// TransitionTo enforces the DAG of spec §3 regardless of caller (Order
// Store, Matching Engine, Order Service all funnel through this).
func (o *Order) TransitionTo(next OrderStatus) error {
	if o.Status == next {
		return nil
	}
	if o.Status.IsTerminal() {
		return apperr.New(apperr.Invariant, "order %s: cannot transition out of terminal status %s", o.ID, o.Status)
	}
	allowed := orderTransitions[o.Status]
	if allowed == nil || !allowed[next] {
		return apperr.New(apperr.Invariant, "order %s: illegal transition %s -> %s", o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}
