package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/money"
)

type MarketType string

const (
	MarketSpot    MarketType = "spot"    // the matched variant
	MarketFutures MarketType = "futures" // recorded only, never matched
)

type PairStatus string

const (
	PairActive      PairStatus = "active"
	PairInactive    PairStatus = "inactive"
	PairMaintenance PairStatus = "maintenance"
)

// TradingPair carries the parameters the Order Service and Matching Engine
// validate and quantize against (spec §3).
type TradingPair struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BaseCurrencyID   uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_pair_identity"`
	QuoteCurrencyID  uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_pair_identity"`
	Symbol           string     `gorm:"uniqueIndex;size:32;not null"` // composite, e.g. BTC/USDT
	DisplayName      string     `gorm:"size:64"`
	MarketType       MarketType `gorm:"size:16;not null;uniqueIndex:idx_pair_identity"`
	Status           PairStatus `gorm:"size:16;not null;default:active"`
	MinOrderSize     decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	MaxOrderSize     decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	PricePrecision   int32      `gorm:"not null"`
	QuantityPrecision int32     `gorm:"not null"`
	MakerFeeRate     decimal.Decimal `gorm:"type:numeric(10,6);not null"` // unit fraction, e.g. 0.001 = 10bps
	TakerFeeRate     decimal.Decimal `gorm:"type:numeric(10,6);not null"`

	BaseCurrency  Currency `gorm:"foreignKey:BaseCurrencyID"`
	QuoteCurrency Currency `gorm:"foreignKey:QuoteCurrencyID"`
}

func (TradingPair) TableName() string { return "trading_pairs" }

// Validate enforces the one structural invariant spec §3 names directly:
// base != quote. Everything else (size bounds, precision) is just data.
func (p *TradingPair) Validate() error {
	if p.BaseCurrencyID == p.QuoteCurrencyID {
		return fmt.Errorf("trading pair %s: base and quote currency must differ", p.Symbol)
	}
	return nil
}

func (p *TradingPair) IsActive() bool { return p.Status == PairActive }

// QuantizePrice/QuantizeQuantity round to the pair's declared precision,
// half-away-from-zero (spec §4.4 "Numerical discipline").
func (p *TradingPair) QuantizePrice(d decimal.Decimal) decimal.Decimal {
	return money.Quantize(d, p.PricePrecision)
}

func (p *TradingPair) QuantizeQuantity(d decimal.Decimal) decimal.Decimal {
	return money.Quantize(d, p.QuantityPrecision)
}
