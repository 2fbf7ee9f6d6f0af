package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/apperr"
)

// Wallet is one per (user, currency), auto-materialized on first reference
// (spec §3). It is mutated exclusively through pkg/ledger.
type Wallet struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_wallet_user_currency"`
	CurrencyID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_wallet_user_currency"`
	Total      decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Frozen     decimal.Decimal `gorm:"type:numeric(36,8);not null"`
}

func (Wallet) TableName() string { return "wallets" }

func NewWallet(userID, currencyID uuid.UUID) *Wallet {
	return &Wallet{
		ID:         uuid.New(),
		UserID:     userID,
		CurrencyID: currencyID,
		Total:      decimal.Zero,
		Frozen:     decimal.Zero,
	}
}

// Available is total minus frozen (spec §3 glossary).
func (w *Wallet) Available() decimal.Decimal {
	return w.Total.Sub(w.Frozen)
}

// CheckInvariant returns apperr.Invariant if frozen > total or either is
// negative (spec §8 "Freeze bound").
func (w *Wallet) CheckInvariant() error {
	if w.Total.IsNegative() {
		return apperr.New(apperr.Invariant, "wallet %s: negative total %s", w.ID, w.Total)
	}
	if w.Frozen.IsNegative() {
		return apperr.New(apperr.Invariant, "wallet %s: negative frozen %s", w.ID, w.Frozen)
	}
	if w.Frozen.GreaterThan(w.Total) {
		return apperr.New(apperr.Invariant, "wallet %s: frozen %s exceeds total %s", w.ID, w.Frozen, w.Total)
	}
	return nil
}
