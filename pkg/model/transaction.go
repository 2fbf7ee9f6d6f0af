package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/apperr"
)

type TxnKind string

const (
	TxnDeposit    TxnKind = "deposit"
	TxnWithdrawal TxnKind = "withdrawal"
	TxnTrade      TxnKind = "trade"
	TxnTransfer   TxnKind = "transfer"
	TxnFee        TxnKind = "fee"
	TxnReward     TxnKind = "reward"
)

type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnFailed    TxnStatus = "failed"
	TxnCancelled TxnStatus = "cancelled"
)

// Transaction is an append-only journal entry (spec §3). Once Status
// reaches a terminal value it is never updated again.
type Transaction struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID       `gorm:"type:uuid;not null;index"`
	WalletID       uuid.UUID       `gorm:"type:uuid;not null;index"`
	Kind           TxnKind         `gorm:"size:16;not null"`
	Status         TxnStatus       `gorm:"size:16;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(36,8);not null"` // signed
	BalanceBefore  decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(36,8);not null"`
	Reference      string          `gorm:"size:128;index"`
	Description    string          `gorm:"size:256"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Transaction) TableName() string { return "transactions" }

func isTerminal(s TxnStatus) bool {
	return s == TxnCompleted || s == TxnFailed || s == TxnCancelled
}

func (t *Transaction) IsTerminal() bool { return isTerminal(t.Status) }

// CheckInvariant enforces spec §8 "Journal integrity": balance_after -
// balance_before = amount.
func (t *Transaction) CheckInvariant() error {
	if !t.BalanceAfter.Sub(t.BalanceBefore).Equal(t.Amount) {
		return apperr.New(apperr.Invariant, "transaction %s: balance_after - balance_before != amount", t.ID)
	}
	return nil
}
