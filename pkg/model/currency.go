package model

import "github.com/google/uuid"

// Currency is immutable once created; referenced by value in wallets and
// pairs (spec §3).
type Currency struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Symbol    string    `gorm:"uniqueIndex;size:16;not null"`
	Name      string    `gorm:"size:64;not null"`
	Precision int32     `gorm:"not null"` // places to the right of the decimal point
	Active    bool      `gorm:"not null;default:true"`
}

func (Currency) TableName() string { return "currencies" }

func NewCurrency(symbol, name string, precision int32) *Currency {
	return &Currency{
		ID:        uuid.New(),
		Symbol:    symbol,
		Name:      name,
		Precision: precision,
		Active:    true,
	}
}
