// Package levelstore persists model.OrderBookLevel, the denormalized
// relational cache of a pair's book (spec §3, §9). It exists so a REST
// reader or a restarted process that has not yet rebuilt pkg/orderbook
// still has a relational fallback view; pkg/orderbook stays authoritative
// for anything matching itself reads.
package levelstore

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderbook"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Sync replaces every row for pairID with the given levels. Level counts per
// pair are small (order of depth configured for the simulator and the book's
// own top-N), so a delete-then-recreate each call is simpler than a
// conditional upsert and cheap enough at this scale.
func (s *Store) Sync(ctx context.Context, pairID uuid.UUID, bids, asks []orderbook.Level) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pair_id = ?", pairID).Delete(&model.OrderBookLevel{}).Error; err != nil {
			return err
		}
		rows := make([]model.OrderBookLevel, 0, len(bids)+len(asks))
		for _, lv := range bids {
			rows = append(rows, row(pairID, model.Buy, lv))
		}
		for _, lv := range asks {
			rows = append(rows, row(pairID, model.Sell, lv))
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func row(pairID uuid.UUID, side model.Side, lv orderbook.Level) model.OrderBookLevel {
	return model.OrderBookLevel{
		ID:       uuid.New(),
		PairID:   pairID,
		Side:     side,
		Price:    lv.Price,
		Quantity: lv.Quantity,
		Count:    lv.Count,
	}
}

// DeleteByPair clears every cached level row for a pair outright.
func (s *Store) DeleteByPair(ctx context.Context, pairID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("pair_id = ?", pairID).Delete(&model.OrderBookLevel{}).Error
}
