// Package orderstore is the authoritative CRUD log over model.Order (spec
// §4.2). The order book (pkg/orderbook) is a rebuildable projection of what
// this store holds; writes to a single order are serialized per order id.
package orderstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/model"
)

type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (s *Store) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Create persists a new order row. Caller owns the order's id and initial
// status (normally model.StatusPending).
func (s *Store) Create(ctx context.Context, o *model.Order) error {
	lock := s.lockFor(o.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.db.WithContext(ctx).Create(o).Error
}

// Get loads an order by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.New(apperr.NotFound, "order %s not found", id)
		}
		return nil, err
	}
	return &o, nil
}

// GetByClientOrderID looks up an order by its caller-supplied idempotency
// key, used by the Order Service to dedupe resubmissions.
func (s *Store) GetByClientOrderID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND client_order_id = ?", userID, clientOrderID).
		First(&o).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// Update runs fn against the current persisted state of the order with its
// per-order lock held, then saves the result inside tx. fn is expected to
// call o.TransitionTo and mutate fill fields; it returns an error to abort
// without saving.
func (s *Store) Update(ctx context.Context, tx *gorm.DB, id uuid.UUID, fn func(o *model.Order) error) (*model.Order, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}

	var o model.Order
	if err := db.First(&o, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.New(apperr.NotFound, "order %s not found", id)
		}
		return nil, err
	}
	if err := fn(&o); err != nil {
		return nil, err
	}
	if err := db.Save(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// Save persists an order the caller already holds the authoritative
// in-memory copy of — the Matching Engine's position as the pair's single
// writer (spec §5) means it never needs Update's fetch-then-mutate
// roundtrip, only the same per-order lock Update uses.
func (s *Store) Save(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	lock := s.lockFor(o.ID)
	lock.Lock()
	defer lock.Unlock()
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	return db.Save(o).Error
}

// OpenByPair returns every non-terminal order on a pair, ordered by
// submission sequence — the input needed to rebuild the in-memory book
// after a restart (spec §4.2: "the Order Book is a rebuildable
// projection").
func (s *Store) OpenByPair(ctx context.Context, pairID uuid.UUID) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("pair_id = ? AND status IN ?", pairID, []model.OrderStatus{model.StatusPending, model.StatusPartialFilled}).
		Order("seq ASC").
		Find(&orders).Error
	return orders, err
}

// ListByUser returns a user's orders, most recent first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.Order, error) {
	var orders []model.Order
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}
