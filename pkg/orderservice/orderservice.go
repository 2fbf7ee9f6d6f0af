// Package orderservice is the public boundary for order admission (spec
// §4.5): validation, reservation sizing, freezing, persistence, and
// handoff to the pair's matching writer. Nothing outside this package
// freezes funds or calls orderstore.Create for a new order.
package orderservice

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/money"
	"github.com/kaionx/exchange/pkg/orderstore"
)

// pairEntry bundles the static pair metadata with its live writer — the
// two are always registered together (one matching.PairWriter per pair,
// spec §5).
type pairEntry struct {
	pair   *model.TradingPair
	writer *matching.PairWriter
}

// Liveness is notified of real order flow on a pair — pkg/simulator
// implements it to reset a pair's quiet-tick counter (spec §4.7: the
// simulator "disables itself once the Matching Engine reports real
// activity on a pair within the configured window").
type Liveness interface {
	Touch(pairID uuid.UUID)
}

// Service is the Order Service of spec §4.5.
type Service struct {
	orders      *orderstore.Store
	ledger      *ledger.Ledger
	snow        *snowflake.Node
	slippageCap decimal.Decimal
	liveness    Liveness

	mu    sync.RWMutex
	pairs map[uuid.UUID]pairEntry
}

// SetLiveness wires the market simulator's activity tracker. Optional — a
// Service with no liveness tracker set simply never touches one.
func (s *Service) SetLiveness(l Liveness) { s.liveness = l }

func New(orders *orderstore.Store, lg *ledger.Ledger, snow *snowflake.Node, slippageCap decimal.Decimal) *Service {
	return &Service{
		orders:      orders,
		ledger:      lg,
		snow:        snow,
		slippageCap: slippageCap,
		pairs:       make(map[uuid.UUID]pairEntry),
	}
}

// RegisterPair makes a pair tradable through this service. Called once per
// pair, inactive ones included, during startup wiring (cmd/exchange).
func (s *Service) RegisterPair(pair *model.TradingPair, writer *matching.PairWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.ID] = pairEntry{pair: pair, writer: writer}
}

func (s *Service) entry(pairID uuid.UUID) (pairEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pairs[pairID]
	return e, ok
}

// SubmitRequest carries the parameters of spec §4.5's submit().
type SubmitRequest struct {
	UserID        uuid.UUID
	PairID        uuid.UUID
	Type          model.OrderType
	Side          model.Side
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TimeInForce   model.TimeInForce
	ClientOrderID *string

	// MaxQueueDepth is the caller's optional deadline on the pair writer's
	// queue depth (spec §5): if the writer already has this many or more
	// submissions ahead of this one, Submit returns Overloaded without
	// freezing funds. Zero means no preference — only the writer's
	// configured capacity bounds admission.
	MaxQueueDepth int
}

// Submit validates, reserves funds for, persists, and dispatches a new
// order, following spec §4.5 step by step.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*matching.Result, error) {
	entry, ok := s.entry(req.PairID)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "trading pair %s not found", req.PairID)
	}
	pair := entry.pair

	if req.ClientOrderID != nil {
		existing, err := s.orders.GetByClientOrderID(ctx, req.UserID, *req.ClientOrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &matching.Result{Order: existing}, nil
		}
	}

	if err := s.validate(pair, req); err != nil {
		return nil, err
	}

	reservedCurrency, reservedAmount, err := s.reservation(entry, req)
	if err != nil {
		return nil, err
	}

	// Capacity is checked before funds are frozen so an Overloaded rejection
	// never leaves a stranded reservation behind (spec §5).
	if !entry.writer.HasCapacity(req.MaxQueueDepth) {
		return nil, apperr.New(apperr.Overloaded, "pair %s writer queue is full", pair.Symbol)
	}

	ref := "order:" + uuid.New().String()
	if _, err := s.ledger.Freeze(ctx, req.UserID, reservedCurrency, reservedAmount, ref); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:               uuid.New(),
		Seq:              s.snow.Generate().Int64(),
		ClientOrderID:    req.ClientOrderID,
		UserID:           req.UserID,
		PairID:           req.PairID,
		Type:             req.Type,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Price:            req.Price,
		TimeInForce:      req.TimeInForce,
		Status:           model.StatusPending,
		ReservedCurrency: reservedCurrency,
		ReservedAmount:   reservedAmount,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	if s.liveness != nil {
		s.liveness.Touch(req.PairID)
	}
	return entry.writer.Submit(ctx, order)
}

func (s *Service) validate(pair *model.TradingPair, req SubmitRequest) error {
	if !pair.IsActive() {
		return apperr.New(apperr.Validation, "pair %s is not active", pair.Symbol)
	}
	if !req.Type.Matchable() {
		return apperr.New(apperr.Validation, "order type %s is accepted but has no trigger evaluator yet", req.Type)
	}
	if req.Quantity.LessThan(pair.MinOrderSize) || req.Quantity.GreaterThan(pair.MaxOrderSize) {
		return apperr.New(apperr.Validation, "quantity %s outside [%s, %s] for %s", req.Quantity, pair.MinOrderSize, pair.MaxOrderSize, pair.Symbol)
	}
	if req.Type == model.OrderLimit && req.Price == nil {
		return apperr.New(apperr.Validation, "limit order requires a price")
	}
	return nil
}

// reservation computes the amount and currency to freeze for req (spec §4.5
// step 2).
func (s *Service) reservation(entry pairEntry, req SubmitRequest) (uuid.UUID, decimal.Decimal, error) {
	pair := entry.pair

	if req.Type == model.OrderLimit {
		if req.Side == model.Buy {
			return pair.QuoteCurrencyID, money.ForStorage(req.Quantity.Mul(*req.Price)), nil
		}
		return pair.BaseCurrencyID, money.ForStorage(req.Quantity), nil
	}

	// Market order.
	if req.Side == model.Buy {
		ask, ok := entry.writer.BestAsk()
		if !ok {
			return uuid.Nil, decimal.Zero, apperr.New(apperr.NoLiquidity, "pair %s: no resting asks for market buy", pair.Symbol)
		}
		slipMult := decimal.NewFromInt(1).Add(s.slippageCap)
		return pair.QuoteCurrencyID, money.ForStorage(req.Quantity.Mul(ask).Mul(slipMult)), nil
	}
	if _, ok := entry.writer.BestBid(); !ok && (req.TimeInForce == model.IOC || req.TimeInForce == model.FOK) {
		return uuid.Nil, decimal.Zero, apperr.New(apperr.NoLiquidity, "pair %s: no resting bids for market sell", pair.Symbol)
	}
	return pair.BaseCurrencyID, money.ForStorage(req.Quantity), nil
}

// Cancel terminates a resting or partially filled order (spec §4.5
// "cancel"). Re-cancelling a terminal order is a no-op that returns its
// current state rather than an error.
func (s *Service) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.New(apperr.Forbidden, "order %s does not belong to user %s", orderID, userID)
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	entry, ok := s.entry(order.PairID)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "trading pair %s not found", order.PairID)
	}
	if s.liveness != nil {
		s.liveness.Touch(order.PairID)
	}
	res, err := entry.writer.Cancel(ctx, order)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}
