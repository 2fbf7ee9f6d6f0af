package orderservice

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderbook"
	"github.com/kaionx/exchange/pkg/orderstore"
	"github.com/kaionx/exchange/pkg/util"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type harness struct {
	svc    *Service
	db     *gorm.DB
	lg     *ledger.Ledger
	orders *orderstore.Store
	pair   *model.TradingPair
	baseID uuid.UUID
	quote  uuid.UUID
	writer *matching.PairWriter
}

func newHarness(t *testing.T) *harness {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Currency{}, &model.TradingPair{}, &model.Wallet{}, &model.Transaction{}, &model.Order{}, &model.Trade{}, &model.OrderBookLevel{}))

	base := model.NewCurrency("BTC", "Bitcoin", 8)
	quote := model.NewCurrency("USDT", "Tether", 8)
	require.NoError(t, db.Create(base).Error)
	require.NoError(t, db.Create(quote).Error)

	pair := &model.TradingPair{
		ID:                uuid.New(),
		BaseCurrencyID:    base.ID,
		QuoteCurrencyID:   quote.ID,
		Symbol:            "BTC/USDT",
		MarketType:        model.MarketSpot,
		Status:            model.PairActive,
		MinOrderSize:      dec("0.0001"),
		MaxOrderSize:      dec("1000"),
		PricePrecision:    2,
		QuantityPrecision: 8,
		MakerFeeRate:      dec("0.001"),
		TakerFeeRate:      dec("0.001"),
	}
	require.NoError(t, db.Create(pair).Error)

	log := zap.NewNop().Sugar()
	lg := ledger.New(db, log)
	store := orderstore.New(db)
	book := orderbook.New(pair.Symbol)
	levels := levelstore.New(db)
	bus := eventbus.New(log, 64)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	writer := matching.NewPairWriter(pair, book, store, lg, levels, nil, bus, node, util.RealClock{}, log, 128)

	svcNode, err := snowflake.NewNode(2)
	require.NoError(t, err)
	svc := New(store, lg, svcNode, dec("0.05"))
	svc.RegisterPair(pair, writer)

	return &harness{svc: svc, db: db, lg: lg, orders: store, pair: pair, baseID: base.ID, quote: quote.ID, writer: writer}
}

func (h *harness) credit(t *testing.T, userID, currencyID uuid.UUID, amount decimal.Decimal) {
	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		return h.lg.SettleCredit(context.Background(), tx, userID, currencyID, amount, "seed")
	}))
}

func TestSubmitLimitBuyFreezesQuoteReservation(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	price := dec("50000")
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, res.Order.Status)

	balances, err := h.lg.Snapshot(context.Background(), alice)
	require.NoError(t, err)
	var frozen decimal.Decimal
	for _, b := range balances {
		if b.CurrencyID == h.quote {
			frozen = b.Frozen
		}
	}
	assert.True(t, frozen.Equal(dec("50000")))
}

func TestSubmitRejectsInactivePair(t *testing.T) {
	h := newHarness(t)
	h.pair.Status = model.PairInactive
	require.NoError(t, h.db.Save(h.pair).Error)
	h.svc.RegisterPair(h.pair, h.writer)

	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))
	price := dec("50000")
	_, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC,
	})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestSubmitMarketBuyRejectsWithNoAsks(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	_, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderMarket, Side: model.Buy,
		Quantity: dec("1"), TimeInForce: model.IOC,
	})
	assert.True(t, apperr.Is(err, apperr.NoLiquidity))

	balances, err := h.lg.Snapshot(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Frozen.IsZero(), "a rejected submission must not leave a reservation behind")
}

func TestSubmitIsIdempotentOnClientOrderID(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	clientID := "retry-key-1"
	price := dec("50000")
	first, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC, ClientOrderID: &clientID,
	})
	require.NoError(t, err)

	second, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC, ClientOrderID: &clientID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	balances, err := h.lg.Snapshot(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, balances[0].Frozen.Equal(dec("50000")), "a resubmitted client order id must not freeze a second time")
}

func TestCancelUnfreezesRemainder(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	price := dec("50000")
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, res.Order.Status)

	cancelled, err := h.svc.Cancel(context.Background(), alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	balances, err := h.lg.Snapshot(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, balances[0].Frozen.IsZero())
	assert.True(t, balances[0].Total.Equal(dec("100000")))

	_, ok := h.writer.BestBid()
	assert.False(t, ok, "cancelled order must be removed from the book")
}

func TestCancelIsIdempotentOnTerminalOrder(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	price := dec("50000")
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC,
	})
	require.NoError(t, err)

	first, err := h.svc.Cancel(context.Background(), alice, res.Order.ID)
	require.NoError(t, err)
	second, err := h.svc.Cancel(context.Background(), alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, model.StatusCancelled, second.Status)
}

func TestCancelRejectsWrongUser(t *testing.T) {
	h := newHarness(t)
	alice, mallory := uuid.New(), uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	price := dec("50000")
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		UserID: alice, PairID: h.pair.ID, Type: model.OrderLimit, Side: model.Buy,
		Quantity: dec("1"), Price: &price, TimeInForce: model.GTC,
	})
	require.NoError(t, err)

	_, err = h.svc.Cancel(context.Background(), mallory, res.Order.ID)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}
