package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/marketdata"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderbook"
	"github.com/kaionx/exchange/pkg/orderservice"
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
	srv    *Server
	db     *gorm.DB
	lg     *ledger.Ledger
	pair   *model.TradingPair
	quote  uuid.UUID
	mr     *miniredis.Miniredis
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
		ID: uuid.New(), BaseCurrencyID: base.ID, QuoteCurrencyID: quote.ID,
		Symbol: "BTC/USDT", DisplayName: "Bitcoin/Tether", MarketType: model.MarketSpot, Status: model.PairActive,
		MinOrderSize: dec("0.0001"), MaxOrderSize: dec("1000"),
		PricePrecision: 2, QuantityPrecision: 8,
		MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.001"),
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
	svc := orderservice.New(store, lg, svcNode, dec("0.05"))
	svc.RegisterPair(pair, writer)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	market := marketdata.New(rdb, bus, log)

	srv := NewServer(db, svc, lg, market, bus, log)

	return &harness{srv: srv, db: db, lg: lg, pair: pair, quote: quote.ID, mr: mr}
}

func (h *harness) credit(t *testing.T, userID, currencyID uuid.UUID, amount decimal.Decimal) {
	require.NoError(t, h.db.Transaction(func(tx *gorm.DB) error {
		return h.lg.SettleCredit(context.Background(), tx, userID, currencyID, amount, "seed")
	}))
}

func (h *harness) do(method, path string, userID *uuid.UUID, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != nil {
		req.Header.Set("X-User-ID", userID.String())
	}
	rec := httptest.NewRecorder()
	h.srv.router.ServeHTTP(rec, req)
	return rec
}

func TestListPairsReturnsOnlyActivePairs(t *testing.T) {
	h := newHarness(t)
	eth := model.NewCurrency("ETH", "Ethereum", 8)
	require.NoError(t, h.db.Create(eth).Error)
	require.NoError(t, h.db.Create(&model.TradingPair{
		ID: uuid.New(), BaseCurrencyID: eth.ID, QuoteCurrencyID: h.quote,
		Symbol: "ETH/USDT", DisplayName: "Ethereum/Tether", MarketType: model.MarketSpot, Status: model.PairInactive,
		MinOrderSize: dec("0.001"), MaxOrderSize: dec("1000"),
		PricePrecision: 2, QuantityPrecision: 8,
		MakerFeeRate: dec("0.001"), TakerFeeRate: dec("0.001"),
	}).Error)

	rec := h.do(http.MethodGet, "/markets/pairs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pairs []PairInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	require.Len(t, pairs, 1)
	assert.Equal(t, "BTC/USDT", pairs[0].Symbol)
	assert.Equal(t, "BTC", pairs[0].BaseAsset)
	assert.Equal(t, "USDT", pairs[0].QuoteAsset)
}

func TestTickerReturnsNotFoundBeforeAnyActivity(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/markets/ticker/BTC-USDT", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitOrderRequiresUserIDHeader(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/trading/orders", nil, SubmitOrderRequest{
		PairID: h.pair.ID, Type: "limit", Side: "buy", Quantity: dec("1"), Price: ptr(dec("50000")), TimeInForce: "GTC",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitLimitOrderCreatesPendingOrder(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	rec := h.do(http.MethodPost, "/trading/orders", &alice, SubmitOrderRequest{
		PairID: h.pair.ID, Type: "limit", Side: "buy", Quantity: dec("1"), Price: ptr(dec("50000")), TimeInForce: "GTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Order.Status)
	assert.True(t, resp.Order.Remaining.Equal(dec("1")))
}

func TestSubmitOrderRejectsBadPair(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	rec := h.do(http.MethodPost, "/trading/orders", &alice, SubmitOrderRequest{
		PairID: uuid.New(), Type: "limit", Side: "buy", Quantity: dec("1"), Price: ptr(dec("1")), TimeInForce: "GTC",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrderRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	rec := h.do(http.MethodPost, "/trading/orders", &alice, SubmitOrderRequest{
		PairID: h.pair.ID, Type: "limit", Side: "buy", Quantity: dec("1"), Price: ptr(dec("50000")), TimeInForce: "GTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	cancelRec := h.do(http.MethodPost, "/trading/orders/"+resp.Order.ID.String()+"/cancel", &alice, nil)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var cancelled OrderInfo
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)
}

func TestCancelOrderWrongOwnerIsForbidden(t *testing.T) {
	h := newHarness(t)
	alice, mallory := uuid.New(), uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	rec := h.do(http.MethodPost, "/trading/orders", &alice, SubmitOrderRequest{
		PairID: h.pair.ID, Type: "limit", Side: "buy", Quantity: dec("1"), Price: ptr(dec("50000")), TimeInForce: "GTC",
	})
	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	cancelRec := h.do(http.MethodPost, "/trading/orders/"+resp.Order.ID.String()+"/cancel", &mallory, nil)
	assert.Equal(t, http.StatusForbidden, cancelRec.Code)
}

func TestWalletsReturnsBalancesWithCurrencySymbol(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.credit(t, alice, h.quote, dec("100000"))

	rec := h.do(http.MethodGet, "/wallets", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var balances []WalletBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].CurrencySymbol)
	assert.True(t, balances[0].Available.Equal(dec("100000")))
}

func TestAuthAndKlinesRoutesAreNotImplemented(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotImplemented, h.do(http.MethodPost, "/auth/register", nil, nil).Code)
	assert.Equal(t, http.StatusNotImplemented, h.do(http.MethodPost, "/auth/login", nil, nil).Code)
	assert.Equal(t, http.StatusNotImplemented, h.do(http.MethodGet, "/markets/klines/BTC-USDT", nil, nil).Code)
}

func TestPathToSymbolRestoresSlash(t *testing.T) {
	assert.Equal(t, "BTC/USDT", pathToSymbol("BTC-USDT"))
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
