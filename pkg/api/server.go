// Package api is the REST and WebSocket boundary of spec §6. It never
// mutates state directly — every write goes through pkg/orderservice, every
// read comes from pkg/ledger, gorm, or the pkg/marketdata cache, and every
// push to a connected client is relayed from pkg/eventbus. Its router and
// WebSocket hub are adapted from the teacher's pkg/api (Server/Hub/Client),
// generalized from a single consensus-driven broadcast into one eventbus
// subscription per connection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/marketdata"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderservice"
)

// Server wires the REST router and WebSocket hub to the trading core. It
// holds no mutable trading state of its own.
type Server struct {
	db     *gorm.DB
	orders *orderservice.Service
	lg     *ledger.Ledger
	market *marketdata.Cache
	bus    *eventbus.Bus
	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub
}

func NewServer(db *gorm.DB, orders *orderservice.Service, lg *ledger.Ledger, market *marketdata.Cache, bus *eventbus.Bus, log *zap.SugaredLogger) *Server {
	s := &Server{
		db:     db,
		orders: orders,
		lg:     lg,
		market: market,
		bus:    bus,
		log:    log,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/auth/register", notImplemented).Methods(http.MethodPost)
	s.router.HandleFunc("/auth/login", notImplemented).Methods(http.MethodPost)

	s.router.HandleFunc("/markets/pairs", s.handleListPairs).Methods(http.MethodGet)
	s.router.HandleFunc("/markets/ticker/{sym}", s.handleTicker).Methods(http.MethodGet)
	s.router.HandleFunc("/markets/orderbook/{sym}", s.handleOrderbook).Methods(http.MethodGet)
	s.router.HandleFunc("/markets/klines/{sym}", notImplemented).Methods(http.MethodGet)

	s.router.HandleFunc("/trading/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/trading/orders/{id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)

	s.router.HandleFunc("/wallets", s.handleWallets).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/price/{pair}", s.handleWSPrice)
	s.router.HandleFunc("/ws/orderbook/{pair}", s.handleWSOrderbook)
	s.router.HandleFunc("/ws/trading/{room}", s.handleWSTrading)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Start runs the hub and blocks serving addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID"},
		AllowCredentials: false,
	})

	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	var pairs []model.TradingPair
	if err := s.db.WithContext(r.Context()).Preload("BaseCurrency").Preload("QuoteCurrency").
		Where("status = ?", model.PairActive).Find(&pairs).Error; err != nil {
		respondErr(w, err)
		return
	}

	out := make([]PairInfo, len(pairs))
	for i, p := range pairs {
		out[i] = PairInfo{
			ID: p.ID, Symbol: p.Symbol, DisplayName: p.DisplayName,
			BaseAsset: p.BaseCurrency.Symbol, QuoteAsset: p.QuoteCurrency.Symbol,
			MarketType: string(p.MarketType), Status: string(p.Status),
			MinOrderSize: p.MinOrderSize, MaxOrderSize: p.MaxOrderSize,
			PricePrecision: p.PricePrecision, QuantityPrecision: p.QuantityPrecision,
			MakerFeeRate: p.MakerFeeRate, TakerFeeRate: p.TakerFeeRate,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := pathToSymbol(mux.Vars(r)["sym"])
	ticker, err := s.market.Ticker(r.Context(), symbol)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ticker)
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := pathToSymbol(mux.Vars(r)["sym"])
	top, err := s.market.OrderBookTop(r.Context(), symbol)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, top)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	var body SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, apperr.New(apperr.Validation, "invalid request body: %v", err))
		return
	}

	req := orderservice.SubmitRequest{
		UserID:        userID,
		PairID:        body.PairID,
		Type:          model.OrderType(body.Type),
		Side:          model.Side(body.Side),
		Quantity:      body.Quantity,
		Price:         body.Price,
		TimeInForce:   model.TimeInForce(body.TimeInForce),
		ClientOrderID: body.ClientOrderID,
	}

	res, err := s.orders.Submit(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toSubmitResponse(res))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, apperr.New(apperr.Validation, "invalid order id"))
		return
	}

	order, err := s.orders.Cancel(r.Context(), userID, orderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfo(order))
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	balances, err := s.lg.Snapshot(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}

	out := make([]WalletBalance, len(balances))
	for i, b := range balances {
		var currency model.Currency
		symbol := ""
		if err := s.db.WithContext(r.Context()).First(&currency, "id = ?", b.CurrencyID).Error; err == nil {
			symbol = currency.Symbol
		}
		out[i] = WalletBalance{
			CurrencyID: b.CurrencyID, CurrencySymbol: symbol,
			Total: b.Total, Frozen: b.Frozen, Available: b.Total.Sub(b.Frozen),
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	// auth and candle aggregation live outside the trading core (spec §1) —
	// an external collaborator serves these routes in a full deployment.
	respondJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "not_implemented", Message: "outside the trading core"})
}

// ==============================
// conversions & helpers
// ==============================

func toOrderInfo(o *model.Order) OrderInfo {
	return OrderInfo{
		ID: o.ID, ClientOrderID: o.ClientOrderID, PairID: o.PairID,
		Type: string(o.Type), Side: string(o.Side), Quantity: o.Quantity,
		Price: o.Price, Filled: o.Filled, Remaining: o.Remaining(),
		AvgFillPrice: o.AvgFillPrice, MakerFee: o.MakerFee, TakerFee: o.TakerFee, TotalFee: o.TotalFee,
		TimeInForce: string(o.TimeInForce), Status: string(o.Status), CreatedAt: o.CreatedAt,
	}
}

func toTradeInfo(t *model.Trade) TradeInfo {
	return TradeInfo{
		ID: t.ID, RestingOrderID: t.RestingOrderID, AggressorOrderID: t.AggressorOrderID,
		Price: t.Price, Quantity: t.Quantity, Value: t.Value, CreatedAt: t.CreatedAt,
	}
}

func toSubmitResponse(res *matching.Result) SubmitOrderResponse {
	trades := make([]TradeInfo, len(res.Trades))
	for i, t := range res.Trades {
		trades[i] = toTradeInfo(t)
	}
	return SubmitOrderResponse{Order: toOrderInfo(res.Order), Trades: trades}
}

// pathToSymbol restores a trading pair symbol from its URL-safe form
// (`/` substituted with `-`, spec §6) for both REST and WebSocket routes —
// applying the WS substitution uniformly to REST avoids every caller having
// to percent-encode a literal slash inside a path segment.
func pathToSymbol(seg string) string {
	return strings.ReplaceAll(seg, "-", "/")
}

func userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return uuid.Nil, apperr.New(apperr.Validation, "missing X-User-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.Validation, "malformed X-User-ID header: %v", err)
	}
	return id, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondErr(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		respondJSON(w, apperr.HTTPStatus(appErr.Code), ErrorResponse{Error: string(appErr.Code), Message: appErr.Message})
		return
	}
	respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "unexpected error"})
}
