package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PairInfo is the response shape for GET /markets/pairs.
type PairInfo struct {
	ID                uuid.UUID       `json:"id"`
	Symbol            string          `json:"symbol"`
	DisplayName       string          `json:"display_name"`
	BaseAsset         string          `json:"base_asset"`
	QuoteAsset        string          `json:"quote_asset"`
	MarketType        string          `json:"market_type"`
	Status            string          `json:"status"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MaxOrderSize      decimal.Decimal `json:"max_order_size"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
	MakerFeeRate      decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate      decimal.Decimal `json:"taker_fee_rate"`
}

// WalletBalance is one entry of GET /wallets.
type WalletBalance struct {
	CurrencyID     uuid.UUID       `json:"currency_id"`
	CurrencySymbol string          `json:"currency_symbol"`
	Total          decimal.Decimal `json:"total"`
	Frozen         decimal.Decimal `json:"frozen"`
	Available      decimal.Decimal `json:"available"`
}

// SubmitOrderRequest is the body of POST /trading/orders (spec §6).
type SubmitOrderRequest struct {
	PairID        uuid.UUID        `json:"pair_id"`
	Type          string           `json:"type"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price"`
	TimeInForce   string           `json:"time_in_force"`
	ClientOrderID *string          `json:"client_order_id"`
}

// TradeInfo is the trade shape embedded in an order-submission response.
type TradeInfo struct {
	ID               uuid.UUID       `json:"id"`
	RestingOrderID   uuid.UUID       `json:"resting_order_id"`
	AggressorOrderID uuid.UUID       `json:"aggressor_order_id"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Value            decimal.Decimal `json:"value"`
	CreatedAt        time.Time       `json:"created_at"`
}

// OrderInfo is the order shape returned by submit and cancel.
type OrderInfo struct {
	ID            uuid.UUID       `json:"id"`
	ClientOrderID *string         `json:"client_order_id,omitempty"`
	PairID        uuid.UUID       `json:"pair_id"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	MakerFee      decimal.Decimal `json:"maker_fee"`
	TakerFee      decimal.Decimal `json:"taker_fee"`
	TotalFee      decimal.Decimal `json:"total_fee"`
	TimeInForce   string          `json:"time_in_force"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SubmitOrderResponse is the response of POST /trading/orders.
type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

// ErrorResponse is returned for every non-2xx REST response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// wsEnvelope wraps every WebSocket push per spec §6 (`{type, data}`).
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
