// Package marketdata is the read-through cache behind the ticker and
// order-book-top-N REST reads of spec §6 (`/markets/ticker/{sym}`,
// `/markets/orderbook/{sym}`). It subscribes to pkg/eventbus rather than
// touching the matching engine directly, computes the 24h rollups spec
// §4.6 names for `price.<pair>`, and republishes them so WebSocket
// subscribers and the cache stay in sync from one source of truth.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderbook"
	"github.com/kaionx/exchange/pkg/simulator"
)

// Ticker is the payload of spec §6's ticker read and `/ws/price/{pair}`.
type Ticker struct {
	Price            decimal.Decimal `json:"price"`
	Change24h        decimal.Decimal `json:"change_24h"`
	ChangePercent24h decimal.Decimal `json:"change_percent_24h"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	High24h          decimal.Decimal `json:"high_24h"`
	Low24h           decimal.Decimal `json:"low_24h"`
	Timestamp        time.Time       `json:"timestamp"`
}

// BookTop is the payload of spec §6's order book read and
// `/ws/orderbook/{pair}`.
type BookTop struct {
	Bids []orderbook.Level `json:"bids"`
	Asks []orderbook.Level `json:"asks"`
}

type tradePoint struct {
	price decimal.Decimal
	qty   decimal.Decimal
	at    time.Time
}

// window is the 24h rolling trade history behind one pair's Ticker.
type window struct {
	mu     sync.Mutex
	points []tradePoint
}

func (w *window) add(p tradePoint, horizon time.Duration) Ticker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
	cutoff := p.at.Add(-horizon)
	i := 0
	for i < len(w.points) && w.points[i].at.Before(cutoff) {
		i++
	}
	w.points = w.points[i:]

	t := Ticker{Price: p.price, Timestamp: p.at}
	if len(w.points) == 0 {
		return t
	}
	t.High24h = w.points[0].price
	t.Low24h = w.points[0].price
	t.Volume24h = decimal.Zero
	for _, pt := range w.points {
		if pt.price.GreaterThan(t.High24h) {
			t.High24h = pt.price
		}
		if pt.price.LessThan(t.Low24h) {
			t.Low24h = pt.price
		}
		t.Volume24h = t.Volume24h.Add(pt.qty)
	}
	open := w.points[0].price
	t.Change24h = p.price.Sub(open)
	if open.IsPositive() {
		t.ChangePercent24h = t.Change24h.Div(open).Mul(decimal.NewFromInt(100))
	}
	return t
}

// Cache is the marketdata component of spec §4.6/§6.
type Cache struct {
	rdb *redis.Client
	bus *eventbus.Bus
	log *zap.SugaredLogger
	ttl time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

func New(rdb *redis.Client, bus *eventbus.Bus, log *zap.SugaredLogger) *Cache {
	return &Cache{
		rdb:     rdb,
		bus:     bus,
		log:     log,
		ttl:     0, // ticker/book keys are kept fresh by live updates, not expiry
		windows: make(map[string]*window),
	}
}

func (c *Cache) windowFor(symbol string) *window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[symbol]
	if !ok {
		w = &window{}
		c.windows[symbol] = w
	}
	return w
}

// Watch subscribes to a pair's trade, price and book topics and keeps the
// redis cache current until ctx is cancelled. Called once per pair during
// startup wiring.
func (c *Cache) Watch(ctx context.Context, symbol string) {
	trades := c.bus.Subscribe("marketdata:trade:"+symbol, "trade."+symbol)
	prices := c.bus.Subscribe("marketdata:price:"+symbol, "price."+symbol)
	books := c.bus.Subscribe("marketdata:book:"+symbol, "book."+symbol)

	go func() {
		defer trades.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-trades.C():
				if !ok {
					return
				}
				trade, ok := ev.Payload.(*model.Trade)
				if !ok {
					continue
				}
				c.onTrade(ctx, symbol, trade)
			}
		}
	}()

	// The simulator publishes on the same price.<symbol> topic this cache
	// republishes computed tickers to; a self-delivered Ticker simply fails
	// the type assertion below and is dropped.
	go func() {
		defer prices.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-prices.C():
				if !ok {
					return
				}
				tick, ok := ev.Payload.(simulator.PriceTick)
				if !ok {
					continue
				}
				c.onPriceTick(ctx, symbol, tick)
			}
		}
	}()

	go func() {
		defer books.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-books.C():
				if !ok {
					return
				}
				snap, ok := ev.Payload.(matching.BookSnapshot)
				if !ok {
					continue
				}
				c.onBook(ctx, symbol, snap)
			}
		}
	}()
}

func (c *Cache) onTrade(ctx context.Context, symbol string, trade *model.Trade) {
	w := c.windowFor(symbol)
	ticker := w.add(tradePoint{price: trade.Price, qty: trade.Quantity, at: trade.CreatedAt}, 24*time.Hour)

	payload, err := json.Marshal(ticker)
	if err != nil {
		c.log.Errorw("marketdata_marshal_failed", "symbol", symbol, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, tickerKey(symbol), payload, c.ttl).Err(); err != nil {
		c.log.Errorw("marketdata_redis_set_failed", "symbol", symbol, "error", err)
		return
	}
	c.bus.Publish("price."+symbol, ticker)
}

// onPriceTick folds a simulator-driven price walk into the same 24h window
// a real trade feeds, with zero volume, so a quiet pair's ticker price
// still moves for readers even though nothing actually traded.
func (c *Cache) onPriceTick(ctx context.Context, symbol string, tick simulator.PriceTick) {
	w := c.windowFor(symbol)
	ticker := w.add(tradePoint{price: tick.Price, qty: decimal.Zero, at: tick.At}, 24*time.Hour)

	payload, err := json.Marshal(ticker)
	if err != nil {
		c.log.Errorw("marketdata_marshal_failed", "symbol", symbol, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, tickerKey(symbol), payload, c.ttl).Err(); err != nil {
		c.log.Errorw("marketdata_redis_set_failed", "symbol", symbol, "error", err)
	}
}

func (c *Cache) onBook(ctx context.Context, symbol string, snap matching.BookSnapshot) {
	top := BookTop{Bids: snap.Bids, Asks: snap.Asks}
	payload, err := json.Marshal(top)
	if err != nil {
		c.log.Errorw("marketdata_marshal_failed", "symbol", symbol, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, bookKey(symbol), payload, c.ttl).Err(); err != nil {
		c.log.Errorw("marketdata_redis_set_failed", "symbol", symbol, "error", err)
	}
}

// Ticker returns the last cached ticker for symbol, apperr.NotFound if the
// pair has never traded.
func (c *Cache) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	raw, err := c.rdb.Get(ctx, tickerKey(symbol)).Bytes()
	if err == redis.Nil {
		return nil, apperr.New(apperr.NotFound, "no ticker cached for %s", symbol)
	}
	if err != nil {
		return nil, err
	}
	var t Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// OrderBookTop returns the last cached top-of-book for symbol,
// apperr.NotFound if nothing has been published yet.
func (c *Cache) OrderBookTop(ctx context.Context, symbol string) (*BookTop, error) {
	raw, err := c.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if err == redis.Nil {
		return nil, apperr.New(apperr.NotFound, "no order book cached for %s", symbol)
	}
	if err != nil {
		return nil, err
	}
	var top BookTop
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	return &top, nil
}

func tickerKey(symbol string) string { return "marketdata:ticker:" + symbol }
func bookKey(symbol string) string   { return "marketdata:book:" + symbol }
