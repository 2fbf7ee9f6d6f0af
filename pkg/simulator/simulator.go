// Package simulator is the background market simulator of spec §4.7: a
// bounded random walk that keeps a pair's price and book looking alive
// when no real trader is active on it, without ever touching pkg/ledger.
// Its ticker-goroutine-with-cancel shape is adapted from the teacher's
// transaction feeder (pkg/app/perp/txfeeder.go's StartTxFeeder), swapping
// synthetic transaction generation for a synthetic price/depth walk.
package simulator

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/money"
	"github.com/kaionx/exchange/params"
	"github.com/kaionx/exchange/pkg/orderbook"
)

// stepBound is the per-tick random walk bound spec §4.7 fixes at ±0.1%.
const stepBound = 0.001

// depthStep is the price spacing between synthetic ladder levels, as a
// fraction of the mid price.
const depthStep = 0.0005

// PriceTick is published on price.<pair> for a pair the simulator is
// currently driving. pkg/marketdata folds it into the same 24h window a
// real trade would, with zero volume, so a quiet pair still shows a live
// price to readers.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

type pairState struct {
	pairID uuid.UUID
	symbol string
	book   *orderbook.Book // simulator-owned; never the PairWriter's live book
	price  decimal.Decimal
	rng    *rand.Rand
	// quietTicks counts price ticks since the last real order touched this
	// pair. The simulator only drives a pair once this reaches cfg.QuietTicks
	// (spec §4.7/§9: "disables itself once the Matching Engine reports real
	// activity on a pair within the configured window").
	quietTicks int
}

// Simulator is the market simulator of spec §4.7.
type Simulator struct {
	cfg    params.Simulator
	bus    *eventbus.Bus
	levels *levelstore.Store
	log    *zap.SugaredLogger

	mu    sync.Mutex
	pairs map[uuid.UUID]*pairState
}

func New(cfg params.Simulator, bus *eventbus.Bus, levels *levelstore.Store, log *zap.SugaredLogger) *Simulator {
	return &Simulator{
		cfg:    cfg,
		bus:    bus,
		levels: levels,
		log:    log,
		pairs:  make(map[uuid.UUID]*pairState),
	}
}

// Register makes a pair eligible for simulation, seeded from basePrice.
// It starts already past the quiet threshold so a freshly booted demo pair
// with no trading history shows activity immediately.
func (s *Simulator) Register(pairID uuid.UUID, symbol string, basePrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pairID] = &pairState{
		pairID:     pairID,
		symbol:     symbol,
		book:       orderbook.New(symbol),
		price:      basePrice,
		rng:        rand.New(rand.NewSource(seedFor(symbol))),
		quietTicks: s.cfg.QuietTicks,
	}
}

func seedFor(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64())
}

// Touch implements pkg/orderservice.Liveness: real order flow on pairID
// resets its quiet counter, handing the pair back to live matching.
func (s *Simulator) Touch(pairID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pairs[pairID]; ok {
		p.quietTicks = 0
	}
}

// Start launches the price and book ticker loops and returns a cancel func,
// mirroring StartTxFeeder's context.CancelFunc contract.
func (s *Simulator) Start(ctx context.Context) context.CancelFunc {
	simCtx, cancel := context.WithCancel(ctx)
	priceTicker := time.NewTicker(s.cfg.PriceInterval)
	bookTicker := time.NewTicker(s.cfg.BookInterval)

	go func() {
		defer priceTicker.Stop()
		defer bookTicker.Stop()
		for {
			select {
			case <-simCtx.Done():
				return
			case <-priceTicker.C:
				s.stepPrices()
			case <-bookTicker.C:
				s.stepBooks(simCtx)
			}
		}
	}()

	return cancel
}

// stepPrices advances every quiet pair's price by one bounded random-walk
// tick and publishes it. Real-flow pairs just have their quiet counter
// advanced so they eventually re-qualify once trading stops.
func (s *Simulator) stepPrices() {
	type tick struct {
		symbol string
		price  decimal.Decimal
	}
	var ticks []tick

	s.mu.Lock()
	for _, p := range s.pairs {
		p.quietTicks++
		if p.quietTicks < s.cfg.QuietTicks {
			continue
		}
		p.price = walk(p.price, p.rng)
		ticks = append(ticks, tick{symbol: p.symbol, price: p.price})
	}
	s.mu.Unlock()

	now := time.Now()
	for _, t := range ticks {
		s.bus.Publish("price."+t.symbol, PriceTick{Symbol: t.symbol, Price: t.price, At: now})
	}
}

// walk applies a uniform random step in [-stepBound, +stepBound] to price.
func walk(price decimal.Decimal, rng *rand.Rand) decimal.Decimal {
	pct := (rng.Float64()*2 - 1) * stepBound
	return money.ForStorage(price.Add(price.Mul(decimal.NewFromFloat(pct))))
}

// stepBooks rebuilds each quiet pair's synthetic depth ladder around its
// current price and publishes it the same way pkg/matching does, so
// pkg/marketdata and WebSocket subscribers cannot tell the two apart on the
// wire.
func (s *Simulator) stepBooks(ctx context.Context) {
	type sync_ struct {
		pairID     uuid.UUID
		symbol     string
		bids, asks []orderbook.Level
	}
	var syncs []sync_

	s.mu.Lock()
	for _, p := range s.pairs {
		if p.quietTicks < s.cfg.QuietTicks {
			continue
		}
		p.book.Reset()
		ladder(p.book, p.price, p.rng, s.cfg.Depth)
		bids := p.book.TopN(model.Buy, s.cfg.Depth)
		asks := p.book.TopN(model.Sell, s.cfg.Depth)
		syncs = append(syncs, sync_{pairID: p.pairID, symbol: p.symbol, bids: bids, asks: asks})
	}
	s.mu.Unlock()

	for _, sy := range syncs {
		s.bus.Publish("book."+sy.symbol, matching.BookSnapshot{Bids: sy.bids, Asks: sy.asks})
		if err := s.levels.Sync(ctx, sy.pairID, sy.bids, sy.asks); err != nil {
			s.log.Errorw("simulator_level_sync_failed", "pair", sy.symbol, "error", err)
		}
	}
}

// ladder fills book with depth symmetric price levels on each side of mid,
// spaced depthStep apart, with a small random quantity per level.
func ladder(book *orderbook.Book, mid decimal.Decimal, rng *rand.Rand, depth int) {
	if depth <= 0 {
		depth = 10
	}
	step := decimal.NewFromFloat(depthStep)
	one := decimal.NewFromInt(1)
	for i := 1; i <= depth; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		bidPrice := money.ForStorage(mid.Mul(one.Sub(offset)))
		askPrice := money.ForStorage(mid.Mul(one.Add(offset)))
		qty := money.ForStorage(decimal.NewFromFloat(0.1 + rng.Float64()*0.9))
		book.Insert(model.Buy, bidPrice, qty)
		book.Insert(model.Sell, askPrice, qty)
	}
}
