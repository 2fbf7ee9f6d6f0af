// Package orderbook is the in-memory, price-indexed aggregate book per
// trading pair (spec §4.3). It tracks (quantity, count) per price level; it
// holds no order identities — the Order Store is the identity log, and
// pkg/matching walks that log for price-time candidate order, using this
// package only to track aggregate levels and best bid/ask.
package orderbook

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kaionx/exchange/pkg/model"
)

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
}

// Delta is emitted on every mutation (spec §4.3): "{pair, side, price,
// new_qty_at_level, new_count_at_level}". A level with Quantity == 0 has
// been removed.
type Delta struct {
	PairID   string
	Side     model.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Count    int
}

type Book struct {
	mu   sync.Mutex
	pair string

	bids map[string]*Level
	asks map[string]*Level
}

func New(pairSymbol string) *Book {
	return &Book{
		pair: pairSymbol,
		bids: make(map[string]*Level),
		asks: make(map[string]*Level),
	}
}

func levelsFor(b *Book, side model.Side) map[string]*Level {
	if side == model.Buy {
		return b.bids
	}
	return b.asks
}

// Insert adds qty at price on side, creating the level if needed. Returns
// the delta to publish. Caller must already hold the pair's single-writer
// discipline (spec §5) — Book itself only guards its own maps.
func (b *Book) Insert(side model.Side, price, qty decimal.Decimal) Delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := levelsFor(b, side)
	key := price.String()
	lv, ok := levels[key]
	if !ok {
		lv = &Level{Price: price}
		levels[key] = lv
	}
	lv.Quantity = lv.Quantity.Add(qty)
	lv.Count++
	return Delta{PairID: b.pair, Side: side, Price: price, Quantity: lv.Quantity, Count: lv.Count}
}

// Consume removes qty from the level at price. orderRemoved is true when
// the resting order being filled is fully consumed and leaves the level
// (vs. a partial fill that leaves it resting with reduced quantity); it
// decrements the level's order count in that case. The level is deleted
// entirely once its quantity or count reaches zero.
func (b *Book) Consume(side model.Side, price, qty decimal.Decimal, orderRemoved bool) Delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := levelsFor(b, side)
	key := price.String()
	lv, ok := levels[key]
	if !ok {
		return Delta{PairID: b.pair, Side: side, Price: price, Quantity: decimal.Zero, Count: 0}
	}
	lv.Quantity = lv.Quantity.Sub(qty)
	if orderRemoved {
		lv.Count--
	}
	if lv.Quantity.IsZero() || lv.Count <= 0 {
		delete(levels, key)
		return Delta{PairID: b.pair, Side: side, Price: price, Quantity: decimal.Zero, Count: 0}
	}
	return Delta{PairID: b.pair, Side: side, Price: price, Quantity: lv.Quantity, Count: lv.Count}
}

// SeedLevel installs lv directly, overwriting whatever is at that price.
// Used only by warm-restart snapshot loading (pkg/snapshot via
// pkg/matching.PairWriter.Rebuild) to install levels that predate the
// replay watermark — the matching path itself only ever goes through
// Insert/Consume.
func (b *Book) SeedLevel(side model.Side, lv Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := levelsFor(b, side)
	v := lv
	levels[lv.Price.String()] = &v
}

// Remove deletes a level outright (used when reconciling against the Order
// Store after a failure, spec §4.4).
func (b *Book) Remove(side model.Side, price decimal.Decimal) Delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := levelsFor(b, side)
	delete(levels, price.String())
	return Delta{PairID: b.pair, Side: side, Price: price, Quantity: decimal.Zero, Count: 0}
}

// Reset clears the book so it can be rebuilt from the Order Store, used
// after a mid-fill failure (spec §4.4: "the book is reconciled to the
// Order Store before accepting the next input") and at process startup.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]*Level)
	b.asks = make(map[string]*Level)
}

// BestBid returns the highest bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return best(b.bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
}

// BestAsk returns the lowest ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return best(b.asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) })
}

func best(levels map[string]*Level, better func(a, c decimal.Decimal) bool) (decimal.Decimal, bool) {
	var price decimal.Decimal
	found := false
	for _, lv := range levels {
		if lv.Quantity.IsZero() {
			continue
		}
		if !found || better(lv.Price, price) {
			price = lv.Price
			found = true
		}
	}
	return price, found
}

// NoCross reports whether best_bid < best_ask holds (spec §4.3 invariant).
// True trivially when either side is empty.
func (b *Book) NoCross() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return true
	}
	return bid.LessThan(ask)
}

// TopN returns up to n levels on side, sorted best-first (descending for
// bids, ascending for asks).
func (b *Book) TopN(side model.Side, n int) []Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	levels := levelsFor(b, side)
	out := make([]Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Quantity.IsZero() {
			continue
		}
		out = append(out, *lv)
	}
	sortLevels(out, side)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func sortLevels(levels []Level, side model.Side) {
	less := func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) }
	if side == model.Buy {
		less = func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) }
	}
	insertionSort(levels, less)
}

// insertionSort avoids pulling in sort.Slice's reflection overhead for the
// small level counts a pair actually carries.
func insertionSort(levels []Level, less func(i, j int) bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}
