// Package matching implements the price-time priority matching engine of
// spec §4.4. Each active trading pair owns exactly one PairWriter, the
// pair's single mutator for its book, its orders, and its trade log (spec
// §5) — the same single-writer-per-resource discipline the teacher used
// for its OrderBook, generalized from an in-process mutex-guarded struct
// into a goroutine with a command queue so submission can report
// Overloaded without blocking.
package matching

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/apperr"
	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/money"
	"github.com/kaionx/exchange/pkg/orderbook"
	"github.com/kaionx/exchange/pkg/orderstore"
	"github.com/kaionx/exchange/pkg/snapshot"
	"github.com/kaionx/exchange/pkg/util"
)

// snapshotInterval is how many book mutations a pair accumulates between
// Pebble snapshots (spec §5: readers see a point-in-time, seq-numbered
// snapshot; cmd/exchange warm-restarts from the latest one).
const snapshotInterval = 50

// Result is what a successful (or partially successful) submission
// produces: the aggressor's final persisted state and whatever trades it
// generated before any failure.
type Result struct {
	Order  *model.Order
	Trades []*model.Trade
}

type submissionKind int

const (
	kindSubmit submissionKind = iota
	kindCancel
)

type submission struct {
	ctx   context.Context
	kind  submissionKind
	order *model.Order
	done  chan submitOutcome
}

type submitOutcome struct {
	result *Result
	err    error
}

// PairWriter is the sole mutator of one trading pair's book, orders, and
// trades (spec §5).
type PairWriter struct {
	pair   *model.TradingPair
	book   *orderbook.Book
	orders *orderstore.Store
	ledger *ledger.Ledger
	levels *levelstore.Store
	snap   *snapshot.Store
	bus    *eventbus.Bus
	snow   *snowflake.Node
	clock  util.Clock
	log    *zap.SugaredLogger

	cmds             chan *submission
	opsSinceSnapshot int
}

// NewPairWriter builds the sole mutator for one trading pair. snap may be
// nil — a writer with no snapshot store still matches correctly, it just
// always does a full pkg/orderstore replay in Rebuild instead of an
// incremental one.
func NewPairWriter(pair *model.TradingPair, book *orderbook.Book, orders *orderstore.Store, lg *ledger.Ledger, levels *levelstore.Store, snap *snapshot.Store, bus *eventbus.Bus, snow *snowflake.Node, clock util.Clock, log *zap.SugaredLogger, queueDepth int) *PairWriter {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	w := &PairWriter{
		pair:   pair,
		book:   book,
		orders: orders,
		ledger: lg,
		levels: levels,
		snap:   snap,
		bus:    bus,
		snow:   snow,
		clock:  clock,
		log:    log,
		cmds:   make(chan *submission, queueDepth),
	}
	go w.run()
	return w
}

func (w *PairWriter) run() {
	for sub := range w.cmds {
		var result *Result
		var err error
		if sub.kind == kindCancel {
			result, err = w.processCancel(sub.ctx, sub.order)
		} else {
			result, err = w.process(sub.ctx, sub.order)
		}
		sub.done <- submitOutcome{result: result, err: err}
	}
}

// HasCapacity reports whether the writer's queue has room for another
// submission. The Order Service checks this before freezing funds, so an
// Overloaded rejection never leaves a reservation behind (spec §5:
// "the submit returns Overloaded without freezing funds").
//
// maxDepth is the caller's optional deadline on queue depth (spec §5:
// "submission carries an optional deadline; if the pair's queue depth
// exceeds the deadline, the submit returns Overloaded"): a request that
// can't tolerate sitting behind more than maxDepth others ahead of it
// passes a positive value here. Zero means the caller has no such
// preference, so the writer's own configured capacity is the only bound.
func (w *PairWriter) HasCapacity(maxDepth int) bool {
	limit := cap(w.cmds)
	if maxDepth > 0 && maxDepth < limit {
		limit = maxDepth
	}
	return len(w.cmds) < limit
}

// Submit hands a persisted pending order to the pair's writer and blocks
// until it has been fully processed — cancellation and submission are
// both synchronous with respect to the writer (spec §5).
func (w *PairWriter) Submit(ctx context.Context, order *model.Order) (*Result, error) {
	return w.dispatch(ctx, kindSubmit, order)
}

// Cancel hands a resting or partially filled order to the pair's writer for
// termination. It blocks until the order reaches a terminal status, giving
// cancellation the same synchronous-with-respect-to-the-writer guarantee as
// Submit (spec §5: "Cancel is synchronous with respect to the pair's writer").
func (w *PairWriter) Cancel(ctx context.Context, order *model.Order) (*Result, error) {
	return w.dispatch(ctx, kindCancel, order)
}

func (w *PairWriter) dispatch(ctx context.Context, kind submissionKind, order *model.Order) (*Result, error) {
	sub := &submission{ctx: ctx, kind: kind, order: order, done: make(chan submitOutcome, 1)}
	select {
	case w.cmds <- sub:
	default:
		return nil, apperr.New(apperr.Overloaded, "pair %s writer queue is full", w.pair.Symbol)
	}
	select {
	case out := <-sub.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BestBid and BestAsk expose the pair's current top of book, the input the
// Order Service needs to size a market order's slippage-capped reservation
// (spec §4.5 step 2) without reaching into the book directly.
func (w *PairWriter) BestBid() (decimal.Decimal, bool) { return w.book.BestBid() }
func (w *PairWriter) BestAsk() (decimal.Decimal, bool) { return w.book.BestAsk() }

// Rebuild reloads the in-memory book from the Order Store's resting
// orders (spec §4.2: "the Order Book is a rebuildable projection"). If a
// Pebble snapshot exists, it seeds the book first and only replays orders
// newer than the snapshot's sequence — any order still open at snapshot
// time is already represented in its levels, so re-inserting it would
// double-count.
func (w *PairWriter) Rebuild(ctx context.Context) error {
	w.book.Reset()
	var watermark int64
	if w.snap != nil {
		snap, ok, err := w.snap.Latest(w.pair.ID)
		if err != nil {
			return err
		}
		if ok {
			for _, lv := range snap.Bids {
				w.book.SeedLevel(model.Buy, lv)
			}
			for _, lv := range snap.Asks {
				w.book.SeedLevel(model.Sell, lv)
			}
			watermark = snap.Seq
		}
	}

	open, err := w.orders.OpenByPair(ctx, w.pair.ID)
	if err != nil {
		return err
	}
	for i := range open {
		o := &open[i]
		if o.Type != model.OrderLimit || o.Remaining().IsZero() || o.Seq <= watermark {
			continue
		}
		w.book.Insert(o.Side, *o.Price, o.Remaining())
	}
	w.publishBookSnapshot(ctx)
	return nil
}

func (w *PairWriter) process(ctx context.Context, order *model.Order) (*Result, error) {
	candidates, err := w.candidatesFor(ctx, order)
	if err != nil {
		return nil, err
	}

	if order.TimeInForce == model.FOK && !canFillFully(order, candidates) {
		return w.rejectNoLiquidity(ctx, order)
	}

	var trades []*model.Trade
	for _, r := range candidates {
		if order.Remaining().IsZero() {
			break
		}
		if r.Remaining().IsZero() {
			continue
		}

		trade, err := w.executeFill(ctx, order, r)
		if err != nil {
			w.log.Errorw("invariant_alarm", "detail", "match step failed mid-fill", "pair", w.pair.Symbol, "order", order.ID, "error", err)
			w.rejectMidFill(ctx, order)
			if rebuildErr := w.Rebuild(ctx); rebuildErr != nil {
				w.log.Errorw("book_reconcile_failed", "pair", w.pair.Symbol, "error", rebuildErr)
			}
			return &Result{Order: order, Trades: trades}, err
		}
		trades = append(trades, trade)

		orderRemoved := r.Remaining().IsZero()
		w.book.Consume(r.Side, *r.Price, trade.Quantity, orderRemoved)
		w.bus.Publish("trade."+w.pair.Symbol, trade)
		w.publishBookSnapshot(ctx)
	}

	return w.finalize(ctx, order, trades)
}

// processCancel removes a resting order's remainder from the book, unfreezes
// its unconsumed reservation, and marks it cancelled (spec §4.5 "cancel").
// Legality (pending/partial_filled, ownership) is the Order Service's job;
// by the time a cancel reaches the writer it is already known-legal, and a
// terminal order here is a caller bug rather than a client-facing error.
func (w *PairWriter) processCancel(ctx context.Context, order *model.Order) (*Result, error) {
	if order.Status.IsTerminal() {
		return &Result{Order: order}, nil
	}
	if order.Type == model.OrderLimit && order.Remaining().IsPositive() {
		w.book.Consume(order.Side, *order.Price, order.Remaining(), true)
		w.publishBookSnapshot(ctx)
	}
	if err := order.TransitionTo(model.StatusCancelled); err != nil {
		return nil, err
	}
	w.unfreezeUnused(ctx, order)
	if err := w.orders.Save(ctx, nil, order); err != nil {
		return nil, err
	}
	w.bus.Publish("user."+order.UserID.String()+".orders", order)
	return &Result{Order: order}, nil
}

// executeFill settles one match between the aggressor and one resting
// order under the four-wallet atomic group (spec §4.1, §4.4 step 3).
func (w *PairWriter) executeFill(ctx context.Context, aggressor, resting *model.Order) (*model.Trade, error) {
	q := decimal.Min(aggressor.Remaining(), resting.Remaining())
	price := *resting.Price // maker's price: aggressor gets price improvement
	notional := money.ForStorage(price.Mul(q))
	makerFee := money.ForStorage(notional.Mul(w.pair.MakerFeeRate))
	takerFee := money.ForStorage(notional.Mul(w.pair.TakerFeeRate))

	var buyer, seller *model.Order
	if aggressor.Side == model.Buy {
		buyer, seller = aggressor, resting
	} else {
		buyer, seller = resting, aggressor
	}
	buyerFee, sellerFee := takerFee, makerFee
	if buyer == resting {
		buyerFee, sellerFee = makerFee, takerFee
	}

	ref := fmt.Sprintf("trade:%s:%s", aggressor.ID, resting.ID)
	keys := []ledger.WalletKey{
		{UserID: buyer.UserID, CurrencyID: w.pair.QuoteCurrencyID},
		{UserID: buyer.UserID, CurrencyID: w.pair.BaseCurrencyID},
		{UserID: seller.UserID, CurrencyID: w.pair.BaseCurrencyID},
		{UserID: seller.UserID, CurrencyID: w.pair.QuoteCurrencyID},
	}

	trade := &model.Trade{
		ID:               uuid.New(),
		Seq:              w.snow.Generate().Int64(),
		PairID:           w.pair.ID,
		RestingOrderID:   resting.ID,
		AggressorOrderID: aggressor.ID,
		BuyerID:          buyer.UserID,
		SellerID:         seller.UserID,
		Price:            price,
		Quantity:         q,
		Value:            notional,
		BuyerFee:         buyerFee,
		SellerFee:        sellerFee,
		CreatedAt:        w.clock.Now(),
	}

	err := w.ledger.WithGroup(ctx, keys, func(tx *gorm.DB) error {
		if err := w.ledger.SettleDebit(ctx, tx, buyer.UserID, w.pair.QuoteCurrencyID, notional, ref); err != nil {
			return err
		}
		if err := w.ledger.SettleCredit(ctx, tx, buyer.UserID, w.pair.BaseCurrencyID, q, ref); err != nil {
			return err
		}
		if err := w.ledger.SettleDebit(ctx, tx, seller.UserID, w.pair.BaseCurrencyID, q, ref); err != nil {
			return err
		}
		if err := w.ledger.SettleCredit(ctx, tx, seller.UserID, w.pair.QuoteCurrencyID, notional, ref); err != nil {
			return err
		}
		if err := w.ledger.ApplyFee(ctx, tx, buyer.UserID, w.pair.QuoteCurrencyID, buyerFee, ref); err != nil {
			return err
		}
		if err := w.ledger.ApplyFee(ctx, tx, seller.UserID, w.pair.QuoteCurrencyID, sellerFee, ref); err != nil {
			return err
		}
		applyFill(aggressor, q, price, takerFee, false, w.clock)
		applyFill(resting, q, price, makerFee, true, w.clock)
		if err := w.orders.Save(ctx, tx, aggressor); err != nil {
			return err
		}
		if err := w.orders.Save(ctx, tx, resting); err != nil {
			return err
		}
		return tx.Create(trade).Error
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// applyFill updates an order's running fill state (spec §4.4 step 3:
// "update both orders' filled, average_fill_price, status"). isMaker
// distinguishes which of the two per-kind fee accumulators fee belongs in;
// TotalFee tracks both regardless of kind (spec §3: accumulated maker /
// taker / total fee are three distinct tracked values).
func applyFill(o *model.Order, q, price, fee decimal.Decimal, isMaker bool, clock util.Clock) {
	newFilled := o.Filled.Add(q)
	if o.Filled.IsZero() {
		o.AvgFillPrice = price
	} else {
		weighted := o.AvgFillPrice.Mul(o.Filled).Add(price.Mul(q))
		o.AvgFillPrice = money.ForStorage(weighted.Div(newFilled))
	}
	o.Filled = newFilled
	if isMaker {
		o.MakerFee = o.MakerFee.Add(fee)
	} else {
		o.TakerFee = o.TakerFee.Add(fee)
	}
	o.TotalFee = o.TotalFee.Add(fee)
	next := model.StatusPartialFilled
	if o.Remaining().IsZero() {
		next = model.StatusFilled
		now := clock.Now()
		o.FilledAt = &now
	}
	_ = o.TransitionTo(next)
}

func (w *PairWriter) finalize(ctx context.Context, order *model.Order, trades []*model.Trade) (*Result, error) {
	switch {
	case order.Remaining().IsZero():
		_ = order.TransitionTo(model.StatusFilled)
	case order.Type == model.OrderMarket:
		if len(trades) > 0 {
			_ = order.TransitionTo(model.StatusPartialFilled)
		} else {
			_ = order.TransitionTo(model.StatusCancelled)
		}
	case order.TimeInForce == model.IOC:
		if len(trades) > 0 {
			_ = order.TransitionTo(model.StatusPartialFilled)
		} else {
			_ = order.TransitionTo(model.StatusCancelled)
		}
	case order.TimeInForce == model.FOK:
		// only reachable if the dry run under-counted; treat as no fill.
		_ = order.TransitionTo(model.StatusCancelled)
	default: // GTC limit remainder
		if w.wouldCross(order) {
			_ = order.TransitionTo(model.StatusRejected)
		} else {
			w.book.Insert(order.Side, *order.Price, order.Remaining())
			w.publishBookSnapshot(ctx)
			if len(trades) > 0 {
				_ = order.TransitionTo(model.StatusPartialFilled)
			}
			// else stays pending
		}
	}

	if order.Status.IsTerminal() {
		w.unfreezeUnused(ctx, order)
	}
	if err := w.orders.Save(ctx, nil, order); err != nil {
		return nil, err
	}
	w.bus.Publish("user."+order.UserID.String()+".orders", order)
	if order.Status == model.StatusRejected {
		return &Result{Order: order, Trades: trades}, apperr.New(apperr.NoLiquidity, "order %s rejected: would cross its own resting order after self-trade exclusion", order.ID)
	}
	return &Result{Order: order, Trades: trades}, nil
}

// wouldCross reports whether resting the aggressor's remainder would tie
// or cross the book once the self-trade exclusion is accounted for (spec
// §8 scenario 5: a tie after self-exclusion is a rejection, not a rest).
func (w *PairWriter) wouldCross(order *model.Order) bool {
	if order.Side == model.Buy {
		ask, ok := w.book.BestAsk()
		return ok && !order.Price.LessThan(ask)
	}
	bid, ok := w.book.BestBid()
	return ok && !order.Price.GreaterThan(bid)
}

func (w *PairWriter) unfreezeUnused(ctx context.Context, order *model.Order) {
	var consumed decimal.Decimal
	if order.Side == model.Buy {
		consumed = order.AvgFillPrice.Mul(order.Filled)
	} else {
		consumed = order.Filled
	}
	unused := order.ReservedAmount.Sub(consumed)
	if !unused.IsPositive() {
		return
	}
	ref := "unfreeze:" + order.ID.String()
	if _, err := w.ledger.Unfreeze(ctx, order.UserID, order.ReservedCurrency, unused, ref); err != nil {
		w.log.Errorw("unfreeze_failed", "order", order.ID, "error", err)
	}
}

func (w *PairWriter) rejectMidFill(ctx context.Context, order *model.Order) {
	if err := order.TransitionTo(model.StatusRejected); err != nil {
		w.log.Errorw("invariant_alarm", "detail", err.Error())
		return
	}
	w.unfreezeUnused(ctx, order)
	if err := w.orders.Save(ctx, nil, order); err != nil {
		w.log.Errorw("persist_failed", "order", order.ID, "error", err)
	}
	w.bus.Publish("user."+order.UserID.String()+".orders", order)
}

func (w *PairWriter) rejectNoLiquidity(ctx context.Context, order *model.Order) (*Result, error) {
	if err := order.TransitionTo(model.StatusRejected); err != nil {
		return nil, err
	}
	w.unfreezeUnused(ctx, order)
	if err := w.orders.Save(ctx, nil, order); err != nil {
		return nil, err
	}
	w.bus.Publish("user."+order.UserID.String()+".orders", order)
	return &Result{Order: order}, apperr.New(apperr.NoLiquidity, "order %s: cannot be fully filled (FOK)", order.ID)
}

// candidatesFor computes the opposite-side candidate set of spec §4.4
// step 1-2: price-eligible, not self, limit-only, best-price-first with
// earliest-submission-first tiebreak.
func (w *PairWriter) candidatesFor(ctx context.Context, order *model.Order) ([]*model.Order, error) {
	open, err := w.orders.OpenByPair(ctx, w.pair.ID)
	if err != nil {
		return nil, err
	}
	oppositeSide := order.Side.Opposite()
	out := make([]*model.Order, 0, len(open))
	for i := range open {
		o := &open[i]
		if o.ID == order.ID || o.UserID == order.UserID {
			continue
		}
		if o.Side != oppositeSide || o.Type != model.OrderLimit {
			continue
		}
		if order.Type == model.OrderLimit {
			if order.Side == model.Buy && o.Price.GreaterThan(*order.Price) {
				continue
			}
			if order.Side == model.Sell && o.Price.LessThan(*order.Price) {
				continue
			}
		}
		out = append(out, o)
	}
	sortCandidates(out, order.Side)
	return out, nil
}

func sortCandidates(list []*model.Order, aggressorSide model.Side) {
	less := func(i, j int) bool {
		pi, pj := *list[i].Price, *list[j].Price
		if !pi.Equal(pj) {
			if aggressorSide == model.Buy {
				return pi.LessThan(pj)
			}
			return pi.GreaterThan(pj)
		}
		return list[i].Seq < list[j].Seq
	}
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// canFillFully performs the FOK dry run of spec §4.4 step 5: walk
// candidates without committing anything, see whether the aggressor's
// full remaining quantity would be satisfied.
func canFillFully(order *model.Order, candidates []*model.Order) bool {
	remaining := order.Remaining()
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		remaining = remaining.Sub(decimal.Min(remaining, c.Remaining()))
	}
	return !remaining.IsPositive()
}

func (w *PairWriter) publishBookSnapshot(ctx context.Context) {
	bids := w.book.TopN(model.Buy, 50)
	asks := w.book.TopN(model.Sell, 50)
	w.bus.Publish("book."+w.pair.Symbol, BookSnapshot{Bids: bids, Asks: asks})

	if w.levels != nil {
		if err := w.levels.Sync(ctx, w.pair.ID, bids, asks); err != nil {
			w.log.Errorw("level_cache_sync_failed", "pair", w.pair.Symbol, "error", err)
		}
	}

	w.maybeSnapshot(bids, asks)
}

// maybeSnapshot persists the book to Pebble every snapshotInterval
// mutations (spec §5). The sequence stamped on the snapshot comes from the
// same snowflake node as trades and orders, so Rebuild's watermark compares
// against the same monotonic axis it replays orders by.
func (w *PairWriter) maybeSnapshot(bids, asks []orderbook.Level) {
	if w.snap == nil {
		return
	}
	w.opsSinceSnapshot++
	if w.opsSinceSnapshot < snapshotInterval {
		return
	}
	w.opsSinceSnapshot = 0
	snap := snapshot.Snapshot{PairID: w.pair.ID, Seq: w.snow.Generate().Int64(), Bids: bids, Asks: asks}
	if err := w.snap.Save(snap); err != nil {
		w.log.Errorw("book_snapshot_failed", "pair", w.pair.Symbol, "error", err)
	}
}

// BookSnapshot is the payload shape published on book.<pair> (spec §4.3
// deltas and §4.6 snapshot-before-delta).
type BookSnapshot struct {
	Bids []orderbook.Level `json:"bids"`
	Asks []orderbook.Level `json:"asks"`
}

