package simulator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/params"
	"github.com/kaionx/exchange/pkg/orderbook"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestSimulator(t *testing.T, cfg params.Simulator) (*Simulator, *eventbus.Bus) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.OrderBookLevel{}))

	log := zap.NewNop().Sugar()
	bus := eventbus.New(log, 64)
	levels := levelstore.New(db)
	return New(cfg, bus, levels, log), bus
}

func TestWalkStaysWithinBound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	price := dec("100")
	for i := 0; i < 1000; i++ {
		next := walk(price, rng)
		delta := next.Sub(price).Div(price).Abs()
		assert.True(t, delta.LessThanOrEqual(dec("0.001")), "step %s exceeded the 0.1%% bound", delta)
		price = next
	}
}

func TestLadderProducesSymmetricLevelsAroundMid(t *testing.T) {
	book := orderbook.New("BTC/USDT")
	rng := rand.New(rand.NewSource(2))
	mid := dec("50000")
	ladder(book, mid, rng, 5)

	bids := book.TopN(model.Buy, 0)
	asks := book.TopN(model.Sell, 0)
	require.Len(t, bids, 5)
	require.Len(t, asks, 5)

	bestBid, ok := book.BestBid()
	require.True(t, ok)
	bestAsk, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, bestBid.LessThan(mid))
	assert.True(t, bestAsk.GreaterThan(mid))
	assert.True(t, book.NoCross())
}

func TestRegisteredPairStartsEligibleImmediately(t *testing.T) {
	cfg := params.Simulator{PriceInterval: time.Millisecond, BookInterval: time.Millisecond, Depth: 3, QuietTicks: 3}
	s, bus := newTestSimulator(t, cfg)
	pairID := uuid.New()
	s.Register(pairID, "BTC/USDT", dec("50000"))

	sub := bus.Subscribe("test", "price.BTC/USDT")
	defer sub.Unsubscribe()

	s.stepPrices()

	select {
	case ev := <-sub.C():
		tick, ok := ev.Payload.(PriceTick)
		require.True(t, ok)
		assert.Equal(t, "BTC/USDT", tick.Symbol)
	case <-time.After(time.Second):
		t.Fatal("expected a price tick for a freshly registered pair")
	}
}

func TestTouchSuppressesSimulationUntilQuietAgain(t *testing.T) {
	cfg := params.Simulator{PriceInterval: time.Millisecond, BookInterval: time.Millisecond, Depth: 3, QuietTicks: 2}
	s, bus := newTestSimulator(t, cfg)
	pairID := uuid.New()
	s.Register(pairID, "BTC/USDT", dec("50000"))

	s.Touch(pairID)

	sub := bus.Subscribe("test", "price.BTC/USDT")
	defer sub.Unsubscribe()

	s.stepPrices() // quietTicks: 0 -> 1, still below QuietTicks=2
	select {
	case <-sub.C():
		t.Fatal("a recently touched pair must not be simulated")
	default:
	}

	s.stepPrices() // quietTicks: 1 -> 2, now eligible
	select {
	case ev := <-sub.C():
		_, ok := ev.Payload.(PriceTick)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected a price tick once the pair is quiet again")
	}
}

func TestStepBooksPublishesAndCachesLevelsForQuietPairs(t *testing.T) {
	cfg := params.Simulator{PriceInterval: time.Millisecond, BookInterval: time.Millisecond, Depth: 2, QuietTicks: 1}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.OrderBookLevel{}))
	log := zap.NewNop().Sugar()
	bus := eventbus.New(log, 64)
	s := New(cfg, bus, levelstore.New(db), log)
	pairID := uuid.New()
	s.Register(pairID, "BTC/USDT", dec("50000"))

	sub := bus.Subscribe("test", "book.BTC/USDT")
	defer sub.Unsubscribe()

	s.stepBooks(context.Background())

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected a book snapshot for a quiet pair")
	}

	var rows []model.OrderBookLevel
	require.NoError(t, db.Where("pair_id = ?", pairID).Find(&rows).Error)
	assert.Len(t, rows, 4, "Depth 2 caches two bid and two ask levels")
}
