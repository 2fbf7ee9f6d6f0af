package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kaionx/exchange/pkg/model"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestInsertAggregatesLevel(t *testing.T) {
	b := New("BTC/USDT")
	b.Insert(model.Buy, dec("50000"), dec("1"))
	delta := b.Insert(model.Buy, dec("50000"), dec("0.5"))

	assert.True(t, delta.Quantity.Equal(dec("1.5")))
	assert.Equal(t, 2, delta.Count)
}

func TestBestBidAndAsk(t *testing.T) {
	b := New("BTC/USDT")
	b.Insert(model.Buy, dec("49000"), dec("1"))
	b.Insert(model.Buy, dec("49500"), dec("1"))
	b.Insert(model.Sell, dec("50500"), dec("1"))
	b.Insert(model.Sell, dec("50100"), dec("1"))

	bid, ok := b.BestBid()
	assert.True(t, ok)
	assert.True(t, bid.Equal(dec("49500")))

	ask, ok := b.BestAsk()
	assert.True(t, ok)
	assert.True(t, ask.Equal(dec("50100")))

	assert.True(t, b.NoCross())
}

func TestConsumeRemovesEmptyLevel(t *testing.T) {
	b := New("BTC/USDT")
	b.Insert(model.Sell, dec("50000"), dec("1"))

	delta := b.Consume(model.Sell, dec("50000"), dec("1"), true)
	assert.True(t, delta.Quantity.IsZero())

	_, ok := b.BestAsk()
	assert.False(t, ok)
}

func TestConsumePartialLeavesLevelResting(t *testing.T) {
	b := New("BTC/USDT")
	b.Insert(model.Sell, dec("50000"), dec("2"))

	delta := b.Consume(model.Sell, dec("50000"), dec("0.5"), false)
	assert.True(t, delta.Quantity.Equal(dec("1.5")))
	assert.Equal(t, 1, delta.Count)
}

func TestTopNOrdering(t *testing.T) {
	b := New("BTC/USDT")
	b.Insert(model.Buy, dec("100"), dec("1"))
	b.Insert(model.Buy, dec("102"), dec("1"))
	b.Insert(model.Buy, dec("101"), dec("1"))

	top := b.TopN(model.Buy, 2)
	assert.Len(t, top, 2)
	assert.True(t, top[0].Price.Equal(dec("102")))
	assert.True(t, top[1].Price.Equal(dec("101")))
}
