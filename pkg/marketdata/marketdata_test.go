package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestWindowComputesRollupFromTrades(t *testing.T) {
	w := &window{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	w.add(tradePoint{price: dec("100"), qty: dec("1"), at: base}, 24*time.Hour)
	w.add(tradePoint{price: dec("110"), qty: dec("2"), at: base.Add(time.Hour)}, 24*time.Hour)
	ticker := w.add(tradePoint{price: dec("90"), qty: dec("3"), at: base.Add(2 * time.Hour)}, 24*time.Hour)

	assert.True(t, ticker.Price.Equal(dec("90")))
	assert.True(t, ticker.High24h.Equal(dec("110")))
	assert.True(t, ticker.Low24h.Equal(dec("90")))
	assert.True(t, ticker.Volume24h.Equal(dec("6")))
	assert.True(t, ticker.Change24h.Equal(dec("-10")))
	assert.True(t, ticker.ChangePercent24h.Equal(dec("-10")))
}

func TestWindowDropsPointsOlderThanHorizon(t *testing.T) {
	w := &window{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	w.add(tradePoint{price: dec("50"), qty: dec("1"), at: base}, time.Hour)
	ticker := w.add(tradePoint{price: dec("60"), qty: dec("1"), at: base.Add(2 * time.Hour)}, time.Hour)

	assert.True(t, ticker.Volume24h.Equal(dec("1")), "the point older than the horizon must have been trimmed")
	assert.True(t, ticker.High24h.Equal(dec("60")))
	assert.True(t, ticker.Change24h.IsZero(), "with only the new point left, change is relative to itself")
}
