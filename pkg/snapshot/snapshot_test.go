package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaionx/exchange/pkg/orderbook"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLatestReturnsNewestSnapshotPerPair(t *testing.T) {
	s := newTestStore(t)
	pairA, pairB := uuid.New(), uuid.New()

	require.NoError(t, s.Save(Snapshot{PairID: pairA, Seq: 1, Bids: []orderbook.Level{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}}}))
	require.NoError(t, s.Save(Snapshot{PairID: pairA, Seq: 5, Bids: []orderbook.Level{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(2)}}}))
	require.NoError(t, s.Save(Snapshot{PairID: pairB, Seq: 9, Bids: []orderbook.Level{{Price: decimal.NewFromInt(999), Quantity: decimal.NewFromInt(3)}}}))

	latest, ok, err := s.Latest(pairA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Seq)
	assert.True(t, latest.Bids[0].Price.Equal(decimal.NewFromInt(101)))
}

func TestLatestReportsMissingForUnknownPair(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Latest(uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPruneRemovesOlderSnapshots(t *testing.T) {
	s := newTestStore(t)
	pair := uuid.New()
	require.NoError(t, s.Save(Snapshot{PairID: pair, Seq: 1}))
	require.NoError(t, s.Save(Snapshot{PairID: pair, Seq: 2}))
	require.NoError(t, s.Save(Snapshot{PairID: pair, Seq: 3}))

	require.NoError(t, s.Prune(pair, 3))

	latest, ok, err := s.Latest(pair)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), latest.Seq, "the kept snapshot must still be the newest")
}
