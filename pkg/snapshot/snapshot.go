// Package snapshot is a point-in-time order-book snapshot store keyed by
// (pair, seq), adapting the teacher's Pebble block store from consensus
// block/certificate persistence to warm-restart support for
// pkg/orderbook: each PairWriter periodically snapshots its book here so
// cmd/exchange can restore a pair's book without re-deriving it from the
// full order history on every boot (spec §5 "readers see a point-in-time
// snapshot (seq-numbered)").
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/kaionx/exchange/pkg/orderbook"
)

// Snapshot is one pair's book at a given sequence number.
type Snapshot struct {
	PairID uuid.UUID        `json:"pair_id"`
	Seq    int64            `json:"seq"`
	Bids   []orderbook.Level `json:"bids"`
	Asks   []orderbook.Level `json:"asks"`
}

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// key encodes (pair, seq) so lexicographic and numeric order agree,
// letting Latest find the newest snapshot with a single reverse iterator
// step instead of scanning every key.
func key(pairID uuid.UUID, seq int64) []byte {
	return []byte(fmt.Sprintf("snap:%s:%020d", pairID, seq))
}

func prefix(pairID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("snap:%s:", pairID))
}

// keyUpperBound returns the smallest key strictly greater than every key
// sharing p as a prefix, the standard Pebble prefix-iteration trick.
func keyUpperBound(p []byte) []byte {
	upper := append([]byte{}, p...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Save persists a snapshot. Written with pebble.NoSync: a missed fsync on
// crash just means a restart falls back one snapshot further and replays
// a few more orders from pkg/orderstore, not a correctness problem, so the
// durability teacher's trade-log writes already accept is inherited here.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Set(key(snap.PairID, snap.Seq), data, pebble.NoSync)
}

// Latest returns the most recent snapshot for pairID, ok=false if none
// has ever been written.
func (s *Store) Latest(pairID uuid.UUID) (Snapshot, bool, error) {
	p := prefix(pairID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: keyUpperBound(p)})
	if err != nil {
		return Snapshot{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Prune removes every snapshot for pairID older than keepSeq, bounding
// how much history each pair accumulates on disk.
func (s *Store) Prune(pairID uuid.UUID, keepSeq int64) error {
	p := prefix(pairID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: key(pairID, keepSeq)})
	if err != nil {
		return err
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}
