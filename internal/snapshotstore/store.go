// Package snapshotstore persists a periodic, point-in-time copy of each
// symbol's book and stop orders to a pebble keyspace. Replay seeds its
// staging maps from the latest snapshot before walking the WAL, so a
// rotation that truncates the log never loses state the snapshot already
// captured.
package snapshotstore

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"matchengine/internal/matching"
	"matchengine/internal/stoporder"
)

// Snapshot is the full point-in-time state persisted for one symbol: every
// resting order on the book plus every live stop order, so a replay that
// starts from a snapshot loses nothing the WAL segment preceding it would
// have carried.
type Snapshot struct {
	Book  matching.BookSnapshot
	Stops []stoporder.StopOrder
}

// Store is a pebble-backed symbol -> gob-encoded Snapshot keyspace.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "snapshotstore: open")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "snapshotstore: close")
}

// Put stores snap under its symbol, replacing any prior snapshot.
func (s *Store) Put(snap Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, "snapshotstore: encode")
	}
	if err := s.db.Set(keyFor(snap.Book.Symbol), buf.Bytes(), pebble.Sync); err != nil {
		return errors.Wrap(err, "snapshotstore: put")
	}
	return nil
}

// Get returns the most recently stored snapshot for symbol, if any.
func (s *Store) Get(symbol string) (Snapshot, bool, error) {
	val, closer, err := s.db.Get(keyFor(symbol))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Wrap(err, "snapshotstore: get")
	}
	defer closer.Close()

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&snap); err != nil {
		return Snapshot{}, false, errors.Wrap(err, "snapshotstore: decode")
	}
	return snap, true, nil
}

// Symbols returns every symbol with a stored snapshot.
func (s *Store) Symbols() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("symbol/"),
		UpperBound: []byte("symbol/~"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "snapshotstore: iterate")
	}
	defer iter.Close()

	var symbols []string
	for iter.First(); iter.Valid(); iter.Next() {
		symbols = append(symbols, string(bytes.TrimPrefix(iter.Key(), []byte("symbol/"))))
	}
	return symbols, errors.Wrap(iter.Error(), "snapshotstore: iterate")
}

func keyFor(symbol string) []byte {
	return []byte(fmt.Sprintf("symbol/%s", symbol))
}
