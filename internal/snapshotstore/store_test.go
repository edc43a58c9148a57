package snapshotstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"matchengine/internal/matching"
	"matchengine/internal/snapshotstore"
	"matchengine/internal/stoporder"
)

func TestPutAndGetRoundTrips(t *testing.T) {
	store, err := snapshotstore.Open(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	defer store.Close()

	snap := snapshotstore.Snapshot{
		Book: matching.BookSnapshot{
			Symbol: "BTC-USD",
			Bids: []matching.LevelOrders{
				{Price: 1_000_000, Orders: []matching.RestingOrder{{OrderID: "B1", Side: matching.Buy, Price: 1_000_000, Quantity: 500_000}}},
			},
		},
		Stops: []stoporder.StopOrder{
			{OrderID: "STO-1", Symbol: "BTC-USD", Side: matching.Sell, Quantity: 100_000, TriggerPrice: 950_000, Kind: stoporder.StopMarket},
		},
	}
	require.NoError(t, store.Put(snap))

	got, ok, err := store.Get("BTC-USD")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap, got)
}

func TestGetMissingSymbol(t *testing.T) {
	store, err := snapshotstore.Open(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get("NOPE-USD")
	require.NoError(t, err)
	require.False(t, ok)
}
