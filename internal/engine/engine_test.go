package engine_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/broadcast"
	"matchengine/internal/config"
	"matchengine/internal/engine"
	"matchengine/internal/logging"
	"matchengine/internal/matching"
	"matchengine/internal/snapshotstore"
	"matchengine/internal/stoporder"
	"matchengine/internal/wal"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (s *recordingSink) Send(msg broadcast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) snapshot() []broadcast.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broadcast.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("error")
	require.NoError(t, err)
	return l
}

type testHarness struct {
	engine *engine.Engine
	wal    *wal.WAL
	sink   *recordingSink
	cfg    *config.Config
}

func newHarness(t *testing.T, walPath string) *testHarness {
	t.Helper()
	logger := newTestLogger(t)
	cfg := &config.Config{WALPath: walPath}

	w, err := wal.Open(walPath, logger)
	require.NoError(t, err)

	sink := &recordingSink{}
	bq := broadcast.NewQueue(1, sink, logger)

	e := engine.New(cfg, w, bq, nil, logger)
	return &testHarness{engine: e, wal: w, sink: sink, cfg: cfg}
}

func (h *testHarness) close() {
	h.engine.Close()
}

func TestSubmitLimitOrderMatches(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "wal.jsonl"))
	defer h.close()

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 500_000, Price: 1_000_000,
	})
	require.NoError(t, err)

	res, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Buy, Quantity: 500_000, Price: 1_000_000,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFilled, res.Status)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(500_000), res.Trades[0].Quantity)
}

func TestSubmitRejectsInvalidQuantity(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "wal.jsonl"))
	defer h.close()

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Buy, Quantity: 0, Price: 1_000_000,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)
}

func TestSubmitRejectsNonZeroMarketPrice(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "wal.jsonl"))
	defer h.close()

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Market, Side: matching.Buy, Quantity: 100, Price: 1,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidPrice)
}

func TestCancelOnlyBroadcastsForLiveOrder(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "wal.jsonl"))
	defer h.close()

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 100_000, Price: 1_000_000,
	})
	require.NoError(t, err)

	stopID, err := h.engine.SubmitStopOrder(engine.SubmitStopRequest{
		Symbol: "BTC-USD", Kind: stoporder.StopMarket, Side: matching.Sell, Quantity: 100_000, TriggerPrice: 900_000,
	})
	require.NoError(t, err)

	before := len(h.sink.snapshot())

	ok, err := h.engine.Cancel(stopID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.engine.Cancel("S-missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, len(h.sink.snapshot()))
}

func TestStopLossTriggersOnTrade(t *testing.T) {
	h := newHarness(t, filepath.Join(t.TempDir(), "wal.jsonl"))
	defer h.close()

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 200_000, Price: 900_000,
	})
	require.NoError(t, err)

	_, err = h.engine.SubmitStopOrder(engine.SubmitStopRequest{
		Symbol: "BTC-USD", Kind: stoporder.StopMarket, Side: matching.Sell, Quantity: 200_000, TriggerPrice: 950_000,
	})
	require.NoError(t, err)

	_, err = h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Buy, Quantity: 400_000, Price: 1_000_000,
	})
	require.NoError(t, err)

	stats := h.engine.Stats()
	assert.EqualValues(t, 0, stats.Symbols["BTC-USD"].BestBid)
	assert.EqualValues(t, 0, stats.Symbols["BTC-USD"].BestAsk)
}

func TestReplayRebuildsBookState(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.jsonl")
	h := newHarness(t, walPath)

	_, err := h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 300_000, Price: 1_000_000,
	})
	require.NoError(t, err)
	_, err = h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 300_000, Price: 1_100_000,
	})
	require.NoError(t, err)
	_, err = h.engine.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Buy, Quantity: 150_000, Price: 1_000_000,
	})
	require.NoError(t, err)

	h.wal.Flush()
	h.engine.Close()

	logger := newTestLogger(t)
	w2, err := wal.Open(walPath, logger)
	require.NoError(t, err)
	sink := &recordingSink{}
	bq := broadcast.NewQueue(1, sink, logger)
	cfg := &config.Config{WALPath: walPath}
	e2 := engine.New(cfg, w2, bq, nil, logger)
	defer e2.Close()

	require.NoError(t, e2.Replay())

	stats := e2.Stats()
	btc := stats.Symbols["BTC-USD"]
	assert.Equal(t, int64(1_000_000), btc.BestAsk)
	assert.Equal(t, int64(0), btc.BestBid)
}

// TestReplayWithSnapshotReconstructsPreRotationState drives a snapshot and
// WAL rotation, confirms the live segment was actually truncated, then
// restarts from the now-empty segment plus the snapshot store and checks
// that every order placed before the rotation — resting orders on both
// sides and a live stop order — is still recoverable, alongside an order
// placed only after the rotation.
func TestReplayWithSnapshotReconstructsPreRotationState(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "wal.jsonl")
	snapDir := filepath.Join(t.TempDir(), "snapshots")
	logger := newTestLogger(t)

	w, err := wal.Open(walPath, logger)
	require.NoError(t, err)
	sink := &recordingSink{}
	bq := broadcast.NewQueue(1, sink, logger)
	snaps, err := snapshotstore.Open(snapDir)
	require.NoError(t, err)
	cfg := &config.Config{WALPath: walPath}
	e := engine.New(cfg, w, bq, snaps, logger)

	ask, err := e.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 100_000, Price: 1_000_000,
	})
	require.NoError(t, err)

	bid, err := e.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Buy, Quantity: 50_000, Price: 900_000,
	})
	require.NoError(t, err)

	stopID, err := e.SubmitStopOrder(engine.SubmitStopRequest{
		Symbol: "BTC-USD", Kind: stoporder.StopMarket, Side: matching.Sell, Quantity: 25_000, TriggerPrice: 950_000,
	})
	require.NoError(t, err)

	w.Flush()
	e.TakeSnapshot()

	rotated, err := wal.ReplayFile(walPath, nil)
	require.NoError(t, err)
	require.Empty(t, rotated, "rotation must truncate the live segment")

	postRotation, err := e.Submit(engine.SubmitRequest{
		Symbol: "BTC-USD", Kind: matching.Limit, Side: matching.Sell, Quantity: 10_000, Price: 1_050_000,
	})
	require.NoError(t, err)

	w.Flush()
	require.NoError(t, e.Close())

	w2, err := wal.Open(walPath, logger)
	require.NoError(t, err)
	bq2 := broadcast.NewQueue(1, sink, logger)
	snaps2, err := snapshotstore.Open(snapDir)
	require.NoError(t, err)
	e2 := engine.New(cfg, w2, bq2, snaps2, logger)
	defer e2.Close()

	require.NoError(t, e2.Replay())

	stats := e2.Stats()
	assert.Equal(t, int64(1_000_000), stats.Symbols["BTC-USD"].BestAsk)
	assert.Equal(t, int64(900_000), stats.Symbols["BTC-USD"].BestBid)

	ok, err := e2.Cancel(ask.OrderID)
	require.NoError(t, err)
	assert.True(t, ok, "pre-rotation resting ask must survive replay")

	ok, err = e2.Cancel(bid.OrderID)
	require.NoError(t, err)
	assert.True(t, ok, "pre-rotation resting bid must survive replay")

	ok, err = e2.Cancel(stopID)
	require.NoError(t, err)
	assert.True(t, ok, "pre-rotation stop order must survive replay")

	ok, err = e2.Cancel(postRotation.OrderID)
	require.NoError(t, err)
	assert.True(t, ok, "post-rotation order must also replay correctly")
}
