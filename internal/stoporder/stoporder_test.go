package stoporder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchengine/internal/matching"
	"matchengine/internal/stoporder"
)

func TestBuyStopTriggersOnCross(t *testing.T) {
	m := stoporder.NewManager("BTC-USD")
	m.Add(stoporder.StopOrder{
		OrderID: "STO-1", Symbol: "BTC-USD", Side: matching.Buy,
		Quantity: 100_000, TriggerPrice: 1_050_000, Kind: stoporder.StopMarket,
	})

	triggered := m.CheckTriggers(1_040_000)
	assert.Empty(t, triggered)

	triggered = m.CheckTriggers(1_050_000)
	require.Len(t, triggered, 1)
	assert.Equal(t, matching.Market, triggered[0].Kind)
	assert.Equal(t, int64(0), triggered[0].Price)
	assert.Equal(t, matching.Buy, triggered[0].Side)

	// triggered once, not observable again
	assert.Empty(t, m.CheckTriggers(2_000_000))
}

func TestSellStopTriggersDescending(t *testing.T) {
	m := stoporder.NewManager("BTC-USD")
	m.Add(stoporder.StopOrder{OrderID: "STO-1", Side: matching.Sell, Quantity: 1, TriggerPrice: 900_000, Kind: stoporder.StopLimit, LimitPrice: 890_000})
	m.Add(stoporder.StopOrder{OrderID: "STO-2", Side: matching.Sell, Quantity: 1, TriggerPrice: 950_000, Kind: stoporder.StopMarket})

	triggered := m.CheckTriggers(900_000)
	require.Len(t, triggered, 2)
	assert.Equal(t, "STO-2", triggered[0].OrderID)
	assert.Equal(t, "STO-1", triggered[1].OrderID)
	assert.Equal(t, matching.Limit, triggered[1].Kind)
	assert.Equal(t, int64(890_000), triggered[1].Price)
}

func TestTrailingStopTightensNeverLoosens(t *testing.T) {
	m := stoporder.NewManager("BTC-USD")
	m.Add(stoporder.StopOrder{
		OrderID: "STO-1", Side: matching.Sell, Quantity: 1,
		Kind: stoporder.TrailingStop, TrailAmount: 10_000,
		BestPrice: 1_000_000, TriggerPrice: 990_000,
	})

	// price rises: best_price and trigger_price should move up
	m.UpdateTrailingStops(1_020_000)
	// price falls back below the new best: no loosening
	m.UpdateTrailingStops(1_010_000)

	triggered := m.CheckTriggers(1_010_000)
	require.Len(t, triggered, 1)
	assert.Equal(t, "STO-1", triggered[0].OrderID)
}

func TestCancelStopOrder(t *testing.T) {
	m := stoporder.NewManager("BTC-USD")
	m.Add(stoporder.StopOrder{OrderID: "STO-1", Side: matching.Buy, Quantity: 1, TriggerPrice: 1_000_000, Kind: stoporder.StopMarket})

	assert.True(t, m.Cancel("STO-1"))
	assert.False(t, m.Cancel("STO-1"))
	assert.Empty(t, m.CheckTriggers(2_000_000))
}
