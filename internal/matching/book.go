package matching

import (
	"sync"
	"time"

	"github.com/google/btree"
)

const btreeDegree = 32

// LevelSnapshot is one (price, aggregate_quantity) pair as returned by
// TopBids/TopAsks.
type LevelSnapshot struct {
	Price    int64
	Quantity int64
}

// LevelOrders is every RestingOrder at one price, for full-book snapshots.
type LevelOrders struct {
	Price  int64
	Orders []RestingOrder
}

// BookSnapshot is a full, point-in-time copy of a book's resting orders,
// sufficient to reconstruct the book without re-running the matching
// algorithm. Distinct from the public top_bids/top_asks depth-limited view.
type BookSnapshot struct {
	Symbol string
	Bids   []LevelOrders
	Asks   []LevelOrders
}

type bookIndexEntry struct {
	price int64
	side  Side
}

func levelLess(a, b *PriceLevel) bool {
	return a.Price < b.Price
}

// OrderBook is a price-time-priority book for one symbol. Every public
// operation acquires the book's single exclusive lock for its full
// duration; no operation suspends while holding it.
type OrderBook struct {
	mu sync.Mutex

	Symbol string

	bids *btree.BTreeG[*PriceLevel] // best = Max (highest bid)
	asks *btree.BTreeG[*PriceLevel] // best = Min (lowest ask)

	index map[string]bookIndexEntry

	makerBps int64
	takerBps int64

	tradeIDs *IDGenerator
}

// NewOrderBook builds an empty book for symbol, using tradeIDs to mint
// trade ids and (makerBps, takerBps) to compute fees for every trade it
// produces.
func NewOrderBook(symbol string, makerBps, takerBps int64, tradeIDs *IDGenerator) *OrderBook {
	return &OrderBook{
		Symbol:   symbol,
		bids:     btree.NewG(btreeDegree, levelLess),
		asks:     btree.NewG(btreeDegree, levelLess),
		index:    make(map[string]bookIndexEntry),
		makerBps: makerBps,
		takerBps: takerBps,
		tradeIDs: tradeIDs,
	}
}

// AddOrder matches the incoming order against resting liquidity per the
// book's matching rules, rests any Limit remainder, and returns the
// resulting trades.
func (b *OrderBook) AddOrder(o Order) []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Kind == FOK && !b.canFillLocked(o) {
		return nil
	}

	var trades []Trade
	remaining := o.Quantity
	switch o.Side {
	case Buy:
		trades, remaining = b.matchAgainstAsksLocked(o, remaining)
	case Sell:
		trades, remaining = b.matchAgainstBidsLocked(o, remaining)
	}

	if remaining > 0 && o.Kind == Limit {
		b.restLocked(o, remaining)
	}

	return trades
}

// canFillLocked scans the opposing side, subject to the price constraint,
// without mutating anything. Used to pre-check FOK orders.
func (b *OrderBook) canFillLocked(o Order) bool {
	var sum int64
	visit := func(lvl *PriceLevel) bool {
		sum += lvl.TotalQty
		return sum < o.Quantity
	}
	switch o.Side {
	case Buy:
		b.asks.Ascend(func(lvl *PriceLevel) bool {
			if o.Kind != Market && lvl.Price > o.Price {
				return false
			}
			return visit(lvl)
		})
	case Sell:
		b.bids.Descend(func(lvl *PriceLevel) bool {
			if o.Kind != Market && lvl.Price < o.Price {
				return false
			}
			return visit(lvl)
		})
	}
	return sum >= o.Quantity
}

func (b *OrderBook) matchAgainstAsksLocked(o Order, remaining int64) ([]Trade, int64) {
	var trades []Trade
	for remaining > 0 {
		lvl, ok := b.asks.Min()
		if !ok {
			break
		}
		if o.Kind != Market && lvl.Price > o.Price {
			break
		}
		for remaining > 0 && !lvl.Empty() {
			maker := lvl.Head()
			qty := minInt64(remaining, maker.Quantity)
			trades = append(trades, b.newTradeLocked(o, maker, lvl.Price, qty))
			if removedID, removed := lvl.ReduceHead(qty); removed {
				delete(b.index, removedID)
			}
			remaining -= qty
		}
		if lvl.Empty() {
			b.asks.Delete(lvl)
		}
	}
	return trades, remaining
}

func (b *OrderBook) matchAgainstBidsLocked(o Order, remaining int64) ([]Trade, int64) {
	var trades []Trade
	for remaining > 0 {
		lvl, ok := b.bids.Max()
		if !ok {
			break
		}
		if o.Kind != Market && lvl.Price < o.Price {
			break
		}
		for remaining > 0 && !lvl.Empty() {
			maker := lvl.Head()
			qty := minInt64(remaining, maker.Quantity)
			trades = append(trades, b.newTradeLocked(o, maker, lvl.Price, qty))
			if removedID, removed := lvl.ReduceHead(qty); removed {
				delete(b.index, removedID)
			}
			remaining -= qty
		}
		if lvl.Empty() {
			b.bids.Delete(lvl)
		}
	}
	return trades, remaining
}

func (b *OrderBook) newTradeLocked(taker Order, maker *RestingOrder, price, qty int64) Trade {
	makerFee, takerFee := CalculateFees(price, qty, b.makerBps, b.takerBps)
	return Trade{
		TradeID:       b.tradeIDs.Next(),
		Symbol:        b.Symbol,
		Price:         price,
		Quantity:      qty,
		AggressorSide: taker.Side,
		MakerOrderID:  maker.OrderID,
		TakerOrderID:  taker.OrderID,
		Timestamp:     time.Now().UnixNano(),
		MakerFee:      makerFee,
		TakerFee:      takerFee,
	}
}

func (b *OrderBook) restLocked(o Order, remaining int64) {
	b.insertRestingLocked(RestingOrder{
		OrderID:   o.OrderID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  remaining,
		Timestamp: o.Timestamp,
	})
}

func (b *OrderBook) sideTree(side Side) *btree.BTreeG[*PriceLevel] {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) insertRestingLocked(ro RestingOrder) {
	tree := b.sideTree(ro.Side)
	lvl, found := tree.Get(&PriceLevel{Price: ro.Price})
	if !found {
		lvl = NewPriceLevel(ro.Price)
		tree.ReplaceOrInsert(lvl)
	}
	order := ro
	lvl.Enqueue(&order)
	b.index[ro.OrderID] = bookIndexEntry{price: ro.Price, side: ro.Side}
}

// InsertResting inserts a RestingOrder directly, bypassing matching. Used
// for replay (the staging quantity already reflects every historical
// trade) and for restoring a persisted snapshot.
func (b *OrderBook) InsertResting(ro RestingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertRestingLocked(ro)
}

// Cancel removes the RestingOrder with the given id, if present. It
// reports whether a live order was actually removed.
func (b *OrderBook) Cancel(orderID string) (RestingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.index[orderID]
	if !ok {
		return RestingOrder{}, false
	}
	tree := b.sideTree(entry.side)
	lvl, found := tree.Get(&PriceLevel{Price: entry.price})
	if !found {
		return RestingOrder{}, false
	}
	ro, removed := lvl.Remove(orderID)
	if !removed {
		return RestingOrder{}, false
	}
	delete(b.index, orderID)
	if lvl.Empty() {
		tree.Delete(lvl)
	}
	return *ro, true
}

// TopBids returns up to n bid levels, best first.
func (b *OrderBook) TopBids(n int) []LevelSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LevelSnapshot
	b.bids.Descend(func(lvl *PriceLevel) bool {
		out = append(out, LevelSnapshot{Price: lvl.Price, Quantity: lvl.TotalQty})
		return len(out) < n
	})
	return out
}

// TopAsks returns up to n ask levels, best first.
func (b *OrderBook) TopAsks(n int) []LevelSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LevelSnapshot
	b.asks.Ascend(func(lvl *PriceLevel) bool {
		out = append(out, LevelSnapshot{Price: lvl.Price, Quantity: lvl.TotalQty})
		return len(out) < n
	})
	return out
}

// FullSnapshot copies every resting order on both sides, for persistence.
func (b *OrderBook) FullSnapshot() BookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BookSnapshot{Symbol: b.Symbol}
	b.bids.Descend(func(lvl *PriceLevel) bool {
		snap.Bids = append(snap.Bids, LevelOrders{Price: lvl.Price, Orders: lvl.Orders()})
		return true
	})
	b.asks.Ascend(func(lvl *PriceLevel) bool {
		snap.Asks = append(snap.Asks, LevelOrders{Price: lvl.Price, Orders: lvl.Orders()})
		return true
	})
	return snap
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
