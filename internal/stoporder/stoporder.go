// Package stoporder holds conditional orders for one symbol and converts
// them into live orders as trade prices cross their trigger.
package stoporder

import (
	"sync"
	"time"

	"github.com/google/btree"

	"matchengine/internal/matching"
)

const btreeDegree = 32

// Kind is the conditional order's trigger/fill discipline.
type Kind int

const (
	StopMarket Kind = iota
	StopLimit
	TakeProfit
	TrailingStop
)

// StopOrder is a conditional order awaiting a trigger price crossing.
type StopOrder struct {
	OrderID      string
	Symbol       string
	Side         matching.Side
	Quantity     int64
	TriggerPrice int64
	Kind         Kind
	LimitPrice   int64 // StopLimit only
	TrailAmount  int64 // TrailingStop only
	BestPrice    int64 // TrailingStop only: most favourable price seen
	CreatedAt    int64
}

// toOrder converts a triggered StopOrder into a fresh live Order. Only
// StopLimit carries its own limit price; StopMarket, TakeProfit and
// TrailingStop all execute at the market once triggered, since none of
// them carries a second price field of their own.
func (so *StopOrder) toOrder() matching.Order {
	kind := matching.Market
	price := int64(0)
	if so.Kind == StopLimit {
		kind = matching.Limit
		price = so.LimitPrice
	}
	return matching.Order{
		OrderID:   so.OrderID,
		Symbol:    so.Symbol,
		Kind:      kind,
		Side:      so.Side,
		Quantity:  so.Quantity,
		Price:     price,
		Timestamp: time.Now().UnixNano(),
	}
}

// group holds every stop order sharing one trigger price, in arrival order.
type group struct {
	price  int64
	orders []*StopOrder
}

func groupLess(a, b *group) bool {
	return a.price < b.price
}

// Manager holds buy_stops (ascending by trigger price) and sell_stops
// (descending by trigger price) for one symbol, under a single lock held
// across CheckTriggers and trailing updates.
type Manager struct {
	mu sync.Mutex

	Symbol string

	buyStops  *btree.BTreeG[*group]
	sellStops *btree.BTreeG[*group]

	orders  map[string]*StopOrder
	priceOf map[string]int64
}

// NewManager builds an empty stop-order manager for symbol.
func NewManager(symbol string) *Manager {
	return &Manager{
		Symbol:    symbol,
		buyStops:  btree.NewG(btreeDegree, groupLess),
		sellStops: btree.NewG(btreeDegree, groupLess),
		orders:    make(map[string]*StopOrder),
		priceOf:   make(map[string]int64),
	}
}

func (m *Manager) treeFor(side matching.Side) *btree.BTreeG[*group] {
	if side == matching.Buy {
		return m.buyStops
	}
	return m.sellStops
}

// Add inserts a new conditional order.
func (m *Manager) Add(so StopOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := so
	m.insertLocked(&copy)
}

func (m *Manager) insertLocked(so *StopOrder) {
	tree := m.treeFor(so.Side)
	g, found := tree.Get(&group{price: so.TriggerPrice})
	if !found {
		g = &group{price: so.TriggerPrice}
		tree.ReplaceOrInsert(g)
	}
	g.orders = append(g.orders, so)
	m.orders[so.OrderID] = so
	m.priceOf[so.OrderID] = so.TriggerPrice
}

// Cancel removes the stop order with the given id, if present.
func (m *Manager) Cancel(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	so, ok := m.orders[orderID]
	if !ok {
		return false
	}
	price := m.priceOf[orderID]
	tree := m.treeFor(so.Side)
	g, found := tree.Get(&group{price: price})
	if !found {
		return false
	}
	removed := removeFromGroup(g, orderID)
	if !removed {
		return false
	}
	if len(g.orders) == 0 {
		tree.Delete(g)
	}
	delete(m.orders, orderID)
	delete(m.priceOf, orderID)
	return true
}

func removeFromGroup(g *group, orderID string) bool {
	for i, o := range g.orders {
		if o.OrderID == orderID {
			g.orders = append(g.orders[:i], g.orders[i+1:]...)
			return true
		}
	}
	return false
}

// CheckTriggers converts every stop order crossed by the observed price p
// into a fresh live Order: buy-stops with trigger_price <= p, sell-stops
// with trigger_price >= p. Triggered stops are removed atomically. The
// returned orders are ordered nearest-trigger-first within each side.
func (m *Manager) CheckTriggers(p int64) []matching.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var triggered []*StopOrder

	var buyGroups []*group
	m.buyStops.Ascend(func(g *group) bool {
		if g.price > p {
			return false
		}
		triggered = append(triggered, g.orders...)
		buyGroups = append(buyGroups, g)
		return true
	})
	for _, g := range buyGroups {
		m.buyStops.Delete(g)
	}

	var sellGroups []*group
	m.sellStops.Descend(func(g *group) bool {
		if g.price < p {
			return false
		}
		triggered = append(triggered, g.orders...)
		sellGroups = append(sellGroups, g)
		return true
	})
	for _, g := range sellGroups {
		m.sellStops.Delete(g)
	}

	orders := make([]matching.Order, 0, len(triggered))
	for _, so := range triggered {
		delete(m.orders, so.OrderID)
		delete(m.priceOf, so.OrderID)
		orders = append(orders, so.toOrder())
	}
	return orders
}

// UpdateTrailingStops tightens every TrailingStop's trigger given the
// latest observed price. Because trigger_price is the btree key, a stop
// whose trigger changes is removed from its old position and reinserted
// at the new one rather than mutated in place.
func (m *Manager) UpdateTrailingStops(currentPrice int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, so := range m.orders {
		if so.Kind != TrailingStop {
			continue
		}
		var changed bool
		switch so.Side {
		case matching.Buy: // protecting a short
			if currentPrice < so.BestPrice {
				so.BestPrice = currentPrice
				newTrigger := currentPrice + so.TrailAmount
				changed = newTrigger != so.TriggerPrice
				so.TriggerPrice = newTrigger
			}
		case matching.Sell: // protecting a long
			if currentPrice > so.BestPrice {
				so.BestPrice = currentPrice
				newTrigger := currentPrice - so.TrailAmount
				changed = newTrigger != so.TriggerPrice
				so.TriggerPrice = newTrigger
			}
		}
		if changed {
			m.reinsertLocked(id, so)
		}
	}
}

func (m *Manager) reinsertLocked(id string, so *StopOrder) {
	oldPrice := m.priceOf[id]
	tree := m.treeFor(so.Side)

	if g, found := tree.Get(&group{price: oldPrice}); found {
		removeFromGroup(g, id)
		if len(g.orders) == 0 {
			tree.Delete(g)
		}
	}

	g, found := tree.Get(&group{price: so.TriggerPrice})
	if !found {
		g = &group{price: so.TriggerPrice}
		tree.ReplaceOrInsert(g)
	}
	g.orders = append(g.orders, so)
	m.priceOf[id] = so.TriggerPrice
}

// All returns a snapshot copy of every live stop order, for persistence.
func (m *Manager) All() []StopOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopOrder, 0, len(m.orders))
	for _, so := range m.orders {
		out = append(out, *so)
	}
	return out
}
