// Package engine is the single sequence point for every state mutation:
// it owns the per-symbol book and stop-manager maps and the order-id ->
// symbol index, and drives WAL-append -> match -> broadcast for every
// accepted order or cancel.
package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"matchengine/internal/broadcast"
	"matchengine/internal/config"
	"matchengine/internal/logging"
	"matchengine/internal/matching"
	"matchengine/internal/snapshotstore"
	"matchengine/internal/stoporder"
	"matchengine/internal/wal"
)

const bookUpdateDepth = 10

var (
	// ErrInvalidQuantity is returned when a request's quantity is not
	// strictly positive.
	ErrInvalidQuantity = errors.New("engine: quantity must be strictly positive")
	// ErrInvalidPrice is returned when a request's price violates the
	// zero-iff-market rule.
	ErrInvalidPrice = errors.New("engine: price must be zero for market orders and strictly positive otherwise")
	// ErrSymbolRequired is returned when a request carries no symbol.
	ErrSymbolRequired = errors.New("engine: symbol is required")
)

// SubmitRequest is a fully validated incoming order, post-collaborator
// validation.
type SubmitRequest struct {
	Symbol   string
	Kind     matching.Kind
	Side     matching.Side
	Quantity int64
	Price    int64
}

// SubmitResult is the outcome of submitting the head order of a request
// (not of any orders triggered as a cascade from it).
type SubmitResult struct {
	OrderID string
	Status  Status
	Filled  int64
	Trades  []matching.Trade
}

// SubmitStopRequest is a fully validated incoming conditional order.
type SubmitStopRequest struct {
	Symbol       string
	Kind         stoporder.Kind
	Side         matching.Side
	Quantity     int64
	TriggerPrice int64
	LimitPrice   int64
	TrailAmount  int64
}

// Engine owns every symbol's book and stop manager, sequencing every
// mutation through WAL-append, match, and broadcast.
type Engine struct {
	mu sync.Mutex // guards books, stops, idSymbol

	books    map[string]*matching.OrderBook
	stops    map[string]*stoporder.Manager
	idSymbol map[string]string

	orderIDs *matching.IDGenerator
	stopIDs  *matching.IDGenerator
	tradeIDs *matching.IDGenerator

	wal       *wal.WAL
	broadcast *broadcast.Queue
	snapshots *snapshotstore.Store
	cfg       *config.Config
	logger    *logging.Logger

	totalOrders atomic.Uint64
	totalTrades atomic.Uint64

	snapshotStop chan struct{}
	snapshotWG   sync.WaitGroup
}

// New builds an Engine. snaps may be nil, disabling periodic snapshotting.
func New(cfg *config.Config, w *wal.WAL, bq *broadcast.Queue, snaps *snapshotstore.Store, logger *logging.Logger) *Engine {
	return &Engine{
		books:     make(map[string]*matching.OrderBook),
		stops:     make(map[string]*stoporder.Manager),
		idSymbol:  make(map[string]string),
		orderIDs:  matching.NewIDGenerator("ORD"),
		stopIDs:   matching.NewIDGenerator("STO"),
		tradeIDs:  matching.NewIDGenerator("T"),
		wal:       w,
		broadcast: bq,
		snapshots: snaps,
		cfg:       cfg,
		logger:    logger,
	}
}

func (e *Engine) getOrCreateBookLocked(symbol string) *matching.OrderBook {
	if b, ok := e.books[symbol]; ok {
		return b
	}
	fs := e.cfg.FeeScheduleFor(symbol)
	b := matching.NewOrderBook(symbol, fs.MakerBps, fs.TakerBps, e.tradeIDs)
	e.books[symbol] = b
	return b
}

func (e *Engine) getOrCreateStopManagerLocked(symbol string) *stoporder.Manager {
	if s, ok := e.stops[symbol]; ok {
		return s
	}
	s := stoporder.NewManager(symbol)
	e.stops[symbol] = s
	return s
}

// Submit validates req, assigns an order id, and runs it through the
// match/broadcast pipeline. Any stop orders it triggers are processed as
// part of the same call, via a work queue rather than recursion, so a
// long trigger cascade cannot overflow the stack.
func (e *Engine) Submit(req SubmitRequest) (SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return SubmitResult{}, err
	}

	e.mu.Lock()
	book := e.getOrCreateBookLocked(req.Symbol)
	stops := e.getOrCreateStopManagerLocked(req.Symbol)
	orderID := e.orderIDs.Next()
	e.idSymbol[orderID] = req.Symbol
	e.mu.Unlock()

	order := matching.Order{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Kind:      req.Kind,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Timestamp: time.Now().UnixNano(),
	}

	return e.processOrder(order, book, stops), nil
}

// processOrder drives order (and every order it cascades into) through
// WAL-append -> match -> broadcast -> stop-trigger-check, without ever
// holding the engine or book locks while appending to the WAL or pushing
// to the broadcast queue.
func (e *Engine) processOrder(head matching.Order, book *matching.OrderBook, stops *stoporder.Manager) SubmitResult {
	queue := []matching.Order{head}
	var result SubmitResult
	headProcessed := false

	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]

		e.appendOrderWAL(o)
		e.totalOrders.Add(1)

		trades := book.AddOrder(o)

		var filled int64
		for _, tr := range trades {
			e.appendTradeWAL(tr)
			e.broadcastTrade(tr)
			e.totalTrades.Add(1)
			filled += tr.Quantity
		}

		if len(trades) > 0 {
			e.broadcastBookUpdate(o.Symbol, book)
			lastPrice := trades[len(trades)-1].Price
			stops.UpdateTrailingStops(lastPrice)
			queue = append(queue, stops.CheckTriggers(lastPrice)...)
		}

		if !headProcessed {
			result = SubmitResult{
				OrderID: o.OrderID,
				Status:  DeriveStatus(o.Kind, o.Quantity, filled),
				Filled:  filled,
				Trades:  trades,
			}
			headProcessed = true
		}
	}

	return result
}

func stopTypeName(k stoporder.Kind) string {
	switch k {
	case stoporder.StopLimit:
		return "stop_limit"
	case stoporder.TakeProfit:
		return "take_profit"
	case stoporder.TrailingStop:
		return "trailing_stop"
	default:
		return "stop_loss"
	}
}

func parseStopType(s string) stoporder.Kind {
	switch s {
	case "stop_limit":
		return stoporder.StopLimit
	case "take_profit":
		return stoporder.TakeProfit
	case "trailing_stop":
		return stoporder.TrailingStop
	default:
		return stoporder.StopMarket
	}
}

// SubmitStopOrder validates req, records it in the WAL, and holds it in
// the symbol's stop manager until triggered or cancelled.
func (e *Engine) SubmitStopOrder(req SubmitStopRequest) (string, error) {
	if err := validateSubmitStop(req); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.getOrCreateBookLocked(req.Symbol)
	stops := e.getOrCreateStopManagerLocked(req.Symbol)
	orderID := e.stopIDs.Next()
	e.idSymbol[orderID] = req.Symbol
	e.mu.Unlock()

	now := time.Now().UnixNano()
	so := stoporder.StopOrder{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		TriggerPrice: req.TriggerPrice,
		Kind:         req.Kind,
		LimitPrice:   req.LimitPrice,
		TrailAmount:  req.TrailAmount,
		BestPrice:    req.TriggerPrice,
		CreatedAt:    now,
	}

	if err := e.wal.AppendStopOrder(wal.StopOrderPayload{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		OrderType:    "stop",
		StopType:     stopTypeName(req.Kind),
		Side:         req.Side.String(),
		Quantity:     req.Quantity,
		TriggerPrice: req.TriggerPrice,
		LimitPrice:   req.LimitPrice,
		TrailAmount:  req.TrailAmount,
		BestPrice:    so.BestPrice,
		Timestamp:    now,
	}); err != nil {
		e.logger.Error(errors.Wrap(err, "engine: append stop order"))
	}

	stops.Add(so)
	e.totalOrders.Add(1)

	return orderID, nil
}

// Cancel removes a live order or stop order. It broadcasts a book-update
// only when a live RestingOrder was actually removed — a stop-only
// cancel doesn't change the visible book.
func (e *Engine) Cancel(orderID string) (bool, error) {
	e.mu.Lock()
	symbol, ok := e.idSymbol[orderID]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	book := e.books[symbol]
	stops := e.stops[symbol]
	e.mu.Unlock()

	_, bookRemoved := book.Cancel(orderID)
	stopRemoved := stops.Cancel(orderID)

	if !bookRemoved && !stopRemoved {
		return false, nil
	}

	if err := e.wal.AppendCancel(orderID, "requested"); err != nil {
		e.logger.Error(errors.Wrap(err, "engine: append cancel"))
	}

	e.mu.Lock()
	delete(e.idSymbol, orderID)
	e.mu.Unlock()

	if bookRemoved {
		e.broadcastBookUpdate(symbol, book)
	}

	return true, nil
}

func (e *Engine) appendOrderWAL(o matching.Order) {
	if err := e.wal.AppendOrder(wal.OrderPayload{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		OrderType: o.Kind.String(),
		Side:      o.Side.String(),
		Quantity:  o.Quantity,
		Price:     o.Price,
		Timestamp: o.Timestamp,
	}); err != nil {
		e.logger.Error(errors.Wrap(err, "engine: append order"))
	}
}

func (e *Engine) appendTradeWAL(tr matching.Trade) {
	if err := e.wal.AppendTrade(wal.TradePayload{
		TradeID:       tr.TradeID,
		Symbol:        tr.Symbol,
		Price:         tr.Price,
		Quantity:      tr.Quantity,
		AggressorSide: tr.AggressorSide.String(),
		MakerOrderID:  tr.MakerOrderID,
		TakerOrderID:  tr.TakerOrderID,
		MakerFee:      tr.MakerFee,
		TakerFee:      tr.TakerFee,
		Timestamp:     tr.Timestamp,
	}); err != nil {
		e.logger.Error(errors.Wrap(err, "engine: append trade"))
	}
}

func (e *Engine) broadcastTrade(tr matching.Trade) {
	e.broadcast.PushTrade(broadcast.TradeData{
		TradeID:       tr.TradeID,
		Symbol:        tr.Symbol,
		Price:         tr.Price,
		Quantity:      tr.Quantity,
		AggressorSide: tr.AggressorSide.String(),
		MakerOrderID:  tr.MakerOrderID,
		TakerOrderID:  tr.TakerOrderID,
		MakerFee:      tr.MakerFee,
		TakerFee:      tr.TakerFee,
		Timestamp:     tr.Timestamp,
	})
}

func (e *Engine) broadcastBookUpdate(symbol string, book *matching.OrderBook) {
	e.broadcast.PushBookUpdate(broadcast.BookUpdateData{
		Symbol:    symbol,
		Bids:      toLevels(book.TopBids(bookUpdateDepth)),
		Asks:      toLevels(book.TopAsks(bookUpdateDepth)),
		Timestamp: time.Now().UnixNano(),
	})
}

func toLevels(ls []matching.LevelSnapshot) []broadcast.BookLevel {
	out := make([]broadcast.BookLevel, len(ls))
	for i, l := range ls {
		out[i] = broadcast.BookLevel{l.Price, l.Quantity}
	}
	return out
}

// SymbolStats is the best bid/ask summary for one symbol.
type SymbolStats struct {
	BestBid int64
	BestAsk int64
}

// Stats is the engine-wide introspection snapshot, standing in for the
// original's /stats endpoint now that the HTTP layer is out of scope.
type Stats struct {
	TotalOrders uint64
	TotalTrades uint64
	Symbols     map[string]SymbolStats
}

// Stats returns a point-in-time summary of engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	books := make(map[string]*matching.OrderBook, len(e.books))
	for symbol, b := range e.books {
		books[symbol] = b
	}
	e.mu.Unlock()

	symbols := make(map[string]SymbolStats, len(books))
	for symbol, book := range books {
		var stat SymbolStats
		if bids := book.TopBids(1); len(bids) > 0 {
			stat.BestBid = bids[0].Price
		}
		if asks := book.TopAsks(1); len(asks) > 0 {
			stat.BestAsk = asks[0].Price
		}
		symbols[symbol] = stat
	}

	return Stats{
		TotalOrders: e.totalOrders.Load(),
		TotalTrades: e.totalTrades.Load(),
		Symbols:     symbols,
	}
}

type stagedOrder struct {
	Symbol    string
	Side      matching.Side
	Price     int64
	Quantity  int64
	Timestamp int64
}

// Replay reconstructs engine state from the snapshot store (if any) plus
// the WAL: a staging map of live orders and one of live stop orders are
// first seeded from the most recent snapshot per symbol, then walked
// forward by every record in the current WAL segment — which, once
// snapshotting has rotated the log, only covers what happened after that
// snapshot was taken. Every surviving entry is inserted into its book or
// stop manager bypassing matching entirely, since the staged quantity
// already reflects every historical trade.
func (e *Engine) Replay() error {
	orders := make(map[string]*stagedOrder)
	stops := make(map[string]*stoporder.StopOrder)

	if e.snapshots != nil {
		if err := e.seedFromSnapshots(orders, stops); err != nil {
			return errors.Wrap(err, "engine: seed from snapshots")
		}
	}

	records, err := e.wal.Replay()
	if err != nil {
		return errors.Wrap(err, "engine: replay wal")
	}

	var maxOrderSeq, maxStopSeq, maxTradeSeq uint64
	for id := range orders {
		bumpSeq(&maxOrderSeq, id)
	}
	for id := range stops {
		bumpSeq(&maxStopSeq, id)
	}

	for _, rec := range records {
		switch rec.Type {
		case wal.RecordOrder:
			var p wal.OrderPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				continue
			}
			delete(stops, p.OrderID)
			orders[p.OrderID] = &stagedOrder{
				Symbol:    p.Symbol,
				Side:      parseSide(p.Side),
				Price:     p.Price,
				Quantity:  p.Quantity,
				Timestamp: p.Timestamp,
			}
			e.totalOrders.Add(1)
			bumpSeq(&maxOrderSeq, p.OrderID)

		case wal.RecordStopOrder:
			var p wal.StopOrderPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				continue
			}
			stops[p.OrderID] = &stoporder.StopOrder{
				OrderID:      p.OrderID,
				Symbol:       p.Symbol,
				Side:         parseSide(p.Side),
				Quantity:     p.Quantity,
				TriggerPrice: p.TriggerPrice,
				Kind:         parseStopType(p.StopType),
				LimitPrice:   p.LimitPrice,
				TrailAmount:  p.TrailAmount,
				BestPrice:    p.BestPrice,
				CreatedAt:    p.Timestamp,
			}
			e.totalOrders.Add(1)
			bumpSeq(&maxStopSeq, p.OrderID)

		case wal.RecordTrade:
			var p wal.TradePayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				continue
			}
			if maker, ok := orders[p.MakerOrderID]; ok {
				maker.Quantity -= p.Quantity
				if maker.Quantity <= 0 {
					delete(orders, p.MakerOrderID)
				}
			}
			if taker, ok := orders[p.TakerOrderID]; ok {
				taker.Quantity -= p.Quantity
				if taker.Quantity <= 0 {
					delete(orders, p.TakerOrderID)
				}
			}
			e.totalTrades.Add(1)
			bumpSeq(&maxTradeSeq, p.TradeID)

		case wal.RecordCancel:
			var p wal.CancelPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				continue
			}
			delete(orders, p.OrderID)
			delete(stops, p.OrderID)
		}
	}

	e.orderIDs.Observe(maxOrderSeq)
	e.stopIDs.Observe(maxStopSeq)
	e.tradeIDs.Observe(maxTradeSeq)

	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := orders[ids[i]], orders[ids[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		o := orders[id]
		book := e.getOrCreateBookLocked(o.Symbol)
		e.getOrCreateStopManagerLocked(o.Symbol)
		e.idSymbol[id] = o.Symbol
		book.InsertResting(matching.RestingOrder{
			OrderID:   id,
			Side:      o.Side,
			Price:     o.Price,
			Quantity:  o.Quantity,
			Timestamp: o.Timestamp,
		})
	}
	for id, so := range stops {
		e.getOrCreateBookLocked(so.Symbol)
		mgr := e.getOrCreateStopManagerLocked(so.Symbol)
		e.idSymbol[id] = so.Symbol
		mgr.Add(*so)
	}

	return nil
}

// seedFromSnapshots populates orders and stops from the most recent
// per-symbol snapshot, before the WAL walk in Replay applies whatever
// happened since that snapshot was taken.
func (e *Engine) seedFromSnapshots(orders map[string]*stagedOrder, stops map[string]*stoporder.StopOrder) error {
	symbols, err := e.snapshots.Symbols()
	if err != nil {
		return err
	}
	for _, symbol := range symbols {
		snap, ok, err := e.snapshots.Get(symbol)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		seedRestingOrders(orders, symbol, snap.Book.Bids)
		seedRestingOrders(orders, symbol, snap.Book.Asks)
		for _, so := range snap.Stops {
			copy := so
			stops[so.OrderID] = &copy
		}
	}
	return nil
}

func seedRestingOrders(orders map[string]*stagedOrder, symbol string, levels []matching.LevelOrders) {
	for _, lvl := range levels {
		for _, ro := range lvl.Orders {
			orders[ro.OrderID] = &stagedOrder{
				Symbol:    symbol,
				Side:      ro.Side,
				Price:     ro.Price,
				Quantity:  ro.Quantity,
				Timestamp: ro.Timestamp,
			}
		}
	}
}

func bumpSeq(max *uint64, id string) {
	if n, ok := matching.ParseSeq(id); ok && n > *max {
		*max = n
	}
}

func parseSide(s string) matching.Side {
	if s == "sell" {
		return matching.Sell
	}
	return matching.Buy
}

// StartSnapshotLoop periodically persists a full snapshot of every book
// and truncates the WAL, bounding how much of the log a future replay
// must scan. It is a no-op if no snapshot store was configured.
func (e *Engine) StartSnapshotLoop(interval time.Duration) {
	if e.snapshots == nil || interval <= 0 {
		return
	}
	e.snapshotStop = make(chan struct{})
	e.snapshotWG.Add(1)
	go e.snapshotLoop(interval)
}

func (e *Engine) snapshotLoop(interval time.Duration) {
	defer e.snapshotWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.takeSnapshots()
		case <-e.snapshotStop:
			return
		}
	}
}

// TakeSnapshot immediately persists a snapshot of every book and stop
// manager, then rotates the WAL. StartSnapshotLoop invokes this on every
// tick; it is exported directly so operators (and tests) can trigger it
// on demand rather than waiting for the next tick.
func (e *Engine) TakeSnapshot() {
	if e.snapshots == nil {
		return
	}
	e.takeSnapshots()
}

func (e *Engine) takeSnapshots() {
	e.mu.Lock()
	books := make([]*matching.OrderBook, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	stopManagers := make(map[string]*stoporder.Manager, len(e.stops))
	for symbol, m := range e.stops {
		stopManagers[symbol] = m
	}
	e.mu.Unlock()

	for _, book := range books {
		bookSnap := book.FullSnapshot()
		var stops []stoporder.StopOrder
		if mgr, ok := stopManagers[bookSnap.Symbol]; ok {
			stops = mgr.All()
		}
		if err := e.snapshots.Put(snapshotstore.Snapshot{Book: bookSnap, Stops: stops}); err != nil {
			e.logger.Error(errors.Wrap(err, "engine: store snapshot"))
		}
	}

	if err := e.wal.Rotate(e.cfg.WALPath); err != nil {
		e.logger.Error(errors.Wrap(err, "engine: rotate wal"))
	}
}

// StopSnapshotLoop halts periodic snapshotting, if running.
func (e *Engine) StopSnapshotLoop() {
	if e.snapshotStop == nil {
		return
	}
	close(e.snapshotStop)
	e.snapshotWG.Wait()
}

// Close stops the snapshot loop, the broadcast queue and the WAL writer,
// then closes the snapshot store and returns its close error. It is not
// idempotent: a second call closes the snapshot loop's stop channel and
// the snapshot store again.
func (e *Engine) Close() error {
	e.StopSnapshotLoop()
	e.broadcast.Stop()
	e.wal.Stop()

	var err error
	if e.snapshots != nil {
		err = multierr.Append(err, e.snapshots.Close())
	}
	return err
}

func validateSubmit(req SubmitRequest) error {
	if req.Symbol == "" {
		return ErrSymbolRequired
	}
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if req.Kind == matching.Market {
		if req.Price != 0 {
			return ErrInvalidPrice
		}
		return nil
	}
	if req.Price <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

func validateSubmitStop(req SubmitStopRequest) error {
	if req.Symbol == "" {
		return ErrSymbolRequired
	}
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if req.Kind == stoporder.StopLimit && req.LimitPrice <= 0 {
		return ErrInvalidPrice
	}
	if req.Kind == stoporder.TrailingStop && req.TrailAmount <= 0 {
		return errors.New("engine: trail amount must be strictly positive")
	}
	return nil
}
