package market

import (
	"sync"

	"marketfeed/internal/aggregate"
)

// maxPendingLiqs caps the per-symbol liquidation backlog between window
// flushes. The drain runs every window, so the cap only bites when a shard
// stalls; overflow drops the oldest events.
const maxPendingLiqs = 1024

// SymbolState bundles everything one shard tracks for a single instrument:
// the local order book, the current microstructure window and the rolling
// state that survives window resets.
type SymbolState struct {
	Symbol  string
	Book    *Book
	Window  *aggregate.Window
	Rolling *aggregate.Rolling
}

// NewSymbolState creates the empty per-instrument state.
func NewSymbolState(symbol string) *SymbolState {
	return &SymbolState{
		Symbol:  symbol,
		Book:    NewBook(symbol),
		Window:  aggregate.NewWindow(),
		Rolling: aggregate.NewRolling(),
	}
}

// OISample is the latest open-interest observation for one symbol.
type OISample struct {
	TsMs         int64
	OpenInterest float64
	Value        float64 // venue openInterestValue, when provided
	HasValue     bool
}

// RatioSample is the latest top-trader long/short position ratio for one
// symbol. PeriodEndMs is the end of the venue's 5-minute period.
type RatioSample struct {
	PeriodEndMs      int64
	TopPositionRatio float64
}

// MarkSnap is the latest mark-price observation from the global stream.
type MarkSnap struct {
	MarkPx        float64
	IndexPx       float64
	FundingRate   float64
	NextFundingMs int64
	UpdatedMs     int64
}

// TickerSnap is the latest L1 quote from the global bookTicker stream, used
// as a fallback when the local book has no top of book.
type TickerSnap struct {
	BidPx, BidQty float64
	AskPx, AskQty float64
	UpdatedMs     int64
}

// LiqEvent is one forced order buffered for the owning shard's next window.
type LiqEvent struct {
	Qty      float64
	Notional float64
	IsBuy    bool
	TsMs     int64
}

// GlobalCaches holds the process-wide state fed by the global array streams:
// the latest mark price and bookTicker L1 per symbol, and the liquidations
// pending per symbol until the next window flush drains them. One goroutine
// writes, many shards read; readers get copies.
type GlobalCaches struct {
	mu      sync.RWMutex
	marks   map[string]MarkSnap
	tickers map[string]TickerSnap
	liqs    map[string][]LiqEvent

	droppedLiqs int64
}

// NewGlobalCaches returns empty caches.
func NewGlobalCaches() *GlobalCaches {
	return &GlobalCaches{
		marks:   make(map[string]MarkSnap),
		tickers: make(map[string]TickerSnap),
		liqs:    make(map[string][]LiqEvent),
	}
}

// SetMark stores the latest mark snapshot for the symbol.
func (g *GlobalCaches) SetMark(symbol string, snap MarkSnap) {
	g.mu.Lock()
	g.marks[symbol] = snap
	g.mu.Unlock()
}

// Mark returns a copy of the latest mark snapshot.
func (g *GlobalCaches) Mark(symbol string) (MarkSnap, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap, ok := g.marks[symbol]
	return snap, ok
}

// SetTicker stores the latest global L1 quote for the symbol.
func (g *GlobalCaches) SetTicker(symbol string, snap TickerSnap) {
	g.mu.Lock()
	g.tickers[symbol] = snap
	g.mu.Unlock()
}

// Ticker returns a copy of the latest global L1 quote.
func (g *GlobalCaches) Ticker(symbol string) (TickerSnap, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap, ok := g.tickers[symbol]
	return snap, ok
}

// AddLiquidation buffers one forced order until the owning shard drains it.
func (g *GlobalCaches) AddLiquidation(symbol string, evt LiqEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.liqs[symbol]
	if len(pending) >= maxPendingLiqs {
		pending = pending[1:]
		g.droppedLiqs++
	}
	g.liqs[symbol] = append(pending, evt)
}

// DrainLiquidations returns and clears the pending liquidations for the
// symbol.
func (g *GlobalCaches) DrainLiquidations(symbol string) []LiqEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.liqs[symbol]
	if len(pending) == 0 {
		return nil
	}
	delete(g.liqs, symbol)
	return pending
}

// DroppedLiquidations returns how many pending events were evicted by the
// backlog cap.
func (g *GlobalCaches) DroppedLiquidations() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.droppedLiqs
}
