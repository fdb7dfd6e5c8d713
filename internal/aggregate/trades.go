// Package aggregate implements the fixed time-grid aggregation layer: the
// five-second trade buckets, the 1.5-second microstructure window, the
// rolling per-symbol states that survive window resets, and the metric
// computation that turns all of it into an AdvancedMetrics record.
package aggregate

import (
	"sync"

	"github.com/shopspring/decimal"

	"marketfeed/pkg/types"
)

// bucket accumulates one five-second trade window for one symbol.
type bucket struct {
	windowStartNs int64
	open          decimal.Decimal
	high          decimal.Decimal
	low           decimal.Decimal
	close         decimal.Decimal
	volume        decimal.Decimal
	notional      decimal.Decimal
	tradeCount    int64
	buyQty        decimal.Decimal
	sellQty       decimal.Decimal
	buyNotional   decimal.Decimal
	sellNotional  decimal.Decimal
	firstTradeID  string
	lastTradeID   string
	lastRecvNs    int64
}

type symbolBuckets struct {
	current     *bucket // at most one open bucket per symbol
	lastEmitted int64   // window start of the last emitted window
}

// TradeAggregatorStats is a point-in-time snapshot of the aggregator counters.
type TradeAggregatorStats struct {
	LateTrades     int64 `json:"late_trades"`
	CatchupCaps    int64 `json:"catchup_caps"`
	SkippedWindows int64 `json:"skipped_windows"`
	EmittedBuckets int64 `json:"emitted_buckets"`
	EmittedEmpty   int64 `json:"emitted_empty"`
}

// TradeAggregator maintains the fixed five-second OHLCV grid for a set of
// symbols. Buckets are epoch-aligned; emission is driven by a watermark
// (now minus a late grace) so that late trades within the grace still land
// in their bucket, and strictly monotone per symbol. Windows that pass the
// watermark without trades are emitted as explicit empty buckets.
type TradeAggregator struct {
	mu         sync.Mutex
	windowNs   int64
	lateGrace  int64
	maxCatchup int64
	symbols    map[string]*symbolBuckets

	lateTrades     int64
	catchupCaps    int64
	skippedWindows int64
	emittedBuckets int64
	emittedEmpty   int64
}

// NewTradeAggregator creates an aggregator with the given window width,
// watermark grace and per-symbol catch-up cap, all in nanoseconds except
// the cap (window count).
func NewTradeAggregator(windowNs, lateGraceNs int64, maxCatchup int) *TradeAggregator {
	return &TradeAggregator{
		windowNs:   windowNs,
		lateGrace:  lateGraceNs,
		maxCatchup: int64(maxCatchup),
		symbols:    make(map[string]*symbolBuckets),
	}
}

// Track registers a symbol so that watermark flushes emit empty buckets for
// it even before (or without) any trade. The window live at registration is
// the first emittable one; earlier windows are never backfilled.
func (a *TradeAggregator) Track(symbol string, nowNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.symbols[symbol]; !ok {
		ws := nowNs - nowNs%a.windowNs
		a.symbols[symbol] = &symbolBuckets{lastEmitted: ws - a.windowNs}
	}
}

// Add folds one trade into its epoch-aligned bucket. Trades whose window has
// already been emitted are dropped and counted. A trade belonging to a newer
// window than the open bucket closes that bucket and returns it as a record;
// otherwise Add returns nil.
func (a *TradeAggregator) Add(symbol string, tr *types.Trade, tsEventNs, tsRecvNs int64) *types.Record {
	ws := tsEventNs - tsEventNs%a.windowNs

	a.mu.Lock()
	defer a.mu.Unlock()

	sb, ok := a.symbols[symbol]
	if !ok {
		sb = &symbolBuckets{lastEmitted: ws - a.windowNs}
		a.symbols[symbol] = sb
	}

	if ws <= sb.lastEmitted {
		a.lateTrades++
		return nil
	}

	var out *types.Record
	if sb.current != nil && ws > sb.current.windowStartNs {
		out = a.emitLocked(symbol, sb, sb.current)
		sb.current = nil
	}
	if sb.current == nil {
		sb.current = &bucket{windowStartNs: ws, open: tr.Price, high: tr.Price, low: tr.Price, firstTradeID: tr.TradeID}
	}

	b := sb.current
	if tr.Price.GreaterThan(b.high) {
		b.high = tr.Price
	}
	if tr.Price.LessThan(b.low) {
		b.low = tr.Price
	}
	b.close = tr.Price
	b.volume = b.volume.Add(tr.Qty)
	quote := tr.Price.Mul(tr.Qty)
	b.notional = b.notional.Add(quote)
	b.tradeCount++
	if tr.Side == types.BUY {
		b.buyQty = b.buyQty.Add(tr.Qty)
		b.buyNotional = b.buyNotional.Add(quote)
	} else {
		b.sellQty = b.sellQty.Add(tr.Qty)
		b.sellNotional = b.sellNotional.Add(quote)
	}
	b.lastTradeID = tr.TradeID
	if tsRecvNs > b.lastRecvNs {
		b.lastRecvNs = tsRecvNs
	}
	return out
}

// Flush emits, per symbol, every window newer than the last emitted one and
// at or below the watermark position. Missing windows become explicit empty
// buckets stamped with nowNs as receive time. Catch-up after an outage is
// capped per symbol; capped runs skip the oldest windows.
func (a *TradeAggregator) Flush(nowNs int64) []*types.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	emittable := a.lastEmittable(nowNs)
	var out []*types.Record
	for symbol, sb := range a.symbols {
		if emittable <= sb.lastEmitted {
			continue
		}
		pending := (emittable - sb.lastEmitted) / a.windowNs
		if pending > a.maxCatchup {
			a.catchupCaps++
			a.skippedWindows += pending - a.maxCatchup
			sb.lastEmitted = emittable - a.maxCatchup*a.windowNs
			if sb.current != nil && sb.current.windowStartNs <= sb.lastEmitted {
				sb.current = nil
			}
		}
		for ws := sb.lastEmitted + a.windowNs; ws <= emittable; ws += a.windowNs {
			if sb.current != nil && sb.current.windowStartNs == ws {
				out = append(out, a.emitLocked(symbol, sb, sb.current))
				sb.current = nil
				continue
			}
			out = append(out, a.emitEmptyLocked(symbol, sb, ws, nowNs))
		}
	}
	return out
}

// lastEmittable returns the newest window start whose window is entirely
// behind the watermark.
func (a *TradeAggregator) lastEmittable(nowNs int64) int64 {
	watermark := nowNs - a.lateGrace
	return watermark - watermark%a.windowNs - a.windowNs
}

func (a *TradeAggregator) emitLocked(symbol string, sb *symbolBuckets, b *bucket) *types.Record {
	if b.windowStartNs > sb.lastEmitted {
		sb.lastEmitted = b.windowStartNs
	}
	a.emittedBuckets++
	return &types.Record{
		Instrument: symbol,
		Channel:    types.ChannelAggTrades5s,
		TsEventNs:  b.windowStartNs + a.windowNs - 1,
		TsRecvNs:   b.lastRecvNs,
		AggTrade: &types.AggTrade5s{
			IntervalS:     int(a.windowNs / 1e9),
			WindowStartNs: b.windowStartNs,
			Open:          b.open,
			High:          b.high,
			Low:           b.low,
			Close:         b.close,
			Volume:        b.volume,
			Notional:      b.notional,
			TradeCount:    b.tradeCount,
			BuyQty:        b.buyQty,
			SellQty:       b.sellQty,
			BuyNotional:   b.buyNotional,
			SellNotional:  b.sellNotional,
			FirstTradeID:  b.firstTradeID,
			LastTradeID:   b.lastTradeID,
		},
	}
}

func (a *TradeAggregator) emitEmptyLocked(symbol string, sb *symbolBuckets, ws, nowNs int64) *types.Record {
	sb.lastEmitted = ws
	a.emittedEmpty++
	return &types.Record{
		Instrument: symbol,
		Channel:    types.ChannelAggTrades5s,
		TsEventNs:  ws + a.windowNs - 1,
		TsRecvNs:   nowNs,
		AggTrade: &types.AggTrade5s{
			IntervalS:     int(a.windowNs / 1e9),
			WindowStartNs: ws,
		},
	}
}

// Stats returns a snapshot of the drop and emission counters.
func (a *TradeAggregator) Stats() TradeAggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return TradeAggregatorStats{
		LateTrades:     a.lateTrades,
		CatchupCaps:    a.catchupCaps,
		SkippedWindows: a.skippedWindows,
		EmittedBuckets: a.emittedBuckets,
		EmittedEmpty:   a.emittedEmpty,
	}
}
