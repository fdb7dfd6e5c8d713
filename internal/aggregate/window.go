package aggregate

// trade is one window-scoped trade observation kept for the metric pass.
type trade struct {
	px    float64
	qty   float64
	tsMs  int64
	isBuy bool
}

// liq is one liquidation observation drained into the window at flush.
type liq struct {
	qty      float64
	notional float64
	isBuy    bool
}

// SampleRollup is the 200 ms L1 sampler view: the order-flow imbalance and
// trade totals accumulated since the previous sample. Both reset
// independently of the 1.5 s window.
type SampleRollup struct {
	OFI        float64
	TradeCount int64
	VolBase    float64
	VolQuote   float64
}

// Window collects the per-symbol observations of one 1.5-second
// microstructure window: mid prices per depth update, trades, the L1
// order-flow imbalance, microprice endpoints, jump and replenishment
// counters and the per-window input flags. The previous L1 quote persists
// across resets so deltas keep spanning window boundaries.
//
// Window is not goroutine-safe; the owning shard serializes access.
type Window struct {
	mids   []float64
	trades []trade
	liqs   []liq

	ofiSum    float64
	ofiSample float64 // drained by the 200 ms sampler

	sampleTradeCount int64
	sampleVolBase    float64
	sampleVolQuote   float64

	micropriceFirst float64
	micropriceLast  float64
	hasMicroprice   bool

	l1Jumps         int64
	replenishEvents int64

	prevBidPx, prevBidQty float64
	prevAskPx, prevAskQty float64
	hasPrevL1             bool

	buyVol, sellVol     float64
	buyQuote, sellQuote float64

	HasDepth   bool
	HasTrades  bool
	HasMark    bool
	HasLiq     bool
	Resynced   bool
	depthCount int64
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{}
}

// OnDepth folds one post-update L1 observation into the window: appends the
// mid, updates microprice endpoints, counts best-price jumps and L1 quantity
// upticks, and advances both order-flow-imbalance accumulators by
// dBidQty - dAskQty against the previous observation.
func (w *Window) OnDepth(bidPx, bidQty, askPx, askQty float64) {
	if bidPx <= 0 || askPx <= 0 {
		return
	}
	w.HasDepth = true
	w.depthCount++
	w.mids = append(w.mids, (bidPx+askPx)/2)

	if bidQty > 0 && askQty > 0 {
		micro := (askQty*bidPx + bidQty*askPx) / (bidQty + askQty)
		if !w.hasMicroprice {
			w.micropriceFirst = micro
			w.hasMicroprice = true
		}
		w.micropriceLast = micro
	}

	if w.hasPrevL1 {
		if bidPx != w.prevBidPx || askPx != w.prevAskPx {
			w.l1Jumps++
		}
		delta := (bidQty - w.prevBidQty) - (askQty - w.prevAskQty)
		w.ofiSum += delta
		w.ofiSample += delta
		if (bidPx == w.prevBidPx && bidQty > w.prevBidQty) ||
			(askPx == w.prevAskPx && askQty > w.prevAskQty) {
			w.replenishEvents++
		}
	}
	w.prevBidPx, w.prevBidQty = bidPx, bidQty
	w.prevAskPx, w.prevAskQty = askPx, askQty
	w.hasPrevL1 = true
}

// OnTrade folds one trade into the window and sample accumulators.
func (w *Window) OnTrade(px, qty float64, isBuy bool, tsMs int64) {
	if px <= 0 || qty <= 0 {
		return
	}
	w.HasTrades = true
	w.trades = append(w.trades, trade{px: px, qty: qty, tsMs: tsMs, isBuy: isBuy})
	quote := px * qty
	if isBuy {
		w.buyVol += qty
		w.buyQuote += quote
	} else {
		w.sellVol += qty
		w.sellQuote += quote
	}
	w.sampleTradeCount++
	w.sampleVolBase += qty
	w.sampleVolQuote += quote
}

// OnLiquidation records one forced order drained from the global stream.
func (w *Window) OnLiquidation(qty, notional float64, isBuy bool) {
	if qty <= 0 {
		return
	}
	w.HasLiq = true
	w.liqs = append(w.liqs, liq{qty: qty, notional: notional, isBuy: isBuy})
}

// TakeSample returns and resets the 200 ms sampler accumulators. The window
// accumulators are unaffected.
func (w *Window) TakeSample() SampleRollup {
	s := SampleRollup{
		OFI:        w.ofiSample,
		TradeCount: w.sampleTradeCount,
		VolBase:    w.sampleVolBase,
		VolQuote:   w.sampleVolQuote,
	}
	w.ofiSample = 0
	w.sampleTradeCount = 0
	w.sampleVolBase = 0
	w.sampleVolQuote = 0
	return s
}

// Reset clears all window-scoped state for the next window. The previous L1
// quote and the 200 ms sampler accumulators are kept.
func (w *Window) Reset() {
	w.mids = w.mids[:0]
	w.trades = w.trades[:0]
	w.liqs = w.liqs[:0]
	w.ofiSum = 0
	w.micropriceFirst = 0
	w.micropriceLast = 0
	w.hasMicroprice = false
	w.l1Jumps = 0
	w.replenishEvents = 0
	w.buyVol, w.sellVol = 0, 0
	w.buyQuote, w.sellQuote = 0, 0
	w.HasDepth = false
	w.HasTrades = false
	w.HasMark = false
	w.HasLiq = false
	w.Resynced = false
	w.depthCount = 0
}

// TradeCount returns the number of trades collected this window.
func (w *Window) TradeCount() int { return len(w.trades) }

// DepthUpdates returns the number of L1 observations this window.
func (w *Window) DepthUpdates() int64 { return w.depthCount }
