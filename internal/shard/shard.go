// Package shard owns one multiplexed venue connection and everything the
// symbols on it need: stream decoding, the per-symbol order books and
// microstructure windows, the fixed-grid sampling timers, and the window
// flush that turns collected state into records.
//
// A shard is single-writer by construction: the Run loop is the only
// goroutine that mutates window and rolling state, so those need no locks.
// Books are internally locked because REST resyncs write to them from
// short-lived goroutines gated by the book's snapshot gate.
package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
	"marketfeed/internal/market"
	"marketfeed/internal/metrics"
	"marketfeed/internal/pipeline"
	"marketfeed/pkg/types"
)

const (
	// tickerFreshMs bounds how old a global bookTicker quote may be to serve
	// as the L1 fallback at flush time.
	tickerFreshMs = 5_000
	// attachLookbackMs is how far before the window start a REST sample may
	// sit and still be attached to the window.
	attachLookbackMs = 12_000
	// gridCheckPeriod is how often the flush timer polls the window edge.
	gridCheckPeriod = 100 * time.Millisecond
)

// RESTAttachments supplies the latest REST-polled samples that get mapped
// into windows at flush time. Implemented by the poller; stale samples are
// returned as-is and the shard decides freshness.
type RESTAttachments interface {
	OpenInterest(symbol string) (market.OISample, bool)
	LongShortRatio(symbol string) (market.RatioSample, bool)
}

// Options carries the collaborators and tuning for one shard.
type Options struct {
	Shard    config.ShardConfig
	Book     config.BookConfig
	Exchange config.ExchangeConfig

	REST    *exchange.Client
	Router  *pipeline.Router
	Globals *market.GlobalCaches
	Agg     *aggregate.TradeAggregator
	Attach  RESTAttachments // may be nil when the poller is disabled

	Logger *slog.Logger
	Now    func() time.Time // nil means time.Now
}

// Shard drives one combined-stream connection for up to SymbolsPerShard
// symbols: trade and depth-diff streams, optionally klines.
type Shard struct {
	id     int
	label  string
	states []*market.SymbolState
	// byStream maps the venue's lower-case stream symbol to its state.
	byStream map[string]*market.SymbolState

	feed    *exchange.ShardFeed
	rest    *exchange.Client
	router  *pipeline.Router
	globals *market.GlobalCaches
	agg     *aggregate.TradeAggregator
	attach  RESTAttachments

	shardCfg config.ShardConfig
	bookCfg  config.BookConfig

	logger *slog.Logger
	now    func() time.Time

	winStartMs     int64
	lastReconnects int64
	zeroReported   map[string]bool

	decodeErrors   atomic.Int64
	bookGaps       atomic.Int64
	bookResyncs    atomic.Int64
	resyncFailures atomic.Int64
	windowsFlushed atomic.Int64
}

// New builds a shard for the given symbols. The feed is constructed but not
// connected; Run owns the whole lifecycle.
func New(id int, symbols []string, opts Options) *Shard {
	label := fmt.Sprintf("shard-%d", id)
	logger := opts.Logger.With("component", label)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	streams := exchange.ShardStreams(symbols, opts.Shard.KlineInterval)
	feed := exchange.NewShardFeed(
		opts.Exchange.WSBaseURL,
		streams,
		opts.Shard.AggTradeQueueMax,
		opts.Exchange.ConnectTimeout,
		opts.Exchange.ReconnectBackoff,
		opts.Exchange.MaxBackoff,
		logger,
	)

	s := &Shard{
		id:           id,
		label:        label,
		byStream:     make(map[string]*market.SymbolState, len(symbols)),
		feed:         feed,
		rest:         opts.REST,
		router:       opts.Router,
		globals:      opts.Globals,
		agg:          opts.Agg,
		attach:       opts.Attach,
		shardCfg:     opts.Shard,
		bookCfg:      opts.Book,
		logger:       logger,
		now:          now,
		zeroReported: make(map[string]bool),
	}
	for _, sym := range symbols {
		st := market.NewSymbolState(sym)
		s.states = append(s.states, st)
		s.byStream[strings.ToLower(sym)] = st
	}
	return s
}

// Run bootstraps every owned book from REST, then consumes frames and drives
// the three grid timers until ctx is cancelled.
func (s *Shard) Run(ctx context.Context) error {
	s.logger.Info("shard starting", "symbols", len(s.states))
	s.bootstrap(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	nowNs := s.now().UnixNano()
	for _, st := range s.states {
		s.agg.Track(st.Symbol, nowNs)
	}
	windowMs := int64(s.shardCfg.WindowFlushMs)
	s.winStartMs = floorToGrid(nowNs/int64(time.Millisecond), windowMs)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed.Run(ctx) })
	g.Go(func() error { return s.loop(ctx) })
	return g.Wait()
}

// bootstrap seeds every book from a REST snapshot. Each symbol gets a small
// jitter so shards starting together do not burst the endpoint. A failed
// seed is not fatal: the book self-seeds once enough contiguous diffs arrive.
func (s *Shard) bootstrap(ctx context.Context) {
	for i, st := range s.states {
		jitter := 50*time.Millisecond + time.Duration(i%10)*10*time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
		if err := s.seedBook(ctx, st); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("bootstrap snapshot failed, book will seed from diffs",
				"symbol", st.Symbol, "error", err)
		}
	}
	s.logger.Info("bootstrap complete", "symbols", len(s.states))
}

// seedBook fetches a REST depth snapshot and applies it, retrying transient
// failures up to the configured attempt count.
func (s *Shard) seedBook(ctx context.Context, st *market.SymbolState) error {
	attempts := s.bookCfg.RESTRetryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		d, err := s.rest.Depth(ctx, st.Symbol, s.bookCfg.RESTDepthLimit)
		if err != nil {
			lastErr = err
			continue
		}
		bids, asks, err := exchange.RESTDepthLevels(d)
		if err != nil {
			// Malformed payload; retrying will not help.
			return err
		}
		st.Book.ApplySnapshot(d.LastUpdateID, bids, asks)
		return nil
	}
	return lastErr
}

func (s *Shard) loop(ctx context.Context) error {
	topTick := time.NewTicker(time.Duration(s.shardCfg.Top20SnapshotMs) * time.Millisecond)
	defer topTick.Stop()
	l1Tick := time.NewTicker(time.Duration(s.shardCfg.L1SampleMs) * time.Millisecond)
	defer l1Tick.Stop()
	gridTick := time.NewTicker(gridCheckPeriod)
	defer gridTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fr, ok := <-s.feed.Frames():
			if !ok {
				return nil
			}
			s.handleFrame(ctx, fr)
		case <-topTick.C:
			s.emitTopOfBook()
		case <-l1Tick.C:
			s.emitL1Samples()
		case <-gridTick.C:
			s.checkReconnect(ctx)
			s.checkWindow()
		}
	}
}

// handleFrame dispatches one combined-stream frame by its stream suffix.
func (s *Shard) handleFrame(ctx context.Context, fr exchange.Frame) {
	sym, suffix, ok := strings.Cut(fr.Stream, "@")
	if !ok {
		s.decodeErrors.Add(1)
		return
	}
	st := s.byStream[sym]
	if st == nil {
		s.decodeErrors.Add(1)
		s.logger.Debug("frame for unowned symbol", "stream", fr.Stream)
		return
	}
	switch {
	case suffix == "trade":
		s.onTrade(st, fr)
	case strings.HasPrefix(suffix, "depth"):
		s.onDepth(ctx, st, fr)
	case strings.HasPrefix(suffix, "kline"):
		s.onKline(st, fr)
	default:
		s.decodeErrors.Add(1)
	}
}

func (s *Shard) onTrade(st *market.SymbolState, fr exchange.Frame) {
	var w exchange.WSTrade
	if err := json.Unmarshal(fr.Data, &w); err != nil {
		s.decodeErrors.Add(1)
		return
	}
	rec, err := exchange.TradeRecord(st.Symbol, &w, fr.RecvNs)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Debug("bad trade frame", "symbol", st.Symbol, "error", err)
		return
	}
	s.router.Publish(&rec)

	tr := rec.Trade
	st.Window.OnTrade(
		tr.Price.InexactFloat64(),
		tr.Qty.InexactFloat64(),
		tr.Side == types.BUY,
		rec.TsEventNs/int64(time.Millisecond),
	)
	if closed := s.agg.Add(st.Symbol, tr, rec.TsEventNs, rec.TsRecvNs); closed != nil {
		s.router.Publish(closed)
	}
}

func (s *Shard) onDepth(ctx context.Context, st *market.SymbolState, fr exchange.Frame) {
	var w exchange.WSDepthDiff
	if err := json.Unmarshal(fr.Data, &w); err != nil {
		s.decodeErrors.Add(1)
		return
	}
	rec, err := exchange.DiffRecord(st.Symbol, &w, fr.RecvNs)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Debug("bad depth frame", "symbol", st.Symbol, "error", err)
		return
	}
	s.router.Publish(&rec)

	if gap := st.Book.ApplyDiff(rec.Diff); gap {
		s.bookGaps.Add(1)
		metrics.BookGaps.Inc()
		st.Window.Resynced = true
		s.logger.Warn("book sequence gap",
			"symbol", st.Symbol, "sequence", rec.Diff.Sequence)
		s.scheduleResync(ctx, st)
	}
	if bidPx, bidQty, askPx, askQty, ok := st.Book.L1(); ok {
		st.Window.OnDepth(
			bidPx.InexactFloat64(), bidQty.InexactFloat64(),
			askPx.InexactFloat64(), askQty.InexactFloat64(),
		)
	}
}

func (s *Shard) onKline(st *market.SymbolState, fr exchange.Frame) {
	var w exchange.WSKline
	if err := json.Unmarshal(fr.Data, &w); err != nil {
		s.decodeErrors.Add(1)
		return
	}
	rec, err := exchange.KlineRecord(st.Symbol, &w, fr.RecvNs)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logger.Debug("bad kline frame", "symbol", st.Symbol, "error", err)
		return
	}
	s.router.Publish(&rec)
}

// scheduleResync launches a REST snapshot refresh for one book, if its
// cooldown gate allows another attempt.
func (s *Shard) scheduleResync(ctx context.Context, st *market.SymbolState) {
	cooldown := time.Duration(s.bookCfg.RESTCooldownSec) * time.Second
	if !st.Book.TrySnapshotGate(cooldown) {
		return
	}
	go func() {
		if err := s.seedBook(ctx, st); err != nil {
			st.Book.SnapshotFailed()
			s.resyncFailures.Add(1)
			s.logger.Warn("book resync failed", "symbol", st.Symbol, "error", err)
			return
		}
		s.bookResyncs.Add(1)
		metrics.BookResyncs.Inc()
		s.logger.Info("book resynced", "symbol", st.Symbol)
	}()
}

// checkReconnect watches the feed's reconnect counter; a completed reconnect
// means the diff stream had a hole, so every book is scheduled for a
// cooldown-gated resync.
func (s *Shard) checkReconnect(ctx context.Context) {
	rc := s.feed.Reconnects()
	if rc == s.lastReconnects {
		return
	}
	metrics.WSReconnects.WithLabelValues(s.label).Add(float64(rc - s.lastReconnects))
	s.lastReconnects = rc
	s.logger.Info("stream reconnected, scheduling book resyncs")
	for _, st := range s.states {
		s.scheduleResync(ctx, st)
	}
}

// emitTopOfBook publishes the 100 ms depth snapshots: the top 20 levels and
// the top 5 sliced from the same view. Only initialized books emit.
func (s *Shard) emitTopOfBook() {
	nowNs := s.now().UnixNano()
	for _, st := range s.states {
		if !st.Book.Initialized() {
			continue
		}
		bidPx, bidQty, askPx, askQty := st.Book.Top(20)
		top20 := types.Record{
			Instrument: st.Symbol,
			Channel:    types.ChannelOBTop20,
			TsEventNs:  nowNs,
			TsRecvNs:   nowNs,
			Depth: &types.DepthSnapshot{
				Depth:     20,
				BidPrices: bidPx,
				BidQtys:   bidQty,
				AskPrices: askPx,
				AskQtys:   askQty,
			},
		}
		s.router.Publish(&top20)

		top5 := types.Record{
			Instrument: st.Symbol,
			Channel:    types.ChannelOBTop5,
			TsEventNs:  nowNs,
			TsRecvNs:   nowNs,
			Depth: &types.DepthSnapshot{
				Depth:     5,
				BidPrices: capLevels(bidPx, 5),
				BidQtys:   capLevels(bidQty, 5),
				AskPrices: capLevels(askPx, 5),
				AskQtys:   capLevels(askQty, 5),
			},
		}
		s.router.Publish(&top5)
	}
}

// emitL1Samples publishes the 200 ms records: a depth-1 snapshot plus the
// sampler metric surrogate. Symbols without a live L1 are skipped.
func (s *Shard) emitL1Samples() {
	nowNs := s.now().UnixNano()
	for _, st := range s.states {
		bidPx, bidQty, askPx, askQty, ok := st.Book.L1()
		if !ok {
			continue
		}
		l1 := types.Record{
			Instrument: st.Symbol,
			Channel:    types.ChannelL1,
			TsEventNs:  nowNs,
			TsRecvNs:   nowNs,
			Depth: &types.DepthSnapshot{
				Depth:     1,
				BidPrices: []decimal.Decimal{bidPx},
				BidQtys:   []decimal.Decimal{bidQty},
				AskPrices: []decimal.Decimal{askPx},
				AskQtys:   []decimal.Decimal{askQty},
			},
		}
		s.router.Publish(&l1)

		sample := st.Window.TakeSample()
		bid, ask := bidPx.InexactFloat64(), askPx.InexactFloat64()
		bq, aq := bidQty.InexactFloat64(), askQty.InexactFloat64()
		mid := (bid + ask) / 2
		micro := mid
		if bq+aq > 0 {
			micro = (aq*bid + bq*ask) / (bq + aq)
		}
		adv := types.Record{
			Instrument: st.Symbol,
			Channel:    types.ChannelAdvancedMetrics,
			TsEventNs:  nowNs,
			TsRecvNs:   nowNs,
			Advanced: &types.AdvancedMetrics{Metrics: map[string]float64{
				"spread_px":         ask - bid,
				"mid_px":            mid,
				"microprice_px":     micro,
				"ofi_200ms":         sample.OFI,
				"trade_count_200ms": float64(sample.TradeCount),
				"vol_base_200ms":    sample.VolBase,
				"vol_quote_200ms":   sample.VolQuote,
			}},
		}
		s.router.Publish(&adv)
	}
}

// checkWindow flushes at most one window when the grid edge has passed, then
// lets the trade grid emit any buckets past its watermark.
func (s *Shard) checkWindow() {
	windowMs := int64(s.shardCfg.WindowFlushMs)
	nowMs := s.now().UnixMilli()
	if nowMs < s.winStartMs+windowMs {
		return
	}
	winStart := s.winStartMs
	s.winStartMs += windowMs
	s.flushWindows(winStart, winStart+windowMs)
	s.windowsFlushed.Add(1)

	for _, rec := range s.agg.Flush(s.now().UnixNano()) {
		s.router.Publish(rec)
	}
}

// flushWindows turns every symbol's window into its metric record: sync the
// global mark and liquidation caches, attach REST samples that fall into the
// window, choose the L1, derive the window candle, compute the metric set,
// publish and reset.
func (s *Shard) flushWindows(winStartMs, winEndMs int64) {
	nowMs := s.now().UnixMilli()
	winSeconds := float64(winEndMs-winStartMs) / 1e3

	for _, st := range s.states {
		var markPx, indexPx float64
		if mark, ok := s.globals.Mark(st.Symbol); ok && mark.MarkPx > 0 {
			st.Window.HasMark = true
			markPx, indexPx = mark.MarkPx, mark.IndexPx
		}
		for _, evt := range s.globals.DrainLiquidations(st.Symbol) {
			st.Window.OnLiquidation(evt.Qty, evt.Notional, evt.IsBuy)
		}

		var oi aggregate.OIAttach
		var ls aggregate.LSAttach
		if s.attach != nil {
			if sample, ok := s.attach.OpenInterest(st.Symbol); ok && inWindow(sample.TsMs, winStartMs, winEndMs) {
				oi = aggregate.OIAttach{
					OpenInterest: sample.OpenInterest,
					ValueUSDT:    sample.Value,
					HasValue:     sample.HasValue,
					Present:      true,
				}
			}
			if sample, ok := s.attach.LongShortRatio(st.Symbol); ok && inWindow(sample.PeriodEndMs, winStartMs, winEndMs) {
				ls = aggregate.LSAttach{TopPositionRatio: sample.TopPositionRatio, Present: true}
			}
		}

		depthUpdates := st.Book.TakeWindowUpdates()
		if depthUpdates > 0 {
			st.Window.HasDepth = true
		}

		bid, bidQty, ask, askQty, hasL1, crossed := s.chooseL1(st, nowMs)
		_, high, low, _ := aggregate.DeriveOHLC(st.Window, st.Rolling, bid, ask)

		var topBidPx, topBidQty, topAskPx, topAskQty []float64
		if st.Book.Initialized() {
			bp, bq, ap, aq := st.Book.Top(20)
			topBidPx, topBidQty = levelsToFloat(bp), levelsToFloat(bq)
			topAskPx, topAskQty = levelsToFloat(ap), levelsToFloat(aq)
		}

		m := aggregate.Compute(st.Window, st.Rolling, aggregate.ComputeInput{
			WindowSeconds: winSeconds,
			NowMs:         nowMs,
			BidPx:         bid,
			BidQty:        bidQty,
			AskPx:         ask,
			AskQty:        askQty,
			HasL1:         hasL1,
			Crossed:       crossed,
			TopBidPx:      topBidPx,
			TopBidQty:     topBidQty,
			TopAskPx:      topAskPx,
			TopAskQty:     topAskQty,
			MarkPx:        markPx,
			IndexPx:       indexPx,
			High:          high,
			Low:           low,
			OI:            oi,
			LS:            ls,
		})
		m["depth_updates"] = float64(depthUpdates)

		rec := types.Record{
			Instrument: st.Symbol,
			Channel:    types.ChannelAdvancedMetrics,
			TsEventNs:  winEndMs * int64(time.Millisecond),
			TsRecvNs:   nowMs * int64(time.Millisecond),
			Advanced:   &types.AdvancedMetrics{Metrics: m},
		}
		s.router.Publish(&rec)

		s.reportZeroWindow(st, hasL1, winStartMs)
		st.Window.Reset()
	}
}

// chooseL1 picks the quote the metric pass runs against: the live book,
// then the global bookTicker if fresh enough, then the previous close as a
// harmless symmetric quote with zero size.
func (s *Shard) chooseL1(st *market.SymbolState, nowMs int64) (bid, bidQty, ask, askQty float64, hasL1, crossed bool) {
	if bp, bq, ap, aq, ok := st.Book.L1(); ok {
		return bp.InexactFloat64(), bq.InexactFloat64(),
			ap.InexactFloat64(), aq.InexactFloat64(),
			true, st.Book.IsCrossed()
	}
	if tick, ok := s.globals.Ticker(st.Symbol); ok && nowMs-tick.UpdatedMs <= tickerFreshMs {
		return tick.BidPx, tick.BidQty, tick.AskPx, tick.AskQty, true, false
	}
	if lc := st.Rolling.LastClose(); lc > 0 {
		return lc, 0, lc, 0, false, false
	}
	return 0, 0, 0, 0, false, false
}

// reportZeroWindow logs, once per symbol, why a window produced an all-zero
// record. Keeps quiet symbols diagnosable without flooding the log.
func (s *Shard) reportZeroWindow(st *market.SymbolState, hasL1 bool, winStartMs int64) {
	if hasL1 || st.Window.HasTrades || st.Window.HasMark {
		return
	}
	if s.zeroReported[st.Symbol] {
		return
	}
	s.zeroReported[st.Symbol] = true

	reasons := make([]string, 0, 3)
	if !st.Book.Initialized() {
		reasons = append(reasons, "book_uninitialized")
	}
	if !st.Window.HasDepth {
		reasons = append(reasons, "no_depth")
	}
	if !st.Window.HasTrades {
		reasons = append(reasons, "no_trades")
	}
	if !st.Window.HasMark {
		reasons = append(reasons, "no_mark")
	}
	s.logger.Warn("zero window",
		"symbol", st.Symbol, "window_start_ms", winStartMs,
		"reasons", strings.Join(reasons, ","))
}

// Stats is a point-in-time snapshot of shard counters.
type Stats struct {
	Shard            int   `json:"shard"`
	Symbols          int   `json:"symbols"`
	BooksInitialized int   `json:"books_initialized"`
	FramesDropped    int64 `json:"frames_dropped"`
	Reconnects       int64 `json:"reconnects"`
	DecodeErrors     int64 `json:"decode_errors"`
	BookGaps         int64 `json:"book_gaps"`
	BookResyncs      int64 `json:"book_resyncs"`
	ResyncFailures   int64 `json:"resync_failures"`
	WindowsFlushed   int64 `json:"windows_flushed"`
}

// Stats reports the shard's counters. Safe to call from other goroutines.
func (s *Shard) Stats() Stats {
	initialized := 0
	for _, st := range s.states {
		if st.Book.Initialized() {
			initialized++
		}
	}
	return Stats{
		Shard:            s.id,
		Symbols:          len(s.states),
		BooksInitialized: initialized,
		FramesDropped:    s.feed.Dropped(),
		Reconnects:       s.feed.Reconnects(),
		DecodeErrors:     s.decodeErrors.Load(),
		BookGaps:         s.bookGaps.Load(),
		BookResyncs:      s.bookResyncs.Load(),
		ResyncFailures:   s.resyncFailures.Load(),
		WindowsFlushed:   s.windowsFlushed.Load(),
	}
}

// Symbols returns the instruments this shard owns.
func (s *Shard) Symbols() []string {
	out := make([]string, len(s.states))
	for i, st := range s.states {
		out[i] = st.Symbol
	}
	return out
}

func floorToGrid(ms, gridMs int64) int64 {
	return ms - ms%gridMs
}

func inWindow(tsMs, winStartMs, winEndMs int64) bool {
	return tsMs >= winStartMs-attachLookbackMs && tsMs < winEndMs
}

func capLevels(levels []decimal.Decimal, n int) []decimal.Decimal {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func levelsToFloat(levels []decimal.Decimal) []float64 {
	out := make([]float64, len(levels))
	for i, d := range levels {
		out[i] = d.InexactFloat64()
	}
	return out
}
