// Package engine is the central orchestrator of the collector.
//
// It wires together all subsystems:
//
//  1. Universe discovery (exchangeInfo, cached in the symbol catalog) decides
//     which instruments to collect.
//  2. The symbols split into shards of at most SymbolsPerShard; each shard
//     owns one combined-stream connection, its books and its windows.
//  3. Three global connections carry the venue-wide mark price, liquidation
//     and best-quote streams; the engine is their handler and fans decoded
//     events into the shared caches and the router.
//  4. The REST scheduler polls open interest and the top-trader position
//     ratio that the streams cannot provide.
//  5. The router hands every record to the writers bound to its channel.
//  6. The health monitor, stats loop and ops server watch the whole thing.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop(). Stop cancels
// producers first, so the writers drain a complete record stream.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/api"
	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
	"marketfeed/internal/health"
	"marketfeed/internal/market"
	"marketfeed/internal/pipeline"
	"marketfeed/internal/poller"
	"marketfeed/internal/shard"
	"marketfeed/internal/sink"
	"marketfeed/internal/store"
	"marketfeed/pkg/types"
)

const (
	// aggTradeWindow is the fixed grid of the agg_trades_5s channel.
	aggTradeWindow = 5 * time.Second
	// statsInterval is the cadence of the one-line stats heartbeat.
	statsInterval = 10 * time.Second
)

// Engine owns the lifecycle of every component and the start/stop
// choreography between them.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	baseLogger *slog.Logger // subsystems scope their own component field

	rest    *exchange.Client
	catalog *store.Catalog
	router  *pipeline.Router
	globals *market.GlobalCaches
	global  *exchange.GlobalFeed

	columnar *sink.ColumnarWriter // nil unless a channel targets it
	kv       *sink.KVWriter       // nil unless a channel targets it
	ops      *api.Server          // nil when the ops server is disabled

	// Built in Start once the universe is known.
	shards  []*shard.Shard
	aggs    []*aggregate.TradeAggregator
	poll    *poller.Scheduler // nil when the poller is disabled
	monitor *health.Monitor   // nil when health checks are disabled

	symbols []string
	owned   map[string]bool

	startedAt time.Time
	now       func() time.Time

	// Producers (shards, poller, global streams, monitor) run on prodCtx so
	// Stop can quiesce them before the writers drain on ctx.
	ctx        context.Context
	cancel     context.CancelFunc
	prodCtx    context.Context
	prodCancel context.CancelFunc
	wg         sync.WaitGroup
	prodWg     sync.WaitGroup
}

// New creates and wires all engine components. Writers exist only for the
// sinks some enabled channel targets; nothing touches the network until
// Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	catalog, err := store.OpenCatalog(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	prodCtx, prodCancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		baseLogger: logger,
		rest:       exchange.NewClient(cfg.Exchange, logger),
		catalog:    catalog,
		router:     pipeline.NewRouter(logger),
		globals:    market.NewGlobalCaches(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		prodCtx:    prodCtx,
		prodCancel: prodCancel,
	}

	if cfg.NeedsClickHouse() {
		e.columnar = sink.NewColumnarWriter(cfg.ClickHouse, logger)
	}
	if cfg.NeedsRedis() {
		e.kv = sink.NewKVWriter(cfg.Redis, logger)
	}

	e.global = exchange.NewGlobalFeed(
		cfg.Exchange.WSBaseURL,
		cfg.Exchange.ConnectTimeout,
		cfg.Exchange.ReconnectBackoff,
		cfg.Exchange.MaxBackoff,
		e,
		logger,
	)

	if cfg.API.Enabled {
		e.ops = api.NewServer(cfg.API, e, logger)
	}

	return e, nil
}

// Start resolves the universe and verifies the targeted sinks in parallel,
// then brings the system up: writers, global streams, the staggered shard
// fleet, the delayed REST scheduler, the health monitor, the stats loop and
// the ops server. An error here is fatal; after Start returns nil the
// collector keeps itself alive through reconnects.
func (e *Engine) Start() error {
	var symbols []string
	g, gctx := errgroup.WithContext(e.ctx)
	g.Go(func() error {
		var err error
		symbols, err = e.resolveUniverse(gctx)
		return err
	})
	if e.columnar != nil {
		g.Go(func() error { return e.columnar.EnsureSchema(gctx) })
	}
	if e.kv != nil {
		g.Go(func() error { return e.kv.Ping(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.symbols = symbols
	e.owned = make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		e.owned[sym] = true
	}
	e.startedAt = e.now()

	e.bindChannels()
	if e.columnar != nil {
		e.runWriter("clickhouse", e.columnar.Run)
	}
	if e.kv != nil {
		e.runWriter("redis", e.kv.Run)
	}

	if e.cfg.Poller.Enabled {
		e.poll = poller.New(symbols, e.cfg.Poller, e.rest, e.baseLogger)
	}
	e.buildShards(symbols)

	if e.cfg.Health.Enabled {
		klines := e.cfg.Channel(types.ChannelKlines).Enabled
		e.monitor = health.New(e.cfg.Health, e.router, health.DefaultWatches(klines), len(symbols), e.baseLogger)
		e.runProducer("health", e.monitor.Run)
	}

	e.runProducer("global_streams", e.global.Run)

	e.prodWg.Add(1)
	go func() {
		defer e.prodWg.Done()
		e.startProducers(e.prodCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.statsLoop(e.ctx)
	}()

	if e.ops != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.ops.Start(); err != nil {
				e.logger.Error("ops server failed", "error", err)
			}
		}()
	}

	e.logger.Info("collector started",
		"symbols", len(symbols),
		"shards", len(e.shards),
		"clickhouse", e.columnar != nil,
		"redis", e.kv != nil,
		"poller", e.poll != nil,
	)
	return nil
}

// Stop shuts down in dependency order: producers first so nothing publishes
// into a draining writer, then the writers (which final-flush on cancel),
// then the ops server.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.prodCancel()
	e.prodWg.Wait()

	e.cancel()
	if e.ops != nil {
		if err := e.ops.Stop(); err != nil {
			e.logger.Error("ops server shutdown", "error", err)
		}
	}
	e.wg.Wait()

	e.logger.Info("shutdown complete")
}

// resolveUniverse returns the instruments to collect: a fresh catalog when
// one exists, otherwise live discovery with the result persisted. A stale
// catalog still serves as fallback when discovery fails, so a venue outage
// does not take a restarting collector down with it.
func (e *Engine) resolveUniverse(ctx context.Context) ([]string, error) {
	cached, savedAt, err := e.catalog.Load()
	if err != nil {
		e.logger.Warn("symbol catalog unreadable", "error", err)
	}
	if maxAge := e.cfg.Universe.CatalogMaxAge; len(cached) > 0 && maxAge > 0 && e.now().Sub(savedAt) < maxAge {
		e.logger.Info("symbol catalog fresh, skipping discovery",
			"symbols", len(cached), "saved_at", savedAt)
		return cached, nil
	}

	symbols, err := market.DiscoverUniverse(ctx, e.rest, e.cfg.Universe, e.logger)
	if err != nil {
		if len(cached) > 0 {
			e.logger.Warn("universe discovery failed, using stale catalog",
				"error", err, "symbols", len(cached), "saved_at", savedAt)
			return cached, nil
		}
		return nil, err
	}
	if err := e.catalog.Save(symbols); err != nil {
		e.logger.Warn("symbol catalog save failed", "error", err)
	}
	return symbols, nil
}

// bindChannels connects every enabled channel to the writers it targets.
// Producers publish regardless of binding; an unbound channel simply has no
// destination, which keeps the router's freshness map authoritative for the
// health monitor either way.
func (e *Engine) bindChannels() {
	for _, ch := range types.AllChannels {
		cc := e.cfg.Channel(ch)
		if !cc.Enabled {
			continue
		}
		if cc.ClickHouse && e.columnar != nil {
			e.router.Bind(ch, e.columnar)
		}
		if cc.Redis && e.kv != nil {
			e.router.Bind(ch, e.kv)
		}
	}
}

// buildShards splits the universe into shard groups and constructs one shard
// per group. Each shard gets its own trade aggregator so bucket emission
// stays on the shard's goroutine.
func (e *Engine) buildShards(symbols []string) {
	shardCfg := e.cfg.Shard
	if !e.cfg.Channel(types.ChannelKlines).Enabled {
		// Klines ride the shard connection only when the channel is on.
		shardCfg.KlineInterval = ""
	}

	windowNs := aggTradeWindow.Nanoseconds()
	graceNs := (time.Duration(e.cfg.Aggregate.LateGraceSec) * time.Second).Nanoseconds()

	groups := market.ShardSymbols(symbols, shardCfg.SymbolsPerShard)
	for i, group := range groups {
		agg := aggregate.NewTradeAggregator(windowNs, graceNs, e.cfg.Aggregate.MaxCatchupWindows)
		opts := shard.Options{
			Shard:    shardCfg,
			Book:     e.cfg.Book,
			Exchange: e.cfg.Exchange,
			REST:     e.rest,
			Router:   e.router,
			Globals:  e.globals,
			Agg:      agg,
			Logger:   e.baseLogger,
		}
		if e.poll != nil {
			opts.Attach = e.poll
		}
		e.aggs = append(e.aggs, agg)
		e.shards = append(e.shards, shard.New(i+1, group, opts))
	}
}

// startProducers brings the shard fleet up with the configured stagger so
// the venue sees connection attempts spread out, then starts the REST
// scheduler after its delay so the streams settle first. A shutdown during
// the ramp aborts between steps.
func (e *Engine) startProducers(ctx context.Context) {
	stagger := time.Duration(e.cfg.Shard.StartStaggerMs) * time.Millisecond
	for i, sh := range e.shards {
		if i > 0 && !sleepCtx(ctx, stagger) {
			return
		}
		id := i + 1
		sh := sh
		e.prodWg.Add(1)
		go func() {
			defer e.prodWg.Done()
			if err := sh.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("shard stopped", "shard", id, "error", err)
			}
		}()
	}

	if e.poll == nil {
		return
	}
	delay := time.Duration(e.cfg.Poller.StartDelaySec) * time.Second
	if !sleepCtx(ctx, delay) {
		return
	}
	e.runProducerOn(ctx, "rest_scheduler", e.poll.Run)
}

func (e *Engine) runWriter(name string, run func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("writer failed", "writer", name, "error", err)
		}
	}()
}

func (e *Engine) runProducer(name string, run func(context.Context) error) {
	e.runProducerOn(e.prodCtx, name, run)
}

func (e *Engine) runProducerOn(ctx context.Context, name string, run func(context.Context) error) {
	e.prodWg.Add(1)
	go func() {
		defer e.prodWg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("producer failed", "producer", name, "error", err)
		}
	}()
}

// sleepCtx waits d and reports whether the context survived the wait.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// OnMarkPrices lands the venue-wide mark array: cache every owned symbol's
// snapshot for window attachment and the oi_value derivation, then publish
// the mark_price and funding records.
func (e *Engine) OnMarkPrices(events []exchange.WSMarkPrice, recvNs int64) {
	nowMs := recvNs / int64(time.Millisecond)
	for i := range events {
		w := &events[i]
		if !e.owned[w.Symbol] {
			continue
		}

		e.globals.SetMark(w.Symbol, market.MarkSnap{
			MarkPx:        looseFloat(w.MarkPrice),
			IndexPx:       looseFloat(w.IndexPrice),
			FundingRate:   looseFloat(w.FundingRate),
			NextFundingMs: w.NextFundingTimeMs,
			UpdatedMs:     nowMs,
		})

		if rec, err := exchange.MarkPriceRecord(w.Symbol, w, recvNs); err == nil {
			e.router.Publish(&rec)
		} else {
			e.logger.Debug("bad mark price", "symbol", w.Symbol, "error", err)
		}
		if rec, err := exchange.FundingRecord(w.Symbol, w, recvNs); err == nil {
			e.router.Publish(&rec)
		} else {
			e.logger.Debug("bad funding", "symbol", w.Symbol, "error", err)
		}
	}
}

// OnForceOrder publishes the liquidation record and buffers the event for
// the owning shard's next window flush.
func (e *Engine) OnForceOrder(evt *exchange.WSForceOrder, recvNs int64) {
	sym := evt.Order.Symbol
	if !e.owned[sym] {
		return
	}
	rec, err := exchange.LiquidationRecord(evt, recvNs)
	if err != nil {
		e.logger.Debug("bad force order", "symbol", sym, "error", err)
		return
	}
	e.router.Publish(&rec)

	qty := rec.Liquidation.Qty.InexactFloat64()
	if qty <= 0 {
		return
	}
	px := rec.Liquidation.Price.InexactFloat64()
	var notional float64
	if px > 0 {
		notional = px * qty
	}
	e.globals.AddLiquidation(sym, market.LiqEvent{
		Qty:      qty,
		Notional: notional,
		IsBuy:    rec.Liquidation.Side == types.BUY,
		TsMs:     rec.TsEventNs / int64(time.Millisecond),
	})
}

// OnBookTicker refreshes the global L1 fallback cache. No record: the l1
// channel is the shard's fixed-grid sample, not this firehose.
func (e *Engine) OnBookTicker(evt *exchange.WSBookTicker, recvNs int64) {
	if !e.owned[evt.Symbol] {
		return
	}
	e.globals.SetTicker(evt.Symbol, market.TickerSnap{
		BidPx:     looseFloat(evt.BidPrice),
		BidQty:    looseFloat(evt.BidQty),
		AskPx:     looseFloat(evt.AskPrice),
		AskQty:    looseFloat(evt.AskQty),
		UpdatedMs: recvNs / int64(time.Millisecond),
	})
}

// looseFloat parses the venue's optional numeric fields for the caches:
// absent or malformed values read as zero, which downstream treats as "not
// there". The record path parses strictly and reports instead.
func looseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Stats aggregates every subsystem's counters.
type Stats struct {
	UptimeS     int64                          `json:"uptime_s"`
	Symbols     int                            `json:"symbols"`
	Health      string                         `json:"health"`
	Router      pipeline.Stats                 `json:"router"`
	Shards      []shard.Stats                  `json:"shards"`
	Aggregator  aggregate.TradeAggregatorStats `json:"aggregator"`
	DroppedLiqs int64                          `json:"dropped_liquidations"`
	ClickHouse  *sink.ColumnarStats            `json:"clickhouse,omitempty"`
	Redis       *sink.KVStats                  `json:"redis,omitempty"`
	Poller      *poller.Stats                  `json:"poller,omitempty"`
	Channels    map[string]health.ChannelState `json:"channels,omitempty"`
}

// Stats snapshots the whole system. Safe to call from other goroutines once
// Start has returned.
func (e *Engine) Stats() Stats {
	st := Stats{
		Symbols:     len(e.symbols),
		Health:      e.Health(),
		Router:      e.router.Snapshot(),
		DroppedLiqs: e.globals.DroppedLiquidations(),
	}
	if !e.startedAt.IsZero() {
		st.UptimeS = int64(e.now().Sub(e.startedAt).Seconds())
	}
	for _, sh := range e.shards {
		st.Shards = append(st.Shards, sh.Stats())
	}
	for _, agg := range e.aggs {
		a := agg.Stats()
		st.Aggregator.LateTrades += a.LateTrades
		st.Aggregator.CatchupCaps += a.CatchupCaps
		st.Aggregator.SkippedWindows += a.SkippedWindows
		st.Aggregator.EmittedBuckets += a.EmittedBuckets
		st.Aggregator.EmittedEmpty += a.EmittedEmpty
	}
	if e.columnar != nil {
		cs := e.columnar.Stats()
		st.ClickHouse = &cs
	}
	if e.kv != nil {
		ks := e.kv.Stats()
		st.Redis = &ks
	}
	if e.poll != nil {
		ps := e.poll.Stats()
		st.Poller = &ps
	}
	if e.monitor != nil {
		st.Channels = e.monitor.Snapshot()
	}
	return st
}

// StatsJSON implements the ops server's stats provider.
func (e *Engine) StatsJSON() ([]byte, error) {
	return json.Marshal(e.Stats())
}

// Health reports the worst watched channel state; "green" when monitoring
// is off.
func (e *Engine) Health() string {
	if e.monitor == nil {
		return health.Green.String()
	}
	return e.monitor.Overall().String()
}

// statsLoop logs the heartbeat line operators grep for.
func (e *Engine) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logStats()
		}
	}
}

func (e *Engine) logStats() {
	st := e.Stats()

	var published, dropped int64
	for _, n := range st.Router.Published {
		published += n
	}
	for _, n := range st.Router.Dropped {
		dropped += n
	}

	var windows, gaps, resyncs, reconnects int64
	booksReady := 0
	for _, sh := range st.Shards {
		windows += sh.WindowsFlushed
		gaps += sh.BookGaps
		resyncs += sh.BookResyncs
		reconnects += sh.Reconnects
		booksReady += sh.BooksInitialized
	}

	fields := []any{
		"uptime_s", st.UptimeS,
		"symbols", st.Symbols,
		"books_ready", booksReady,
		"published", published,
		"dropped", dropped,
		"windows_flushed", windows,
		"book_gaps", gaps,
		"book_resyncs", resyncs,
		"ws_reconnects", reconnects,
		"health", st.Health,
	}
	if st.ClickHouse != nil {
		var flushed int64
		for _, n := range st.ClickHouse.FlushedByTable {
			flushed += n
		}
		fields = append(fields,
			"ch_rows_flushed", flushed,
			"ch_flush_errors", st.ClickHouse.FlushErrors,
			"ch_buffered", st.ClickHouse.Buffered,
		)
	}
	if st.Redis != nil {
		fields = append(fields,
			"redis_flushed", st.Redis.FlushedCommands,
			"redis_flush_errors", st.Redis.FlushErrors,
		)
	}
	if st.Poller != nil {
		fields = append(fields,
			"oi_polls", st.Poller.OIPolls,
			"ratio_polls", st.Poller.RatioPolls,
		)
	}
	e.logger.Info("collector stats", fields...)
}
