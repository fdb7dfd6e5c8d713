// kv.go implements the key-value sink for live-read traffic.
//
// TTL policy (deliberately short, these keys are "latest state"):
//   - mark_price: 3 seconds
//   - agg_trades_5s: 10 seconds
//   - klines: 120 seconds
//
// Streams (trades, liquidations) are capped via approximate MAXLEN trims and
// carry no TTL. Hash keys hold the last state per symbol (and per interval
// for klines). Depth diffs have no key-value destination.
package sink

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"marketfeed/internal/config"
	"marketfeed/internal/metrics"
	"marketfeed/pkg/types"
)

const (
	markPriceTTL   = 3 * time.Second
	aggTrades5sTTL = 10 * time.Second
	klinesTTL      = 120 * time.Second

	kvExecTimeout = 5 * time.Second
)

// kvCommand is one buffered command. Args hold field/value pairs in
// insertion order so pipelines are deterministic.
type kvCommand struct {
	kind   string // "hset", "xadd", "expire"
	key    string
	args   []any
	maxLen int64
	ttl    time.Duration
}

// KVWriter accumulates commands and executes them in one pipeline per
// flush. A single flusher goroutine preserves command order per key.
type KVWriter struct {
	client       *redis.Client
	pipelineSize int
	maxBuffered  int
	streamMaxLen int64
	namespace    string
	interval     time.Duration

	mu     sync.Mutex
	buffer []kvCommand

	flushCh chan struct{} // nudges the flusher when the pipeline fills

	statsMu         sync.Mutex
	eventsByChannel map[types.Channel]int64
	flushedCommands int64
	flushErrors     int64
	droppedCommands int64

	logger *slog.Logger
}

// NewKVWriter creates the writer around a dedicated client.
func NewKVWriter(cfg config.RedisConfig, logger *slog.Logger) *KVWriter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	})
	return newKVWriter(client, cfg, logger)
}

// newKVWriter is the injectable constructor tests use with a mock client.
func newKVWriter(client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) *KVWriter {
	pipelineSize := cfg.PipelineSize
	if pipelineSize <= 0 {
		pipelineSize = 200
	}
	streamMaxLen := cfg.StreamMaxLen
	if streamMaxLen <= 0 {
		streamMaxLen = 1000
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "marketdata"
	}
	interval := time.Duration(cfg.FlushIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	return &KVWriter{
		client:          client,
		pipelineSize:    pipelineSize,
		maxBuffered:     pipelineSize * 64,
		streamMaxLen:    streamMaxLen,
		namespace:       namespace,
		interval:        interval,
		flushCh:         make(chan struct{}, 1),
		eventsByChannel: make(map[types.Channel]int64),
		logger:          logger.With("component", "redis"),
	}
}

// Name implements the router's Writer contract.
func (w *KVWriter) Name() string { return "redis" }

// Ping verifies the connection. Startup calls it so a channel targeting an
// unreachable store fails the process instead of shedding silently.
func (w *KVWriter) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Enqueue buffers the record's commands. Returns false when the buffer is
// saturated and the record was shed.
func (w *KVWriter) Enqueue(rec *types.Record) bool {
	commands := w.buildCommands(rec)
	if len(commands) == 0 {
		return true // channel has no key-value destination; not a drop
	}

	w.mu.Lock()
	if len(w.buffer)+len(commands) > w.maxBuffered {
		w.mu.Unlock()
		w.statsMu.Lock()
		w.droppedCommands += int64(len(commands))
		w.statsMu.Unlock()
		return false
	}
	w.buffer = append(w.buffer, commands...)
	full := len(w.buffer) >= w.pipelineSize
	w.mu.Unlock()

	w.statsMu.Lock()
	w.eventsByChannel[rec.Channel]++
	w.statsMu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

// Run drives flushes until ctx is cancelled; the buffer drains on the way
// out.
func (w *KVWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return w.client.Close()
		case <-ticker.C:
			w.Flush()
		case <-w.flushCh:
			w.Flush()
		}
	}
}

// Flush executes the buffered commands in one pipeline. Commands lost to a
// failed pipeline are counted, not retried: every key they would have
// written is refreshed by the next window anyway.
func (w *KVWriter) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	commands := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), kvExecTimeout)
	defer cancel()

	pipe := w.client.Pipeline()
	for _, cmd := range commands {
		switch cmd.kind {
		case "hset":
			pipe.HSet(ctx, cmd.key, cmd.args...)
		case "xadd":
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: cmd.key,
				MaxLen: cmd.maxLen,
				Approx: true,
				Values: cmd.args,
			})
		case "expire":
			pipe.Expire(ctx, cmd.key, cmd.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		w.statsMu.Lock()
		w.flushErrors++
		w.statsMu.Unlock()
		metrics.RedisFlushErrors.Inc()
		w.logger.Warn("pipeline failed", "commands", len(commands), "error", err)
		return
	}

	w.statsMu.Lock()
	w.flushedCommands += int64(len(commands))
	w.statsMu.Unlock()
	metrics.RedisCommandsFlushed.Add(float64(len(commands)))
}

// buildCommands maps one record to its key-value commands.
func (w *KVWriter) buildCommands(rec *types.Record) []kvCommand {
	switch rec.Channel {
	case types.ChannelTrades:
		t := rec.Trade
		if t == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("px", t.Price.String())
		pairs.add("qty", t.Qty.String())
		pairs.add("side", string(t.Side))
		if t.TradeID != "" {
			pairs.add("trade_id", t.TradeID)
		}
		if t.HasAggrFlag {
			pairs.add("is_aggressor", boolField(t.IsAggressor))
		}
		return []kvCommand{{
			kind:   "xadd",
			key:    w.key("stream", "trades", rec.Instrument),
			args:   pairs.args,
			maxLen: w.streamMaxLen,
		}}

	case types.ChannelLiquidations:
		l := rec.Liquidation
		if l == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("side", string(l.Side))
		pairs.add("px", l.Price.String())
		pairs.add("qty", l.Qty.String())
		if l.OrderID != "" {
			pairs.add("order_id", l.OrderID)
		}
		if l.Reason != "" {
			pairs.add("reason", l.Reason)
		}
		return []kvCommand{{
			kind:   "xadd",
			key:    w.key("stream", "liquidations", rec.Instrument),
			args:   pairs.args,
			maxLen: w.streamMaxLen,
		}}

	case types.ChannelL1, types.ChannelOBTop5, types.ChannelOBTop20:
		d := rec.Depth
		if d == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		for i := range d.BidPrices {
			if i >= len(d.BidQtys) {
				break
			}
			pairs.add(levelField("b", i+1, "px"), d.BidPrices[i].String())
			pairs.add(levelField("b", i+1, "sz"), d.BidQtys[i].String())
		}
		for i := range d.AskPrices {
			if i >= len(d.AskQtys) {
				break
			}
			pairs.add(levelField("a", i+1, "px"), d.AskPrices[i].String())
			pairs.add(levelField("a", i+1, "sz"), d.AskQtys[i].String())
		}
		return []kvCommand{{
			kind: "hset",
			key:  w.key(depthKeyPrefix(rec.Channel), rec.Instrument),
			args: pairs.args,
		}}

	case types.ChannelMarkPrice:
		m := rec.Mark
		if m == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("mark_px", m.MarkPrice.String())
		if m.HasIndex {
			pairs.add("index_px", m.IndexPrice.String())
		}
		key := w.key("last", "mark", rec.Instrument)
		return []kvCommand{
			{kind: "hset", key: key, args: pairs.args},
			{kind: "expire", key: key, ttl: markPriceTTL},
		}

	case types.ChannelFunding:
		f := rec.Funding
		if f == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("funding_rate", f.FundingRate.String())
		pairs.add("next_funding_ts_ns", formatInt(f.NextFundingTsNs))
		return []kvCommand{{
			kind: "hset",
			key:  w.key("last", "funding", rec.Instrument),
			args: pairs.args,
		}}

	case types.ChannelAggTrades5s:
		a := rec.AggTrade
		if a == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("interval_s", formatInt(int64(a.IntervalS)))
		pairs.add("window_start_ns", formatInt(a.WindowStartNs))
		pairs.add("open", a.Open.String())
		pairs.add("high", a.High.String())
		pairs.add("low", a.Low.String())
		pairs.add("close", a.Close.String())
		pairs.add("volume", a.Volume.String())
		pairs.add("notional", a.Notional.String())
		pairs.add("trade_count", formatInt(a.TradeCount))
		pairs.add("buy_qty", a.BuyQty.String())
		pairs.add("sell_qty", a.SellQty.String())
		pairs.add("buy_notional", a.BuyNotional.String())
		pairs.add("sell_notional", a.SellNotional.String())
		if a.FirstTradeID != "" {
			pairs.add("first_trade_id", a.FirstTradeID)
		}
		if a.LastTradeID != "" {
			pairs.add("last_trade_id", a.LastTradeID)
		}
		key := w.key("last", "agg_trades_5s", rec.Instrument)
		return []kvCommand{
			{kind: "hset", key: key, args: pairs.args},
			{kind: "expire", key: key, ttl: aggTrades5sTTL},
		}

	case types.ChannelKlines:
		k := rec.Kline
		if k == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		pairs.add("interval", k.Interval)
		pairs.add("open", k.Open.String())
		pairs.add("high", k.High.String())
		pairs.add("low", k.Low.String())
		pairs.add("close", k.Close.String())
		pairs.add("volume", k.Volume.String())
		pairs.add("quote_volume", k.QuoteVolume.String())
		pairs.add("taker_buy_base_volume", k.TakerBuyBaseVolume.String())
		pairs.add("taker_buy_quote_volume", k.TakerBuyQuoteVolume.String())
		pairs.add("trade_count", formatInt(k.TradeCount))
		pairs.add("is_closed", boolField(k.IsClosed))
		key := w.key("last", "klines", k.Interval, rec.Instrument)
		return []kvCommand{
			{kind: "hset", key: key, args: pairs.args},
			{kind: "expire", key: key, ttl: klinesTTL},
		}

	case types.ChannelAdvancedMetrics:
		a := rec.Advanced
		if a == nil {
			return nil
		}
		pairs := newKVPairs(rec)
		names := make([]string, 0, len(a.Metrics))
		for name := range a.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v := a.Metrics[name]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			pairs.add(name, decimal.NewFromFloat(v).String())
		}
		return []kvCommand{{
			kind: "hset",
			key:  w.key("last", "adv", rec.Instrument),
			args: pairs.args,
		}}
	}

	return nil
}

func (w *KVWriter) key(parts ...string) string {
	key := w.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func depthKeyPrefix(ch types.Channel) string {
	switch ch {
	case types.ChannelL1:
		return "last:l1"
	case types.ChannelOBTop5:
		return "last:top5"
	default:
		return "last:top20"
	}
}

// kvPairs builds alternating field/value args, seeded with the timestamp
// header every key carries.
type kvPairs struct {
	args []any
}

func newKVPairs(rec *types.Record) *kvPairs {
	p := &kvPairs{args: make([]any, 0, 16)}
	p.add("ts_event_ns", formatInt(rec.TsEventNs))
	p.add("ts_recv_ns", formatInt(rec.TsRecvNs))
	return p
}

func (p *kvPairs) add(field, value string) {
	p.args = append(p.args, field, value)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// KVStats is a point-in-time snapshot of writer counters.
type KVStats struct {
	EventsByChannel map[string]int64 `json:"events_by_channel"`
	FlushedCommands int64            `json:"flushed_commands"`
	FlushErrors     int64            `json:"flush_errors"`
	DroppedCommands int64            `json:"dropped_commands"`
	Buffered        int              `json:"buffered"`
}

// Stats snapshots the counters.
func (w *KVWriter) Stats() KVStats {
	w.mu.Lock()
	buffered := len(w.buffer)
	w.mu.Unlock()

	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	out := KVStats{
		EventsByChannel: make(map[string]int64, len(w.eventsByChannel)),
		FlushedCommands: w.flushedCommands,
		FlushErrors:     w.flushErrors,
		DroppedCommands: w.droppedCommands,
		Buffered:        buffered,
	}
	for ch, n := range w.eventsByChannel {
		out.EventsByChannel[ch.String()] = n
	}
	return out
}

// levelField renders b1_px / a3_sz style field names.
func levelField(side string, level int, kind string) string {
	return side + strconv.Itoa(level) + "_" + kind
}
