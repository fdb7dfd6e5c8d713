package shard

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
	"marketfeed/internal/market"
	"marketfeed/internal/pipeline"
	"marketfeed/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureWriter collects every record the router fans out.
type captureWriter struct {
	mu   sync.Mutex
	recs []*types.Record
}

func (c *captureWriter) Name() string { return "capture" }

func (c *captureWriter) Enqueue(rec *types.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return true
}

func (c *captureWriter) byChannel(ch types.Channel) []*types.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Record
	for _, rec := range c.recs {
		if rec.Channel == ch {
			out = append(out, rec)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeAttachments struct {
	oi map[string]market.OISample
	ls map[string]market.RatioSample
}

func (f *fakeAttachments) OpenInterest(symbol string) (market.OISample, bool) {
	s, ok := f.oi[symbol]
	return s, ok
}

func (f *fakeAttachments) LongShortRatio(symbol string) (market.RatioSample, bool) {
	s, ok := f.ls[symbol]
	return s, ok
}

func newTestShard(t *testing.T, symbols []string, restURL string, attach RESTAttachments) (*Shard, *captureWriter, *fakeClock) {
	t.Helper()

	logger := testLogger()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_003_000)}
	router := pipeline.NewRouter(logger)
	capture := &captureWriter{}
	for _, ch := range types.AllChannels {
		router.Bind(ch, capture)
	}

	s := New(7, symbols, Options{
		Shard: config.ShardConfig{
			SymbolsPerShard:  30,
			Top20SnapshotMs:  100,
			L1SampleMs:       200,
			WindowFlushMs:    1500,
			AggTradeQueueMax: 1024,
			KlineInterval:    "1m",
		},
		Book: config.BookConfig{
			RESTDepthLimit:  200,
			RESTCooldownSec: 0,
			RESTRetryMax:    2,
		},
		Exchange: config.ExchangeConfig{
			WSBaseURL:      "wss://example.test",
			RESTBaseURL:    restURL,
			RequestTimeout: 2 * time.Second,
			RequestsPerSec: 1000,
		},
		REST:    exchange.NewClient(config.ExchangeConfig{RESTBaseURL: restURL, RequestTimeout: 2 * time.Second, RequestsPerSec: 1000}, logger),
		Router:  router,
		Globals: market.NewGlobalCaches(),
		Agg:     aggregate.NewTradeAggregator((5 * time.Second).Nanoseconds(), (2 * time.Second).Nanoseconds(), 120),
		Attach:  attach,
		Logger:  logger,
		Now:     clock.now,
	})
	return s, capture, clock
}

func depthServer(t *testing.T, lastUpdateID uint64, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"lastUpdateId":`+formatUint(lastUpdateID)+`,"bids":[["100.5","2"],["100.4","1"]],"asks":[["100.6","3"],["100.7","4"]]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func seedLevels(pxQty ...string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(pxQty)/2)
	for i := 0; i+1 < len(pxQty); i += 2 {
		out[pxQty[i]] = decimal.RequireFromString(pxQty[i+1])
	}
	return out
}

func TestNewShardOwnsSymbols(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestShard(t, []string{"BTCUSDT", "ETHUSDT"}, "http://example.invalid", nil)

	got := s.Symbols()
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("expected owned symbols [BTCUSDT ETHUSDT], got %v", got)
	}
	if s.byStream["btcusdt"] == nil || s.byStream["ethusdt"] == nil {
		t.Error("expected lower-case stream lookup entries for both symbols")
	}
	if s.byStream["btcusdt"].Symbol != "BTCUSDT" {
		t.Errorf("expected canonical symbol BTCUSDT, got %s", s.byStream["btcusdt"].Symbol)
	}
}

func TestBootstrapSeedsBooks(t *testing.T) {
	t.Parallel()

	srv := depthServer(t, 500, nil)
	s, _, _ := newTestShard(t, []string{"BTCUSDT", "ETHUSDT"}, srv.URL, nil)

	s.bootstrap(context.Background())

	for _, st := range s.states {
		if !st.Book.Initialized() {
			t.Errorf("expected %s book initialized after bootstrap", st.Symbol)
		}
		if got := st.Book.LastUpdateID(); got != 500 {
			t.Errorf("expected %s lastUpdateID 500, got %d", st.Symbol, got)
		}
	}
}

func TestSeedBookRetriesFailedFetch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first call 404s, which the transport does not retry itself;
		// the seed loop must come back for a second attempt.
		if calls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"lastUpdateId":42,"bids":[["100.5","2"]],"asks":[["100.6","3"]]}`)
	}))
	defer srv.Close()

	s, _, _ := newTestShard(t, []string{"BTCUSDT"}, srv.URL, nil)
	st := s.states[0]

	if err := s.seedBook(context.Background(), st); err != nil {
		t.Fatalf("expected seed to succeed on retry, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 fetch attempts, got %d", got)
	}
	if got := st.Book.LastUpdateID(); got != 42 {
		t.Errorf("expected lastUpdateID 42, got %d", got)
	}
}

func TestHandleFrameTradePublishesAndUpdatesWindow(t *testing.T) {
	t.Parallel()

	s, capture, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)

	s.handleFrame(context.Background(), exchange.Frame{
		Stream: "btcusdt@trade",
		Data:   []byte(`{"e":"trade","E":1700000000101,"T":1700000000100,"s":"BTCUSDT","p":"42000.5","q":"0.25","t":987,"m":false}`),
		RecvNs: 1_700_000_000_150_000_000,
	})

	trades := capture.byChannel(types.ChannelTrades)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade record, got %d", len(trades))
	}
	rec := trades[0]
	if rec.Instrument != "BTCUSDT" {
		t.Errorf("expected instrument BTCUSDT, got %s", rec.Instrument)
	}
	if rec.Trade.Side != types.BUY {
		t.Errorf("expected BUY aggressor when maker flag is false, got %s", rec.Trade.Side)
	}
	if got := rec.Trade.Price.String(); got != "42000.5" {
		t.Errorf("expected price 42000.5, got %s", got)
	}
	if rec.TsEventNs != 1_700_000_000_100_000_000 {
		t.Errorf("expected event ts from trade time, got %d", rec.TsEventNs)
	}

	if got := s.states[0].Window.TradeCount(); got != 1 {
		t.Errorf("expected 1 trade folded into the window, got %d", got)
	}
}

func TestHandleFrameUnknownSymbolCounts(t *testing.T) {
	t.Parallel()

	s, capture, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)

	s.handleFrame(context.Background(), exchange.Frame{
		Stream: "xrpusdt@trade",
		Data:   []byte(`{"e":"trade","s":"XRPUSDT","p":"1","q":"1","t":1,"T":1,"E":1,"m":false}`),
		RecvNs: 1,
	})

	if got := len(capture.byChannel(types.ChannelTrades)); got != 0 {
		t.Errorf("expected no records for an unowned symbol, got %d", got)
	}
	if got := s.decodeErrors.Load(); got != 1 {
		t.Errorf("expected decode error counter 1, got %d", got)
	}
}

func TestHandleFrameKlinePublishes(t *testing.T) {
	t.Parallel()

	s, capture, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)

	s.handleFrame(context.Background(), exchange.Frame{
		Stream: "btcusdt@kline_1m",
		Data: []byte(`{"e":"kline","E":1700000060000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,` +
			`"s":"BTCUSDT","i":"1m","o":"100","c":"101","h":"102","l":"99","v":"12.5","n":42,"x":true,` +
			`"q":"1260","V":"7.5","Q":"760"}}`),
		RecvNs: 1_700_000_060_000_000_000,
	})

	klines := capture.byChannel(types.ChannelKlines)
	if len(klines) != 1 {
		t.Fatalf("expected 1 kline record, got %d", len(klines))
	}
	k := klines[0].Kline
	if k.Interval != "1m" || !k.IsClosed {
		t.Errorf("expected closed 1m kline, got interval=%s closed=%v", k.Interval, k.IsClosed)
	}
	if got := k.TakerBuyBaseVolume.String(); got != "7.5" {
		t.Errorf("expected taker buy base 7.5, got %s", got)
	}
}

func TestHandleFrameDepthGapResyncsBook(t *testing.T) {
	t.Parallel()

	srv := depthServer(t, 900, nil)
	s, capture, _ := newTestShard(t, []string{"BTCUSDT"}, srv.URL, nil)
	st := s.states[0]
	st.Book.ApplySnapshot(100, seedLevels("100.5", "2"), seedLevels("100.6", "3"))

	// U=105 leaves a hole after update id 100: the book clears, reseeds from
	// this diff, and schedules the REST resync.
	s.handleFrame(context.Background(), exchange.Frame{
		Stream: "btcusdt@depth@100ms",
		Data:   []byte(`{"e":"depthUpdate","E":1700000000100,"s":"BTCUSDT","U":105,"u":110,"pu":104,"b":[["100.4","1"]],"a":[["100.7","1"]]}`),
		RecvNs: 1_700_000_000_150_000_000,
	})

	if got := len(capture.byChannel(types.ChannelOBDiff)); got != 1 {
		t.Fatalf("expected the gapped diff to still publish, got %d records", got)
	}
	if got := s.bookGaps.Load(); got != 1 {
		t.Errorf("expected 1 book gap counted, got %d", got)
	}
	if !st.Window.Resynced {
		t.Error("expected the window resynced flag set on gap")
	}

	deadline := time.After(2 * time.Second)
	for st.Book.LastUpdateID() != 900 {
		select {
		case <-deadline:
			t.Fatalf("book never resynced, lastUpdateID=%d", st.Book.LastUpdateID())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := s.bookResyncs.Load(); got != 1 {
		t.Errorf("expected 1 resync counted, got %d", got)
	}
}

func TestEmitTopOfBookSlicesTopFive(t *testing.T) {
	t.Parallel()

	s, capture, _ := newTestShard(t, []string{"BTCUSDT", "ETHUSDT"}, "http://example.invalid", nil)
	s.states[0].Book.ApplySnapshot(1,
		seedLevels("100.7", "1", "100.6", "2", "100.5", "3", "100.4", "4", "100.3", "5", "100.2", "6", "100.1", "7"),
		seedLevels("101.1", "1", "101.2", "2", "101.3", "3", "101.4", "4", "101.5", "5", "101.6", "6"),
	)
	// ETHUSDT stays uninitialized and must not emit.

	s.emitTopOfBook()

	top20 := capture.byChannel(types.ChannelOBTop20)
	if len(top20) != 1 {
		t.Fatalf("expected 1 top-20 record, got %d", len(top20))
	}
	d := top20[0].Depth
	if d.Depth != 20 {
		t.Errorf("expected nominal depth 20, got %d", d.Depth)
	}
	if len(d.BidPrices) != 7 || len(d.AskPrices) != 6 {
		t.Errorf("expected 7 bids / 6 asks, got %d/%d", len(d.BidPrices), len(d.AskPrices))
	}
	if got := d.BidPrices[0].String(); got != "100.7" {
		t.Errorf("expected best bid first, got %s", got)
	}
	if got := d.AskPrices[0].String(); got != "101.1" {
		t.Errorf("expected best ask first, got %s", got)
	}

	top5 := capture.byChannel(types.ChannelOBTop5)
	if len(top5) != 1 {
		t.Fatalf("expected 1 top-5 record, got %d", len(top5))
	}
	d = top5[0].Depth
	if d.Depth != 5 {
		t.Errorf("expected nominal depth 5, got %d", d.Depth)
	}
	if len(d.BidPrices) != 5 || len(d.AskPrices) != 5 {
		t.Errorf("expected 5 levels per side, got %d/%d", len(d.BidPrices), len(d.AskPrices))
	}
	if got := d.BidPrices[4].String(); got != "100.3" {
		t.Errorf("expected fifth bid 100.3, got %s", got)
	}
}

func TestEmitL1SamplesPublishesQuoteAndSurrogate(t *testing.T) {
	t.Parallel()

	s, capture, _ := newTestShard(t, []string{"BTCUSDT", "ETHUSDT"}, "http://example.invalid", nil)
	st := s.states[0]
	st.Book.ApplySnapshot(1, seedLevels("100.5", "2"), seedLevels("100.6", "3"))

	// Charge the 200 ms sampler: one trade and an L1 shift worth OFI +2.
	st.Window.OnDepth(100.5, 2, 100.6, 3)
	st.Window.OnDepth(100.5, 3, 100.6, 2)
	st.Window.OnTrade(100.55, 2, true, 1_700_000_000_100)

	s.emitL1Samples()

	l1s := capture.byChannel(types.ChannelL1)
	if len(l1s) != 1 {
		t.Fatalf("expected 1 L1 record (uninitialized book skipped), got %d", len(l1s))
	}
	if l1s[0].Instrument != "BTCUSDT" {
		t.Errorf("expected BTCUSDT L1, got %s", l1s[0].Instrument)
	}
	d := l1s[0].Depth
	if d.Depth != 1 || len(d.BidPrices) != 1 {
		t.Fatalf("expected a single-level snapshot, got depth=%d levels=%d", d.Depth, len(d.BidPrices))
	}
	if got := d.BidPrices[0].String(); got != "100.5" {
		t.Errorf("expected best bid 100.5, got %s", got)
	}

	advs := capture.byChannel(types.ChannelAdvancedMetrics)
	if len(advs) != 1 {
		t.Fatalf("expected 1 surrogate metric record, got %d", len(advs))
	}
	m := advs[0].Advanced.Metrics
	if math.Abs(m["ofi_200ms"]-2) > 1e-9 {
		t.Errorf("expected ofi_200ms 2, got %f", m["ofi_200ms"])
	}
	if m["trade_count_200ms"] != 1 {
		t.Errorf("expected trade_count_200ms 1, got %f", m["trade_count_200ms"])
	}
	if math.Abs(m["vol_base_200ms"]-2) > 1e-9 {
		t.Errorf("expected vol_base_200ms 2, got %f", m["vol_base_200ms"])
	}
	if math.Abs(m["mid_px"]-100.55) > 1e-9 {
		t.Errorf("expected mid 100.55, got %f", m["mid_px"])
	}
	// (3*100.5 + 2*100.6) / 5
	if math.Abs(m["microprice_px"]-100.54) > 1e-9 {
		t.Errorf("expected microprice 100.54, got %f", m["microprice_px"])
	}

	// The sampler resets independently of the window.
	s.emitL1Samples()
	advs = capture.byChannel(types.ChannelAdvancedMetrics)
	if len(advs) != 2 {
		t.Fatalf("expected a second surrogate record, got %d", len(advs))
	}
	if got := advs[1].Advanced.Metrics["trade_count_200ms"]; got != 0 {
		t.Errorf("expected sampler reset between emissions, got trade count %f", got)
	}
	if got := s.states[0].Window.TradeCount(); got != 1 {
		t.Errorf("expected window trade buffer untouched by sampling, got %d", got)
	}
}

func TestChooseL1Fallbacks(t *testing.T) {
	t.Parallel()

	nowMs := int64(1_700_000_003_000)

	t.Run("book", func(t *testing.T) {
		t.Parallel()
		s, _, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)
		s.states[0].Book.ApplySnapshot(1, seedLevels("100.5", "2"), seedLevels("100.6", "3"))

		bid, bidQty, ask, _, hasL1, crossed := s.chooseL1(s.states[0], nowMs)
		if !hasL1 || crossed {
			t.Fatalf("expected live uncrossed L1, got hasL1=%v crossed=%v", hasL1, crossed)
		}
		if math.Abs(bid-100.5) > 1e-9 || math.Abs(ask-100.6) > 1e-9 || math.Abs(bidQty-2) > 1e-9 {
			t.Errorf("expected book quote 100.5x2 / 100.6, got %f x %f / %f", bid, bidQty, ask)
		}
	})

	t.Run("fresh ticker", func(t *testing.T) {
		t.Parallel()
		s, _, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)
		s.globals.SetTicker("BTCUSDT", market.TickerSnap{BidPx: 99, BidQty: 1, AskPx: 101, AskQty: 2, UpdatedMs: nowMs - 1000})

		bid, _, ask, askQty, hasL1, crossed := s.chooseL1(s.states[0], nowMs)
		if !hasL1 || crossed {
			t.Fatalf("expected ticker fallback with hasL1, got hasL1=%v crossed=%v", hasL1, crossed)
		}
		if bid != 99 || ask != 101 || askQty != 2 {
			t.Errorf("expected ticker quote 99/101x2, got %f/%f x %f", bid, ask, askQty)
		}
	})

	t.Run("stale ticker falls back to last close", func(t *testing.T) {
		t.Parallel()
		s, _, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)
		s.globals.SetTicker("BTCUSDT", market.TickerSnap{BidPx: 99, AskPx: 101, UpdatedMs: nowMs - 6000})
		s.states[0].Rolling.SetLastClose(42)

		bid, bidQty, ask, askQty, hasL1, _ := s.chooseL1(s.states[0], nowMs)
		if hasL1 {
			t.Fatal("expected has_l1 false for the synthetic close quote")
		}
		if bid != 42 || ask != 42 || bidQty != 0 || askQty != 0 {
			t.Errorf("expected symmetric zero-size quote at 42, got %f x %f / %f x %f", bid, bidQty, ask, askQty)
		}
	})

	t.Run("nothing known", func(t *testing.T) {
		t.Parallel()
		s, _, _ := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)

		bid, _, ask, _, hasL1, _ := s.chooseL1(s.states[0], nowMs)
		if hasL1 || bid != 0 || ask != 0 {
			t.Errorf("expected zero quote without any source, got %f/%f hasL1=%v", bid, ask, hasL1)
		}
	})
}

func TestFlushWindowsComputesAndResets(t *testing.T) {
	t.Parallel()

	attach := &fakeAttachments{
		oi: map[string]market.OISample{
			"BTCUSDT": {TsMs: 1_700_000_002_000, OpenInterest: 1234.5},
		},
		ls: map[string]market.RatioSample{
			// Ends before the lookback window: must not attach.
			"BTCUSDT": {PeriodEndMs: 1_700_000_001_500 - 13_000, TopPositionRatio: 1.8},
		},
	}
	s, capture, clock := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", attach)
	clock.set(time.UnixMilli(1_700_000_003_000))
	st := s.states[0]

	st.Book.ApplySnapshot(50, seedLevels("100.5", "2"), seedLevels("100.6", "3"))
	st.Book.ApplyDiff(&types.DepthDiff{Sequence: 52, PrevSequence: 51, Bids: seedLevels("100.4", "1")})
	st.Book.ApplyDiff(&types.DepthDiff{Sequence: 54, PrevSequence: 53, Asks: seedLevels("100.7", "2")})
	st.Window.OnDepth(100.5, 2, 100.6, 3)
	st.Window.OnTrade(100.55, 2, true, 1_700_000_002_100)
	s.globals.SetMark("BTCUSDT", market.MarkSnap{MarkPx: 100.5, IndexPx: 100.4, UpdatedMs: 1_700_000_002_900})
	s.globals.AddLiquidation("BTCUSDT", market.LiqEvent{Qty: 5, Notional: 502.5, IsBuy: true, TsMs: 1_700_000_002_500})

	s.flushWindows(1_700_000_001_500, 1_700_000_003_000)

	advs := capture.byChannel(types.ChannelAdvancedMetrics)
	if len(advs) != 1 {
		t.Fatalf("expected 1 metric record, got %d", len(advs))
	}
	rec := advs[0]
	if rec.TsEventNs != 1_700_000_003_000*int64(time.Millisecond) {
		t.Errorf("expected event ts at the window end, got %d", rec.TsEventNs)
	}

	m := rec.Advanced.Metrics
	for key, want := range map[string]float64{
		"has_l1":        1,
		"has_trades":    1,
		"has_depth":     1,
		"has_mark":      1,
		"has_liq":       1,
		"crossed_book":  0,
		"depth_updates": 2,
		"liq_count":     1,
		"max_liq_size":  5,
	} {
		if got := m[key]; got != want {
			t.Errorf("expected %s = %v, got %v", key, want, got)
		}
	}
	if math.Abs(m["oi_open_interest"]-1234.5) > 1e-9 {
		t.Errorf("expected oi_open_interest 1234.5, got %f", m["oi_open_interest"])
	}
	// Venue value absent: derived from OI and the mark price.
	if math.Abs(m["oi_value_usdt"]-1234.5*100.5) > 1e-6 {
		t.Errorf("expected oi_value_usdt %.4f, got %f", 1234.5*100.5, m["oi_value_usdt"])
	}
	if _, ok := m["ls_ratio_top_pos"]; ok {
		t.Error("expected stale long/short sample to stay unattached")
	}

	if st.Window.HasTrades || st.Window.HasMark || st.Window.HasLiq {
		t.Error("expected window flags reset after flush")
	}
	if got := st.Window.TradeCount(); got != 0 {
		t.Errorf("expected window trade buffer cleared, got %d", got)
	}
}

func TestFlushWindowsAttachesFreshRatio(t *testing.T) {
	t.Parallel()

	attach := &fakeAttachments{
		ls: map[string]market.RatioSample{
			"BTCUSDT": {PeriodEndMs: 1_700_000_002_000, TopPositionRatio: 1.8},
		},
	}
	s, capture, clock := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", attach)
	clock.set(time.UnixMilli(1_700_000_003_000))

	s.flushWindows(1_700_000_001_500, 1_700_000_003_000)

	advs := capture.byChannel(types.ChannelAdvancedMetrics)
	if len(advs) != 1 {
		t.Fatalf("expected 1 metric record, got %d", len(advs))
	}
	if got := advs[0].Advanced.Metrics["ls_ratio_top_pos"]; math.Abs(got-1.8) > 1e-9 {
		t.Errorf("expected ls_ratio_top_pos 1.8, got %f", got)
	}
}

func TestCheckWindowFlushesOncePerGridEdge(t *testing.T) {
	t.Parallel()

	s, capture, clock := newTestShard(t, []string{"BTCUSDT"}, "http://example.invalid", nil)
	clock.set(time.UnixMilli(1_700_000_003_010))
	s.winStartMs = 1_700_000_001_500

	// A trade eight seconds back sits in a bucket already past the
	// aggregation watermark, so the check also emits it.
	s.agg.Add("BTCUSDT", &types.Trade{
		Price: decimal.RequireFromString("100.5"),
		Qty:   decimal.RequireFromString("1"),
		Side:  types.BUY,
	}, time.UnixMilli(1_699_999_995_010).UnixNano(), time.UnixMilli(1_699_999_995_020).UnixNano())

	s.checkWindow()

	if got := s.winStartMs; got != 1_700_000_003_000 {
		t.Errorf("expected window start advanced to 1700000003000, got %d", got)
	}
	if got := len(capture.byChannel(types.ChannelAdvancedMetrics)); got != 1 {
		t.Errorf("expected 1 metric record after the edge, got %d", got)
	}
	aggRecs := capture.byChannel(types.ChannelAggTrades5s)
	if len(aggRecs) == 0 {
		t.Fatal("expected the closed trade bucket to be emitted")
	}
	if got := aggRecs[0].AggTrade.TradeCount; got != 1 {
		t.Errorf("expected bucket trade count 1, got %d", got)
	}

	// Same clock reading: still inside the new window, nothing more flushes.
	s.checkWindow()
	if got := len(capture.byChannel(types.ChannelAdvancedMetrics)); got != 1 {
		t.Errorf("expected no second flush before the next edge, got %d records", got)
	}
	if got := s.windowsFlushed.Load(); got != 1 {
		t.Errorf("expected windows flushed counter 1, got %d", got)
	}
}

func TestCheckReconnectSchedulesResyncs(t *testing.T) {
	t.Parallel()

	srv := depthServer(t, 777, nil)
	s, _, _ := newTestShard(t, []string{"BTCUSDT"}, srv.URL, nil)
	st := s.states[0]

	// Simulate a completed reconnect cycle by rewinding the observed count.
	s.lastReconnects = -1
	s.checkReconnect(context.Background())

	deadline := time.After(2 * time.Second)
	for st.Book.LastUpdateID() != 777 {
		select {
		case <-deadline:
			t.Fatalf("book never reseeded after reconnect, lastUpdateID=%d", st.Book.LastUpdateID())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestShard(t, []string{"BTCUSDT", "ETHUSDT"}, "http://example.invalid", nil)
	s.states[0].Book.ApplySnapshot(1, seedLevels("100.5", "2"), seedLevels("100.6", "3"))
	s.decodeErrors.Add(3)

	got := s.Stats()
	if got.Shard != 7 || got.Symbols != 2 {
		t.Errorf("expected shard 7 with 2 symbols, got %+v", got)
	}
	if got.BooksInitialized != 1 {
		t.Errorf("expected 1 initialized book, got %d", got.BooksInitialized)
	}
	if got.DecodeErrors != 3 {
		t.Errorf("expected 3 decode errors, got %d", got.DecodeErrors)
	}
}
