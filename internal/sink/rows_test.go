package sink

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"marketfeed/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRecordRowTrade(t *testing.T) {
	t.Parallel()

	rec := &types.Record{
		Instrument: "BTCUSDT",
		Channel:    types.ChannelTrades,
		TsEventNs:  1700000000123000000,
		TsRecvNs:   1700000000456000000,
		Trade: &types.Trade{
			Price:       dec("42000.50"),
			Qty:         dec("0.25"),
			Side:        types.SELL,
			TradeID:     "987",
			HasAggrFlag: true,
			IsAggressor: false,
		},
	}

	table, row, ok := recordRow(rec)
	if !ok || table != "trades" {
		t.Fatalf("table = %q ok=%v, want trades/true", table, ok)
	}
	if row["instrument"] != "BTCUSDT" {
		t.Errorf("instrument = %v", row["instrument"])
	}
	if row["side"] != "SELL" {
		t.Errorf("side = %v, want SELL", row["side"])
	}
	if row["is_aggressor"] != uint8(0) {
		t.Errorf("is_aggressor = %v, want 0", row["is_aggressor"])
	}

	// Decimals must serialize as quoted strings for the store's parser.
	encoded, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"price":"42000.5"`) {
		t.Errorf("price not a quoted decimal: %s", encoded)
	}
}

func TestRecordRowTradeNullables(t *testing.T) {
	t.Parallel()

	rec := &types.Record{
		Instrument: "BTCUSDT",
		Channel:    types.ChannelTrades,
		Trade:      &types.Trade{Price: dec("1"), Qty: dec("2"), Side: types.BUY},
	}

	_, row, _ := recordRow(rec)
	if row["trade_id"] != nil {
		t.Errorf("trade_id = %v, want nil", row["trade_id"])
	}
	if row["is_aggressor"] != nil {
		t.Errorf("is_aggressor = %v, want nil without flag", row["is_aggressor"])
	}
}

func TestRecordRowDepthTableRouting(t *testing.T) {
	t.Parallel()

	depth := &types.DepthSnapshot{
		Depth:     1,
		BidPrices: []decimal.Decimal{dec("100")},
		BidQtys:   []decimal.Decimal{dec("5")},
		AskPrices: []decimal.Decimal{dec("101")},
		AskQtys:   []decimal.Decimal{dec("4")},
	}

	cases := map[types.Channel]string{
		types.ChannelL1:      "l1",
		types.ChannelOBTop5:  "ob_top5",
		types.ChannelOBTop20: "ob_top20",
	}
	for channel, want := range cases {
		rec := &types.Record{Instrument: "ETHUSDT", Channel: channel, Depth: depth}
		table, row, ok := recordRow(rec)
		if !ok || table != want {
			t.Errorf("channel %s: table = %q ok=%v, want %q", channel, table, ok, want)
		}
		if row["depth"] != 1 {
			t.Errorf("channel %s: depth = %v, want 1", channel, row["depth"])
		}
	}
}

func TestRecordRowDiff(t *testing.T) {
	t.Parallel()

	rec := &types.Record{
		Instrument: "BTCUSDT",
		Channel:    types.ChannelOBDiff,
		Diff: &types.DepthDiff{
			Sequence:     102,
			PrevSequence: 101,
			Bids:         map[string]decimal.Decimal{"100.50": dec("2")},
			Asks:         nil,
		},
	}

	table, row, ok := recordRow(rec)
	if !ok || table != "order_book_diffs" {
		t.Fatalf("table = %q ok=%v", table, ok)
	}

	encoded, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"bids":{"100.50":"2"}`) {
		t.Errorf("bids map wrong: %s", encoded)
	}
	if !strings.Contains(string(encoded), `"asks":{}`) {
		t.Errorf("nil asks should encode as empty map: %s", encoded)
	}
}

func TestRecordRowMetricsSkipsNonFinite(t *testing.T) {
	t.Parallel()

	rec := &types.Record{
		Instrument: "BTCUSDT",
		Channel:    types.ChannelAdvancedMetrics,
		Advanced: &types.AdvancedMetrics{Metrics: map[string]float64{
			"spread_bps": 1.5,
			"bad_nan":    math.NaN(),
			"bad_inf":    math.Inf(1),
		}},
	}

	_, row, ok := recordRow(rec)
	if !ok {
		t.Fatal("not ok")
	}
	metricsVal := row["metrics"].(map[string]decimal.Decimal)
	if len(metricsVal) != 1 {
		t.Errorf("metrics = %v, want only spread_bps", metricsVal)
	}
	if !metricsVal["spread_bps"].Equal(dec("1.5")) {
		t.Errorf("spread_bps = %v", metricsVal["spread_bps"])
	}
}

func TestRecordRowMissingPayloadNotOK(t *testing.T) {
	t.Parallel()

	rec := &types.Record{Instrument: "BTCUSDT", Channel: types.ChannelTrades}
	if _, _, ok := recordRow(rec); ok {
		t.Error("record without payload should not map to a row")
	}
}

func TestRecordRowMarkPriceIndexNullable(t *testing.T) {
	t.Parallel()

	rec := &types.Record{
		Instrument: "BTCUSDT",
		Channel:    types.ChannelMarkPrice,
		Mark:       &types.MarkPrice{MarkPrice: dec("50000.1")},
	}
	_, row, _ := recordRow(rec)
	if row["index_price"] != nil {
		t.Errorf("index_price = %v, want nil without index", row["index_price"])
	}

	rec.Mark.HasIndex = true
	rec.Mark.IndexPrice = dec("50001.2")
	_, row, _ = recordRow(rec)
	if v, isDec := row["index_price"].(decimal.Decimal); !isDec || !v.Equal(dec("50001.2")) {
		t.Errorf("index_price = %v, want 50001.2", row["index_price"])
	}
}
