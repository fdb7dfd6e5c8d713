package sink

import (
	"math"

	"github.com/shopspring/decimal"

	"marketfeed/pkg/types"
)

// Row is one JSONEachRow object. Decimal values stay decimal.Decimal so
// they marshal as quoted strings and survive the store's Decimal(38,18)
// parse without float rounding.
type Row map[string]any

// recordRow maps a record to its destination table and row. ok is false for
// channels with no columnar destination.
func recordRow(rec *types.Record) (table string, row Row, ok bool) {
	row = Row{
		"instrument":  rec.Instrument,
		"ts_event_ns": uint64(rec.TsEventNs),
		"ts_recv_ns":  uint64(rec.TsRecvNs),
	}

	switch rec.Channel {
	case types.ChannelTrades:
		t := rec.Trade
		if t == nil {
			return "", nil, false
		}
		row["price"] = t.Price
		row["qty"] = t.Qty
		row["side"] = string(t.Side)
		row["trade_id"] = nullableString(t.TradeID)
		if t.HasAggrFlag {
			row["is_aggressor"] = boolUint8(t.IsAggressor)
		} else {
			row["is_aggressor"] = nil
		}
		return "trades", row, true

	case types.ChannelAggTrades5s:
		a := rec.AggTrade
		if a == nil {
			return "", nil, false
		}
		row["interval_s"] = a.IntervalS
		row["window_start_ns"] = uint64(a.WindowStartNs)
		row["open"] = a.Open
		row["high"] = a.High
		row["low"] = a.Low
		row["close"] = a.Close
		row["volume"] = a.Volume
		row["notional"] = a.Notional
		row["trade_count"] = a.TradeCount
		row["buy_qty"] = a.BuyQty
		row["sell_qty"] = a.SellQty
		row["buy_notional"] = a.BuyNotional
		row["sell_notional"] = a.SellNotional
		row["first_trade_id"] = nullableString(a.FirstTradeID)
		row["last_trade_id"] = nullableString(a.LastTradeID)
		return "agg_trades_5s", row, true

	case types.ChannelL1, types.ChannelOBTop5, types.ChannelOBTop20:
		d := rec.Depth
		if d == nil {
			return "", nil, false
		}
		row["depth"] = d.Depth
		row["bid_prices"] = decArray(d.BidPrices)
		row["bid_qtys"] = decArray(d.BidQtys)
		row["ask_prices"] = decArray(d.AskPrices)
		row["ask_qtys"] = decArray(d.AskQtys)
		return depthTable(rec.Channel), row, true

	case types.ChannelOBDiff:
		d := rec.Diff
		if d == nil {
			return "", nil, false
		}
		row["sequence"] = d.Sequence
		row["prev_sequence"] = d.PrevSequence
		row["bids"] = decMap(d.Bids)
		row["asks"] = decMap(d.Asks)
		return "order_book_diffs", row, true

	case types.ChannelLiquidations:
		l := rec.Liquidation
		if l == nil {
			return "", nil, false
		}
		row["side"] = string(l.Side)
		row["price"] = l.Price
		row["qty"] = l.Qty
		row["order_id"] = nullableString(l.OrderID)
		row["reason"] = nullableString(l.Reason)
		return "liquidations", row, true

	case types.ChannelMarkPrice:
		m := rec.Mark
		if m == nil {
			return "", nil, false
		}
		row["mark_price"] = m.MarkPrice
		if m.HasIndex {
			row["index_price"] = m.IndexPrice
		} else {
			row["index_price"] = nil
		}
		return "mark_price", row, true

	case types.ChannelFunding:
		f := rec.Funding
		if f == nil {
			return "", nil, false
		}
		row["funding_rate"] = f.FundingRate
		row["next_funding_ts_ns"] = uint64(f.NextFundingTsNs)
		return "funding", row, true

	case types.ChannelAdvancedMetrics:
		a := rec.Advanced
		if a == nil {
			return "", nil, false
		}
		row["metrics"] = metricsMap(a.Metrics)
		return "advanced_metrics", row, true

	case types.ChannelKlines:
		k := rec.Kline
		if k == nil {
			return "", nil, false
		}
		row["interval"] = k.Interval
		row["open"] = k.Open
		row["high"] = k.High
		row["low"] = k.Low
		row["close"] = k.Close
		row["volume"] = k.Volume
		row["quote_volume"] = k.QuoteVolume
		row["taker_buy_base_volume"] = k.TakerBuyBaseVolume
		row["taker_buy_quote_volume"] = k.TakerBuyQuoteVolume
		row["trade_count"] = k.TradeCount
		row["is_closed"] = boolUint8(k.IsClosed)
		return "klines", row, true
	}

	return "", nil, false
}

func depthTable(ch types.Channel) string {
	switch ch {
	case types.ChannelL1:
		return "l1"
	case types.ChannelOBTop5:
		return "ob_top5"
	default:
		return "ob_top20"
	}
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// decArray keeps nil slices as empty arrays so the column never sees null.
func decArray(vals []decimal.Decimal) []decimal.Decimal {
	if vals == nil {
		return []decimal.Decimal{}
	}
	return vals
}

func decMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return map[string]decimal.Decimal{}
	}
	return m
}

// metricsMap converts the float metric set to decimal strings. Non-finite
// values would poison the whole batch, so they are skipped.
func metricsMap(metrics map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(metrics))
	for name, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[name] = decimal.NewFromFloat(v)
	}
	return out
}
