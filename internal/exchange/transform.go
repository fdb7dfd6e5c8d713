package exchange

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"marketfeed/pkg/types"
)

// Normalization from wire shapes to pipeline records. Venue timestamps are
// milliseconds; records carry nanoseconds throughout, so every transform
// converts exactly once here.

func msToNs(ms int64) int64 { return ms * 1_000_000 }

func nsToMs(ns int64) int64 { return ns / 1_000_000 }

// parseDec parses a venue decimal string. The venue sends "" for a handful
// of optional fields; treat that as zero rather than a frame error.
func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// levelMap converts [[price, qty], ...] pairs into a price-string keyed map.
func levelMap(pairs [][]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level pair has %d elements, want 2", len(pair))
		}
		qty, err := parseDec(pair[1])
		if err != nil {
			return nil, err
		}
		out[pair[0]] = qty
	}
	return out, nil
}

// levelSlices converts pairs into parallel price/qty slices, capped at depth.
func levelSlices(pairs [][]string, depth int) ([]decimal.Decimal, []decimal.Decimal, error) {
	n := len(pairs)
	if depth > 0 && n > depth {
		n = depth
	}
	prices := make([]decimal.Decimal, 0, n)
	qtys := make([]decimal.Decimal, 0, n)
	for _, pair := range pairs[:n] {
		if len(pair) < 2 {
			return nil, nil, fmt.Errorf("level pair has %d elements, want 2", len(pair))
		}
		px, err := parseDec(pair[0])
		if err != nil {
			return nil, nil, err
		}
		qty, err := parseDec(pair[1])
		if err != nil {
			return nil, nil, err
		}
		prices = append(prices, px)
		qtys = append(qtys, qty)
	}
	return prices, qtys, nil
}

// RESTDepthLevels converts a REST depth snapshot into the price-keyed maps
// the order book seeds from.
func RESTDepthLevels(d *RESTDepth) (bids, asks map[string]decimal.Decimal, err error) {
	bids, err = levelMap(d.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("rest depth bids: %w", err)
	}
	asks, err = levelMap(d.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("rest depth asks: %w", err)
	}
	return bids, asks, nil
}

// TradeRecord normalizes one execution. The aggressor bought exactly when
// the buyer was not the maker.
func TradeRecord(symbol string, w *WSTrade, recvNs int64) (types.Record, error) {
	price, err := parseDec(w.Price)
	if err != nil {
		return types.Record{}, fmt.Errorf("trade price: %w", err)
	}
	qty, err := parseDec(w.Qty)
	if err != nil {
		return types.Record{}, fmt.Errorf("trade qty: %w", err)
	}
	eventMs := w.TradeTimeMs
	if eventMs == 0 {
		eventMs = w.EventTimeMs
	}
	side := types.BUY
	if w.BuyerIsMaker {
		side = types.SELL
	}
	return types.Record{
		Instrument: symbol,
		Channel:    types.ChannelTrades,
		TsEventNs:  msToNs(eventMs),
		TsRecvNs:   recvNs,
		Trade: &types.Trade{
			Price:       price,
			Qty:         qty,
			Side:        side,
			TradeID:     strconv.FormatInt(w.TradeID, 10),
			HasAggrFlag: true,
			IsAggressor: !w.BuyerIsMaker,
		},
	}, nil
}

// DiffRecord normalizes one incremental depth update. Map keys keep the
// venue's exact price strings.
func DiffRecord(symbol string, w *WSDepthDiff, recvNs int64) (types.Record, error) {
	bids, err := levelMap(w.Bids)
	if err != nil {
		return types.Record{}, fmt.Errorf("diff bids: %w", err)
	}
	asks, err := levelMap(w.Asks)
	if err != nil {
		return types.Record{}, fmt.Errorf("diff asks: %w", err)
	}
	return types.Record{
		Instrument: symbol,
		Channel:    types.ChannelOBDiff,
		TsEventNs:  msToNs(w.EventTimeMs),
		TsRecvNs:   recvNs,
		Diff: &types.DepthDiff{
			Sequence:     w.FinalUpdateID,
			PrevSequence: w.FirstUpdateID,
			Bids:         bids,
			Asks:         asks,
		},
	}, nil
}

// SnapshotRecord normalizes a partial-depth snapshot frame into the channel
// matching its depth (5 → ob_top5, 20 → ob_top20).
func SnapshotRecord(symbol string, w *WSDepthSnapshot, depth int, channel types.Channel, recvNs int64) (types.Record, error) {
	bidPx, bidQty, err := levelSlices(w.Bids, depth)
	if err != nil {
		return types.Record{}, fmt.Errorf("snapshot bids: %w", err)
	}
	askPx, askQty, err := levelSlices(w.Asks, depth)
	if err != nil {
		return types.Record{}, fmt.Errorf("snapshot asks: %w", err)
	}
	eventNs := recvNs
	if w.EventTimeMs > 0 {
		eventNs = msToNs(w.EventTimeMs)
	}
	return types.Record{
		Instrument: symbol,
		Channel:    channel,
		TsEventNs:  eventNs,
		TsRecvNs:   recvNs,
		Depth: &types.DepthSnapshot{
			Depth:     depth,
			BidPrices: bidPx,
			BidQtys:   bidQty,
			AskPrices: askPx,
			AskQtys:   askQty,
		},
	}, nil
}

// MarkPriceRecord normalizes the mark/index part of a markPrice update.
func MarkPriceRecord(symbol string, w *WSMarkPrice, recvNs int64) (types.Record, error) {
	mark, err := parseDec(w.MarkPrice)
	if err != nil {
		return types.Record{}, fmt.Errorf("mark price: %w", err)
	}
	rec := types.Record{
		Instrument: symbol,
		Channel:    types.ChannelMarkPrice,
		TsEventNs:  msToNs(w.EventTimeMs),
		TsRecvNs:   recvNs,
		Mark:       &types.MarkPrice{MarkPrice: mark},
	}
	if w.IndexPrice != "" {
		idx, err := parseDec(w.IndexPrice)
		if err != nil {
			return types.Record{}, fmt.Errorf("index price: %w", err)
		}
		rec.Mark.IndexPrice = idx
		rec.Mark.HasIndex = true
	}
	return rec, nil
}

// FundingRecord normalizes the funding part of a markPrice update.
func FundingRecord(symbol string, w *WSMarkPrice, recvNs int64) (types.Record, error) {
	rate, err := parseDec(w.FundingRate)
	if err != nil {
		return types.Record{}, fmt.Errorf("funding rate: %w", err)
	}
	return types.Record{
		Instrument: symbol,
		Channel:    types.ChannelFunding,
		TsEventNs:  msToNs(w.EventTimeMs),
		TsRecvNs:   recvNs,
		Funding: &types.Funding{
			FundingRate:     rate,
			NextFundingTsNs: msToNs(w.NextFundingTimeMs),
		},
	}, nil
}

// KlineRecord normalizes one candle update, open or closed.
func KlineRecord(symbol string, w *WSKline, recvNs int64) (types.Record, error) {
	k := &w.Kline
	open, err := parseDec(k.Open)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline open: %w", err)
	}
	high, err := parseDec(k.High)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline high: %w", err)
	}
	low, err := parseDec(k.Low)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline low: %w", err)
	}
	cl, err := parseDec(k.Close)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline close: %w", err)
	}
	vol, err := parseDec(k.Volume)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline volume: %w", err)
	}
	quoteVol, err := parseDec(k.QuoteVolume)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline quote volume: %w", err)
	}
	takerBase, err := parseDec(k.TakerBuyBase)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline taker base: %w", err)
	}
	takerQuote, err := parseDec(k.TakerBuyQuote)
	if err != nil {
		return types.Record{}, fmt.Errorf("kline taker quote: %w", err)
	}
	return types.Record{
		Instrument: symbol,
		Channel:    types.ChannelKlines,
		TsEventNs:  msToNs(w.EventTimeMs),
		TsRecvNs:   recvNs,
		Kline: &types.Kline{
			Interval:            k.Interval,
			Open:                open,
			High:                high,
			Low:                 low,
			Close:               cl,
			Volume:              vol,
			QuoteVolume:         quoteVol,
			TakerBuyBaseVolume:  takerBase,
			TakerBuyQuoteVolume: takerQuote,
			TradeCount:          k.TradeCount,
			IsClosed:            k.IsClosed,
		},
	}, nil
}

// LiquidationRecord normalizes a forced order. Price is the last filled
// price, qty the filled quantity.
func LiquidationRecord(w *WSForceOrder, recvNs int64) (types.Record, error) {
	o := &w.Order
	price, err := parseDec(o.LastFilledPx)
	if err != nil {
		return types.Record{}, fmt.Errorf("liquidation price: %w", err)
	}
	qty, err := parseDec(o.FilledQty)
	if err != nil {
		return types.Record{}, fmt.Errorf("liquidation qty: %w", err)
	}
	eventMs := o.TradeTimeMs
	if eventMs == 0 {
		eventMs = w.EventTimeMs
	}
	side := types.BUY
	if o.Side == "SELL" {
		side = types.SELL
	}
	var orderID string
	if o.OrderID != 0 {
		orderID = strconv.FormatInt(o.OrderID, 10)
	}
	return types.Record{
		Instrument: o.Symbol,
		Channel:    types.ChannelLiquidations,
		TsEventNs:  msToNs(eventMs),
		TsRecvNs:   recvNs,
		Liquidation: &types.Liquidation{
			Side:    side,
			Price:   price,
			Qty:     qty,
			OrderID: orderID,
			Reason:  o.Status,
		},
	}, nil
}
