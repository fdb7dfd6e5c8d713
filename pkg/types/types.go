// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector: channels, record
// variants, and the per-record header every sink keys on. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"github.com/shopspring/decimal"
)

// Side represents the aggressor direction of a trade or liquidation: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Channel identifies a logical record stream. The set is closed: every record
// produced anywhere in the pipeline carries exactly one of these tags, and the
// router dispatches on it.
type Channel string

const (
	ChannelTrades          Channel = "trades"
	ChannelAggTrades5s     Channel = "agg_trades_5s"
	ChannelL1              Channel = "l1"
	ChannelOBTop5          Channel = "ob_top5"
	ChannelOBTop20         Channel = "ob_top20"
	ChannelOBDiff          Channel = "ob_diff"
	ChannelLiquidations    Channel = "liquidations"
	ChannelKlines          Channel = "klines"
	ChannelMarkPrice       Channel = "mark_price"
	ChannelFunding         Channel = "funding"
	ChannelAdvancedMetrics Channel = "advanced_metrics"
)

// AllChannels lists every channel in a stable order. Used for config
// validation and for iterating writer bindings.
var AllChannels = []Channel{
	ChannelTrades,
	ChannelAggTrades5s,
	ChannelL1,
	ChannelOBTop5,
	ChannelOBTop20,
	ChannelOBDiff,
	ChannelLiquidations,
	ChannelKlines,
	ChannelMarkPrice,
	ChannelFunding,
	ChannelAdvancedMetrics,
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Record is the tagged variant flowing through the pipeline. Every record
// carries the common header (instrument, channel, event and receive
// timestamps in nanoseconds) plus exactly one non-nil payload matching the
// channel tag. Records are immutable after publication; writers must not
// mutate payloads they receive.
type Record struct {
	Instrument string
	Channel    Channel
	TsEventNs  int64
	TsRecvNs   int64

	Trade       *Trade
	AggTrade    *AggTrade5s
	Depth       *DepthSnapshot
	Diff        *DepthDiff
	Liquidation *Liquidation
	Kline       *Kline
	Mark        *MarkPrice
	Funding     *Funding
	Advanced    *AdvancedMetrics
}

// Trade is a single taker execution.
type Trade struct {
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Side        Side   // aggressor side: BUY when the taker bought
	TradeID     string // venue trade id, empty when not provided
	HasAggrFlag bool   // whether IsAggressor carries information
	IsAggressor bool   // true when the reporting side was the taker
}

// AggTrade5s is one closed bucket of the fixed five-second trade grid.
// Empty buckets (no trades in the window) carry zero prices and counts.
type AggTrade5s struct {
	IntervalS     int
	WindowStartNs int64
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	Notional      decimal.Decimal
	TradeCount    int64
	BuyQty        decimal.Decimal
	SellQty       decimal.Decimal
	BuyNotional   decimal.Decimal
	SellNotional  decimal.Decimal
	FirstTradeID  string
	LastTradeID   string
}

// DepthSnapshot is a point-in-time top-of-book view at a fixed depth
// (1, 5, 10, 20, 50 or 100 levels). Bids are sorted descending, asks
// ascending; the price and qty slices are parallel.
type DepthSnapshot struct {
	Depth     int
	BidPrices []decimal.Decimal
	BidQtys   []decimal.Decimal
	AskPrices []decimal.Decimal
	AskQtys   []decimal.Decimal
}

// DepthDiff is one incremental order-book update. Sequence and PrevSequence
// are the venue's last/first update ids (u and U). A zero quantity deletes
// the price level. Map keys are the exact decimal price strings from the
// wire so that replays compare byte-identical.
type DepthDiff struct {
	Sequence     uint64
	PrevSequence uint64
	Bids         map[string]decimal.Decimal
	Asks         map[string]decimal.Decimal
}

// Liquidation is a forced order reported by the venue.
type Liquidation struct {
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	OrderID string // empty when not provided
	Reason  string // venue order status, e.g. "FILLED"
}

// Kline is one candle for a venue-defined interval, open or closed.
type Kline struct {
	Interval            string
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	QuoteVolume         decimal.Decimal
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
	TradeCount          int64
	IsClosed            bool
}

// MarkPrice is the venue mark (and optional index) price.
type MarkPrice struct {
	MarkPrice  decimal.Decimal
	IndexPrice decimal.Decimal
	HasIndex   bool
}

// Funding is the current funding rate and the next funding time.
type Funding struct {
	FundingRate     decimal.Decimal
	NextFundingTsNs int64
}

// AdvancedMetrics is the per-window microstructure metric set. Keys are
// metric names (spread_bps, ofi_sum, rv_3s, ...); the full set is produced
// by the aggregate package. Values are float64: metrics are derived
// quantities, not ledger amounts.
type AdvancedMetrics struct {
	Metrics map[string]float64
}
