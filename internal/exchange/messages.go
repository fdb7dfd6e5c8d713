package exchange

import "encoding/json"

// Wire shapes for the venue's combined WebSocket streams and REST responses.
// All prices and quantities arrive as decimal strings and stay strings here;
// parsing happens in the transform layer so a bad field fails one frame, not
// the connection.

// CombinedFrame is the envelope for combined-stream messages:
// {"stream":"btcusdt@trade","data":{...}}.
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WSTrade is a single execution from <symbol>@trade.
type WSTrade struct {
	EventType    string `json:"e"` // "trade"
	EventTimeMs  int64  `json:"E"`
	TradeTimeMs  int64  `json:"T"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeID      int64  `json:"t"`
	BuyerIsMaker bool   `json:"m"` // true = taker sold
}

// WSDepthDiff is an incremental book update from <symbol>@depth@100ms.
// U/u bound the update-id range covered by this event.
type WSDepthDiff struct {
	EventType     string     `json:"e"` // "depthUpdate"
	EventTimeMs   int64      `json:"E"`
	TradeTimeMs   int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	PrevFinalID   uint64     `json:"pu"`
	Bids          [][]string `json:"b"` // [price, qty]
	Asks          [][]string `json:"a"`
}

// WSDepthSnapshot is a partial book snapshot from <symbol>@depth5/20@100ms.
type WSDepthSnapshot struct {
	EventTimeMs int64      `json:"E"`
	Symbol      string     `json:"s"`
	Bids        [][]string `json:"bids"`
	Asks        [][]string `json:"asks"`
}

// WSBookTicker is a best bid/ask update from <symbol>@bookTicker or the
// global !bookTicker stream.
type WSBookTicker struct {
	EventTimeMs int64  `json:"E"`
	Symbol      string `json:"s"`
	BidPrice    string `json:"b"`
	BidQty      string `json:"B"`
	AskPrice    string `json:"a"`
	AskQty      string `json:"A"`
}

// WSMarkPrice carries mark price, index price and funding from
// <symbol>@markPrice@1s or !markPrice@arr@1s.
type WSMarkPrice struct {
	EventType         string `json:"e"` // "markPriceUpdate"
	EventTimeMs       int64  `json:"E"`
	Symbol            string `json:"s"`
	MarkPrice         string `json:"p"`
	IndexPrice        string `json:"i"`
	SettlePrice       string `json:"P"`
	FundingRate       string `json:"r"`
	NextFundingTimeMs int64  `json:"T"`
}

// WSKline wraps one candle update from <symbol>@kline_<interval>.
type WSKline struct {
	EventType   string      `json:"e"` // "kline"
	EventTimeMs int64       `json:"E"`
	Symbol      string      `json:"s"`
	Kline       WSKlineBody `json:"k"`
}

// WSKlineBody is the candle itself. V/Q are taker-buy volumes.
type WSKlineBody struct {
	StartTimeMs    int64  `json:"t"`
	CloseTimeMs    int64  `json:"T"`
	Symbol         string `json:"s"`
	Interval       string `json:"i"`
	Open           string `json:"o"`
	Close          string `json:"c"`
	High           string `json:"h"`
	Low            string `json:"l"`
	Volume         string `json:"v"`
	TradeCount     int64  `json:"n"`
	IsClosed       bool   `json:"x"`
	QuoteVolume    string `json:"q"`
	TakerBuyBase   string `json:"V"`
	TakerBuyQuote  string `json:"Q"`
}

// WSForceOrder is a liquidation from <symbol>@forceOrder or !forceOrder@arr.
type WSForceOrder struct {
	EventType   string           `json:"e"` // "forceOrder"
	EventTimeMs int64            `json:"E"`
	Order       WSForceOrderBody `json:"o"`
}

// WSForceOrderBody is the forced order detail.
type WSForceOrderBody struct {
	Symbol       string `json:"s"`
	Side         string `json:"S"` // side of the forced order
	OrderType    string `json:"o"`
	TimeInForce  string `json:"f"`
	Qty          string `json:"q"`
	Price        string `json:"p"`
	AvgPrice     string `json:"ap"`
	Status       string `json:"X"`
	LastFilledPx string `json:"L"`
	FilledQty    string `json:"z"`
	TradeTimeMs  int64  `json:"T"`
	OrderID      int64  `json:"i"`
}

// RESTDepth is the response of GET /fapi/v1/depth.
type RESTDepth struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	EventTimeMs  int64      `json:"E"`
	TradeTimeMs  int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// RESTOpenInterest is the response of GET /fapi/v1/openInterest.
type RESTOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	TimeMs       int64  `json:"time"`
}

// RESTLongShortRatio is one element of the GET
// /futures/data/topLongShortPositionRatio response array.
type RESTLongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	TimestampMs    int64  `json:"timestamp"`
}

// RESTExchangeInfo is the subset of GET /fapi/v1/exchangeInfo the collector
// needs for symbol discovery.
type RESTExchangeInfo struct {
	Symbols []RESTSymbolInfo `json:"symbols"`
}

// RESTSymbolInfo describes one listed contract.
type RESTSymbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`       // "TRADING" when live
	ContractType string `json:"contractType"` // "PERPETUAL" for perps
	QuoteAsset   string `json:"quoteAsset"`
	BaseAsset    string `json:"baseAsset"`
}
