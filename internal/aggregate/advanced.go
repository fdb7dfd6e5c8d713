package aggregate

import "math"

// eps guards every division: denominators at or below it yield a zero metric.
const eps = 1e-12

// OIAttach is the open-interest observation mapped into a window, if any.
type OIAttach struct {
	OpenInterest float64
	ValueUSDT    float64
	HasValue     bool
	Present      bool
}

// LSAttach is the top-trader long/short position ratio mapped into a window.
type LSAttach struct {
	TopPositionRatio float64
	Present          bool
}

// ComputeInput carries the flush-time inputs that come from outside the
// window buffers: the chosen L1 quote, the top-20 book, the mark/index
// snapshot, the derived window high/low and the REST attachments.
type ComputeInput struct {
	WindowSeconds float64
	NowMs         int64

	BidPx, BidQty float64
	AskPx, AskQty float64
	HasL1         bool
	Crossed       bool

	TopBidPx, TopBidQty []float64
	TopAskPx, TopAskQty []float64

	MarkPx  float64
	IndexPx float64

	High, Low float64

	OI OIAttach
	LS LSAttach
}

// Compute turns one window's buffers plus the flush-time inputs into the
// metric map. Rolling state (volatility EWMAs, trade-rate baseline, CVD,
// spread regime, minute Parkinson, previous basis) is advanced as a side
// effect; the caller resets the window afterwards.
func Compute(w *Window, r *Rolling, in ComputeInput) map[string]float64 {
	m := make(map[string]float64, 48)
	ws := in.WindowSeconds
	if ws <= 0 {
		ws = 1.5
	}

	// Quote metrics from the chosen L1.
	var mid, spread float64
	if in.BidPx > 0 && in.AskPx > 0 {
		spread = in.AskPx - in.BidPx
		mid = (in.BidPx + in.AskPx) / 2
	}
	m["spread_px"] = spread
	m["mid_px"] = mid
	m["spread_bps"] = guardDiv(spread*10000, mid)

	// Order-flow metrics over the window.
	m["ofi_sum"] = w.ofiSum
	m["l1_jump_rate"] = float64(w.l1Jumps) / ws
	m["replenishment_rate"] = float64(w.replenishEvents) / ws
	if w.hasMicroprice && mid > eps {
		m["microprice_edge_bps"] = (w.micropriceLast - mid) / mid * 10000
	} else {
		m["microprice_edge_bps"] = 0
	}

	// Book shape from the top-20 levels.
	slopeBid, curvBid := slopeCurvature(in.TopBidPx, in.TopBidQty)
	slopeAsk, curvAsk := slopeCurvature(in.TopAskPx, in.TopAskQty)
	m["slope_bid"] = slopeBid
	m["slope_ask"] = slopeAsk
	m["curvature_bid"] = curvBid
	m["curvature_ask"] = curvAsk
	m["ob_entropy_bid"] = entropy(in.TopBidQty)
	m["ob_entropy_ask"] = entropy(in.TopAskQty)

	// Volatility: realized over in-window mids, EWMA horizons, and the
	// Parkinson estimate of the last closed minute.
	rv := realizedVol(w.mids)
	m["rv_3s"] = rv
	m["rv_ewma_1m"], m["rv_ewma_5m"], m["rv_ewma_15m"] = r.UpdateRV(rv)
	m["parkinson_1m"] = r.Parkinson()

	// Trade activity.
	tradeCount := float64(len(w.trades))
	volBase := w.buyVol + w.sellVol
	volQuote := w.buyQuote + w.sellQuote
	signedVol := w.buyVol - w.sellVol
	m["trade_rate_hz"] = tradeCount / ws
	if len(w.trades) > 0 {
		m["burst_score"] = r.UpdateBurst(tradeCount / ws)
		m["cvd_cum"] = r.AddCVD(signedVol)
	} else {
		m["burst_score"] = 0
		m["cvd_cum"] = r.CVD()
	}
	m["vpin"] = guardDiv(math.Abs(signedVol), volBase)

	// Forced-order sizes drained into the window.
	var liqSum, liqMax, liqNotional float64
	for _, l := range w.liqs {
		liqSum += l.qty
		liqNotional += l.notional
		if l.qty > liqMax {
			liqMax = l.qty
		}
	}
	m["liq_count"] = float64(len(w.liqs))
	m["avg_liq_size"] = guardDiv(liqSum, float64(len(w.liqs)))
	m["max_liq_size"] = liqMax
	m["liq_notional"] = liqNotional

	// Price impact.
	if w.hasMicroprice {
		m["kyle_lambda"] = guardDiv(math.Abs(w.micropriceLast-w.micropriceFirst), math.Abs(signedVol))
	} else {
		m["kyle_lambda"] = 0
	}
	if len(w.mids) >= 2 {
		m["amihud_illiq"] = guardDiv(math.Abs(w.mids[len(w.mids)-1]-w.mids[0]), volQuote)
	} else {
		m["amihud_illiq"] = 0
	}
	m["effective_spread_bps"] = effectiveSpread(w.trades, mid)

	// Queue depletion horizons: taker sells consume the bid, buys the ask.
	m["qdt_bid_s"] = 0
	m["qdt_ask_s"] = 0
	if in.BidQty > 0 && w.sellVol > eps {
		m["qdt_bid_s"] = in.BidQty / (w.sellVol / ws)
	}
	if in.AskQty > 0 && w.buyVol > eps {
		m["qdt_ask_s"] = in.AskQty / (w.buyVol / ws)
	}

	// Basis against the index price.
	m["index_basis_bps"] = 0
	m["basis_drift_bps"] = 0
	if mid > eps && in.IndexPx > eps {
		basis := (mid - in.IndexPx) / in.IndexPx * 10000
		m["index_basis_bps"] = basis
		m["basis_drift_bps"] = r.UpdateBasis(basis)
	}

	// Spread regime classification.
	regime, _ := r.UpdateSpreadRegime(guardDiv(spread, mid))
	m["spread_regime"] = float64(regime)

	// REST attachments, only when mapped into this window.
	if in.OI.Present {
		m["oi_open_interest"] = in.OI.OpenInterest
		if in.OI.HasValue {
			m["oi_value_usdt"] = in.OI.ValueUSDT
		} else if in.MarkPx > 0 && in.OI.OpenInterest > 0 {
			m["oi_value_usdt"] = in.OI.OpenInterest * in.MarkPx
		}
	}
	if in.LS.Present {
		m["ls_ratio_top_pos"] = in.LS.TopPositionRatio
	}

	// Input flags ride along as 0/1 values.
	m["has_l1"] = boolMetric(in.HasL1)
	m["has_trades"] = boolMetric(w.HasTrades)
	m["has_depth"] = boolMetric(w.HasDepth)
	m["has_mark"] = boolMetric(w.HasMark)
	m["has_liq"] = boolMetric(w.HasLiq)
	m["crossed_book"] = boolMetric(in.Crossed)
	m["resynced_this_window"] = boolMetric(w.Resynced)

	// Fold this window's range into the minute bucket after reporting, so
	// parkinson_1m always refers to the previous closed minute.
	if in.High > 0 {
		r.UpdateParkinson(in.NowMs, in.High, in.Low)
	}
	return m
}

// DeriveOHLC derives the window candle: trade prices preferred, else mids
// (close from the live quote when present), else the previous close carried
// forward. The rolling last close is updated.
func DeriveOHLC(w *Window, r *Rolling, bidPx, askPx float64) (open, high, low, closePx float64) {
	switch {
	case len(w.trades) > 0:
		open = w.trades[0].px
		high, low = open, open
		for _, t := range w.trades {
			if t.px > high {
				high = t.px
			}
			if t.px < low {
				low = t.px
			}
		}
		closePx = w.trades[len(w.trades)-1].px
	case len(w.mids) > 0:
		open = w.mids[0]
		high, low = open, open
		for _, px := range w.mids {
			if px > high {
				high = px
			}
			if px < low {
				low = px
			}
		}
		closePx = w.mids[len(w.mids)-1]
		if bidPx > 0 && askPx > 0 {
			closePx = (bidPx + askPx) / 2
		}
	default:
		closePx = r.LastClose()
		if closePx == 0 && bidPx > 0 && askPx > 0 {
			closePx = (bidPx + askPx) / 2
		}
		open, high, low = closePx, closePx, closePx
	}
	r.SetLastClose(closePx)
	return open, high, low, closePx
}

// guardDiv divides num by den, returning zero for vanishing denominators.
func guardDiv(num, den float64) float64 {
	if math.Abs(den) <= eps {
		return 0
	}
	return num / den
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// realizedVol is the square root of the sum of squared log returns over
// consecutive mids, not annualized.
func realizedVol(mids []float64) float64 {
	if len(mids) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(mids); i++ {
		p1, p2 := mids[i-1], mids[i]
		if p1 > 0 && p2 > 0 {
			lr := math.Log(p2 / p1)
			sum += lr * lr
		}
	}
	return math.Sqrt(sum)
}

// slopeCurvature fits price against cumulative quantity over the given book
// side by ordinary least squares. Curvature is the slope of the first half
// minus the slope of the second half.
func slopeCurvature(prices, qtys []float64) (slope, curvature float64) {
	n := len(prices)
	if n == 0 || len(qtys) < n {
		return 0, 0
	}
	xs := make([]float64, n)
	var cum float64
	for i := 0; i < n; i++ {
		cum += qtys[i]
		xs[i] = cum
	}
	slope = olsSlope(xs, prices)
	half := n / 2
	if half < 1 {
		half = 1
	}
	curvature = olsSlope(xs[:half], prices[:half]) - olsSlope(xs[half:], prices[half:])
	return slope, curvature
}

func olsSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if len(xs) < 2 {
		return 0
	}
	var sx, sy, sxx, sxy float64
	for i, x := range xs {
		sx += x
		sy += ys[i]
		sxx += x * x
		sxy += x * ys[i]
	}
	return guardDiv(n*sxy-sx*sy, n*sxx-sx*sx)
}

// entropy is the Shannon entropy of the quantities normalized to a
// distribution, in nats. Concentrated books score low, uniform books high.
func entropy(qtys []float64) float64 {
	var total float64
	for _, q := range qtys {
		if q > 0 {
			total += q
		}
	}
	if total <= eps {
		return 0
	}
	var h float64
	for _, q := range qtys {
		if q > 0 {
			p := q / total
			h -= p * math.Log(p)
		}
	}
	return h
}

// effectiveSpread is the volume-weighted effective spread in basis points:
// 2 * sign * (trade price - mid) / mid * 10000, signed +1 for taker buys.
func effectiveSpread(trades []trade, mid float64) float64 {
	if mid <= eps || len(trades) == 0 {
		return 0
	}
	var sum, totalQty float64
	for _, t := range trades {
		sign := 1.0
		if !t.isBuy {
			sign = -1.0
		}
		sum += 2 * sign * (t.px - mid) / mid * 10000 * t.qty
		totalQty += t.qty
	}
	return guardDiv(sum, totalQty)
}
