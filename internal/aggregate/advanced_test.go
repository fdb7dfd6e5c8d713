package aggregate

import (
	"math"
	"testing"
)

func baseInput() ComputeInput {
	return ComputeInput{
		WindowSeconds: 1.5,
		NowMs:         1_700_000_000_000,
		BidPx:         100, BidQty: 5,
		AskPx: 100.2, AskQty: 4,
		HasL1:    true,
		TopBidPx: []float64{100, 99.9, 99.8}, TopBidQty: []float64{5, 10, 15},
		TopAskPx: []float64{100.2, 100.3, 100.4}, TopAskQty: []float64{4, 8, 12},
	}
}

func TestCompute_QuoteMetrics(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	m := Compute(w, r, baseInput())

	if math.Abs(m["spread_px"]-0.2) > 1e-9 {
		t.Errorf("expected spread_px 0.2, got %f", m["spread_px"])
	}
	if math.Abs(m["mid_px"]-100.1) > 1e-9 {
		t.Errorf("expected mid_px 100.1, got %f", m["mid_px"])
	}
	wantBps := 0.2 / 100.1 * 10000
	if math.Abs(m["spread_bps"]-wantBps) > 1e-6 {
		t.Errorf("expected spread_bps %f, got %f", wantBps, m["spread_bps"])
	}
}

func TestCompute_GuardedDivisionsYieldZero(t *testing.T) {
	w := NewWindow()
	r := NewRolling()
	in := ComputeInput{WindowSeconds: 1.5, NowMs: 1000}

	m := Compute(w, r, in)

	for _, key := range []string{
		"spread_bps", "microprice_edge_bps", "vpin", "kyle_lambda",
		"amihud_illiq", "effective_spread_bps", "qdt_bid_s", "qdt_ask_s",
		"index_basis_bps", "burst_score", "rv_3s", "parkinson_1m",
	} {
		if m[key] != 0 {
			t.Errorf("expected %s = 0 with no inputs, got %f", key, m[key])
		}
	}
	if m["has_l1"] != 0 || m["has_trades"] != 0 {
		t.Error("expected input flags 0 with no inputs")
	}
}

func TestCompute_VPINAndCVD(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnTrade(100, 3, true, 0)
	w.OnTrade(100, 1, false, 100)

	m := Compute(w, r, baseInput())

	// |3-1| / 4
	if math.Abs(m["vpin"]-0.5) > 1e-9 {
		t.Errorf("expected vpin 0.5, got %f", m["vpin"])
	}
	if math.Abs(m["cvd_cum"]-2) > 1e-9 {
		t.Errorf("expected cvd_cum 2, got %f", m["cvd_cum"])
	}

	// A second window accumulates onto the same CVD.
	w.Reset()
	w.OnTrade(100, 1, false, 200)
	m = Compute(w, r, baseInput())
	if math.Abs(m["cvd_cum"]-1) > 1e-9 {
		t.Errorf("expected cvd_cum 1 after sell window, got %f", m["cvd_cum"])
	}
}

func TestCompute_CVDUnchangedWithoutTrades(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnTrade(100, 3, true, 0)
	Compute(w, r, baseInput())
	w.Reset()

	m := Compute(w, r, baseInput())
	if math.Abs(m["cvd_cum"]-3) > 1e-9 {
		t.Errorf("expected cvd_cum to carry 3 through an empty window, got %f", m["cvd_cum"])
	}
	if m["burst_score"] != 0 {
		t.Errorf("expected burst_score 0 without trades, got %f", m["burst_score"])
	}
}

func TestCompute_BurstScoreFirstWindowIsOne(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnTrade(100, 1, true, 0)
	w.OnTrade(100, 1, true, 50)

	m := Compute(w, r, baseInput())
	if math.Abs(m["burst_score"]-1.0) > 1e-9 {
		t.Errorf("expected first burst_score 1.0, got %f", m["burst_score"])
	}
	if math.Abs(m["trade_rate_hz"]-2/1.5) > 1e-9 {
		t.Errorf("expected trade_rate_hz %f, got %f", 2/1.5, m["trade_rate_hz"])
	}
}

func TestCompute_KyleLambda(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnDepth(100, 2, 102, 2) // micro 101
	w.OnDepth(100, 1, 102, 3) // micro 100.5
	w.OnTrade(100, 4, true, 0)
	w.OnTrade(100, 1, false, 100)

	m := Compute(w, r, baseInput())

	// |100.5 - 101| / |4 - 1|
	want := 0.5 / 3
	if math.Abs(m["kyle_lambda"]-want) > 1e-9 {
		t.Errorf("expected kyle_lambda %f, got %f", want, m["kyle_lambda"])
	}
}

func TestCompute_AmihudFromMidDrift(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnDepth(100, 1, 102, 1) // mid 101
	w.OnDepth(101, 1, 103, 1) // mid 102
	w.OnTrade(100, 2, true, 0)

	m := Compute(w, r, baseInput())

	// |102 - 101| / 200
	if math.Abs(m["amihud_illiq"]-1.0/200) > 1e-12 {
		t.Errorf("expected amihud_illiq %f, got %f", 1.0/200, m["amihud_illiq"])
	}
}

func TestCompute_EntropyUniformVsConcentrated(t *testing.T) {
	uniform := entropy([]float64{1, 1, 1, 1})
	if math.Abs(uniform-math.Log(4)) > 1e-9 {
		t.Errorf("expected uniform entropy ln(4), got %f", uniform)
	}
	concentrated := entropy([]float64{100, 0.01, 0.01, 0.01})
	if concentrated >= uniform {
		t.Errorf("expected concentrated entropy < uniform, got %f >= %f", concentrated, uniform)
	}
	if entropy(nil) != 0 {
		t.Error("expected zero entropy for empty book side")
	}
}

func TestCompute_SlopeOfLinearBook(t *testing.T) {
	// Prices fall linearly in cumulative qty: slope must match exactly.
	prices := []float64{100, 99, 98, 97}
	qtys := []float64{1, 1, 1, 1} // cum = 1,2,3,4
	slope, curvature := slopeCurvature(prices, qtys)
	if math.Abs(slope-(-1)) > 1e-9 {
		t.Errorf("expected slope -1, got %f", slope)
	}
	if math.Abs(curvature) > 1e-9 {
		t.Errorf("expected zero curvature for linear book, got %f", curvature)
	}
}

func TestCompute_SpreadRegimeTransitions(t *testing.T) {
	r := NewRolling()

	// Stable spread keeps the regime at normal.
	var regime int
	for i := 0; i < 50; i++ {
		regime, _ = r.UpdateSpreadRegime(0.0002)
	}
	if regime != 1 {
		t.Errorf("expected regime 1 on stable spread, got %d", regime)
	}

	// Mix in variance, then shock wide: the z-score must flag regime 2.
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			r.UpdateSpreadRegime(0.00021)
		} else {
			r.UpdateSpreadRegime(0.00019)
		}
	}
	regime, z := r.UpdateSpreadRegime(0.01)
	if regime != 2 {
		t.Errorf("expected regime 2 on widened spread (z=%f), got %d", z, regime)
	}
}

func TestCompute_ParkinsonReportsClosedMinute(t *testing.T) {
	r := NewRolling()

	t0 := int64(60_000 * 100)
	r.UpdateParkinson(t0, 110, 90)
	if r.Parkinson() != 0 {
		t.Errorf("expected no parkinson before minute closes, got %f", r.Parkinson())
	}
	r.UpdateParkinson(t0+30_000, 120, 100) // same minute: extends range
	r.UpdateParkinson(t0+61_000, 105, 104) // next minute: closes the first

	lr := math.Log(120.0 / 90.0)
	want := math.Sqrt(lr * lr / (4 * math.Ln2))
	if math.Abs(r.Parkinson()-want) > 1e-12 {
		t.Errorf("expected parkinson %f, got %f", want, r.Parkinson())
	}
}

func TestCompute_BasisDrift(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	in := baseInput()
	in.IndexPx = 100

	m := Compute(w, r, in)
	wantBasis := (100.1 - 100.0) / 100.0 * 10000
	if math.Abs(m["index_basis_bps"]-wantBasis) > 1e-6 {
		t.Errorf("expected basis %f, got %f", wantBasis, m["index_basis_bps"])
	}
	if m["basis_drift_bps"] != 0 {
		t.Errorf("expected zero drift on first window, got %f", m["basis_drift_bps"])
	}

	in.IndexPx = 99.9
	m = Compute(w, r, in)
	if m["basis_drift_bps"] == 0 {
		t.Error("expected non-zero drift once the index moved")
	}
}

func TestCompute_OIAttachment(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	in := baseInput()
	m := Compute(w, r, in)
	if _, ok := m["oi_open_interest"]; ok {
		t.Error("expected no OI key without attachment")
	}

	in.OI = OIAttach{OpenInterest: 1500, Present: true}
	in.MarkPx = 100
	m = Compute(w, r, in)
	if m["oi_open_interest"] != 1500 {
		t.Errorf("expected oi_open_interest 1500, got %f", m["oi_open_interest"])
	}
	// Venue value absent: derived from OI times mark.
	if m["oi_value_usdt"] != 150000 {
		t.Errorf("expected oi_value_usdt 150000, got %f", m["oi_value_usdt"])
	}

	in.OI = OIAttach{OpenInterest: 1500, ValueUSDT: 160000, HasValue: true, Present: true}
	m = Compute(w, r, in)
	if m["oi_value_usdt"] != 160000 {
		t.Errorf("expected venue oi_value_usdt 160000, got %f", m["oi_value_usdt"])
	}
}

func TestCompute_QueueDepletion(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnTrade(100, 3, false, 0) // taker sells consume the bid
	m := Compute(w, r, baseInput())

	// bidQty=5, sell rate = 3/1.5 = 2/s -> 2.5 s to depletion.
	if math.Abs(m["qdt_bid_s"]-2.5) > 1e-9 {
		t.Errorf("expected qdt_bid_s 2.5, got %f", m["qdt_bid_s"])
	}
	if m["qdt_ask_s"] != 0 {
		t.Errorf("expected qdt_ask_s 0 without buys, got %f", m["qdt_ask_s"])
	}
}

func TestDeriveOHLC_TradesPreferred(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnDepth(99, 1, 101, 1)
	w.OnTrade(100, 1, true, 0)
	w.OnTrade(103, 1, true, 10)
	w.OnTrade(101, 1, false, 20)

	o, h, l, c := DeriveOHLC(w, r, 99, 101)
	if o != 100 || h != 103 || l != 100 || c != 101 {
		t.Errorf("expected OHLC 100/103/100/101, got %f/%f/%f/%f", o, h, l, c)
	}
	if r.LastClose() != 101 {
		t.Errorf("expected last close 101, got %f", r.LastClose())
	}
}

func TestDeriveOHLC_MidsFallback(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnDepth(99, 1, 101, 1)  // mid 100
	w.OnDepth(100, 1, 102, 1) // mid 101

	o, h, l, c := DeriveOHLC(w, r, 100, 102)
	if o != 100 || h != 101 || l != 100 {
		t.Errorf("expected O/H/L 100/101/100, got %f/%f/%f", o, h, l)
	}
	// Close comes from the live quote when present.
	if c != 101 {
		t.Errorf("expected close 101 from live mid, got %f", c)
	}
}

func TestDeriveOHLC_LastCloseFallback(t *testing.T) {
	w := NewWindow()
	r := NewRolling()
	r.SetLastClose(250)

	o, h, l, c := DeriveOHLC(w, r, 0, 0)
	if o != 250 || h != 250 || l != 250 || c != 250 {
		t.Errorf("expected flat candle at 250, got %f/%f/%f/%f", o, h, l, c)
	}
}

func TestCompute_LiquidationMetrics(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	m := Compute(w, r, baseInput())
	for _, key := range []string{"liq_count", "avg_liq_size", "max_liq_size", "liq_notional"} {
		if m[key] != 0 {
			t.Errorf("expected %s = 0 with no liquidations, got %f", key, m[key])
		}
	}

	w.OnLiquidation(2, 200, true)
	w.OnLiquidation(5, 500, false)
	w.OnLiquidation(3, 300, true)

	m = Compute(w, r, baseInput())
	if m["liq_count"] != 3 {
		t.Errorf("expected liq_count 3, got %f", m["liq_count"])
	}
	if math.Abs(m["avg_liq_size"]-10.0/3) > 1e-9 {
		t.Errorf("expected avg_liq_size %f, got %f", 10.0/3, m["avg_liq_size"])
	}
	if m["max_liq_size"] != 5 {
		t.Errorf("expected max_liq_size 5, got %f", m["max_liq_size"])
	}
	if m["liq_notional"] != 1000 {
		t.Errorf("expected liq_notional 1000, got %f", m["liq_notional"])
	}
	if m["has_liq"] != 1 {
		t.Errorf("expected has_liq 1, got %f", m["has_liq"])
	}
}

func TestCompute_FlagsRideAlong(t *testing.T) {
	w := NewWindow()
	r := NewRolling()

	w.OnDepth(100, 5, 100.2, 4)
	w.OnTrade(100.1, 1, true, 0)
	w.HasMark = true
	w.Resynced = true

	in := baseInput()
	in.Crossed = true
	m := Compute(w, r, in)

	for key, want := range map[string]float64{
		"has_l1": 1, "has_trades": 1, "has_depth": 1, "has_mark": 1,
		"has_liq": 0, "crossed_book": 1, "resynced_this_window": 1,
	} {
		if m[key] != want {
			t.Errorf("expected %s = %v, got %f", key, want, m[key])
		}
	}
}
