package aggregate

import "math"

// EWMA smoothing factors for the realized-volatility horizons. With one
// sample per 1.5 s window these approximate 1, 5 and 15 minute memories.
const (
	alphaRV1m  = 0.1
	alphaRV5m  = 0.03
	alphaRV15m = 0.01

	alphaTradeRate = 0.1
	alphaRelSpread = 0.1
)

// Rolling holds the per-symbol state that outlives window resets: volatility
// EWMAs, the trade-rate baseline behind the burst score, cumulative volume
// delta, the spread-regime estimator, the minute Parkinson accumulator, the
// previous basis, and the last close used as a quote fallback.
type Rolling struct {
	rvEwma1m  float64
	rvEwma5m  float64
	rvEwma15m float64

	tradeRateEwma float64
	cvdCum        float64

	relSpreadMean float64
	relSpreadVar  float64

	minuteStartMs int64
	minuteHigh    float64
	minuteLow     float64
	parkinsonLast float64

	prevBasisBps float64
	hasPrevBasis bool

	lastClose float64
}

// NewRolling returns a zeroed rolling state.
func NewRolling() *Rolling {
	return &Rolling{}
}

// UpdateRV folds one window's realized volatility into the three horizon
// EWMAs and returns their new values.
func (r *Rolling) UpdateRV(rv float64) (ewma1m, ewma5m, ewma15m float64) {
	r.rvEwma1m = (1-alphaRV1m)*r.rvEwma1m + alphaRV1m*rv
	r.rvEwma5m = (1-alphaRV5m)*r.rvEwma5m + alphaRV5m*rv
	r.rvEwma15m = (1-alphaRV15m)*r.rvEwma15m + alphaRV15m*rv
	return r.rvEwma1m, r.rvEwma5m, r.rvEwma15m
}

// UpdateBurst folds the window trade rate into the rate baseline and returns
// the burst score (rate over baseline). The baseline seeds itself with the
// first non-zero observation, so the first burst score is 1.
func (r *Rolling) UpdateBurst(rateHz float64) float64 {
	if r.tradeRateEwma == 0 {
		r.tradeRateEwma = rateHz
	} else {
		r.tradeRateEwma = (1-alphaTradeRate)*r.tradeRateEwma + alphaTradeRate*rateHz
	}
	if r.tradeRateEwma <= 0 {
		return 1.0
	}
	return rateHz / r.tradeRateEwma
}

// AddCVD accumulates the window's signed taker volume and returns the new
// cumulative value.
func (r *Rolling) AddCVD(signedVol float64) float64 {
	r.cvdCum += signedVol
	return r.cvdCum
}

// CVD returns the cumulative volume delta without updating it.
func (r *Rolling) CVD() float64 { return r.cvdCum }

// UpdateSpreadRegime folds one relative-spread observation into the EWMA
// mean/variance estimator and classifies the regime from the z-score:
// 0 tight (z < -1), 2 wide (z > 1), 1 otherwise.
func (r *Rolling) UpdateSpreadRegime(relSpread float64) (regime int, z float64) {
	if r.relSpreadMean == 0 && r.relSpreadVar == 0 {
		r.relSpreadMean = relSpread
	} else {
		diff := relSpread - r.relSpreadMean
		r.relSpreadMean += alphaRelSpread * diff
		r.relSpreadVar = (1 - alphaRelSpread) * (r.relSpreadVar + alphaRelSpread*diff*diff)
	}
	if r.relSpreadVar > 1e-12 {
		z = (relSpread - r.relSpreadMean) / math.Sqrt(r.relSpreadVar)
	}
	switch {
	case z > 1.0:
		return 2, z
	case z < -1.0:
		return 0, z
	default:
		return 1, z
	}
}

// UpdateParkinson accumulates the window high/low into the current minute
// bucket. When the minute rolls over it computes the Parkinson volatility of
// the closed minute, sqrt((ln(H/L))^2 / (4 ln 2)), and keeps it as the value
// reported until the next minute closes.
func (r *Rolling) UpdateParkinson(nowMs int64, high, low float64) {
	bucket := nowMs - nowMs%60000
	if low <= 0 {
		low = high
	}
	if r.minuteStartMs == 0 {
		r.minuteStartMs = bucket
		r.minuteHigh = high
		r.minuteLow = low
		return
	}
	if bucket != r.minuteStartMs {
		if r.minuteLow > 0 && r.minuteHigh > r.minuteLow {
			lr := math.Log(r.minuteHigh / r.minuteLow)
			r.parkinsonLast = math.Sqrt(lr * lr / (4 * math.Ln2))
		}
		r.minuteStartMs = bucket
		r.minuteHigh = high
		r.minuteLow = low
		return
	}
	if high > r.minuteHigh {
		r.minuteHigh = high
	}
	if low > 0 && (r.minuteLow <= 0 || low < r.minuteLow) {
		r.minuteLow = low
	}
}

// Parkinson returns the volatility of the last closed minute, zero until one
// has closed.
func (r *Rolling) Parkinson() float64 { return r.parkinsonLast }

// UpdateBasis returns the drift against the previous window's basis and
// stores the new value. The first observation has zero drift.
func (r *Rolling) UpdateBasis(basisBps float64) (driftBps float64) {
	if r.hasPrevBasis {
		driftBps = basisBps - r.prevBasisBps
	}
	r.prevBasisBps = basisBps
	r.hasPrevBasis = true
	return driftBps
}

// SetLastClose records the most recent derived close price.
func (r *Rolling) SetLastClose(px float64) {
	if px > 0 {
		r.lastClose = px
	}
}

// LastClose returns the most recent derived close, zero before the first.
func (r *Rolling) LastClose() float64 { return r.lastClose }
