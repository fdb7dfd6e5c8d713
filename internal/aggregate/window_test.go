package aggregate

import (
	"math"
	"testing"
)

func TestWindow_OFIAccumulation(t *testing.T) {
	w := NewWindow()

	// The first observation only establishes the baseline.
	w.OnDepth(100, 5, 101, 5)
	// dBid = +3, dAsk = -2 -> OFI += 5.
	w.OnDepth(100, 8, 101, 3)
	// dBid = -1, dAsk = +4 -> OFI -= 5.
	w.OnDepth(100, 7, 101, 7)

	if got := w.ofiSum; got != 0 {
		t.Errorf("expected ofi_sum 0, got %f", got)
	}
	if w.DepthUpdates() != 3 {
		t.Errorf("expected 3 depth updates, got %d", w.DepthUpdates())
	}
}

func TestWindow_OFISpansReset(t *testing.T) {
	w := NewWindow()

	w.OnDepth(100, 5, 101, 5)
	w.Reset()
	// The previous L1 survives the reset: dBid = +2 against it.
	w.OnDepth(100, 7, 101, 5)

	if got := w.ofiSum; got != 2 {
		t.Errorf("expected ofi_sum 2 across reset, got %f", got)
	}
}

func TestWindow_SampleOFIIndependent(t *testing.T) {
	w := NewWindow()

	w.OnDepth(100, 5, 101, 5)
	w.OnDepth(100, 9, 101, 5) // +4 on both accumulators

	s := w.TakeSample()
	if s.OFI != 4 {
		t.Errorf("expected sample OFI 4, got %f", s.OFI)
	}
	// Draining the sampler must not touch the window accumulator.
	if w.ofiSum != 4 {
		t.Errorf("expected window ofi_sum still 4, got %f", w.ofiSum)
	}

	w.OnDepth(100, 10, 101, 5) // +1
	s = w.TakeSample()
	if s.OFI != 1 {
		t.Errorf("expected sample OFI 1 after drain, got %f", s.OFI)
	}
	if w.ofiSum != 5 {
		t.Errorf("expected window ofi_sum 5, got %f", w.ofiSum)
	}
}

func TestWindow_MicropriceEndpoints(t *testing.T) {
	w := NewWindow()

	w.OnDepth(100, 2, 102, 2) // micro = (2*100+2*102)/4 = 101
	w.OnDepth(100, 1, 102, 3) // micro = (3*100+1*102)/4 = 100.5

	if math.Abs(w.micropriceFirst-101) > 1e-9 {
		t.Errorf("expected microprice_first 101, got %f", w.micropriceFirst)
	}
	if math.Abs(w.micropriceLast-100.5) > 1e-9 {
		t.Errorf("expected microprice_last 100.5, got %f", w.micropriceLast)
	}
}

func TestWindow_JumpAndReplenishCounters(t *testing.T) {
	w := NewWindow()

	w.OnDepth(100, 5, 101, 5)
	w.OnDepth(100.5, 5, 101, 5) // bid price moved -> jump
	w.OnDepth(100.5, 8, 101, 5) // bid qty uptick at same price -> replenish
	w.OnDepth(100.5, 8, 101.5, 5)

	if w.l1Jumps != 2 {
		t.Errorf("expected 2 jumps, got %d", w.l1Jumps)
	}
	if w.replenishEvents != 1 {
		t.Errorf("expected 1 replenish event, got %d", w.replenishEvents)
	}
}

func TestWindow_TradeSideTotals(t *testing.T) {
	w := NewWindow()

	w.OnTrade(100, 2, true, 1000)
	w.OnTrade(101, 1, false, 1100)
	w.OnTrade(99, 3, false, 1200)

	if w.buyVol != 2 || w.sellVol != 4 {
		t.Errorf("expected buy/sell vol 2/4, got %f/%f", w.buyVol, w.sellVol)
	}
	wantBuyQuote := 200.0
	wantSellQuote := 101.0 + 3*99
	if math.Abs(w.buyQuote-wantBuyQuote) > 1e-9 || math.Abs(w.sellQuote-wantSellQuote) > 1e-9 {
		t.Errorf("expected quote 200/%f, got %f/%f", wantSellQuote, w.buyQuote, w.sellQuote)
	}
	if !w.HasTrades {
		t.Error("expected HasTrades after trades")
	}
}

func TestWindow_ResetClearsWindowScopedState(t *testing.T) {
	w := NewWindow()

	w.OnDepth(100, 5, 101, 5)
	w.OnDepth(100, 6, 101, 5)
	w.OnTrade(100.5, 1, true, 1000)
	w.OnLiquidation(2, 200, false)
	w.Resynced = true
	w.HasMark = true

	w.Reset()

	if len(w.mids) != 0 || len(w.trades) != 0 || len(w.liqs) != 0 {
		t.Error("expected buffers cleared after reset")
	}
	if w.ofiSum != 0 || w.l1Jumps != 0 || w.replenishEvents != 0 {
		t.Error("expected counters cleared after reset")
	}
	if w.HasDepth || w.HasTrades || w.HasMark || w.HasLiq || w.Resynced {
		t.Error("expected flags cleared after reset")
	}
	if !w.hasPrevL1 {
		t.Error("expected previous L1 to survive reset")
	}
}
