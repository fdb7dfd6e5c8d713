package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"marketfeed/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.ExchangeConfig{
		RESTBaseURL:    srv.URL,
		RequestTimeout: 2 * time.Second,
		RequestsPerSec: 1000,
	}
	return NewClient(cfg, logger)
}

func TestDepthParsesSnapshot(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/depth" {
			t.Errorf("path = %q, want /fapi/v1/depth", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		if got := r.URL.Query().Get("limit"); got != "200" {
			t.Errorf("limit = %q, want 200", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastUpdateId":12345,"E":1700000000000,"T":1699999999999,` +
			`"bids":[["100.50","2.0"],["100.40","1.5"]],"asks":[["100.60","3.0"]]}`))
	}))

	snap, err := c.Depth(context.Background(), "BTCUSDT", 200)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if snap.LastUpdateID != 12345 {
		t.Errorf("LastUpdateID = %d, want 12345", snap.LastUpdateID)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Errorf("levels = %d/%d, want 2/1", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0][0] != "100.50" {
		t.Errorf("best bid px = %q, want 100.50", snap.Bids[0][0])
	}
}

func TestExchangeInfoParsesSymbols(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("path = %q, want /fapi/v1/exchangeInfo", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbols":[` +
			`{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","quoteAsset":"USDT","baseAsset":"BTC"},` +
			`{"symbol":"ETHUSDT","status":"SETTLING","contractType":"PERPETUAL","quoteAsset":"USDT","baseAsset":"ETH"}]}`))
	}))

	info, err := c.ExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("ExchangeInfo: %v", err)
	}
	if len(info.Symbols) != 2 {
		t.Fatalf("symbols = %d, want 2", len(info.Symbols))
	}
	if info.Symbols[0].Symbol != "BTCUSDT" || info.Symbols[0].Status != "TRADING" {
		t.Errorf("first symbol = %+v", info.Symbols[0])
	}
}

func TestOpenInterestParses(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"ETHUSDT","openInterest":"1234567.89","time":1700000000123}`))
	}))

	oi, err := c.OpenInterest(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("OpenInterest: %v", err)
	}
	if oi.OpenInterest != "1234567.89" {
		t.Errorf("OpenInterest = %q, want 1234567.89", oi.OpenInterest)
	}
	if oi.TimeMs != 1700000000123 {
		t.Errorf("TimeMs = %d, want 1700000000123", oi.TimeMs)
	}
}

func TestTopLongShortPositionRatioParses(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("period"); got != "5m" {
			t.Errorf("period = %q, want 5m", got)
		}
		if got := r.URL.Query().Get("limit"); got != "1" {
			t.Errorf("limit = %q, want 1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"symbol":"BTCUSDT","longShortRatio":"1.85","longAccount":"0.649","shortAccount":"0.351","timestamp":1700000100000}]`))
	}))

	points, err := c.TopLongShortPositionRatio(context.Background(), "BTCUSDT", "5m", 1)
	if err != nil {
		t.Fatalf("TopLongShortPositionRatio: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].LongShortRatio != "1.85" {
		t.Errorf("ratio = %q, want 1.85", points[0].LongShortRatio)
	}
}

func TestRateLimitedMapsToSentinel(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.OpenInterest(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestServerErrorIsNotRateLimited(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.OpenInterest(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("503 should not map to ErrRateLimited")
	}
}
