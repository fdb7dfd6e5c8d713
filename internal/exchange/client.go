// Package exchange implements the venue's public market-data transports:
//
// The REST client (Client) talks to the futures REST API for state the
// streams cannot provide:
//   - Depth:        GET /fapi/v1/depth                       — book snapshot for (re)sync
//   - ExchangeInfo: GET /fapi/v1/exchangeInfo                — listed contracts for discovery
//   - OpenInterest: GET /fapi/v1/openInterest                — per-symbol open interest
//   - TopLongShortPositionRatio:
//     GET /futures/data/topLongShortPositionRatio — top-trader positioning
//
// Every request passes a shared pacing limiter before it leaves the process,
// is retried on transient transport failures and 5xx responses, and maps 429
// (and 418, the venue's ban escalation) to ErrRateLimited so callers shed
// load instead of retrying into an IP ban.
//
// The WebSocket side lives in ws.go (per-shard combined streams) and
// global.go (the all-symbol mark price, liquidation, and book ticker feeds).
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"marketfeed/internal/config"
)

// ErrRateLimited marks a 429/418 response. Pollers treat it as "skip this
// tick"; nothing in the collector retries a rate-limited request.
var ErrRateLimited = errors.New("exchange: rate limited")

// Client is the venue REST API client. It wraps a resty HTTP client with
// pacing, retry on transient failures, and typed responses.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter // smooths all REST calls under the IP weight budget
	logger  *slog.Logger
}

// NewClient creates a REST client with pacing and retry.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 20
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// Never retry 429/418: backing off is the poller's job.
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		logger:  logger.With("component", "rest"),
	}
}

// Depth fetches a book snapshot for one symbol. The book bootstrap asks for
// 200 levels; the venue rounds unsupported limits up to the next tier.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*RESTDepth, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result RESTDepth
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}
	if err := statusErr(resp, "get depth "+symbol); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExchangeInfo fetches the listed-contract catalog.
func (c *Client) ExchangeInfo(ctx context.Context) (*RESTExchangeInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result RESTExchangeInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("get exchangeInfo: %w", err)
	}
	if err := statusErr(resp, "get exchangeInfo"); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenInterest fetches the current open interest for one symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*RESTOpenInterest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result RESTOpenInterest
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/openInterest")
	if err != nil {
		return nil, fmt.Errorf("get openInterest %s: %w", symbol, err)
	}
	if err := statusErr(resp, "get openInterest "+symbol); err != nil {
		return nil, err
	}
	return &result, nil
}

// TopLongShortPositionRatio fetches the most recent top-trader long/short
// position ratio points for one symbol. period follows the venue's interval
// notation ("5m"); limit 1 returns only the latest closed period.
func (c *Client) TopLongShortPositionRatio(ctx context.Context, symbol, period string, limit int) ([]RESTLongShortRatio, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result []RESTLongShortRatio
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"period": period,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/futures/data/topLongShortPositionRatio")
	if err != nil {
		return nil, fmt.Errorf("get topLongShortPositionRatio %s: %w", symbol, err)
	}
	if err := statusErr(resp, "get topLongShortPositionRatio "+symbol); err != nil {
		return nil, err
	}
	return result, nil
}

// statusErr maps non-200 responses to errors, tagging 429/418 with
// ErrRateLimited so callers can errors.Is on it.
func statusErr(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code == 418:
		return fmt.Errorf("%s: status %d: %w", op, code, ErrRateLimited)
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}
