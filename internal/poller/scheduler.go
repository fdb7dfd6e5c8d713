// Package poller runs the REST polls that cannot ride the WebSocket:
// open interest and the top-trader long/short position ratio. Results land
// in latest-value caches keyed by symbol; shards read them at window flush
// and decide freshness themselves, so nothing here is ever evicted.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
	"marketfeed/internal/market"
	"marketfeed/internal/metrics"
)

const (
	// ratioPeriod is the venue interval for topLongShortPositionRatio.
	ratioPeriod = "5m"
	// ratioMinuteBuckets spreads the universe over the 5-minute period,
	// one bucket per minute.
	ratioMinuteBuckets = 5
)

// restSource is the slice of the REST client the scheduler needs.
type restSource interface {
	OpenInterest(ctx context.Context, symbol string) (*exchange.RESTOpenInterest, error)
	TopLongShortPositionRatio(ctx context.Context, symbol, period string, limit int) ([]exchange.RESTLongShortRatio, error)
}

// Scheduler polls open interest round-robin (targeting one visit per symbol
// per OIPeriodSec) and the long/short ratio in minute buckets under a shared
// 190/min token budget. It implements the attachment lookups the shards call
// at flush time.
type Scheduler struct {
	cfg     config.PollerConfig
	rest    restSource
	symbols []string
	logger  *slog.Logger
	now     func() time.Time

	oiSem    chan struct{}
	ratioSem chan struct{}
	budget   *exchange.TokenBucket

	oiIdx    int // round-robin cursor, owned by the OI loop
	ratioIdx int // bucket cursor, owned by the ratio loop

	mu    sync.RWMutex
	oi    map[string]market.OISample
	ratio map[string]market.RatioSample

	oiPolls      atomic.Int64
	oiErrors     atomic.Int64
	ratioPolls   atomic.Int64
	ratioErrors  atomic.Int64
	ratioSkipped atomic.Int64
}

// New builds a scheduler over a fixed symbol universe. The universe does not
// change at runtime; restarts pick up newly listed contracts.
func New(symbols []string, cfg config.PollerConfig, rest restSource, logger *slog.Logger) *Scheduler {
	if cfg.OIPeriodSec <= 0 {
		cfg.OIPeriodSec = 30
	}
	if cfg.OIParallelism <= 0 {
		cfg.OIParallelism = 50
	}
	if cfg.LSParallelism <= 0 {
		cfg.LSParallelism = 32
	}

	return &Scheduler{
		cfg:      cfg,
		rest:     rest,
		symbols:  symbols,
		logger:   logger.With("component", "poller"),
		now:      time.Now,
		oiSem:    make(chan struct{}, cfg.OIParallelism),
		ratioSem: make(chan struct{}, cfg.LSParallelism),
		budget:   exchange.NewRatioBucket(cfg.LSRequestsPerMin),
		oi:       make(map[string]market.OISample),
		ratio:    make(map[string]market.RatioSample),
	}
}

// Run drives both poll loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("poller started",
		"symbols", len(s.symbols),
		"oi_per_sec", s.oiPerSecond(),
		"ratio_budget_per_min", s.cfg.LSRequestsPerMin,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runOpenInterest(ctx) })
	g.Go(func() error { return s.runRatio(ctx) })
	return g.Wait()
}

// OpenInterest returns the latest open-interest sample for a symbol.
func (s *Scheduler) OpenInterest(symbol string) (market.OISample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.oi[symbol]
	return sample, ok
}

// LongShortRatio returns the latest top-position ratio sample for a symbol.
func (s *Scheduler) LongShortRatio(symbol string) (market.RatioSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.ratio[symbol]
	return sample, ok
}

// runOpenInterest visits every symbol once per OIPeriodSec: each second it
// takes the next ceil(N/period) symbols off the round-robin and fetches them
// in parallel, then waits for the batch so a slow venue self-throttles the
// cadence instead of stacking goroutines.
func (s *Scheduler) runOpenInterest(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.pollOpenInterestBatch(ctx, s.nextOpenInterestBatch())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollOpenInterestBatch(ctx, s.nextOpenInterestBatch())
		}
	}
}

// oiPerSecond is the per-tick batch size: ceil(N / period).
func (s *Scheduler) oiPerSecond() int {
	return (len(s.symbols) + s.cfg.OIPeriodSec - 1) / s.cfg.OIPeriodSec
}

// nextOpenInterestBatch advances the round-robin cursor. Only the OI loop
// calls this.
func (s *Scheduler) nextOpenInterestBatch() []string {
	n := len(s.symbols)
	perSec := s.oiPerSecond()
	batch := make([]string, 0, perSec)
	for i := 0; i < perSec; i++ {
		batch = append(batch, s.symbols[s.oiIdx%n])
		s.oiIdx++
	}
	return batch
}

func (s *Scheduler) pollOpenInterestBatch(ctx context.Context, batch []string) {
	var wg sync.WaitGroup
	for _, sym := range batch {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case s.oiSem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.oiSem }()
			s.fetchOpenInterest(ctx, sym)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) fetchOpenInterest(ctx context.Context, symbol string) {
	resp, err := s.rest.OpenInterest(ctx, symbol)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, exchange.ErrRateLimited):
		// Skip this tick; the round-robin comes back to the symbol anyway.
		s.oiErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("open_interest", "rate_limited").Inc()
		s.logger.Debug("open interest rate limited", "symbol", symbol)
		return
	case err != nil:
		s.oiErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("open_interest", "error").Inc()
		s.logger.Debug("open interest fetch failed", "symbol", symbol, "error", err)
		return
	}

	oi, err := strconv.ParseFloat(resp.OpenInterest, 64)
	if err != nil {
		s.oiErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("open_interest", "error").Inc()
		s.logger.Debug("open interest unparseable", "symbol", symbol, "value", resp.OpenInterest)
		return
	}

	s.oiPolls.Add(1)
	metrics.RESTPolls.WithLabelValues("open_interest", "ok").Inc()

	// The endpoint carries no notional value; the metric computation derives
	// it from the mark price at attach time.
	s.mu.Lock()
	s.oi[symbol] = market.OISample{
		TsMs:         s.now().UnixMilli(),
		OpenInterest: oi,
	}
	s.mu.Unlock()
}

// runRatio walks one minute bucket per minute, so every symbol is visited
// once per 5-minute venue period.
func (s *Scheduler) runRatio(ctx context.Context) error {
	buckets := partitionRoundRobin(s.symbols, ratioMinuteBuckets)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.pollRatioBucket(ctx, s.nextRatioBucket(buckets))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollRatioBucket(ctx, s.nextRatioBucket(buckets))
		}
	}
}

func (s *Scheduler) nextRatioBucket(buckets [][]string) []string {
	bucket := buckets[s.ratioIdx%len(buckets)]
	s.ratioIdx++
	return bucket
}

func (s *Scheduler) pollRatioBucket(ctx context.Context, bucket []string) {
	var wg sync.WaitGroup
	for _, sym := range bucket {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.budget.TryTake() {
				// Minute budget exhausted; drop rather than queue. The next
				// 5-minute pass covers the symbol again.
				s.ratioSkipped.Add(1)
				metrics.RESTPolls.WithLabelValues("long_short_ratio", "skipped").Inc()
				return
			}
			select {
			case s.ratioSem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.ratioSem }()
			s.fetchRatio(ctx, sym)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) fetchRatio(ctx context.Context, symbol string) {
	points, err := s.rest.TopLongShortPositionRatio(ctx, symbol, ratioPeriod, 1)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, exchange.ErrRateLimited):
		s.ratioErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("long_short_ratio", "rate_limited").Inc()
		s.logger.Debug("long/short ratio rate limited", "symbol", symbol)
		return
	case err != nil:
		s.ratioErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("long_short_ratio", "error").Inc()
		s.logger.Debug("long/short ratio fetch failed", "symbol", symbol, "error", err)
		return
	}
	if len(points) == 0 {
		return
	}

	latest := points[len(points)-1]
	ratio, err := strconv.ParseFloat(latest.LongShortRatio, 64)
	if err != nil {
		s.ratioErrors.Add(1)
		metrics.RESTPolls.WithLabelValues("long_short_ratio", "error").Inc()
		s.logger.Debug("long/short ratio unparseable", "symbol", symbol, "value", latest.LongShortRatio)
		return
	}

	s.ratioPolls.Add(1)
	metrics.RESTPolls.WithLabelValues("long_short_ratio", "ok").Inc()

	s.mu.Lock()
	s.ratio[symbol] = market.RatioSample{
		PeriodEndMs:      latest.TimestampMs,
		TopPositionRatio: ratio,
	}
	s.mu.Unlock()
}

// partitionRoundRobin deals symbols into n buckets so bucket sizes differ by
// at most one.
func partitionRoundRobin(symbols []string, n int) [][]string {
	buckets := make([][]string, n)
	for i, sym := range symbols {
		buckets[i%n] = append(buckets[i%n], sym)
	}
	return buckets
}

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	OIPolls      int64 `json:"oi_polls"`
	OIErrors     int64 `json:"oi_errors"`
	OICached     int   `json:"oi_cached"`
	RatioPolls   int64 `json:"ratio_polls"`
	RatioErrors  int64 `json:"ratio_errors"`
	RatioSkipped int64 `json:"ratio_skipped"`
	RatioCached  int   `json:"ratio_cached"`
}

// Stats reports poll counters and cache sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	oiCached, ratioCached := len(s.oi), len(s.ratio)
	s.mu.RUnlock()

	return Stats{
		OIPolls:      s.oiPolls.Load(),
		OIErrors:     s.oiErrors.Load(),
		OICached:     oiCached,
		RatioPolls:   s.ratioPolls.Load(),
		RatioErrors:  s.ratioErrors.Load(),
		RatioSkipped: s.ratioSkipped.Load(),
		RatioCached:  ratioCached,
	}
}
