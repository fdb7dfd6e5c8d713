// Package health watches channel liveness across the whole universe.
//
// Each check tick the monitor asks the router how many instruments produced
// a record on a watched channel within that channel's staleness horizon and
// compares the count against the expected universe size. The resulting ratio
// classifies the channel green, yellow or red. Transitions are logged once
// and emitted as events; the first green tick after a degraded stretch is
// the recovery notice. Steady states stay silent, so a flapping feed cannot
// flood the log.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/metrics"
	"marketfeed/pkg/types"
)

// Status is a channel's health classification. The numeric order doubles as
// severity: higher is worse.
type Status int

const (
	Green Status = iota
	Yellow
	Red
)

func (s Status) String() string {
	switch s {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return "unknown"
	}
}

// Watch is one liveness rule: instruments count as fresh on Channel when
// their last record arrived within Horizon.
type Watch struct {
	Channel types.Channel
	Horizon time.Duration
}

// DefaultWatches returns the per-channel staleness budgets operators alert
// on. The aggregate channel emits every grid window even without trades, so
// it doubles as the trades-side liveness probe without false alarms on
// quiet symbols.
func DefaultWatches(klines bool) []Watch {
	w := []Watch{
		{Channel: types.ChannelAggTrades5s, Horizon: 15 * time.Second},
		{Channel: types.ChannelL1, Horizon: 30 * time.Second},
		{Channel: types.ChannelOBTop5, Horizon: 5 * time.Second},
		{Channel: types.ChannelMarkPrice, Horizon: 5 * time.Second},
	}
	if klines {
		w = append(w, Watch{Channel: types.ChannelKlines, Horizon: 2 * time.Minute})
	}
	return w
}

// Event is one state transition on a watched channel.
type Event struct {
	Channel  types.Channel
	From     Status
	To       Status
	Ratio    float64
	Seen     int
	Expected int
	At       time.Time
}

// freshCounter is the slice of the router the monitor reads.
type freshCounter interface {
	FreshCount(channel types.Channel, sinceNs int64) int
}

// Monitor evaluates the watches on a fixed tick and tracks per-channel
// state. The overall status is the worst watched channel.
type Monitor struct {
	cfg      config.HealthConfig
	router   freshCounter
	watches  []Watch
	expected int
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[types.Channel]Status

	eventCh chan Event
}

// New builds a monitor over the expected instrument count.
func New(cfg config.HealthConfig, router freshCounter, watches []Watch, expected int, logger *slog.Logger) *Monitor {
	if cfg.CheckIntervalSec <= 0 {
		cfg.CheckIntervalSec = 30
	}
	if cfg.YellowRatio <= 0 {
		cfg.YellowRatio = 0.7
	}
	if cfg.RedRatio <= 0 {
		cfg.RedRatio = 0.4
	}

	return &Monitor{
		cfg:      cfg,
		router:   router,
		watches:  watches,
		expected: expected,
		logger:   logger.With("component", "health"),
		now:      time.Now,
		states:   make(map[types.Channel]Status, len(watches)),
		eventCh:  make(chan Event, 16),
	}
}

// Run evaluates the watches until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.cfg.CheckIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check()
		}
	}
}

// Events returns the transition stream. The channel never blocks the
// monitor: when full, the oldest pending event is dropped for the newest.
func (m *Monitor) Events() <-chan Event {
	return m.eventCh
}

// Overall returns the worst current status across watched channels.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := Green
	for _, status := range m.states {
		if status > worst {
			worst = status
		}
	}
	return worst
}

// ChannelState is one watched channel's current classification.
type ChannelState struct {
	Status   string  `json:"status"`
	Ratio    float64 `json:"ratio"`
	Seen     int     `json:"seen"`
	Expected int     `json:"expected"`
}

// Snapshot reports the latest per-channel evaluation for the stats endpoint.
func (m *Monitor) Snapshot() map[string]ChannelState {
	nowNs := m.now().UnixNano()
	out := make(map[string]ChannelState, len(m.watches))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watches {
		seen := m.router.FreshCount(w.Channel, nowNs-w.Horizon.Nanoseconds())
		out[string(w.Channel)] = ChannelState{
			Status:   m.states[w.Channel].String(),
			Ratio:    m.ratio(seen),
			Seen:     seen,
			Expected: m.expected,
		}
	}
	return out
}

// check runs one evaluation pass over all watches.
func (m *Monitor) check() {
	nowNs := m.now().UnixNano()
	worst := Green

	for _, w := range m.watches {
		seen := m.router.FreshCount(w.Channel, nowNs-w.Horizon.Nanoseconds())
		ratio := m.ratio(seen)
		next := m.classify(ratio)
		if next > worst {
			worst = next
		}
		m.transition(w.Channel, next, ratio, seen)
	}

	metrics.HealthStatus.Set(float64(worst))
}

func (m *Monitor) ratio(seen int) float64 {
	if m.expected <= 0 {
		return 1
	}
	return float64(seen) / float64(m.expected)
}

func (m *Monitor) classify(ratio float64) Status {
	switch {
	case ratio < m.cfg.RedRatio:
		return Red
	case ratio < m.cfg.YellowRatio:
		return Yellow
	default:
		return Green
	}
}

// transition records a state change, logging and emitting it exactly once.
func (m *Monitor) transition(channel types.Channel, next Status, ratio float64, seen int) {
	m.mu.Lock()
	prev := m.states[channel]
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.states[channel] = next
	m.mu.Unlock()

	fields := []any{
		"channel", string(channel),
		"from", prev.String(),
		"to", next.String(),
		"ratio", ratio,
		"seen", seen,
		"expected", m.expected,
	}
	switch {
	case next == Red:
		m.logger.Error("channel degraded", fields...)
	case next == Yellow:
		m.logger.Warn("channel degraded", fields...)
	default:
		m.logger.Info("channel recovered", fields...)
	}

	evt := Event{
		Channel:  channel,
		From:     prev,
		To:       next,
		Ratio:    ratio,
		Seen:     seen,
		Expected: m.expected,
		At:       m.now(),
	}
	// Drop the oldest pending event when full so the newest always lands.
	select {
	case m.eventCh <- evt:
	default:
		select {
		case <-m.eventCh:
		default:
		}
		m.eventCh <- evt
	}
}
