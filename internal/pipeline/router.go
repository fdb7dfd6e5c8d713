// Package pipeline fans records out from producers (shards, global streams,
// pollers) to the writers bound to each channel.
//
// The router is the only crossing point between producer goroutines and the
// sinks, so its contract is deliberately small: Bind before start, Publish
// from anywhere. Enqueueing into a writer never blocks the producer; a
// writer that cannot keep up drops the record and the drop is counted
// against the channel. The router also tracks the last-seen timestamp pair
// per (channel, instrument), which the health monitor reads to decide
// whether a channel has gone quiet.
package pipeline

import (
	"log/slog"
	"sync"

	"marketfeed/internal/metrics"
	"marketfeed/pkg/types"
)

// Writer is the sink side of the router. Enqueue must not block: it returns
// false when the record was shed instead of queued.
type Writer interface {
	Name() string
	Enqueue(rec *types.Record) bool
}

// LastSeen is the freshness pair kept per (channel, instrument).
type LastSeen struct {
	TsEventNs int64
	TsRecvNs  int64
}

type seenKey struct {
	channel    types.Channel
	instrument string
}

// Router dispatches records to bound writers by channel.
type Router struct {
	mu       sync.RWMutex // guards bindings; written only during setup
	bindings map[types.Channel][]Writer

	statsMu   sync.Mutex
	published map[types.Channel]int64
	dropped   map[types.Channel]int64
	lastSeen  map[seenKey]LastSeen

	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		bindings:  make(map[types.Channel][]Writer),
		published: make(map[types.Channel]int64),
		dropped:   make(map[types.Channel]int64),
		lastSeen:  make(map[seenKey]LastSeen),
		logger:    logger.With("component", "router"),
	}
}

// Bind registers a writer for a channel. Writers receive records in
// publication order per (channel, instrument).
func (r *Router) Bind(channel types.Channel, w Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[channel] = append(r.bindings[channel], w)
	r.logger.Info("writer bound", "channel", channel, "writer", w.Name())
}

// Publish fans the record out to every writer bound to its channel and
// updates the last-seen map. Safe for concurrent use.
func (r *Router) Publish(rec *types.Record) {
	r.mu.RLock()
	writers := r.bindings[rec.Channel]
	r.mu.RUnlock()

	var drops int64
	for _, w := range writers {
		if !w.Enqueue(rec) {
			drops++
		}
	}

	metrics.RecordsPublished.WithLabelValues(rec.Channel.String()).Inc()
	if drops > 0 {
		metrics.RecordsDropped.WithLabelValues(rec.Channel.String()).Add(float64(drops))
	}

	r.statsMu.Lock()
	r.published[rec.Channel]++
	if drops > 0 {
		r.dropped[rec.Channel] += drops
	}
	r.lastSeen[seenKey{rec.Channel, rec.Instrument}] = LastSeen{
		TsEventNs: rec.TsEventNs,
		TsRecvNs:  rec.TsRecvNs,
	}
	r.statsMu.Unlock()
}

// Seen returns the last-seen pair for one (channel, instrument).
func (r *Router) Seen(channel types.Channel, instrument string) (LastSeen, bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	seen, ok := r.lastSeen[seenKey{channel, instrument}]
	return seen, ok
}

// FreshCount counts instruments on the channel whose receive timestamp is
// at or after sinceNs. The health monitor compares this against the
// expected universe size.
func (r *Router) FreshCount(channel types.Channel, sinceNs int64) int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	n := 0
	for key, seen := range r.lastSeen {
		if key.channel == channel && seen.TsRecvNs >= sinceNs {
			n++
		}
	}
	return n
}

// Stats is a point-in-time snapshot of router counters.
type Stats struct {
	Published map[string]int64 `json:"published"`
	Dropped   map[string]int64 `json:"dropped"`
}

// Snapshot copies the per-channel counters.
func (r *Router) Snapshot() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := Stats{
		Published: make(map[string]int64, len(r.published)),
		Dropped:   make(map[string]int64, len(r.dropped)),
	}
	for ch, n := range r.published {
		out.Published[ch.String()] = n
	}
	for ch, n := range r.dropped {
		out.Dropped[ch.String()] = n
	}
	return out
}
