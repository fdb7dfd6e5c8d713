// Package market provides per-symbol market state: the local order book
// reconstructed from depth diffs, the window/rolling aggregation state, and
// the process-wide caches fed by the global streams.
//
// Book mirrors the venue order book for a single instrument. It is updated
// from two sources:
//   - REST depth snapshots via ApplySnapshot (bootstrap and gap healing)
//   - WebSocket depth diffs via ApplyDiff (steady state)
//
// The Book is concurrency-safe (mutex protected). The REST fetch itself
// happens outside the book; the inflight/cooldown gate keeps at most one
// resync in flight per symbol.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/pkg/types"
)

// KMinLevels is the per-side level count required before a book built from
// diffs alone is considered initialized.
const KMinLevels = 20

type bookLevel struct {
	px  decimal.Decimal
	qty decimal.Decimal
}

// Book maintains a local mirror of the order book for one instrument.
// Levels are keyed by the canonical decimal string of the price so that
// "2000.10" and "2000.1" address the same level.
type Book struct {
	mu     sync.RWMutex
	symbol string

	bids map[string]bookLevel
	asks map[string]bookLevel

	lastUpdateID  uint64
	initialized   bool
	windowUpdates int

	restInflight     bool
	lastRestSnapshot time.Time
}

// NewBook creates an empty book for one instrument.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[string]bookLevel),
		asks:   make(map[string]bookLevel),
	}
}

// ApplyDiff applies one incremental update. It reports whether a sequence
// gap was detected, in which case the book has been cleared and the diff
// applied as the first chunk of a fresh bootstrap; the caller should
// schedule a cooldown-gated REST resync.
//
// Policy: gap iff initialized and U > lastUpdateID+1. Duplicate iff
// initialized and u <= lastUpdateID (ignored, reapplying is a no-op).
func (b *Book) ApplyDiff(diff *types.DepthDiff) (gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A prior diff may have emptied one side; the flag catches up here so
	// the bootstrap threshold applies again.
	if b.initialized && (len(b.bids) == 0 || len(b.asks) == 0) {
		b.initialized = false
	}

	if b.initialized {
		if diff.PrevSequence > b.lastUpdateID+1 {
			gap = true
			b.bids = make(map[string]bookLevel)
			b.asks = make(map[string]bookLevel)
			b.initialized = false
			b.lastUpdateID = 0
			// fall through: this diff seeds the new bootstrap
		} else if diff.Sequence <= b.lastUpdateID {
			return false
		}
	}

	applyLevels(b.bids, diff.Bids)
	applyLevels(b.asks, diff.Asks)

	b.lastUpdateID = diff.Sequence
	b.windowUpdates++

	if !b.initialized && len(b.bids) >= KMinLevels && len(b.asks) >= KMinLevels {
		b.initialized = true
	}
	return gap
}

func applyLevels(side map[string]bookLevel, changes map[string]decimal.Decimal) {
	for pxStr, qty := range changes {
		px, err := decimal.NewFromString(pxStr)
		if err != nil {
			continue // malformed level; counted upstream at decode
		}
		key := px.String()
		if qty.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = bookLevel{px: px, qty: qty}
	}
}

// ApplySnapshot atomically replaces both sides from a REST depth response
// and marks the book initialized when both sides are populated.
func (b *Book) ApplySnapshot(lastUpdateID uint64, bids, asks map[string]decimal.Decimal) {
	newBids := make(map[string]bookLevel, len(bids))
	newAsks := make(map[string]bookLevel, len(asks))
	applyLevels(newBids, bids)
	applyLevels(newAsks, asks)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = newBids
	b.asks = newAsks
	b.lastUpdateID = lastUpdateID
	b.initialized = len(newBids) > 0 && len(newAsks) > 0
	b.lastRestSnapshot = time.Now()
	b.restInflight = false
}

// TrySnapshotGate reserves the right to run one REST resync. It returns
// false while another resync is in flight or within the cooldown since the
// last successful snapshot.
func (b *Book) TrySnapshotGate(cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.restInflight {
		return false
	}
	if !b.lastRestSnapshot.IsZero() && time.Since(b.lastRestSnapshot) < cooldown {
		return false
	}
	b.restInflight = true
	return true
}

// SnapshotFailed releases the gate after a failed resync without touching
// the cooldown clock; diffs keep applying and may re-initialize naturally.
func (b *Book) SnapshotFailed() {
	b.mu.Lock()
	b.restInflight = false
	b.mu.Unlock()
}

// Top returns the top-n bids (price descending) and asks (price ascending)
// as parallel price/qty slices. Empty until the book is initialized.
func (b *Book) Top(n int) (bidPx, bidQty, askPx, askQty []decimal.Decimal) {
	b.mu.RLock()
	if !b.initialized {
		b.mu.RUnlock()
		return nil, nil, nil, nil
	}
	bids := make([]bookLevel, 0, len(b.bids))
	for _, lvl := range b.bids {
		bids = append(bids, lvl)
	}
	asks := make([]bookLevel, 0, len(b.asks))
	for _, lvl := range b.asks {
		asks = append(asks, lvl)
	}
	b.mu.RUnlock()

	sort.Slice(bids, func(i, j int) bool { return bids[i].px.GreaterThan(bids[j].px) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].px.LessThan(asks[j].px) })

	if len(bids) > n {
		bids = bids[:n]
	}
	if len(asks) > n {
		asks = asks[:n]
	}

	bidPx = make([]decimal.Decimal, len(bids))
	bidQty = make([]decimal.Decimal, len(bids))
	for i, lvl := range bids {
		bidPx[i] = lvl.px
		bidQty[i] = lvl.qty
	}
	askPx = make([]decimal.Decimal, len(asks))
	askQty = make([]decimal.Decimal, len(asks))
	for i, lvl := range asks {
		askPx[i] = lvl.px
		askQty[i] = lvl.qty
	}
	return bidPx, bidQty, askPx, askQty
}

// L1 returns the best bid/ask price and quantity. ok is false while the
// book is uninitialized or empty on either side.
func (b *Book) L1() (bidPx, bidQty, askPx, askQty decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized || len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, decimal.Decimal{}, decimal.Decimal{}, false
	}

	first := true
	var best bookLevel
	for _, lvl := range b.bids {
		if first || lvl.px.GreaterThan(best.px) {
			best = lvl
			first = false
		}
	}
	bidPx, bidQty = best.px, best.qty

	first = true
	for _, lvl := range b.asks {
		if first || lvl.px.LessThan(best.px) {
			best = lvl
			first = false
		}
	}
	askPx, askQty = best.px, best.qty
	return bidPx, bidQty, askPx, askQty, true
}

// IsCrossed reports whether the initialized book has maxBid >= minAsk.
func (b *Book) IsCrossed() bool {
	bidPx, _, askPx, _, ok := b.L1()
	if !ok {
		return false
	}
	return bidPx.GreaterThanOrEqual(askPx)
}

// Initialized reports whether the book currently satisfies the bootstrap
// threshold (REST snapshot applied, or K_min levels per side from diffs).
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// LastUpdateID returns the venue update id of the last accepted diff or snapshot.
func (b *Book) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// Depths returns the current per-side level counts.
func (b *Book) Depths() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// TakeWindowUpdates returns the diff count applied since the last call and
// resets the counter. Called once per window flush.
func (b *Book) TakeWindowUpdates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.windowUpdates
	b.windowUpdates = 0
	return n
}
