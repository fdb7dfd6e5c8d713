// global.go implements the venue-wide streams shared by every shard:
//
//   - !markPrice@arr — mark/index price and funding for all symbols
//   - !forceOrder@arr — liquidation orders as they happen
//   - !bookTicker — best bid/ask for all symbols (L1 fallback cache)
//
// Each stream runs on its own connection with the same reconnect discipline
// as the shard feed. Decoded events are handed to a GlobalHandler; the
// orchestrator implements it to update the shared caches and publish records.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// GlobalHandler receives decoded events from the global streams. Methods are
// called from the stream's own goroutine; implementations synchronize.
type GlobalHandler interface {
	OnMarkPrices(events []WSMarkPrice, recvNs int64)
	OnForceOrder(evt *WSForceOrder, recvNs int64)
	OnBookTicker(evt *WSBookTicker, recvNs int64)
}

// GlobalFeed owns the three all-symbol connections.
type GlobalFeed struct {
	wsBase         string
	connectTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	handler        GlobalHandler
	logger         *slog.Logger
}

// NewGlobalFeed creates the global stream set. Connections are established
// by Run.
func NewGlobalFeed(wsBaseURL string, connectTimeout, backoffBase, backoffMax time.Duration, handler GlobalHandler, logger *slog.Logger) *GlobalFeed {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = 3 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = maxReconnectWait
	}
	return &GlobalFeed{
		wsBase:         wsBaseURL,
		connectTimeout: connectTimeout,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		handler:        handler,
		logger:         logger.With("component", "global_ws"),
	}
}

// Run starts all three streams and blocks until ctx is cancelled.
func (g *GlobalFeed) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.runStream(ctx, "!markPrice@arr", g.dispatchMarkPrices) })
	eg.Go(func() error { return g.runStream(ctx, "!forceOrder@arr", g.dispatchForceOrder) })
	eg.Go(func() error { return g.runStream(ctx, "!bookTicker", g.dispatchBookTicker) })

	return eg.Wait()
}

// runStream is the per-endpoint reconnect loop. dispatch is called for every
// raw payload with the local receive timestamp.
func (g *GlobalFeed) runStream(ctx context.Context, stream string, dispatch func([]byte, int64)) error {
	url := g.wsBase + "/ws/" + stream
	logger := g.logger.With("stream", stream)
	backoff := g.backoffBase

	for {
		start := time.Now()
		err := g.readStream(ctx, url, logger, dispatch)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) > time.Minute {
			backoff = g.backoffBase
		}

		logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > g.backoffMax {
			backoff = g.backoffMax
		}
	}
}

func (g *GlobalFeed) readStream(ctx context.Context, url string, logger *slog.Logger, dispatch func([]byte, int64)) error {
	dialCtx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Close the socket on cancel so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logger.Info("stream connected")

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		dispatch(msg, time.Now().UnixNano())
	}
}

func (g *GlobalFeed) dispatchMarkPrices(data []byte, recvNs int64) {
	var events []WSMarkPrice
	if err := json.Unmarshal(data, &events); err != nil {
		g.logger.Debug("unmarshal markPrice array", "error", err)
		return
	}
	if len(events) > 0 {
		g.handler.OnMarkPrices(events, recvNs)
	}
}

func (g *GlobalFeed) dispatchForceOrder(data []byte, recvNs int64) {
	var evt WSForceOrder
	if err := json.Unmarshal(data, &evt); err != nil {
		g.logger.Debug("unmarshal forceOrder", "error", err)
		return
	}
	if evt.Order.Symbol == "" {
		return
	}
	g.handler.OnForceOrder(&evt, recvNs)
}

func (g *GlobalFeed) dispatchBookTicker(data []byte, recvNs int64) {
	var evt WSBookTicker
	if err := json.Unmarshal(data, &evt); err != nil {
		g.logger.Debug("unmarshal bookTicker", "error", err)
		return
	}
	if evt.Symbol == "" {
		return
	}
	g.handler.OnBookTicker(&evt, recvNs)
}
