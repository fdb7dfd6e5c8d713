// ws.go implements the combined-stream WebSocket feed a shard owns.
//
// One connection multiplexes every stream of the shard's symbols
// (trade + depth diffs, optionally klines) at
// /stream?streams=btcusdt@trade/btcusdt@depth@100ms/... and delivers raw
// frames in arrival order. Decoding stops at the combined envelope; payload
// decoding happens in the shard so a malformed frame costs one message, not
// the connection.
//
// The feed auto-reconnects with exponential backoff (base → 30s max, reset
// after a healthy connect). A read deadline detects silent server failures;
// the client pings on an interval and the server's pongs extend the deadline.
// Sequence gaps caused by a disconnect surface naturally downstream: the
// first post-reconnect depth diff fails the book's continuity check and
// triggers its resync path.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // how often we ping to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pongs triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing control frames
	frameBufferSize  = 4096             // per-shard frame queue
)

// Frame is one combined-stream message plus its local receive timestamp.
type Frame struct {
	Stream string
	Data   json.RawMessage
	RecvNs int64
}

// StreamName composes <symbol>@<suffix> with the venue's lower-case symbol
// convention.
func StreamName(symbol, suffix string) string {
	return strings.ToLower(symbol) + "@" + suffix
}

/// ShardStreams builds the stream list for one shard's symbol set: raw trades
// plus depth diffs, and klines when an interval is given.
func ShardStreams(symbols []string, klineInterval string) []string {
	streams := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		streams = append(streams, StreamName(sym, "trade"))
		streams = append(streams, StreamName(sym, "depth@100ms"))
		if klineInterval != "" {
			streams = append(streams, StreamName(sym, "kline_"+klineInterval))
		}
	}
	return streams
}

// ShardFeed manages one combined-stream connection. It handles connection
// lifecycle, frame decoding to the envelope, and automatic reconnection
// with exponential backoff. Frames are delivered on a bounded channel; a
// full channel drops the frame and counts it.
type ShardFeed struct {
	url            string
	connectTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	frameCh chan Frame

	dropped    atomic.Int64
	reconnects atomic.Int64

	logger *slog.Logger
}

// NewShardFeed creates the feed for one shard's stream set. The connection
// is established by Run. queueSize bounds the undecoded frame queue; zero
// selects the default.
func NewShardFeed(wsBaseURL string, streams []string, queueSize int, connectTimeout, backoffBase, backoffMax time.Duration, logger *slog.Logger) *ShardFeed {
	if queueSize <= 0 {
		queueSize = frameBufferSize
	}
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = 3 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = maxReconnectWait
	}
	return &ShardFeed{
		url:            wsBaseURL + "/stream?streams=" + strings.Join(streams, "/"),
		connectTimeout: connectTimeout,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		frameCh:        make(chan Frame, queueSize),
		logger:         logger.With("component", "ws"),
	}
}

// Frames returns the channel the shard reads decoded envelopes from.
func (f *ShardFeed) Frames() <-chan Frame { return f.frameCh }

// Dropped reports frames lost to a saturated frame channel.
func (f *ShardFeed) Dropped() int64 { return f.dropped.Load() }

// Reconnects reports completed reconnect cycles.
func (f *ShardFeed) Reconnects() int64 { return f.reconnects.Load() }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *ShardFeed) Run(ctx context.Context) error {
	backoff := f.backoffBase

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = f.backoffBase
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.backoffMax {
			backoff = f.backoffMax
		}
		f.reconnects.Add(1)
	}
}

// Close tears down the current connection, unblocking the read loop.
func (f *ShardFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *ShardFeed) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Server pongs extend the read deadline on quiet streams.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

func (f *ShardFeed) dispatchFrame(data []byte) {
	recvNs := time.Now().UnixNano()

	var frame CombinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json ws message", "error", err)
		return
	}
	if frame.Stream == "" {
		// Bare control payloads (subscription acks) carry no stream.
		return
	}

	select {
	case f.frameCh <- Frame{Stream: frame.Stream, Data: frame.Data, RecvNs: recvNs}:
	default:
		f.dropped.Add(1)
	}
}

func (f *ShardFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *ShardFeed) writeControl(msgType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return f.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}
