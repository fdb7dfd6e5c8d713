// Binance USDⓈ-M futures market-data collector.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: universe → shards → router → writers, start/stop choreography
//	shard/shard.go       — one combined-stream connection per symbol group: trades, depth, windows
//	market/book.go       — order book rebuilt from depth diffs with REST snapshot resync
//	aggregate/           — fixed 5s trade buckets and 1.5s microstructure windows with metrics
//	exchange/            — REST client, WebSocket dialing, wire decoding, record transforms
//	pipeline/router.go   — fans records out to the writers bound per channel
//	sink/columnar.go     — batched JSONEachRow inserts into ClickHouse over HTTP
//	sink/kv.go           — pipelined latest-value keys and capped streams in Redis
//	poller/scheduler.go  — REST polling for open interest and the top-trader ratio
//	health/monitor.go    — per-channel freshness → green/yellow/red
//	api/server.go        — /healthz and /stats for operators
//
// The collector writes raw and derived market data; it places no orders and
// needs no API keys.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketfeed/internal/config"
	"marketfeed/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MARKETFEED_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
