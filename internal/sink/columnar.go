// Package sink implements the two persistence backends: the batched
// columnar writer (ClickHouse over HTTP, JSONEachRow inserts) and the
// pipelined key-value writer (Redis streams and last-state hashes).
//
// Both writers satisfy the router's Writer contract: Enqueue never blocks
// the producer. The columnar writer buffers rows per destination table and
// flushes on two triggers (batch size, interval tick); failed flushes
// re-queue their rows at the front of the buffer. The key-value writer
// accumulates commands and executes them in one pipeline per flush.
package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"marketfeed/internal/config"
	"marketfeed/internal/metrics"
	"marketfeed/pkg/types"
)

// ColumnarWriter batches rows per table and bulk-inserts them over the
// store's HTTP interface.
type ColumnarWriter struct {
	http          *resty.Client
	database      string
	batchRows     int
	maxBuffered   int
	flushInterval time.Duration
	flushTimeout  time.Duration
	compress      bool

	mu       sync.Mutex
	buffers  map[string][]Row
	buffered int // rows across all tables

	sem chan struct{}  // bounds concurrent flushes
	wg  sync.WaitGroup // in-flight flushes

	schemaReady atomic.Bool

	statsMu        sync.Mutex
	rowsByTable    map[string]int64
	flushedByTable map[string]int64
	flushErrors    int64
	droppedRows    int64

	logger *slog.Logger
}

// NewColumnarWriter creates the writer. The connection is exercised (and
// the schema ensured) by Run.
func NewColumnarWriter(cfg config.ClickHouseConfig, logger *slog.Logger) *ColumnarWriter {
	flushTimeout := time.Duration(cfg.FlushTimeoutSec) * time.Second
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Second
	}
	batchRows := cfg.BatchRows
	if batchRows <= 0 {
		batchRows = 5000
	}
	concurrency := cfg.FlushConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxBuffered := cfg.MaxBufferedRows
	if maxBuffered <= 0 {
		maxBuffered = 50000
	}

	httpClient := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(flushTimeout).
		SetHeader("X-ClickHouse-User", cfg.User).
		SetHeader("X-ClickHouse-Key", cfg.Password)

	return &ColumnarWriter{
		http:           httpClient,
		database:       cfg.Database,
		batchRows:      batchRows,
		maxBuffered:    maxBuffered,
		flushInterval:  time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		flushTimeout:   flushTimeout,
		compress:       cfg.Compression,
		buffers:        make(map[string][]Row),
		sem:            make(chan struct{}, concurrency),
		rowsByTable:    make(map[string]int64),
		flushedByTable: make(map[string]int64),
		logger:         logger.With("component", "clickhouse"),
	}
}

// Name implements the router's Writer contract.
func (w *ColumnarWriter) Name() string { return "clickhouse" }

// EnsureSchema applies the DDL ahead of Run. Calling it first lets startup
// fail fast when the store is unreachable; Run skips the work if it already
// happened.
func (w *ColumnarWriter) EnsureSchema(ctx context.Context) error {
	return w.ensureSchemaOnce(ctx)
}

func (w *ColumnarWriter) ensureSchemaOnce(ctx context.Context) error {
	if w.schemaReady.Load() {
		return nil
	}
	if err := EnsureSchema(ctx, w.http, w.database); err != nil {
		return err
	}
	w.schemaReady.Store(true)
	w.logger.Info("schema ensured", "database", w.database, "tables", len(tableDDL))
	return nil
}

// Enqueue buffers the record's row. Returns false when the buffer is
// saturated and the row was shed.
func (w *ColumnarWriter) Enqueue(rec *types.Record) bool {
	table, row, ok := recordRow(rec)
	if !ok {
		return true // channel has no columnar destination; not a drop
	}

	var flushBatch []Row
	w.mu.Lock()
	if w.buffered >= w.maxBuffered {
		w.mu.Unlock()
		w.statsMu.Lock()
		w.droppedRows++
		w.statsMu.Unlock()
		metrics.CHRowsDropped.Inc()
		return false
	}
	w.buffers[table] = append(w.buffers[table], row)
	w.buffered++
	if len(w.buffers[table]) >= w.batchRows {
		flushBatch = w.buffers[table]
		w.buffers[table] = nil
		w.buffered -= len(flushBatch)
	}
	w.mu.Unlock()

	w.statsMu.Lock()
	w.rowsByTable[table]++
	w.statsMu.Unlock()

	if flushBatch != nil {
		w.spawnFlush(table, flushBatch)
	}
	return true
}

// Run ensures the schema, then drives interval flushes until ctx is
// cancelled; pending rows are drained before returning.
func (w *ColumnarWriter) Run(ctx context.Context) error {
	if err := w.ensureSchemaOnce(ctx); err != nil {
		return err
	}

	interval := w.flushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.FlushAll()
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.FlushAll()
		}
	}
}

// FlushAll steals every non-empty table buffer and flushes each
// concurrently (bounded by the semaphore).
func (w *ColumnarWriter) FlushAll() {
	w.mu.Lock()
	batches := make(map[string][]Row, len(w.buffers))
	for table, rows := range w.buffers {
		if len(rows) > 0 {
			batches[table] = rows
			w.buffers[table] = nil
			w.buffered -= len(rows)
		}
	}
	w.mu.Unlock()

	for table, rows := range batches {
		w.spawnFlush(table, rows)
	}
}

func (w *ColumnarWriter) spawnFlush(table string, rows []Row) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		defer func() { <-w.sem }()
		w.flushRows(table, rows)
	}()
}

// flushRows inserts one batch. Uses its own deadline rather than the run
// context so the shutdown drain still lands.
func (w *ColumnarWriter) flushRows(table string, rows []Row) {
	if len(rows) == 0 {
		return
	}

	payload, err := encodeRows(rows)
	if err != nil {
		// Unencodable rows cannot be retried; count and drop the batch.
		w.logger.Error("encode batch failed", "table", table, "rows", len(rows), "error", err)
		w.statsMu.Lock()
		w.flushErrors++
		w.statsMu.Unlock()
		metrics.CHFlushErrors.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.flushTimeout)
	defer cancel()

	query := "INSERT INTO " + w.database + "." + table + " FORMAT JSONEachRow"
	req := w.http.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		SetHeader("Content-Type", "application/x-ndjson")
	if w.compress {
		payload = gzipBytes(payload)
		req.SetHeader("Content-Encoding", "gzip")
	}
	resp, err := req.SetBody(payload).Post("/")

	if err != nil || resp.StatusCode() != 200 {
		w.statsMu.Lock()
		w.flushErrors++
		w.statsMu.Unlock()
		metrics.CHFlushErrors.Inc()

		if err != nil {
			w.logger.Warn("flush failed", "table", table, "rows", len(rows), "error", err)
		} else {
			w.logger.Warn("flush failed", "table", table, "rows", len(rows),
				"status", resp.StatusCode(), "body", resp.String())
		}

		// Re-queue at the front so insertion order survives the retry.
		w.mu.Lock()
		w.buffers[table] = append(rows, w.buffers[table]...)
		w.buffered += len(rows)
		w.mu.Unlock()
		return
	}

	w.statsMu.Lock()
	w.flushedByTable[table] += int64(len(rows))
	w.statsMu.Unlock()
	metrics.CHRowsFlushed.WithLabelValues(table).Add(float64(len(rows)))
}

// gzipBytes compresses an insert body; the store decompresses it based on
// the Content-Encoding header. Writes to the in-memory buffer cannot fail.
func gzipBytes(raw []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(raw)
	_ = zw.Close()
	return buf.Bytes()
}

// encodeRows renders a batch as newline-delimited JSON.
func encodeRows(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ColumnarStats is a point-in-time snapshot of writer counters.
type ColumnarStats struct {
	RowsByTable    map[string]int64 `json:"rows_by_table"`
	FlushedByTable map[string]int64 `json:"flushed_by_table"`
	FlushErrors    int64            `json:"flush_errors"`
	DroppedRows    int64            `json:"dropped_rows"`
	Buffered       int              `json:"buffered"`
}

// Stats snapshots the counters.
func (w *ColumnarWriter) Stats() ColumnarStats {
	w.mu.Lock()
	buffered := w.buffered
	w.mu.Unlock()

	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	out := ColumnarStats{
		RowsByTable:    make(map[string]int64, len(w.rowsByTable)),
		FlushedByTable: make(map[string]int64, len(w.flushedByTable)),
		FlushErrors:    w.flushErrors,
		DroppedRows:    w.droppedRows,
		Buffered:       buffered,
	}
	for t, n := range w.rowsByTable {
		out.RowsByTable[t] = n
	}
	for t, n := range w.flushedByTable {
		out.FlushedByTable[t] = n
	}
	return out
}
