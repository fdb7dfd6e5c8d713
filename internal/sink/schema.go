// schema.go owns the columnar store DDL: one idempotent CREATE per table
// plus a one-shot migration set, both executed by the columnar writer on
// start. Every table shares the common header columns; event_time and
// recv_time are materialized from the nanosecond timestamps so partitioning
// and time-range scans never depend on the producer's clock format.
package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const schemaCommon = `
	instrument String,
	ts_event_ns UInt64,
	ts_recv_ns UInt64,
	event_time DateTime64(9) MATERIALIZED toDateTime64(ts_event_ns / 1000000000, 9),
	recv_time DateTime64(9) MATERIALIZED toDateTime64(ts_recv_ns / 1000000000, 9)`

const schemaEngine = `
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_time)
	ORDER BY (instrument, ts_event_ns)`

// tableDDL maps table name to its CREATE statement body (columns after the
// common header). Order of creation does not matter; keep alphabetical-ish
// by pipeline position for readability.
var tableDDL = map[string]string{
	"trades": `
	price Decimal(38, 18),
	qty Decimal(38, 18),
	side LowCardinality(String),
	trade_id Nullable(String),
	is_aggressor Nullable(UInt8)`,

	"agg_trades_5s": `
	interval_s UInt16,
	window_start_ns UInt64,
	open Decimal(38, 18),
	high Decimal(38, 18),
	low Decimal(38, 18),
	close Decimal(38, 18),
	volume Decimal(38, 18),
	notional Decimal(38, 18),
	trade_count UInt32,
	buy_qty Decimal(38, 18),
	sell_qty Decimal(38, 18),
	buy_notional Decimal(38, 18),
	sell_notional Decimal(38, 18),
	first_trade_id Nullable(String),
	last_trade_id Nullable(String)`,

	"l1": `
	depth UInt16,
	bid_prices Array(Decimal(38, 18)),
	bid_qtys Array(Decimal(38, 18)),
	ask_prices Array(Decimal(38, 18)),
	ask_qtys Array(Decimal(38, 18))`,

	"ob_top5": `
	depth UInt16,
	bid_prices Array(Decimal(38, 18)),
	bid_qtys Array(Decimal(38, 18)),
	ask_prices Array(Decimal(38, 18)),
	ask_qtys Array(Decimal(38, 18))`,

	"ob_top20": `
	depth UInt16,
	bid_prices Array(Decimal(38, 18)),
	bid_qtys Array(Decimal(38, 18)),
	ask_prices Array(Decimal(38, 18)),
	ask_qtys Array(Decimal(38, 18))`,

	"order_book_diffs": `
	sequence UInt64,
	prev_sequence UInt64,
	bids Map(String, Decimal(38, 18)),
	asks Map(String, Decimal(38, 18))`,

	"liquidations": `
	side LowCardinality(String),
	price Decimal(38, 18),
	qty Decimal(38, 18),
	order_id Nullable(String),
	reason Nullable(String)`,

	"mark_price": `
	mark_price Decimal(38, 18),
	index_price Nullable(Decimal(38, 18))`,

	"funding": `
	funding_rate Decimal(38, 18),
	next_funding_ts_ns UInt64`,

	"advanced_metrics": `
	metrics Map(String, Decimal(38, 18))`,

	"klines": `
	interval LowCardinality(String),
	open Decimal(38, 18),
	high Decimal(38, 18),
	low Decimal(38, 18),
	close Decimal(38, 18),
	volume Decimal(38, 18),
	quote_volume Decimal(38, 18),
	taker_buy_base_volume Decimal(38, 18),
	taker_buy_quote_volume Decimal(38, 18),
	trade_count UInt32,
	is_closed UInt8`,
}

// migrations are ALTERs applied after table creation so deployments that
// predate a column pick it up without manual intervention.
var migrations = []string{
	"ALTER TABLE %[1]s.funding ADD COLUMN IF NOT EXISTS funding_rate Decimal(38, 18)",
	"ALTER TABLE %[1]s.funding ADD COLUMN IF NOT EXISTS next_funding_ts_ns UInt64",
	"ALTER TABLE %[1]s.klines ADD COLUMN IF NOT EXISTS quote_volume Decimal(38, 18) AFTER volume",
	"ALTER TABLE %[1]s.klines ADD COLUMN IF NOT EXISTS taker_buy_base_volume Decimal(38, 18) AFTER quote_volume",
	"ALTER TABLE %[1]s.klines ADD COLUMN IF NOT EXISTS taker_buy_quote_volume Decimal(38, 18) AFTER taker_buy_base_volume",
}

// collapseSQL flattens the indented DDL literals to one line.
func collapseSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// TableNames lists every destination table, sorted.
func TableNames() []string {
	names := make([]string, 0, len(tableDDL))
	for name := range tableDDL {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// createTableSQL renders the full CREATE for one table.
func createTableSQL(database, table string) string {
	body, ok := tableDDL[table]
	if !ok {
		return ""
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s,%s) %s",
		database, table, schemaCommon, body, schemaEngine)
	return collapseSQL(ddl)
}

// EnsureSchema creates the database, every table, and applies migrations.
// The database create retries while the store comes up; everything after is
// a single pass since the statements are idempotent.
func EnsureSchema(ctx context.Context, client *resty.Client, database string) error {
	createDB := "CREATE DATABASE IF NOT EXISTS " + database

	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = execQuery(ctx, client, "", createDB); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return fmt.Errorf("create database %s: %w", database, err)
	}

	for _, table := range TableNames() {
		if err := execQuery(ctx, client, database, createTableSQL(database, table)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}

	for _, m := range migrations {
		stmt := collapseSQL(fmt.Sprintf(m, database))
		if err := execQuery(ctx, client, database, stmt); err != nil {
			return fmt.Errorf("migration %q: %w", stmt, err)
		}
	}
	return nil
}

// execQuery POSTs one statement to the store's HTTP interface.
func execQuery(ctx context.Context, client *resty.Client, database, query string) error {
	req := client.R().SetContext(ctx).SetQueryParam("query", query)
	if database != "" {
		req.SetQueryParam("database", database)
	}
	resp, err := req.Post("/")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
