// Package config defines all configuration for the collector.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MARKETFEED_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketfeed/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange   ExchangeConfig           `mapstructure:"exchange"`
	Universe   UniverseConfig           `mapstructure:"universe"`
	Shard      ShardConfig              `mapstructure:"shard"`
	Book       BookConfig               `mapstructure:"book"`
	Aggregate  AggregateConfig          `mapstructure:"aggregate"`
	Poller     PollerConfig             `mapstructure:"poller"`
	ClickHouse ClickHouseConfig         `mapstructure:"clickhouse"`
	Redis      RedisConfig              `mapstructure:"redis"`
	Channels   map[string]ChannelConfig `mapstructure:"channels"`
	Health     HealthConfig             `mapstructure:"health"`
	API        APIConfig                `mapstructure:"api"`
	Store      StoreConfig              `mapstructure:"store"`
	Logging    LoggingConfig            `mapstructure:"logging"`
}

// ExchangeConfig holds the venue endpoints and transport timeouts.
type ExchangeConfig struct {
	WSBaseURL        string        `mapstructure:"ws_base_url"`
	RESTBaseURL      string        `mapstructure:"rest_base_url"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
}

// UniverseConfig controls symbol discovery from the exchangeInfo endpoint.
// Include takes precedence over discovery when non-empty. MaxSymbols of 0
// means the full filtered universe.
type UniverseConfig struct {
	QuoteAsset    string        `mapstructure:"quote_asset"`
	ContractType  string        `mapstructure:"contract_type"`
	Include       []string      `mapstructure:"include"`
	MaxSymbols    int           `mapstructure:"max_symbols"`
	CatalogMaxAge time.Duration `mapstructure:"catalog_max_age"`
}

// ShardConfig tunes the per-connection symbol shards and their fixed-grid timers.
//
//   - SymbolsPerShard: how many symbols one duplex connection carries.
//   - Top20SnapshotMs: cadence of top-20 book snapshot emission.
//   - L1SampleMs: cadence of L1 samples and the 200 ms metric surrogate.
//   - WindowFlushMs: cadence of the microstructure window flush.
//   - StartStaggerMs: delay between shard starts to amortize connection load.
//   - AggTradeQueueMax: bound on the per-shard trade aggregation queue.
type ShardConfig struct {
	SymbolsPerShard  int    `mapstructure:"symbols_per_shard"`
	Top20SnapshotMs  int    `mapstructure:"top20_snapshot_ms"`
	L1SampleMs       int    `mapstructure:"l1_sample_ms"`
	WindowFlushMs    int    `mapstructure:"window_flush_ms"`
	StartStaggerMs   int    `mapstructure:"start_stagger_ms"`
	AggTradeQueueMax int    `mapstructure:"agg_trade_queue_max"`
	KlineInterval    string `mapstructure:"kline_interval"`
}

// BookConfig tunes order-book REST resynchronization.
type BookConfig struct {
	RESTDepthLimit  int `mapstructure:"rest_depth_limit"`
	RESTCooldownSec int `mapstructure:"rest_cooldown_sec"`
	RESTRetryMax    int `mapstructure:"rest_retry_max"`
}

// AggregateConfig tunes the five-second trade grid.
type AggregateConfig struct {
	LateGraceSec      int `mapstructure:"late_grace_sec"`
	MaxCatchupWindows int `mapstructure:"max_catchup_windows"`
}

// PollerConfig tunes the REST scheduler for open interest and the
// top long/short position ratio.
type PollerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	StartDelaySec    int  `mapstructure:"start_delay_sec"`
	OIPeriodSec      int  `mapstructure:"oi_period_sec"`
	OIParallelism    int  `mapstructure:"oi_parallelism"`
	LSRequestsPerMin int  `mapstructure:"ls_requests_per_min"`
	LSParallelism    int  `mapstructure:"ls_parallelism"`
}

// ClickHouseConfig holds the columnar sink connection and batching knobs.
// BatchRows and FlushIntervalMs drive the two flush triggers; MaxBufferedRows
// bounds each table buffer (overflow is dropped and counted).
type ClickHouseConfig struct {
	URL              string `mapstructure:"url"`
	Database         string `mapstructure:"database"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	BatchRows        int    `mapstructure:"batch_rows"`
	FlushIntervalMs  int    `mapstructure:"flush_interval_ms"`
	FlushConcurrency int    `mapstructure:"flush_concurrency"`
	FlushTimeoutSec  int    `mapstructure:"flush_timeout_sec"`
	MaxBufferedRows  int    `mapstructure:"max_buffered_rows"`
	Compression      bool   `mapstructure:"compression"`
}

// RedisConfig holds the key-value sink connection and pipelining knobs.
type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	PoolSize        int    `mapstructure:"pool_size"`
	PipelineSize    int    `mapstructure:"pipeline_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	StreamMaxLen    int64  `mapstructure:"stream_maxlen"`
	Namespace       string `mapstructure:"namespace"`
}

// ChannelConfig switches one logical channel on or off and selects its sinks.
// Both sink flags are further gated by the global writer switches derived
// from the ClickHouse/Redis sections being configured.
type ChannelConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	ClickHouse bool `mapstructure:"clickhouse"`
	Redis      bool `mapstructure:"redis"`
}

// HealthConfig tunes the expected-vs-seen channel health monitor.
type HealthConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	CheckIntervalSec int     `mapstructure:"check_interval_sec"`
	YellowRatio      float64 `mapstructure:"yellow_ratio"`
	RedRatio         float64 `mapstructure:"red_ratio"`
}

// APIConfig controls the operational HTTP server (/healthz, /stats, /metrics).
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StoreConfig sets where the symbol catalog cache is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. An empty path
// runs on pure defaults. Sensitive fields use env vars:
// MARKETFEED_CLICKHOUSE_PASSWORD, MARKETFEED_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pw := os.Getenv("MARKETFEED_CLICKHOUSE_PASSWORD"); pw != "" {
		cfg.ClickHouse.Password = pw
	}
	if pw := os.Getenv("MARKETFEED_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.ws_base_url", "wss://fstream.binance.com")
	v.SetDefault("exchange.rest_base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.connect_timeout", "15s")
	v.SetDefault("exchange.request_timeout", "8s")
	v.SetDefault("exchange.reconnect_backoff", "3s")
	v.SetDefault("exchange.max_backoff", "30s")
	v.SetDefault("exchange.requests_per_sec", 20.0)

	v.SetDefault("universe.quote_asset", "USDT")
	v.SetDefault("universe.contract_type", "PERPETUAL")
	v.SetDefault("universe.max_symbols", 0)
	v.SetDefault("universe.catalog_max_age", "1h")

	v.SetDefault("shard.symbols_per_shard", 30)
	v.SetDefault("shard.top20_snapshot_ms", 100)
	v.SetDefault("shard.l1_sample_ms", 200)
	v.SetDefault("shard.window_flush_ms", 1500)
	v.SetDefault("shard.start_stagger_ms", 2000)
	v.SetDefault("shard.agg_trade_queue_max", 20000)
	v.SetDefault("shard.kline_interval", "1m")

	v.SetDefault("book.rest_depth_limit", 200)
	v.SetDefault("book.rest_cooldown_sec", 30)
	v.SetDefault("book.rest_retry_max", 3)

	v.SetDefault("aggregate.late_grace_sec", 2)
	v.SetDefault("aggregate.max_catchup_windows", 120)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.start_delay_sec", 8)
	v.SetDefault("poller.oi_period_sec", 30)
	v.SetDefault("poller.oi_parallelism", 50)
	v.SetDefault("poller.ls_requests_per_min", 190)
	v.SetDefault("poller.ls_parallelism", 32)

	v.SetDefault("clickhouse.url", "http://localhost:8123")
	v.SetDefault("clickhouse.database", "marketdata")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.batch_rows", 5000)
	v.SetDefault("clickhouse.flush_interval_ms", 250)
	v.SetDefault("clickhouse.flush_concurrency", 4)
	v.SetDefault("clickhouse.flush_timeout_sec", 10)
	v.SetDefault("clickhouse.max_buffered_rows", 50000)
	v.SetDefault("clickhouse.compression", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.pipeline_size", 200)
	v.SetDefault("redis.flush_interval_ms", 100)
	v.SetDefault("redis.stream_maxlen", 1000)
	v.SetDefault("redis.namespace", "marketdata")

	for _, ch := range types.AllChannels {
		v.SetDefault("channels."+string(ch)+".enabled", ch != types.ChannelKlines)
		v.SetDefault("channels."+string(ch)+".clickhouse", true)
		// The KV sink has no last-state representation for raw diffs.
		v.SetDefault("channels."+string(ch)+".redis", ch != types.ChannelOBDiff)
	}

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_interval_sec", 30)
	v.SetDefault("health.yellow_ratio", 0.7)
	v.SetDefault("health.red_ratio", 0.4)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Channel returns the effective config for one channel; unknown channels are disabled.
func (c *Config) Channel(ch types.Channel) ChannelConfig {
	if cc, ok := c.Channels[string(ch)]; ok {
		return cc
	}
	return ChannelConfig{}
}

// NeedsClickHouse reports whether any enabled channel targets the columnar sink.
func (c *Config) NeedsClickHouse() bool {
	for _, ch := range types.AllChannels {
		if cc := c.Channel(ch); cc.Enabled && cc.ClickHouse {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any enabled channel targets the key-value sink.
func (c *Config) NeedsRedis() bool {
	for _, ch := range types.AllChannels {
		if cc := c.Channel(ch); cc.Enabled && cc.Redis {
			return true
		}
	}
	return false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Shard.SymbolsPerShard <= 0 {
		return fmt.Errorf("shard.symbols_per_shard must be > 0")
	}
	if c.Shard.Top20SnapshotMs <= 0 || c.Shard.L1SampleMs <= 0 || c.Shard.WindowFlushMs <= 0 {
		return fmt.Errorf("shard timer periods must be > 0")
	}
	if c.Shard.AggTradeQueueMax <= 0 {
		return fmt.Errorf("shard.agg_trade_queue_max must be > 0")
	}
	if c.Book.RESTDepthLimit <= 0 {
		return fmt.Errorf("book.rest_depth_limit must be > 0")
	}
	if c.Aggregate.MaxCatchupWindows <= 0 {
		return fmt.Errorf("aggregate.max_catchup_windows must be > 0")
	}
	for name := range c.Channels {
		if !types.Channel(name).Valid() {
			return fmt.Errorf("channels.%s is not a known channel", name)
		}
	}
	if c.NeedsClickHouse() {
		if c.ClickHouse.URL == "" {
			return fmt.Errorf("clickhouse.url is required when a channel targets clickhouse")
		}
		if c.ClickHouse.Database == "" {
			return fmt.Errorf("clickhouse.database is required when a channel targets clickhouse")
		}
		if c.ClickHouse.BatchRows <= 0 || c.ClickHouse.FlushConcurrency <= 0 {
			return fmt.Errorf("clickhouse.batch_rows and clickhouse.flush_concurrency must be > 0")
		}
	}
	if c.NeedsRedis() {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when a channel targets redis")
		}
		if c.Redis.PipelineSize <= 0 {
			return fmt.Errorf("redis.pipeline_size must be > 0")
		}
	}
	if c.Poller.Enabled {
		if c.Poller.OIParallelism <= 0 || c.Poller.LSParallelism <= 0 {
			return fmt.Errorf("poller parallelism bounds must be > 0")
		}
		if c.Poller.LSRequestsPerMin <= 0 {
			return fmt.Errorf("poller.ls_requests_per_min must be > 0")
		}
	}
	if c.Health.Enabled && (c.Health.YellowRatio <= c.Health.RedRatio) {
		return fmt.Errorf("health.yellow_ratio must be greater than health.red_ratio")
	}
	return nil
}
