package market

import (
	"testing"

	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
)

func testUniverseConfig() config.UniverseConfig {
	return config.UniverseConfig{
		QuoteAsset:   "USDT",
		ContractType: "PERPETUAL",
	}
}

func listedContracts() []exchange.RESTSymbolInfo {
	return []exchange.RESTSymbolInfo{
		{Symbol: "ETHUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT", BaseAsset: "ETH"},
		{Symbol: "BTCUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT", BaseAsset: "BTC"},
		{Symbol: "BTCUSDT_240927", Status: "TRADING", ContractType: "CURRENT_QUARTER", QuoteAsset: "USDT", BaseAsset: "BTC"},
		{Symbol: "BTCBUSD", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "BUSD", BaseAsset: "BTC"},
		{Symbol: "DELISTED", Status: "SETTLING", ContractType: "PERPETUAL", QuoteAsset: "USDT", BaseAsset: "OLD"},
		{Symbol: "SOLUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT", BaseAsset: "SOL"},
	}
}

func TestFilterUniverseSelectsTradingPerps(t *testing.T) {
	t.Parallel()

	got := FilterUniverse(listedContracts(), testUniverseConfig())

	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(got) != len(want) {
		t.Fatalf("selected %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFilterUniverseIncludeListWins(t *testing.T) {
	t.Parallel()

	cfg := testUniverseConfig()
	cfg.Include = []string{" ethusdt ", "SOLUSDT"}

	got := FilterUniverse(listedContracts(), cfg)

	want := []string{"ETHUSDT", "SOLUSDT"}
	if len(got) != len(want) {
		t.Fatalf("selected %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFilterUniverseMaxSymbolsCapsSorted(t *testing.T) {
	t.Parallel()

	cfg := testUniverseConfig()
	cfg.MaxSymbols = 2

	got := FilterUniverse(listedContracts(), cfg)

	// Deterministic: alphabetical order first, cap second.
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(got) != len(want) {
		t.Fatalf("selected %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestShardSymbols(t *testing.T) {
	t.Parallel()

	symbols := []string{"A", "B", "C", "D", "E"}
	shards := ShardSymbols(symbols, 2)

	if len(shards) != 3 {
		t.Fatalf("shards = %d, want 3", len(shards))
	}
	if len(shards[0]) != 2 || len(shards[1]) != 2 || len(shards[2]) != 1 {
		t.Errorf("shard sizes = %d/%d/%d, want 2/2/1", len(shards[0]), len(shards[1]), len(shards[2]))
	}
	if shards[2][0] != "E" {
		t.Errorf("last shard = %v, want [E]", shards[2])
	}
}
