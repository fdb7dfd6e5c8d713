package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"marketfeed/internal/config"
	"marketfeed/internal/exchange"
)

// Universe discovery: the collector asks the venue's exchangeInfo endpoint
// for every listed contract and keeps the ones matching the configured
// status/contract-type/quote-asset filters. An explicit include list takes
// precedence over discovery; MaxSymbols caps the result after sorting so
// shard assignment stays deterministic across restarts.

// instrumentLister is the slice of the REST client universe discovery needs.
type instrumentLister interface {
	ExchangeInfo(ctx context.Context) (*exchange.RESTExchangeInfo, error)
}

// DiscoverUniverse fetches exchangeInfo and returns the filtered, sorted
// symbol list. The returned slice is never empty on a nil error.
func DiscoverUniverse(ctx context.Context, client instrumentLister, cfg config.UniverseConfig, logger *slog.Logger) ([]string, error) {
	info, err := client.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchangeInfo: %w", err)
	}

	symbols := FilterUniverse(info.Symbols, cfg)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols matched universe filters (listed=%d quote=%s contract=%s)",
			len(info.Symbols), cfg.QuoteAsset, cfg.ContractType)
	}

	logger.Info("universe discovered",
		"listed", len(info.Symbols),
		"selected", len(symbols),
		"quote_asset", cfg.QuoteAsset,
		"contract_type", cfg.ContractType,
	)
	return symbols, nil
}

// FilterUniverse applies the universe filters to a listed-contract set:
// status TRADING, matching contract type and quote asset, optional include
// list (which wins over discovery), then sort + cap.
func FilterUniverse(listed []exchange.RESTSymbolInfo, cfg config.UniverseConfig) []string {
	include := make(map[string]bool)
	for _, sym := range cfg.Include {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			include[sym] = true
		}
	}
	hasInclude := len(include) > 0

	quote := strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	contract := strings.ToUpper(strings.TrimSpace(cfg.ContractType))

	var result []string
	for _, s := range listed {
		if s.Status != "TRADING" {
			continue
		}
		if contract != "" && !strings.EqualFold(s.ContractType, contract) {
			continue
		}
		if quote != "" && !strings.EqualFold(s.QuoteAsset, quote) {
			continue
		}
		if hasInclude && !include[strings.ToUpper(s.Symbol)] {
			continue
		}
		result = append(result, s.Symbol)
	}

	sort.Strings(result)

	if cfg.MaxSymbols > 0 && len(result) > cfg.MaxSymbols {
		result = result[:cfg.MaxSymbols]
	}
	return result
}

// ShardSymbols splits the universe into contiguous groups of at most
// perShard symbols, one group per duplex connection.
func ShardSymbols(symbols []string, perShard int) [][]string {
	if perShard <= 0 {
		perShard = 30
	}
	var shards [][]string
	for i := 0; i < len(symbols); i += perShard {
		end := i + perShard
		if end > len(symbols) {
			end = len(symbols)
		}
		shards = append(shards, symbols[i:end])
	}
	return shards
}
