// Package ingest implements the market-data handlers: fetch daily bars
// from an upstream source, clean them, check quality, archive the batch
// and upsert it into the price store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketjobs/internal/models"
)

// Fetcher pulls daily bars for a symbol over a closed date window.
type Fetcher interface {
	SourceName() string
	FetchDaily(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error)
}

// Chain tries fetchers in order and serves from the first one that
// returns data. A source that errors or comes back empty falls through
// to the next.
type Chain struct {
	fetchers []Fetcher
	log      *slog.Logger
}

// NewChain builds a fallback chain. Order matters.
func NewChain(logger *slog.Logger, fetchers ...Fetcher) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{fetchers: fetchers, log: logger}
}

func (c *Chain) SourceName() string {
	names := make([]string, len(c.fetchers))
	for i, f := range c.fetchers {
		names[i] = f.SourceName()
	}
	return strings.Join(names, ",")
}

func (c *Chain) FetchDaily(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	if len(c.fetchers) == 0 {
		return nil, fmt.Errorf("no fetchers configured")
	}
	var lastErr error
	for _, f := range c.fetchers {
		bars, err := f.FetchDaily(ctx, symbol, from, to)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", f.SourceName(), err)
			c.log.WarnContext(ctx, "fetch source failed, trying next",
				"source", f.SourceName(), "symbol", symbol, "error", err)
			continue
		}
		if len(bars) == 0 {
			c.log.InfoContext(ctx, "fetch source returned no bars",
				"source", f.SourceName(), "symbol", symbol)
			continue
		}
		c.log.InfoContext(ctx, "fetch served",
			"source", f.SourceName(), "symbol", symbol, "rows", len(bars))
		return bars, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}
