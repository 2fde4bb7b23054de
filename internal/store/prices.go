package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketjobs/internal/models"
)

// UpsertDailyBars writes one symbol's daily bars, replacing rows that
// already exist for the same date. Reruns of the same job land on the
// same primary keys, so the write is repeat-safe.
func (s *Postgres) UpsertDailyBars(ctx context.Context, symbol string, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	now := time.Now().UTC()

	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(`
			INSERT INTO prices_daily (symbol, date, open, high, low, close, adj_close, volume, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol, date) DO UPDATE
			SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			    close = EXCLUDED.close, adj_close = EXCLUDED.adj_close,
			    volume = EXCLUDED.volume, updated_at = EXCLUDED.updated_at
		`, symbol, bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.AdjClose, bar.Volume, now)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert daily bars for %s: %w", symbol, err)
		}
	}
	return nil
}
