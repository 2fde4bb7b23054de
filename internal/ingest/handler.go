package ingest

import (
	"context"
	"log/slog"
	"time"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
)

// PriceStore persists cleaned daily bars.
type PriceStore interface {
	UpsertDailyBars(ctx context.Context, symbol string, bars []models.PriceBar) error
}

// Handlers runs the ingestion pipeline for price jobs: fetch, clean,
// quality-check, archive, upsert.
type Handlers struct {
	cfg      config.IngestConfig
	fetcher  Fetcher
	store    PriceStore
	uploader Uploader
	log      *slog.Logger
}

func New(cfg config.IngestConfig, fetcher Fetcher, store PriceStore, uploader Uploader, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{cfg: cfg, fetcher: fetcher, store: store, uploader: uploader, log: logger}
}

// PricesDaily ingests the single day the job names.
func (h *Handlers) PricesDaily(ctx context.Context, job models.JobRecord) (string, error) {
	day := dateOf(job.Asof)
	return h.run(ctx, job, day, day)
}

// PricesBackfill ingests the trailing window ending on the job's date.
func (h *Handlers) PricesBackfill(ctx context.Context, job models.JobRecord) (string, error) {
	to := dateOf(job.Asof)
	from := to.AddDate(0, 0, -h.cfg.BackfillDays)
	return h.run(ctx, job, from, to)
}

func (h *Handlers) run(ctx context.Context, job models.JobRecord, from, to time.Time) (string, error) {
	log := h.log.With("job_id", job.JobID, "job_type", job.JobType, "symbol", job.Symbol)

	raw, err := h.fetcher.FetchDaily(ctx, job.Symbol, from, to)
	if err != nil {
		return "", models.NewJobError(models.CodeInternal, "fetch %s: %v", job.Symbol, err)
	}
	bars, err := CleanDaily(raw)
	if err != nil {
		return "", models.NewJobError(models.CodeTransformInvalid, "clean %s: %v", job.Symbol, err)
	}
	if len(bars) == 0 {
		return "", models.NewJobError(models.CodeUpstreamEmpty,
			"no bars for %s in %s..%s", job.Symbol, from.Format(models.DateFormat), to.Format(models.DateFormat))
	}
	if err := CheckDaily(bars); err != nil {
		return "", models.NewJobError(models.CodeQualityFailed, "quality %s: %v", job.Symbol, err)
	}

	data, err := BarsCSV(job.Symbol, bars)
	if err != nil {
		return "", models.NewJobError(models.CodeTransformInvalid, "encode %s: %v", job.Symbol, err)
	}
	ref, err := h.uploader.Upload(ctx, ArtifactKey(job.JobType, job.Symbol, job.Asof), data, "text/csv")
	if err != nil {
		return "", models.NewJobError(models.CodeStorageWriteFailed, "archive %s: %v", job.Symbol, err)
	}
	if err := h.store.UpsertDailyBars(ctx, job.Symbol, bars); err != nil {
		return "", models.NewJobError(models.CodeStorageWriteFailed, "upsert %s: %v", job.Symbol, err)
	}

	log.InfoContext(ctx, "batch ingested", "rows", len(bars), "artifact", ref,
		"from", from.Format(models.DateFormat), "to", to.Format(models.DateFormat))
	return ref, nil
}
