package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
)

type recordingUploader struct {
	key         string
	contentType string
	data        []byte
	err         error
	calls       int
}

func (u *recordingUploader) Upload(_ context.Context, key string, data []byte, contentType string) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	u.key, u.data, u.contentType = key, data, contentType
	return "s3://test-bucket/" + key, nil
}

type recordingStore struct {
	symbol string
	bars   []models.PriceBar
	err    error
	calls  int
}

func (s *recordingStore) UpsertDailyBars(_ context.Context, symbol string, bars []models.PriceBar) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.symbol, s.bars = symbol, bars
	return nil
}

type pipeline struct {
	handlers *Handlers
	fetcher  *windowFetcher
	uploader *recordingUploader
	store    *recordingStore
}

type windowFetcher struct {
	bars     []models.PriceBar
	err      error
	symbol   string
	from, to time.Time
}

func (f *windowFetcher) SourceName() string { return "stub" }

func (f *windowFetcher) FetchDaily(_ context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	f.symbol, f.from, f.to = symbol, from, to
	return f.bars, f.err
}

func newPipeline(bars []models.PriceBar) *pipeline {
	f := &windowFetcher{bars: bars}
	u := &recordingUploader{}
	s := &recordingStore{}
	cfg := config.IngestConfig{BackfillDays: 365}
	return &pipeline{handlers: New(cfg, f, s, u, discardLogger()), fetcher: f, uploader: u, store: s}
}

func dailyJob(t *testing.T) models.JobRecord {
	asof, _ := window(t, "2024-03-01", "2024-03-01")
	return models.JobRecord{
		JobID:   "7b9f70b3-32a6-47f5-9f0b-0d54a0a9d9f1",
		JobType: models.TypePricesDaily,
		Symbol:  "AAPL",
		Asof:    asof,
	}
}

func TestPricesDailyPipeline(t *testing.T) {
	p := newPipeline([]models.PriceBar{bar("2024-03-01", 10, 11, 9, 10.5, 1000)})

	ref, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.NoError(t, err)
	require.Equal(t, "s3://test-bucket/prices_daily/AAPL/2024-03-01.csv", ref)

	require.Equal(t, "AAPL", p.fetcher.symbol)
	require.Equal(t, p.fetcher.from, p.fetcher.to) // single-day window

	require.Equal(t, "text/csv", p.uploader.contentType)
	require.Contains(t, string(p.uploader.data), "AAPL,2024-03-01,10,11,9,10.5,10.5,1000")

	require.Equal(t, "AAPL", p.store.symbol)
	require.Len(t, p.store.bars, 1)
}

func TestPricesBackfillWindow(t *testing.T) {
	p := newPipeline([]models.PriceBar{bar("2024-03-01", 10, 11, 9, 10.5, 1000)})

	job := dailyJob(t)
	job.JobType = models.TypePricesBackfill
	_, err := p.handlers.PricesBackfill(context.Background(), job)
	require.NoError(t, err)

	wantFrom, _ := window(t, "2023-03-02", "2023-03-02")
	require.Equal(t, wantFrom, p.fetcher.from)
	require.Equal(t, job.Asof, p.fetcher.to)
	require.Equal(t, "prices_backfill/AAPL/2024-03-01.csv", p.uploader.key)
}

func TestRunCleansBeforeStoring(t *testing.T) {
	dirty := bar("2024-02-29", 10, 11, 9, 10.5, -7)
	p := newPipeline([]models.PriceBar{
		bar("2024-03-01", 10.5, 12, 10, 11, 500),
		dirty,
	})

	job := dailyJob(t)
	job.JobType = models.TypePricesBackfill
	_, err := p.handlers.PricesBackfill(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, p.store.bars, 2)
	require.Equal(t, "2024-02-29", p.store.bars[0].Date.Format(models.DateFormat))
	require.Equal(t, int64(0), p.store.bars[0].Volume)
}

func TestRunMapsEmptyFetchToUpstreamEmpty(t *testing.T) {
	p := newPipeline(nil)

	_, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.Equal(t, models.CodeUpstreamEmpty, models.CodeOf(err))
	require.Zero(t, p.uploader.calls)
	require.Zero(t, p.store.calls)
}

func TestRunMapsFetchErrorToInternal(t *testing.T) {
	p := newPipeline(nil)
	p.fetcher.err = errors.New("connect: network is unreachable")

	_, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.Equal(t, models.CodeInternal, models.CodeOf(err))
	require.True(t, strings.Contains(err.Error(), "network is unreachable"))
}

func TestRunMapsQualityViolation(t *testing.T) {
	broken := bar("2024-03-01", 10, 9, 11, 10, 100) // low above high
	p := newPipeline([]models.PriceBar{broken})

	_, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.Equal(t, models.CodeQualityFailed, models.CodeOf(err))
	require.Zero(t, p.store.calls)
}

func TestRunMapsUploadFailure(t *testing.T) {
	p := newPipeline([]models.PriceBar{bar("2024-03-01", 10, 11, 9, 10.5, 1000)})
	p.uploader.err = errors.New("bucket gone")

	_, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.Equal(t, models.CodeStorageWriteFailed, models.CodeOf(err))
	require.Zero(t, p.store.calls) // archive lands before the upsert
}

func TestRunMapsUpsertFailure(t *testing.T) {
	p := newPipeline([]models.PriceBar{bar("2024-03-01", 10, 11, 9, 10.5, 1000)})
	p.store.err = errors.New("relation missing")

	_, err := p.handlers.PricesDaily(context.Background(), dailyJob(t))
	require.Equal(t, models.CodeStorageWriteFailed, models.CodeOf(err))
	require.Equal(t, 1, p.uploader.calls)
}
