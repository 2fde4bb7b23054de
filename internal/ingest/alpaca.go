package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
)

const alpacaPageLimit = 1000

// AlpacaFetcher reads daily stock bars from the Alpaca Data v2 API.
type AlpacaFetcher struct {
	baseURL string
	key     string
	secret  string
	client  *http.Client
}

func NewAlpaca(cfg config.IngestConfig) *AlpacaFetcher {
	return &AlpacaFetcher{
		baseURL: strings.TrimRight(cfg.AlpacaBaseURL, "/"),
		key:     cfg.AlpacaKey,
		secret:  cfg.AlpacaSecret,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (f *AlpacaFetcher) SourceName() string { return "alpaca" }

// Configured reports whether API credentials are present.
func (f *AlpacaFetcher) Configured() bool { return f.key != "" && f.secret != "" }

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type alpacaBarsPage struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

// FetchDaily pages through /stocks/{symbol}/bars until the window is
// exhausted. Bars outside the closed [from, to] date range are dropped;
// daily bars carry an intraday timestamp, so the request end is pushed
// to the last second of the target day.
func (f *AlpacaFetcher) FetchDaily(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	if !f.Configured() {
		return nil, fmt.Errorf("alpaca credentials not configured")
	}
	start := dateOf(from)
	end := dateOf(to).Add(24*time.Hour - time.Second)

	var bars []models.PriceBar
	pageToken := ""
	for {
		page, err := f.fetchPage(ctx, symbol, start, end, pageToken)
		if err != nil {
			return nil, err
		}
		for _, b := range page.Bars {
			d := dateOf(b.Timestamp.UTC())
			if d.Before(start) || d.After(dateOf(to)) {
				continue
			}
			bars = append(bars, models.PriceBar{
				Date:     d,
				Open:     b.Open,
				High:     b.High,
				Low:      b.Low,
				Close:    b.Close,
				AdjClose: b.Close,
				Volume:   int64(b.Volume),
			})
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" || len(page.Bars) == 0 {
			break
		}
		pageToken = *page.NextPageToken
	}
	return bars, nil
}

func (f *AlpacaFetcher) fetchPage(ctx context.Context, symbol string, start, end time.Time, pageToken string) (*alpacaBarsPage, error) {
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("limit", fmt.Sprintf("%d", alpacaPageLimit))
	q.Set("adjustment", "raw")
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	endpoint := fmt.Sprintf("%s/stocks/%s/bars?%s", f.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", f.key)
	req.Header.Set("APCA-API-SECRET-KEY", f.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("alpaca status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var page alpacaBarsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("alpaca decode: %w", err)
	}
	return &page, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
