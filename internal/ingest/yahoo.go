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

// YahooFetcher reads daily bars from the Yahoo Finance chart API. It
// needs no credentials, which makes it the fallback source.
type YahooFetcher struct {
	baseURL string
	client  *http.Client
}

func NewYahoo(cfg config.IngestConfig) *YahooFetcher {
	return &YahooFetcher{
		baseURL: strings.TrimRight(cfg.YahooBaseURL, "/"),
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (f *YahooFetcher) SourceName() string { return "yahoo" }

type yahooQuote struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote    []yahooQuote `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchDaily requests [from, to] as a closed range. The chart API treats
// period2 as exclusive, so it is pushed one day past the target; rows
// with missing quote fields are skipped and missing volume reads as 0.
func (f *YahooFetcher) FetchDaily(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprintf("%d", dateOf(from).Unix()))
	q.Set("period2", fmt.Sprintf("%d", dateOf(to).AddDate(0, 0, 1).Unix()))
	q.Set("interval", "1d")
	q.Set("events", "div,split")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", f.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "marketjobs/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("yahoo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var chart yahooChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("yahoo decode: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, nil
	}
	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := result.Indicators.Quote[0]

	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	fromDate, toDate := dateOf(from), dateOf(to)
	var bars []models.PriceBar
	for i, ts := range result.Timestamp {
		d := dateOf(time.Unix(ts, 0).UTC())
		if d.Before(fromDate) || d.After(toDate) {
			continue
		}
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == nil || h == nil || l == nil || c == nil {
			continue
		}
		bar := models.PriceBar{
			Date:     d,
			Open:     *o,
			High:     *h,
			Low:      *l,
			Close:    *c,
			AdjClose: *c,
		}
		if a := at(adj, i); a != nil {
			bar.AdjClose = *a
		}
		if v := atInt(quote.Volume, i); v != nil {
			bar.Volume = *v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func at(xs []*float64, i int) *float64 {
	if i < 0 || i >= len(xs) {
		return nil
	}
	return xs[i]
}

func atInt(xs []*int64, i int) *int64 {
	if i < 0 || i >= len(xs) {
		return nil
	}
	return xs[i]
}
