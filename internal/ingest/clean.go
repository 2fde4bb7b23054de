package ingest

import (
	"fmt"
	"math"
	"sort"

	"marketjobs/internal/models"
)

// CleanDaily normalizes a raw batch: rows with a zero date or an
// unusable price are dropped, negative volume clamps to 0, duplicate
// dates keep the last row seen, and the result sorts ascending by date.
// A batch that had rows but lost all of them is an error; an empty
// input passes through.
func CleanDaily(bars []models.PriceBar) ([]models.PriceBar, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	cleaned := make([]models.PriceBar, 0, len(bars))
	for _, b := range bars {
		if b.Date.IsZero() || !usable(b.Open) || !usable(b.High) || !usable(b.Low) || !usable(b.Close) || !usable(b.AdjClose) {
			continue
		}
		if b.Volume < 0 {
			b.Volume = 0
		}
		b.Date = dateOf(b.Date.UTC())
		cleaned = append(cleaned, b)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("all %d rows dropped during cleaning", len(bars))
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		return cleaned[i].Date.Before(cleaned[j].Date)
	})

	// Later rows win on duplicate dates.
	deduped := cleaned[:0]
	for _, b := range cleaned {
		if n := len(deduped); n > 0 && deduped[n-1].Date.Equal(b.Date) {
			deduped[n-1] = b
			continue
		}
		deduped = append(deduped, b)
	}
	return deduped, nil
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
