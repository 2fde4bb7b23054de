package ingest

import (
	"fmt"

	"marketjobs/internal/models"
)

// CheckDaily validates a cleaned batch before it may be stored. Every
// bar must carry non-negative prices and volume, a low no higher than
// its high, a close inside the [low, high] band, and dates must be
// non-decreasing across the batch.
func CheckDaily(bars []models.PriceBar) error {
	if len(bars) == 0 {
		return fmt.Errorf("empty batch")
	}
	for i, b := range bars {
		day := b.Date.Format(models.DateFormat)
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 || b.AdjClose < 0 {
			return fmt.Errorf("negative price on %s", day)
		}
		if b.Volume < 0 {
			return fmt.Errorf("negative volume on %s", day)
		}
		if b.Low > b.High {
			return fmt.Errorf("low %v above high %v on %s", b.Low, b.High, day)
		}
		if b.Close < b.Low || b.Close > b.High {
			return fmt.Errorf("close %v outside [%v, %v] on %s", b.Close, b.Low, b.High, day)
		}
		if i > 0 && b.Date.Before(bars[i-1].Date) {
			return fmt.Errorf("dates out of order at %s", day)
		}
	}
	return nil
}
