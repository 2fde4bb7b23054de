// Package idempotency derives the stable key that deduplicates logically
// identical job submissions.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketjobs/internal/models"
)

// KeyLength is the number of hex characters in a derived key.
const KeyLength = 32

// NormalizeSymbol canonicalizes a ticker the way Derive does, so the
// persisted record matches the key it was derived from.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Derive computes the idempotency key for (job_type, symbol, asof).
// Inputs are normalized first (symbol upper-cased and trimmed, asof
// reduced to its UTC calendar date) so that equivalent submissions map
// to the same key. The key is the first 32 hex characters of the
// sha256 of a canonical JSON payload.
func Derive(jobType models.JobType, symbol string, asof time.Time) (string, error) {
	sym := NormalizeSymbol(symbol)
	jt := strings.TrimSpace(string(jobType))

	if jt == "" {
		return "", fmt.Errorf("%w: job_type is empty", models.ErrInvalidJobSpec)
	}
	if sym == "" {
		return "", fmt.Errorf("%w: symbol is empty", models.ErrInvalidJobSpec)
	}
	if asof.IsZero() {
		return "", fmt.Errorf("%w: asof is zero", models.ErrInvalidJobSpec)
	}

	// json.Marshal sorts map keys, which gives a canonical byte layout.
	payload := map[string]string{
		"job_type": jt,
		"symbol":   sym,
		"asof":     asof.UTC().Format(models.DateFormat),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency payload: %w", err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:KeyLength], nil
}
