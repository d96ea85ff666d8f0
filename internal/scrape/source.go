// Package scrape runs one scrape end to end: breaker gate, shared rate
// limit, HTTP fetch, source-specific parse, and the catalog persist.
package scrape

import "context"

// Result is the normalized outcome of parsing one source page for a set.
type Result struct {
	PriceCents int64
	Currency   string
	// Volume is nil when the source omits sold-units. The persist layer
	// keeps that distinct from a zero.
	Volume *int64
}

// Source describes one scrapable marketplace. Implementations live in
// internal/sources; Parse returns the typed errors from internal/classify
// when the page signals not-found or maintenance.
type Source interface {
	Name() string
	Domain() string
	TargetURL(externalID string) string
	Parse(ctx context.Context, body []byte) (*Result, error)
}
