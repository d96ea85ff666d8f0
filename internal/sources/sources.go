// Package sources holds the per-marketplace parsers. Each source turns a
// raw HTML page into the normalized result the orchestrator persists, and
// reports not-found and maintenance pages through the classifier's typed
// errors.
package sources

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/settrack/settrack/internal/scrape"
)

// All returns the production source set, in a stable order.
func All() []scrape.Source {
	return []scrape.Source{
		NewMarketList(),
		NewPriceGuide(),
		NewForumSales(),
	}
}

var priceRe = regexp.MustCompile(`(?i)(US \$|RM|EUR|\$)\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)

// parsePrice extracts an amount in cents and a currency code from strings
// like "US $45.99" or "RM 1,299.00".
func parsePrice(text string) (int64, string, bool) {
	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, "", false
	}
	currency := "USD"
	switch strings.TrimSpace(m[1]) {
	case "RM":
		currency = "MYR"
	case "EUR":
		currency = "EUR"
	}
	return int64(math.Round(amount * 100)), currency, true
}

var soldRe = regexp.MustCompile(`(?i)([0-9][0-9.,]*[kK]?)\s*sold`)

// parseSoldUnits reads counts like "87 sold" or "1.2k sold". Absent or
// unreadable counts return ok=false so the caller records a NULL volume.
func parseSoldUnits(text string) (int64, bool) {
	m := soldRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	raw := strings.ReplaceAll(m[1], ",", "")
	mult := int64(1)
	if strings.HasSuffix(strings.ToLower(raw), "k") {
		raw = raw[:len(raw)-1]
		mult = 1000
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return int64(n * float64(mult)), true
}

func malformed(source, detail string) error {
	return fmt.Errorf("%s: malformed page: %s", source, detail)
}
