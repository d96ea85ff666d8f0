package sources

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/settrack/settrack/internal/classify"
	"github.com/settrack/settrack/internal/scrape"
)

// ForumSales scrapes a hobbyist trading forum. Posts are free-form, so the
// parser is strict: a thread list with zero well-formed sale rows counts as
// the item being absent, and volume is never available here.
type ForumSales struct{}

func NewForumSales() *ForumSales { return &ForumSales{} }

func (s *ForumSales) Name() string   { return "forumsales" }
func (s *ForumSales) Domain() string { return "forum.example.com" }

func (s *ForumSales) TargetURL(externalID string) string {
	return fmt.Sprintf("https://forum.example.com/marketplace?query=%s&sort=recent", externalID)
}

func (s *ForumSales) Parse(_ context.Context, body []byte) (*scrape.Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(s.Name(), err.Error())
	}

	rows := doc.Find("tr.sale-row")
	if rows.Length() == 0 {
		if doc.Find("table.marketplace-threads").Length() > 0 {
			return nil, &classify.NotFoundError{Target: s.Name()}
		}
		return nil, malformed(s.Name(), "no marketplace table")
	}

	// Take the most recent row with a parseable asking price. Rows
	// without one are trades and "looking for" posts.
	var res *scrape.Result
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cents, currency, ok := parsePrice(row.Find("td.asking-price").Text())
		if !ok {
			return true
		}
		res = &scrape.Result{PriceCents: cents, Currency: currency}
		return false
	})
	if res == nil {
		// Threads exist but none of them name a price.
		return nil, &classify.NotFoundError{Target: s.Name()}
	}
	return res, nil
}
