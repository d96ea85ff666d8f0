package sources

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/settrack/settrack/internal/classify"
	"github.com/settrack/settrack/internal/scrape"
)

// MarketList scrapes a consumer marketplace's search results. Listings
// carry a price and, for most but not all items, a sold-units counter, so
// volume can legitimately come back absent.
type MarketList struct{}

func NewMarketList() *MarketList { return &MarketList{} }

func (s *MarketList) Name() string   { return "marketlist" }
func (s *MarketList) Domain() string { return "marketlist.example.com" }

func (s *MarketList) TargetURL(externalID string) string {
	return fmt.Sprintf("https://marketlist.example.com/search?keyword=%s", externalID)
}

func (s *MarketList) Parse(_ context.Context, body []byte) (*scrape.Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(s.Name(), err.Error())
	}

	items := doc.Find("div.search-result__item")
	if items.Length() == 0 {
		// A rendered results page with zero listings is a well-formed
		// empty answer, not a parse failure.
		if doc.Find("div.search-result").Length() > 0 {
			return nil, &classify.NotFoundError{Target: s.Name()}
		}
		return nil, malformed(s.Name(), "no results container")
	}

	// First listing is the best match; the rest are accessories and
	// knock-offs the search engine pads the page with.
	first := items.First()

	priceText := first.Find("span.item-price").Text()
	if priceText == "" {
		priceText = first.Text()
	}
	cents, currency, ok := parsePrice(priceText)
	if !ok {
		return nil, malformed(s.Name(), "listing without a readable price")
	}

	res := &scrape.Result{PriceCents: cents, Currency: currency}
	soldText := first.Find("div.item-sold").Text()
	if soldText == "" {
		soldText = first.Text()
	}
	if n, ok := parseSoldUnits(soldText); ok {
		res.Volume = &n
	}
	return res, nil
}
