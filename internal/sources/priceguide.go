package sources

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/settrack/settrack/internal/classify"
	"github.com/settrack/settrack/internal/scrape"
)

// PriceGuide scrapes a collector price-guide site. The page is a table of
// six-month sale statistics per item; the site runs scheduled maintenance
// windows and announces the expected downtime on a banner page.
type PriceGuide struct{}

func NewPriceGuide() *PriceGuide { return &PriceGuide{} }

func (s *PriceGuide) Name() string   { return "priceguide" }
func (s *PriceGuide) Domain() string { return "priceguide.example.com" }

func (s *PriceGuide) TargetURL(externalID string) string {
	return fmt.Sprintf("https://priceguide.example.com/catalogPG.asp?S=%s", externalID)
}

var timesSoldRe = regexp.MustCompile(`(?i)Times Sold:\s*([0-9,]+)`)
var maintEtaRe = regexp.MustCompile(`(?i)back in approximately\s+([0-9]+)\s+minutes`)

func (s *PriceGuide) Parse(_ context.Context, body []byte) (*scrape.Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(s.Name(), err.Error())
	}

	if banner := doc.Find("div.maintenance-notice"); banner.Length() > 0 {
		merr := &classify.MaintenanceError{Source: s.Name()}
		if m := maintEtaRe.FindStringSubmatch(banner.Text()); m != nil {
			if mins, err := strconv.Atoi(m[1]); err == nil && mins > 0 {
				merr.EstimatedDown = time.Duration(mins) * time.Minute
			}
		}
		return nil, merr
	}

	box := doc.Find("td.price-box").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return strings.Contains(sel.Text(), "Avg Price:")
	}).First()
	if box.Length() == 0 {
		if doc.Find("h1.item-title").Length() > 0 {
			// Item page rendered but the guide has no recorded sales.
			return nil, &classify.NotFoundError{Target: s.Name()}
		}
		return nil, malformed(s.Name(), "no price guide table")
	}

	text := box.Text()
	cents, currency, ok := parsePrice(text)
	if !ok {
		return nil, malformed(s.Name(), "price box without a readable average")
	}

	res := &scrape.Result{PriceCents: cents, Currency: currency}
	if m := timesSoldRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
			res.Volume = &n
		}
	}
	return res, nil
}
