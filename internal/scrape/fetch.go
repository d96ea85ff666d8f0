package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMaxBodyBytes = 4 << 20

// Page is one fetched response body plus the throttle hints the classifier
// cares about.
type Page struct {
	Body       []byte
	StatusCode int
	// RetryAfter is zero when the response carried no usable header.
	RetryAfter time.Duration
}

// Fetcher issues the actual HTTP requests. It is an interface so the
// orchestrator tests can swap in canned responses.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

type httpFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewFetcher builds the production fetcher. Redirects are followed; bodies
// are capped so a misbehaving source cannot balloon memory.
func NewFetcher(timeout time.Duration, userAgent string) Fetcher {
	return &httpFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:    userAgent,
		maxBodyBytes: defaultMaxBodyBytes,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("scrape: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("scrape: read body %s: %w", url, err)
	}

	return &Page{
		Body:       body,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}, nil
}

// parseRetryAfter handles both forms the header allows: delta-seconds and
// an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
