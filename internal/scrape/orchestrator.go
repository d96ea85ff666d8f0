package scrape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/breaker"
	"github.com/settrack/settrack/internal/catalog"
	"github.com/settrack/settrack/internal/classify"
	"github.com/settrack/settrack/internal/ratelimit"
)

// catalogStore is the slice of the catalog repository the orchestrator
// needs. Narrowed so tests can fake it.
type catalogStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*catalog.Set, error)
	PersistResult(ctx context.Context, set *catalog.Set, snap *catalog.Snapshot) (bool, error)
}

// limiter is the shared per-domain pacing the orchestrator consults before
// any outbound request.
type limiter interface {
	Wait(ctx context.Context, domain string) error
	Record403(ctx context.Context, domain string) (int, error)
	Reset403(ctx context.Context, domain string) error
}

// Orchestrator runs scrapes for one source. Breaker state is per source;
// the limiter and repository are shared across orchestrators.
type Orchestrator struct {
	src     Source
	fetcher Fetcher
	lim     limiter
	repo    catalogStore
	brk     *breaker.Breaker
	log     *zap.Logger
}

func NewOrchestrator(src Source, fetcher Fetcher, lim limiter, repo catalogStore, brk *breaker.Breaker, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		src:     src,
		fetcher: fetcher,
		lim:     lim,
		repo:    repo,
		brk:     brk,
		log:     log.With(zap.String("source", src.Name())),
	}
}

func (o *Orchestrator) SourceName() string { return o.src.Name() }

// Scrape fetches and parses one target and, when persist is set, writes the
// snapshot through the repository. Failures come back as the typed errors
// the worker's classifier understands.
func (o *Orchestrator) Scrape(ctx context.Context, externalID string, persist bool) (*Result, error) {
	if err := o.brk.Allow(); err != nil {
		// Open breaker: fail fast, no network I/O, no failure count.
		return nil, fmt.Errorf("%s: %w", o.src.Name(), err)
	}

	res, err := o.scrapeOnce(ctx, externalID, persist)
	if err != nil {
		var nf *classify.NotFoundError
		if !errors.As(err, &nf) {
			// A well-formed empty result says the source is healthy,
			// so it never trips the breaker.
			o.brk.Failure()
		}
		return nil, err
	}
	o.brk.Success()
	if rerr := o.lim.Reset403(ctx, o.src.Domain()); rerr != nil {
		o.log.Warn("resetting 403 counter failed", zap.Error(rerr))
	}
	return res, nil
}

func (o *Orchestrator) scrapeOnce(ctx context.Context, externalID string, persist bool) (*Result, error) {
	domain := o.src.Domain()

	if err := o.lim.Wait(ctx, domain); err != nil {
		if errors.Is(err, ratelimit.ErrHourlyCapReached) {
			return nil, o.rateLimited(ctx, domain, 0, 0)
		}
		return nil, err
	}

	page, err := o.fetcher.Fetch(ctx, o.src.TargetURL(externalID))
	if err != nil {
		return nil, err
	}

	switch {
	case page.StatusCode == http.StatusForbidden || page.StatusCode == http.StatusTooManyRequests:
		return nil, o.rateLimited(ctx, domain, page.StatusCode, page.RetryAfter)
	case page.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: unexpected status %d for %s", o.src.Name(), page.StatusCode, externalID)
	}

	res, err := o.src.Parse(ctx, page.Body)
	if err != nil {
		return nil, err
	}

	if persist {
		if err := o.persist(ctx, externalID, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// rateLimited bumps the shared consecutive counter and builds the typed
// error carrying it, so the classifier can pick the progressive delay.
func (o *Orchestrator) rateLimited(ctx context.Context, domain string, status int, retryAfter time.Duration) error {
	n, err := o.lim.Record403(ctx, domain)
	if err != nil {
		o.log.Warn("recording 403 failed", zap.Error(err))
		n = 1
	}
	return &classify.RateLimitedError{
		Domain:      domain,
		StatusCode:  status,
		RetryAfter:  retryAfter,
		Consecutive: n,
	}
}

func (o *Orchestrator) persist(ctx context.Context, externalID string, res *Result) error {
	set, err := o.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	snap := &catalog.Snapshot{
		SetID:      set.ID,
		Source:     o.src.Name(),
		PriceCents: res.PriceCents,
		Currency:   res.Currency,
		FetchedAt:  time.Now().UTC(),
	}
	if res.Volume != nil {
		snap.Volume = sql.NullInt64{Int64: *res.Volume, Valid: true}
	}
	changed, err := o.repo.PersistResult(ctx, set, snap)
	if err != nil {
		return err
	}
	o.log.Info("snapshot persisted",
		zap.String("set", externalID),
		zap.Int64("price_cents", res.PriceCents),
		zap.Bool("changed", changed))
	return nil
}
