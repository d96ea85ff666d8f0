// Package worker runs the pool of slots that claim jobs from the broker
// and execute scrapes under per-source mutual exclusion.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/classify"
	"github.com/settrack/settrack/internal/metrics"
	"github.com/settrack/settrack/internal/queue"
	"github.com/settrack/settrack/internal/scrape"
)

// Broker is the slice of the queue store the pool drives.
type Broker interface {
	ClaimNext(ctx context.Context, lease time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, baseBackoff time.Duration, errMsg string) (dead bool, err error)
	ReleaseToWaiting(ctx context.Context, id string) error
	Enqueue(ctx context.Context, jobType, source, target string, payload any, opts ...queue.EnqueueOption) (*queue.Job, error)
}

// Locker provides the cross-process per-source exclusion.
type Locker interface {
	Acquire(ctx context.Context, source string, maxWait, lease time.Duration) (bool, error)
	Release(ctx context.Context, source string) error
}

// Scraper executes one scrape for its source. Satisfied by
// scrape.Orchestrator.
type Scraper interface {
	SourceName() string
	Scrape(ctx context.Context, externalID string, persist bool) (*scrape.Result, error)
}

type Config struct {
	Slots          int
	JobTimeout     time.Duration
	ClaimPollEvery time.Duration
	ClaimLease     time.Duration
	LockMaxWait    time.Duration
	LockLease      time.Duration
	BaseBackoff    time.Duration
}

func (c *Config) fillDefaults() {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.ClaimPollEvery <= 0 {
		c.ClaimPollEvery = time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	if c.LockMaxWait <= 0 {
		c.LockMaxWait = 30 * time.Second
	}
	if c.LockLease <= 0 {
		c.LockLease = 5 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
}

// Pool pulls jobs from the broker with N independent slots. Slots serialize
// per source through the Locker; across sources they run fully concurrent.
type Pool struct {
	cfg      Config
	broker   Broker
	locks    Locker
	scrapers map[string]Scraper
	log      *zap.Logger

	wg sync.WaitGroup
}

func NewPool(cfg Config, broker Broker, locks Locker, scrapers []Scraper, log *zap.Logger) *Pool {
	cfg.fillDefaults()
	byName := make(map[string]Scraper, len(scrapers))
	for _, s := range scrapers {
		byName[s.SourceName()] = s
	}
	return &Pool{
		cfg:      cfg,
		broker:   broker,
		locks:    locks,
		scrapers: byName,
		log:      log,
	}
}

// Run starts the slots and blocks until ctx is cancelled and every in-flight
// job has finished.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool starting", zap.Int("slots", p.cfg.Slots))
	for i := 0; i < p.cfg.Slots; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) slot(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("slot", n))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.broker.ClaimNext(ctx, p.cfg.ClaimLease)
		if errors.Is(err, sql.ErrNoRows) {
			p.sleep(ctx, p.cfg.ClaimPollEvery)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("claim failed", zap.Error(err))
			p.sleep(ctx, p.cfg.ClaimPollEvery)
			continue
		}

		metrics.Default.IncClaimed()
		p.handle(ctx, log, job)
	}
}

// handle runs one claimed job to a terminal or released state. In-flight
// work is allowed to finish on shutdown; the claim lease covers a crash.
func (p *Pool) handle(ctx context.Context, log *zap.Logger, job *queue.Job) {
	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("source", job.Source),
		zap.String("target", job.Target),
	)

	scraper, ok := p.scrapers[job.Source]
	if !ok {
		metrics.Default.IncFailed()
		if _, err := p.broker.Fail(ctx, job.ID, p.cfg.BaseBackoff, "no scraper for source "+job.Source); err != nil {
			log.Error("fail transition errored", zap.Error(err))
		}
		log.Warn("unknown source, job failed")
		return
	}

	acquired, err := p.locks.Acquire(ctx, job.Source, p.cfg.LockMaxWait, p.cfg.LockLease)
	if err != nil {
		// Lock store unreachable: put the job back rather than guessing.
		log.Error("lock store unavailable", zap.Error(err))
		if rerr := p.broker.ReleaseToWaiting(ctx, job.ID); rerr != nil {
			log.Error("release to waiting errored", zap.Error(rerr))
		}
		return
	}
	if !acquired {
		// Contention, not a defect. Hand the job back so this slot can
		// pick up work for a different source.
		metrics.Default.IncLockTimeouts()
		if rerr := p.broker.ReleaseToWaiting(ctx, job.ID); rerr != nil {
			log.Error("release to waiting errored", zap.Error(rerr))
		}
		log.Info("lock wait budget exceeded, job released")
		return
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := p.locks.Release(relCtx, job.Source); rerr != nil {
			log.Error("lock release errored", zap.Error(rerr))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	_, err = scraper.Scrape(jobCtx, job.Target, true)
	elapsed := time.Since(start)

	if err == nil {
		if cerr := p.broker.Complete(ctx, job.ID); cerr != nil {
			log.Error("complete transition errored", zap.Error(cerr))
			return
		}
		metrics.Default.IncCompleted()
		log.Info("job completed", zap.Duration("elapsed", elapsed))
		return
	}

	outcome := classify.Classify(err)
	if !outcome.Requeue {
		// Transient: the broker's own attempt counter decides.
		metrics.Default.IncFailed()
		dead, ferr := p.broker.Fail(ctx, job.ID, p.cfg.BaseBackoff, err.Error())
		if ferr != nil {
			log.Error("fail transition errored", zap.Error(ferr))
			return
		}
		if dead {
			log.Warn("job exhausted attempts, moved to dead letter", zap.Error(err))
		} else {
			log.Info("job failed, broker will retry", zap.Error(err))
		}
		return
	}

	// Classified condition: the job is handled, not failed. The original
	// completes (freeing its dedupe key) and a replacement carries the
	// same target forward with the class's delay and priority.
	if cerr := p.broker.Complete(ctx, job.ID); cerr != nil {
		log.Error("complete before reschedule errored", zap.Error(cerr))
		return
	}
	_, eerr := p.broker.Enqueue(ctx, job.Type, job.Source, job.Target, job.Payload,
		queue.WithDelay(outcome.Delay),
		queue.WithPriority(outcome.Priority),
	)
	if eerr != nil {
		log.Error("reschedule enqueue errored", zap.Error(eerr))
		return
	}
	metrics.Default.IncRescheduled()
	if outcome.Class == classify.RateLimited {
		metrics.Default.IncRateLimited()
	}
	log.Info("job rescheduled",
		zap.String("class", outcome.Class.String()),
		zap.Duration("delay", outcome.Delay),
		zap.Int("priority", outcome.Priority))
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
