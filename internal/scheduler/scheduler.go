// Package scheduler is the control loop that turns repository state into
// queued work. It only enqueues; workers do the scraping.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/catalog"
	"github.com/settrack/settrack/internal/queue"
)

const batchLimit = 500

// Priority-to-delay mapping: urgent work lands immediately, routine
// refreshes are spread out so a big due batch does not stampede a source.
var delayForPriority = map[int]time.Duration{
	queue.PriorityHigh:   0,
	queue.PriorityMedium: 2 * time.Minute,
	queue.PriorityNormal: 10 * time.Minute,
}

// catalogQueries is the slice of the repository the scheduler reads.
type catalogQueries interface {
	FindMissingSnapshot(ctx context.Context, source string, limit int) ([]catalog.Set, error)
	FindIncomplete(ctx context.Context, source string, limit int) ([]catalog.Set, error)
	FindDue(ctx context.Context, limit int) ([]catalog.Set, error)
}

type enqueuer interface {
	EnqueueBulk(ctx context.Context, items []queue.BulkItem) queue.BulkResult
}

// CategorySummary reports one category of a run.
type CategorySummary struct {
	Category string   `json:"category"`
	Found    int      `json:"found"`
	Enqueued int      `json:"enqueued"`
	Errors   []string `json:"errors"`
}

// Summary is the result of one full scheduler pass.
type Summary struct {
	RanAt      time.Time         `json:"ran_at"`
	Categories []CategorySummary `json:"categories"`
	Found      int               `json:"found"`
	Enqueued   int               `json:"enqueued"`
	Errors     []string          `json:"errors"`
}

// Candidate is one unit of work a scheduler pass would enqueue. Used by the
// side-effect-free preview.
type Candidate struct {
	Category string `json:"category"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Priority int    `json:"priority"`
}

type Config struct {
	Tick time.Duration
	// Wall-clock cadence per category. The tick fires often; each
	// category runs only when its own interval has elapsed.
	IncompleteEvery time.Duration
	DueSweepEvery   time.Duration
	Sources         []string
}

func (c *Config) fillDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Hour
	}
	if c.IncompleteEvery <= 0 {
		c.IncompleteEvery = 6 * time.Hour
	}
	if c.DueSweepEvery <= 0 {
		c.DueSweepEvery = 24 * time.Hour
	}
}

type Scheduler struct {
	cfg   Config
	repo  catalogQueries
	queue enqueuer
	log   *zap.Logger

	lastIncomplete time.Time
	lastDueSweep   time.Time
}

func New(cfg Config, repo catalogQueries, q enqueuer, log *zap.Logger) *Scheduler {
	cfg.fillDefaults()
	return &Scheduler{cfg: cfg, repo: repo, queue: q, log: log}
}

// Run ticks until ctx is cancelled. The missing-data category runs every
// tick; the others follow their own wall-clock cadence.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler starting",
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("incomplete_every", s.cfg.IncompleteEvery),
		zap.Duration("due_sweep_every", s.cfg.DueSweepEvery))

	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-t.C:
			sum := s.pass(ctx, time.Now())
			s.log.Info("scheduler pass done",
				zap.Int("found", sum.Found),
				zap.Int("enqueued", sum.Enqueued),
				zap.Int("errors", len(sum.Errors)))
		}
	}
}

// RunNow executes one full pass with every category included, regardless of
// cadence. Exposed through the admin API.
func (s *Scheduler) RunNow(ctx context.Context) Summary {
	s.lastIncomplete = time.Time{}
	s.lastDueSweep = time.Time{}
	return s.pass(ctx, time.Now())
}

func (s *Scheduler) pass(ctx context.Context, now time.Time) Summary {
	sum := Summary{RanAt: now}

	sum.add(s.runMissing(ctx))

	if now.Sub(s.lastIncomplete) >= s.cfg.IncompleteEvery {
		sum.add(s.runIncomplete(ctx))
		s.lastIncomplete = now
	}
	if now.Sub(s.lastDueSweep) >= s.cfg.DueSweepEvery {
		sum.add(s.runDue(ctx))
		s.lastDueSweep = now
	}
	return sum
}

func (sum *Summary) add(c CategorySummary) {
	sum.Categories = append(sum.Categories, c)
	sum.Found += c.Found
	sum.Enqueued += c.Enqueued
	sum.Errors = append(sum.Errors, c.Errors...)
}

// runMissing enqueues sets that have no snapshot at all from a source.
// Highest priority: these are blind spots, not stale data.
func (s *Scheduler) runMissing(ctx context.Context) CategorySummary {
	c := CategorySummary{Category: "missing", Errors: []string{}}
	for _, source := range s.cfg.Sources {
		sets, err := s.repo.FindMissingSnapshot(ctx, source, batchLimit)
		if err != nil {
			c.Errors = append(c.Errors, err.Error())
			continue
		}
		c.Found += len(sets)
		c.merge(s.enqueue(ctx, source, sets, queue.PriorityHigh))
	}
	return c
}

func (s *Scheduler) runIncomplete(ctx context.Context) CategorySummary {
	c := CategorySummary{Category: "incomplete", Errors: []string{}}
	for _, source := range s.cfg.Sources {
		sets, err := s.repo.FindIncomplete(ctx, source, batchLimit)
		if err != nil {
			c.Errors = append(c.Errors, err.Error())
			continue
		}
		c.Found += len(sets)
		c.merge(s.enqueue(ctx, source, sets, queue.PriorityMedium))
	}
	return c
}

// runDue refreshes sets past their interval, on every configured source.
func (s *Scheduler) runDue(ctx context.Context) CategorySummary {
	c := CategorySummary{Category: "due", Errors: []string{}}
	sets, err := s.repo.FindDue(ctx, batchLimit)
	if err != nil {
		c.Errors = append(c.Errors, err.Error())
		return c
	}
	c.Found = len(sets)
	for _, source := range s.cfg.Sources {
		c.merge(s.enqueue(ctx, source, sets, queue.PriorityNormal))
	}
	// Found counts sets, not (set, source) pairs, so the due count lines
	// up with what the repository reported.
	return c
}

func (c *CategorySummary) merge(enqueued int, errs []string) {
	c.Enqueued += enqueued
	c.Errors = append(c.Errors, errs...)
}

func (s *Scheduler) enqueue(ctx context.Context, source string, sets []catalog.Set, priority int) (int, []string) {
	if len(sets) == 0 {
		return 0, nil
	}
	items := make([]queue.BulkItem, 0, len(sets))
	for _, set := range sets {
		items = append(items, queue.BulkItem{
			Type:     "scrape." + source,
			Source:   source,
			Target:   set.ExternalID,
			Priority: priority,
			Delay:    delayForPriority[priority],
		})
	}
	res := s.queue.EnqueueBulk(ctx, items)
	var errs []string
	for _, e := range res.Errors {
		errs = append(errs, fmt.Sprintf("%s: %s", source, e))
	}
	return len(res.Jobs), errs
}

// PreviewDueWork reports what a full pass would enqueue, without side
// effects.
func (s *Scheduler) PreviewDueWork(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for _, source := range s.cfg.Sources {
		missing, err := s.repo.FindMissingSnapshot(ctx, source, batchLimit)
		if err != nil {
			return nil, err
		}
		for _, set := range missing {
			out = append(out, Candidate{Category: "missing", Source: source, Target: set.ExternalID, Priority: queue.PriorityHigh})
		}
		incomplete, err := s.repo.FindIncomplete(ctx, source, batchLimit)
		if err != nil {
			return nil, err
		}
		for _, set := range incomplete {
			out = append(out, Candidate{Category: "incomplete", Source: source, Target: set.ExternalID, Priority: queue.PriorityMedium})
		}
	}
	due, err := s.repo.FindDue(ctx, batchLimit)
	if err != nil {
		return nil, err
	}
	for _, source := range s.cfg.Sources {
		for _, set := range due {
			out = append(out, Candidate{Category: "due", Source: source, Target: set.ExternalID, Priority: queue.PriorityNormal})
		}
	}
	return out, nil
}
