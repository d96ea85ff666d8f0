package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/breaker"
	"github.com/settrack/settrack/internal/catalog"
	"github.com/settrack/settrack/internal/config"
	"github.com/settrack/settrack/internal/locks"
	"github.com/settrack/settrack/internal/queue"
	"github.com/settrack/settrack/internal/ratelimit"
	"github.com/settrack/settrack/internal/scheduler"
	"github.com/settrack/settrack/internal/scrape"
	"github.com/settrack/settrack/internal/sources"
	"github.com/settrack/settrack/internal/worker"
)

// app bundles the process-wide dependencies each command wires up. Commands
// only build the pieces they need.
type app struct {
	cfg config.Config
	log *zap.Logger
}

func newApp() (*app, error) {
	cfg := config.Load()
	var log *zap.Logger
	var err error
	if cfg.Env == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

func (a *app) queueStore() (*queue.Store, error) {
	return queue.NewStore(a.cfg.DBDSN)
}

func (a *app) catalogRepo() (*catalog.Repo, error) {
	return catalog.NewRepo(a.cfg.DBDSN)
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPW,
		DB:       a.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", a.cfg.RedisAddr, err)
	}
	return rdb, nil
}

// buildScrapers assembles one orchestrator per registered source, all
// sharing the limiter and repository, each with its own breaker.
func (a *app) buildScrapers(rdb *redis.Client, repo *catalog.Repo) []worker.Scraper {
	fetcher := scrape.NewFetcher(a.cfg.FetchTimeout, a.cfg.UserAgent)
	lim := ratelimit.NewLimiter(rdb, a.cfg.MinSpacing, a.cfg.HourlyCap)

	var scrapers []worker.Scraper
	for _, src := range sources.All() {
		brk := breaker.New(src.Name(), a.cfg.BreakerThreshold, a.cfg.BreakerCooldown)
		scrapers = append(scrapers, scrape.NewOrchestrator(src, fetcher, lim, repo, brk, a.log))
	}
	return scrapers
}

func (a *app) buildPool(store *queue.Store, rdb *redis.Client, repo *catalog.Repo) *worker.Pool {
	return worker.NewPool(worker.Config{
		Slots:          a.cfg.WorkerSlots,
		JobTimeout:     a.cfg.JobTimeout,
		ClaimPollEvery: a.cfg.ClaimPollEvery,
		ClaimLease:     a.cfg.LockLease,
		LockMaxWait:    a.cfg.LockMaxWait,
		LockLease:      a.cfg.LockLease,
		BaseBackoff:    a.cfg.BaseBackoff,
	}, store, locks.NewSourceLock(rdb), a.buildScrapers(rdb, repo), a.log)
}

func (a *app) buildScheduler(store *queue.Store, repo *catalog.Repo) *scheduler.Scheduler {
	names := make([]string, 0, len(sources.All()))
	for _, src := range sources.All() {
		names = append(names, src.Name())
	}
	return scheduler.New(scheduler.Config{
		Tick:            a.cfg.SchedulerTick,
		IncompleteEvery: a.cfg.IncompleteEvery,
		DueSweepEvery:   a.cfg.DueSweepEvery,
		Sources:         names,
	}, repo, store, a.log)
}
