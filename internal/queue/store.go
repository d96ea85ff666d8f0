package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrIntakePaused is returned by Enqueue while a queue reset is in progress.
var ErrIntakePaused = errors.New("queue: intake paused")

// ErrUnavailable marks broker failures where the shared store itself is
// unreachable, as opposed to a well-formed negative answer.
var ErrUnavailable = errors.New("queue: broker unavailable")

// IsUnavailable reports whether err stems from the shared store being
// unreachable. Callers surface these immediately instead of retrying.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type Store struct {
	DB *gorm.DB
}

func NewStore(dsn string) (*Store, error) {
	// Configure a quiet logger that ignores record-not-found and only logs errors.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Store{DB: db}, nil
}

// AutoMigrate creates or updates the queue tables.
func (s *Store) AutoMigrate() error {
	return s.DB.AutoMigrate(&Job{}, &control{})
}

// Options for Enqueue

type enqueueConfig struct {
	Priority    int
	MaxAttempts int
	NextRunAt   time.Time
}

type EnqueueOption func(*enqueueConfig)

func WithPriority(p int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.Priority = p }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.MaxAttempts = n }
}

// WithDelay schedules the job to become claimable d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(ec *enqueueConfig) {
		if d > 0 {
			ec.NextRunAt = time.Now().UTC().Add(d)
		}
	}
}

// Enqueue inserts a new job for (jobType, target). If a live job with the same
// dedupe key already exists, the existing job is returned unchanged (no
// duplicate row).
func (s *Store) Enqueue(ctx context.Context, jobType, source, target string, payload any, opts ...EnqueueOption) (*Job, error) {
	cfg := enqueueConfig{
		Priority:    PriorityNormal,
		MaxAttempts: 5,
		NextRunAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	paused, err := s.intakePaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrIntakePaused
	}

	// Raw bytes are assumed to be JSON already (a rescheduled job carries
	// its original payload verbatim); everything else is marshaled.
	var payloadBytes []byte
	switch p := payload.(type) {
	case nil:
		payloadBytes = []byte("null")
	case json.RawMessage:
		payloadBytes = p
	case []byte:
		payloadBytes = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = b
	}
	if len(payloadBytes) == 0 {
		payloadBytes = []byte("null")
	}

	dedupe := DedupeKeyFor(jobType, target)
	j := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Source:      source,
		Target:      target,
		Payload:     payloadBytes,
		Status:      StatusPending,
		Priority:    cfg.Priority,
		Attempt:     0,
		MaxAttempts: cfg.MaxAttempts,
		DedupeKey:   &dedupe,
		NextRunAt:   cfg.NextRunAt,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	// Insert with ON CONFLICT DO NOTHING on the dedupe key
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(j)

	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 1 {
		return j, nil
	}

	// No row inserted, fetch and return the live job holding the key
	var existing Job
	if err := s.DB.WithContext(ctx).Where("dedupe_key = ?", dedupe).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// BulkItem is one entry of an EnqueueBulk request.
type BulkItem struct {
	Type     string
	Source   string
	Target   string
	Payload  any
	Priority int
	Delay    time.Duration
}

// BulkResult reports per-item outcomes; a failing item never blocks the rest.
type BulkResult struct {
	Jobs   []*Job
	Errors []error
}

func (s *Store) EnqueueBulk(ctx context.Context, items []BulkItem) BulkResult {
	out := BulkResult{Jobs: make([]*Job, 0, len(items))}
	for _, it := range items {
		var opts []EnqueueOption
		if it.Priority > 0 {
			opts = append(opts, WithPriority(it.Priority))
		}
		if it.Delay > 0 {
			opts = append(opts, WithDelay(it.Delay))
		}
		j, err := s.Enqueue(ctx, it.Type, it.Source, it.Target, it.Payload, opts...)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Errorf("enqueue %s/%s: %w", it.Type, it.Target, err))
			continue
		}
		out.Jobs = append(out.Jobs, j)
	}
	return out
}

// ClaimNext finds the highest-priority eligible pending job and leases it:
// status=in_flight, attempt=attempt+1, lease_expires_at = now + lease.
// Returns sql.ErrNoRows when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, lease time.Duration) (*Job, error) {
	tx := s.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	var j Job
	// Lock a due pending job, or an in-flight job whose lease expired. The
	// latter means the previous claimant crashed; claiming it again is the
	// at-least-once reclamation path.
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("(status = ? AND next_run_at <= NOW(6)) OR (status = ? AND lease_expires_at <= NOW(6))",
			StatusPending, StatusInFlight).
		Order("priority ASC, created_at ASC, id ASC").
		Limit(1).
		Take(&j).Error

	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}

	newLease := time.Now().UTC().Add(lease)
	now := time.Now().UTC()
	if err := tx.Model(&Job{}).Where("id = ?", j.ID).Updates(map[string]any{
		"status":           StatusInFlight,
		"attempt":          gorm.Expr("attempt + 1"),
		"lease_expires_at": newLease,
		"updated_at":       now,
	}).Error; err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	j.Status = StatusInFlight
	j.Attempt += 1
	j.LeaseExpiresAt = &newLease
	j.UpdatedAt = now

	return &j, nil
}

// Complete marks a job as completed, clears the lease and frees the dedupe key
// so the same target can be enqueued again.
func (s *Store) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":           StatusCompleted,
		"dedupe_key":       nil,
		"lease_expires_at": nil,
		"updated_at":       now,
	}).Error
}

// Fail sets a job back to pending with an exponential-backoff next_run_at.
// Once attempts reach max_attempts the job is marked dead instead. The dedupe
// key stays reserved across retries and is released only on the dead path.
func (s *Store) Fail(ctx context.Context, id string, baseBackoff time.Duration, errMsg string) (dead bool, err error) {
	tx := s.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	var j Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&j).Error; err != nil {
		_ = tx.Rollback()
		return false, err
	}

	now := time.Now().UTC()
	// attempt was already incremented at claim time
	if j.Attempt >= j.MaxAttempts {
		if err := tx.Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
			"status":           StatusDead,
			"last_error":       errMsg,
			"dedupe_key":       nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error; err != nil {
			_ = tx.Rollback()
			return false, err
		}
		if err := tx.Commit().Error; err != nil {
			return false, err
		}
		return true, nil
	}

	delay := BackoffWithJitter(baseBackoff, j.Attempt)
	if err := tx.Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":           StatusPending,
		"last_error":       errMsg,
		"lease_expires_at": nil,
		"next_run_at":      now.Add(delay).UTC(),
		"updated_at":       now,
	}).Error; err != nil {
		_ = tx.Rollback()
		return false, err
	}

	if err := tx.Commit().Error; err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseToWaiting returns an in-flight job to pending without consuming an
// attempt. Used when a worker could not acquire the source lock: the job is
// fine, the source is just busy.
func (s *Store) ReleaseToWaiting(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusInFlight).
		Updates(map[string]any{
			"status":           StatusPending,
			"attempt":          gorm.Expr("GREATEST(attempt - 1, 0)"),
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns jobs filtered by status ("all" for every status), newest first.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.DB.WithContext(ctx).Model(&Job{}).Order("created_at DESC").Limit(limit)
	if status != "" && status != "all" {
		q = q.Where("status = ?", status)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) CountsByStatus(ctx context.Context) (Counts, error) {
	var c Counts
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return c, err
	}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			c.Pending = r.N
		case StatusInFlight:
			c.InFlight = r.N
		case StatusCompleted:
			c.Completed = r.N
		case StatusDead:
			c.Dead = r.N
		}
	}
	return c, nil
}

func (s *Store) intakePaused(ctx context.Context) (bool, error) {
	var ctl control
	err := s.DB.WithContext(ctx).Where("name = ?", controlRow).First(&ctl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ctl.Paused, nil
}

func (s *Store) setIntakePaused(ctx context.Context, paused bool) error {
	ctl := control{Name: controlRow, Paused: paused, UpdatedAt: time.Now().UTC()}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused", "updated_at"}),
	}).Create(&ctl).Error
}

// DrainResult reports the outcome of DrainAndClear.
type DrainResult struct {
	Purged          int64  `json:"purged"`
	ActiveRemaining int64  `json:"active_remaining"`
	TimedOut        bool   `json:"timed_out"`
	Counts          Counts `json:"counts"`
}

// DrainAndClear resets the queue: intake is paused first, then in-flight jobs
// are awaited up to waitTimeout, then pending/completed/dead rows are purged
// and intake resumes. Jobs still in flight after the timeout keep running but
// are no longer awaited.
func (s *Store) DrainAndClear(ctx context.Context, waitTimeout time.Duration) (DrainResult, error) {
	var res DrainResult

	if err := s.setIntakePaused(ctx, true); err != nil {
		return res, err
	}
	defer func() {
		if err := s.setIntakePaused(ctx, false); err != nil {
			log.Printf("queue: resume intake after drain: %v", err)
		}
	}()

	deadline := time.Now().Add(waitTimeout)
	for {
		var active int64
		if err := s.DB.WithContext(ctx).Model(&Job{}).Where("status = ?", StatusInFlight).Count(&active).Error; err != nil {
			return res, err
		}
		if active == 0 {
			break
		}
		if time.Now().After(deadline) {
			res.TimedOut = true
			res.ActiveRemaining = active
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	del := s.DB.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusCompleted, StatusDead}).
		Delete(&Job{})
	if del.Error != nil {
		return res, del.Error
	}
	res.Purged = del.RowsAffected

	counts, err := s.CountsByStatus(ctx)
	if err != nil {
		return res, err
	}
	res.Counts = counts
	return res, nil
}

// BackoffWithJitter computes exponential backoff based on the attempt number.
// attempt is 1-based
func BackoffWithJitter(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}

	// base * 2^(attempt - 1)
	delay := base << (attempt - 1)
	// apply jitter +/-10%
	jitterFrac := 0.10
	nowNs := time.Now().UTC().UnixNano()
	// pseudo-random but deterministic-enough without math/rand seeding
	sign := int64(1)
	if nowNs&1 == 0 {
		sign = -1
	}
	jitter := time.Duration(float64(delay) * jitterFrac)
	return delay + time.Duration(sign)*jitter/2
}
