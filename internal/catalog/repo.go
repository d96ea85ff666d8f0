package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrConcurrentModification is returned when a compare-and-swap on a set
// record loses to a concurrent writer. Callers retry with fresh state
// instead of overwriting it.
var ErrConcurrentModification = errors.New("catalog: concurrent modification")

// ErrNotFound is returned when a requested set does not exist.
var ErrNotFound = errors.New("catalog: set not found")

type Repo struct {
	DB *gorm.DB
}

func NewRepo(dsn string) (*Repo, error) {
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
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	return &Repo{DB: db}, nil
}

func (r *Repo) AutoMigrate() error {
	return r.DB.AutoMigrate(&Set{}, &Snapshot{}, &HistoryEntry{})
}

// FindByExternalID looks a set up by its marketplace id.
func (r *Repo) FindByExternalID(ctx context.Context, externalID string) (*Set, error) {
	var s Set
	err := r.DB.WithContext(ctx).Where("external_id = ?", externalID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: find %s: %w", externalID, err)
	}
	return &s, nil
}

// FindMissingSnapshot returns watched sets that have no snapshot at all from
// the given source. These are the highest-priority scheduling candidates.
func (r *Repo) FindMissingSnapshot(ctx context.Context, source string, limit int) ([]Set, error) {
	var sets []Set
	err := r.DB.WithContext(ctx).
		Where("watch_active = ?", true).
		Where("id NOT IN (?)",
			r.DB.Model(&Snapshot{}).Select("set_id").Where("source = ?", source)).
		Order("created_at ASC").
		Limit(limit).
		Find(&sets).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: missing snapshot for %s: %w", source, err)
	}
	return sets, nil
}

// FindIncomplete returns watched sets whose snapshot from the given source
// exists but lacks volume data. Snapshot-absent and volume-NULL are distinct
// states and schedule at different priorities.
func (r *Repo) FindIncomplete(ctx context.Context, source string, limit int) ([]Set, error) {
	var sets []Set
	err := r.DB.WithContext(ctx).
		Joins("JOIN snapshots ON snapshots.set_id = sets.id AND snapshots.source = ?", source).
		Where("sets.watch_active = ?", true).
		Where("snapshots.volume IS NULL").
		Order("sets.created_at ASC").
		Limit(limit).
		Find(&sets).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: incomplete for %s: %w", source, err)
	}
	return sets, nil
}

// FindDue returns watched sets whose next refresh time has passed or was
// never set.
func (r *Repo) FindDue(ctx context.Context, limit int) ([]Set, error) {
	var sets []Set
	err := r.DB.WithContext(ctx).
		Where("watch_active = ?", true).
		Where("next_due_at IS NULL OR next_due_at <= ?", time.Now().UTC()).
		Order("next_due_at ASC").
		Limit(limit).
		Find(&sets).Error
	if err != nil {
		return nil, fmt.Errorf("catalog: due sets: %w", err)
	}
	return sets, nil
}

// UpsertSnapshot writes the latest snapshot for (set, source), replacing any
// previous one. Re-running the same persist is safe.
func (r *Repo) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	return r.upsertSnapshot(r.DB.WithContext(ctx), snap)
}

func (r *Repo) upsertSnapshot(tx *gorm.DB, snap *Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "set_id"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"price_cents", "currency", "volume", "fetched_at", "updated_at",
		}),
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("catalog: upsert snapshot %s/%s: %w", snap.SetID, snap.Source, err)
	}
	return nil
}

// AppendHistoryIfChanged appends a history row for snap unless the most
// recent history row for the same (set, source) carries the same content
// hash. Persisting an unchanged snapshot twice therefore yields one row.
func (r *Repo) AppendHistoryIfChanged(ctx context.Context, snap *Snapshot) (bool, error) {
	return r.appendHistoryIfChanged(r.DB.WithContext(ctx), snap)
}

func (r *Repo) appendHistoryIfChanged(tx *gorm.DB, snap *Snapshot) (bool, error) {
	hash := snap.ContentHash()

	var last HistoryEntry
	err := tx.
		Where("set_id = ? AND source = ?", snap.SetID, snap.Source).
		Order("recorded_at DESC, id DESC").
		First(&last).Error
	switch {
	case err == nil:
		if last.ContentHash == hash {
			return false, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First observation for this pair.
	default:
		return false, fmt.Errorf("catalog: read history %s/%s: %w", snap.SetID, snap.Source, err)
	}

	entry := HistoryEntry{
		ID:          uuid.NewString(),
		SetID:       snap.SetID,
		Source:      snap.Source,
		PriceCents:  snap.PriceCents,
		Currency:    snap.Currency,
		Volume:      snap.Volume,
		ContentHash: hash,
		RecordedAt:  snap.FetchedAt,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return false, fmt.Errorf("catalog: append history %s/%s: %w", snap.SetID, snap.Source, err)
	}
	return true, nil
}

// MarkFetched records a successful scrape of the set: moves last_fetched_at
// to now, recomputes next_due_at from the refresh interval, and bumps the
// version. The update is a compare-and-swap on the version the caller read;
// losing the race returns ErrConcurrentModification.
func (r *Repo) MarkFetched(ctx context.Context, set *Set) error {
	return r.markFetched(r.DB.WithContext(ctx), set)
}

func (r *Repo) markFetched(tx *gorm.DB, set *Set) error {
	now := time.Now().UTC()
	next := now.Add(time.Duration(set.RefreshIntervalDays) * 24 * time.Hour)

	res := tx.Model(&Set{}).
		Where("id = ? AND version = ?", set.ID, set.Version).
		Updates(map[string]any{
			"last_fetched_at": now,
			"next_due_at":     next,
			"version":         set.Version + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("catalog: mark fetched %s: %w", set.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	set.Version++
	return nil
}

// PersistResult applies one successful scrape atomically: snapshot upsert,
// change-gated history append, and the set bookkeeping CAS in a single
// transaction so a crash mid-persist cannot leave them disagreeing.
func (r *Repo) PersistResult(ctx context.Context, set *Set, snap *Snapshot) (changed bool, err error) {
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.upsertSnapshot(tx, snap); err != nil {
			return err
		}
		var txErr error
		changed, txErr = r.appendHistoryIfChanged(tx, snap)
		if txErr != nil {
			return txErr
		}
		return r.markFetched(tx, set)
	})
	return changed, err
}

// CreateSet registers a new tracked set.
func (r *Repo) CreateSet(ctx context.Context, s *Set) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.RefreshIntervalDays <= 0 {
		s.RefreshIntervalDays = 7
	}
	if err := r.DB.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("catalog: create set %s: %w", s.ExternalID, err)
	}
	return nil
}
