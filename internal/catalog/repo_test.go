package catalog

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupTestRepo connects to a MySQL instance and ensures the schema exists.
// If the DB is unavailable, tests are skipped with an explanatory message.
func setupTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		dsn = "app:app@tcp(127.0.0.1:3306)/settrack?parseTime=true&charset=utf8mb4&loc=UTC"
	}

	repo, err := NewRepo(dsn)
	if err != nil {
		t.Skipf("skipping: cannot connect to DB: %v (run `docker compose up -d db`)", err)
	}
	sqlDB, err := repo.DB.DB()
	if err != nil {
		t.Skipf("skipping: cannot get sql DB: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Skipf("skipping: DB not reachable: %v (run `docker compose up -d db`)", err)
	}

	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	_ = repo.DB.Exec("DELETE FROM snapshot_history").Error
	_ = repo.DB.Exec("DELETE FROM snapshots").Error
	_ = repo.DB.Exec("DELETE FROM sets").Error

	return repo
}

func mustCreateSet(t *testing.T, repo *Repo, externalID string, active bool) *Set {
	t.Helper()
	s := &Set{ExternalID: externalID, Name: "Set " + externalID, WatchActive: active}
	if err := repo.CreateSet(context.Background(), s); err != nil {
		t.Fatalf("create set %s: %v", externalID, err)
	}
	return s
}

func TestSchedulingQueriesDistinguishMissingIncompleteDue(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	missing := mustCreateSet(t, repo, "31113-1", true)
	incomplete := mustCreateSet(t, repo, "75192-1", true)
	complete := mustCreateSet(t, repo, "10276-1", true)
	inactive := mustCreateSet(t, repo, "21318-1", false)
	_ = missing
	_ = inactive

	// incomplete has a snapshot but no volume; complete has both.
	err := repo.UpsertSnapshot(ctx, &Snapshot{
		SetID: incomplete.ID, Source: "marketlist", PriceCents: 12999, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("upsert incomplete: %v", err)
	}
	err = repo.UpsertSnapshot(ctx, &Snapshot{
		SetID: complete.ID, Source: "marketlist", PriceCents: 34999, Currency: "USD",
		Volume: sql.NullInt64{Int64: 12, Valid: true},
	})
	if err != nil {
		t.Fatalf("upsert complete: %v", err)
	}

	got, err := repo.FindMissingSnapshot(ctx, "marketlist", 100)
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "31113-1" {
		t.Fatalf("missing = %v, want exactly 31113-1", externalIDs(got))
	}

	got, err = repo.FindIncomplete(ctx, "marketlist", 100)
	if err != nil {
		t.Fatalf("find incomplete: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != "75192-1" {
		t.Fatalf("incomplete = %v, want exactly 75192-1", externalIDs(got))
	}

	// All active sets have a NULL next_due_at and count as due; the
	// inactive one never does.
	got, err = repo.FindDue(ctx, 100)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("due = %v, want 3 active sets", externalIDs(got))
	}
}

func externalIDs(sets []Set) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.ExternalID
	}
	return out
}

func TestHistoryAppendIsChangeGated(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	set := mustCreateSet(t, repo, "31113-1", true)

	snap := &Snapshot{
		SetID: set.ID, Source: "priceguide", PriceCents: 4599, Currency: "USD",
		Volume: sql.NullInt64{Int64: 87, Valid: true},
	}
	changed, err := repo.AppendHistoryIfChanged(ctx, snap)
	if err != nil || !changed {
		t.Fatalf("first append: changed=%v err=%v", changed, err)
	}

	// Same content again: no new row.
	again := &Snapshot{
		SetID: set.ID, Source: "priceguide", PriceCents: 4599, Currency: "USD",
		Volume: sql.NullInt64{Int64: 87, Valid: true},
	}
	changed, err = repo.AppendHistoryIfChanged(ctx, again)
	if err != nil {
		t.Fatalf("repeat append: %v", err)
	}
	if changed {
		t.Fatalf("unchanged snapshot produced a second history row")
	}

	// Price moves: new row.
	moved := &Snapshot{
		SetID: set.ID, Source: "priceguide", PriceCents: 4799, Currency: "USD",
		Volume: sql.NullInt64{Int64: 87, Valid: true},
	}
	changed, err = repo.AppendHistoryIfChanged(ctx, moved)
	if err != nil || !changed {
		t.Fatalf("changed append: changed=%v err=%v", changed, err)
	}

	var n int64
	if err := repo.DB.Model(&HistoryEntry{}).Where("set_id = ?", set.ID).Count(&n).Error; err != nil {
		t.Fatalf("count history: %v", err)
	}
	if n != 2 {
		t.Fatalf("history rows = %d, want 2", n)
	}
}

func TestNullVolumeIsDistinctFromZero(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	set := mustCreateSet(t, repo, "31113-1", true)

	withNull := &Snapshot{SetID: set.ID, Source: "marketlist", PriceCents: 999, Currency: "USD"}
	withZero := &Snapshot{
		SetID: set.ID, Source: "marketlist", PriceCents: 999, Currency: "USD",
		Volume: sql.NullInt64{Int64: 0, Valid: true},
	}
	if withNull.ContentHash() == withZero.ContentHash() {
		t.Fatalf("NULL volume and zero volume hash identically")
	}

	changed, err := repo.AppendHistoryIfChanged(ctx, withNull)
	if err != nil || !changed {
		t.Fatalf("append null: changed=%v err=%v", changed, err)
	}
	changed, err = repo.AppendHistoryIfChanged(ctx, withZero)
	if err != nil || !changed {
		t.Fatalf("append zero after null: changed=%v err=%v", changed, err)
	}
}

func TestMarkFetchedUsesCompareAndSwap(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	set := mustCreateSet(t, repo, "31113-1", true)
	set.RefreshIntervalDays = 7

	if err := repo.MarkFetched(ctx, set); err != nil {
		t.Fatalf("mark fetched: %v", err)
	}

	fresh, err := repo.FindByExternalID(ctx, "31113-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !fresh.LastFetchedAt.Valid || !fresh.NextDueAt.Valid {
		t.Fatalf("fetched timestamps not set: %+v", fresh)
	}
	wantNext := fresh.LastFetchedAt.Time.Add(7 * 24 * time.Hour)
	if d := fresh.NextDueAt.Time.Sub(wantNext); d > time.Minute || d < -time.Minute {
		t.Fatalf("next_due_at = %v, want ~%v", fresh.NextDueAt.Time, wantNext)
	}

	// A writer holding the old version loses.
	stale := &Set{ID: set.ID, Version: 0, RefreshIntervalDays: 7}
	err = repo.MarkFetched(ctx, stale)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale CAS: got %v, want ErrConcurrentModification", err)
	}
}

func TestUpsertSnapshotIsRerunSafe(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	set := mustCreateSet(t, repo, "31113-1", true)

	for i := 0; i < 2; i++ {
		snap := &Snapshot{
			ID: uuid.NewString(), SetID: set.ID, Source: "marketlist",
			PriceCents: int64(1000 + i), Currency: "USD",
		}
		if err := repo.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	var n int64
	if err := repo.DB.Model(&Snapshot{}).Where("set_id = ?", set.ID).Count(&n).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if n != 1 {
		t.Fatalf("snapshot rows = %d, want 1 after re-run", n)
	}
	var snap Snapshot
	if err := repo.DB.Where("set_id = ?", set.ID).First(&snap).Error; err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if snap.PriceCents != 1001 {
		t.Fatalf("price = %d, want latest write 1001", snap.PriceCents)
	}
}
