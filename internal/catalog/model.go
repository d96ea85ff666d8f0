// Package catalog stores the tracked sets and the price data scraped for
// them. It is the repository the scheduler queries for due work and the
// orchestrator writes results through.
package catalog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Set is one tracked collectible set identified by its marketplace id, for
// example "31113-1".
type Set struct {
	ID                  string `gorm:"type:char(36);primaryKey"`
	ExternalID          string `gorm:"size:64;uniqueIndex;not null"`
	Name                string `gorm:"size:255"`
	WatchActive         bool   `gorm:"not null;default:true;index"`
	RefreshIntervalDays int    `gorm:"not null;default:7"`
	LastFetchedAt       sql.NullTime
	NextDueAt           sql.NullTime `gorm:"index"`
	Version             int64        `gorm:"not null;default:0"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (Set) TableName() string { return "sets" }

// Snapshot is the latest normalized record for one set from one source.
// Volume is nullable on purpose: a source page that renders the price but
// omits sold-units yields a present snapshot with a NULL volume, which is a
// different state than having no snapshot at all.
type Snapshot struct {
	ID         string `gorm:"type:char(36);primaryKey"`
	SetID      string `gorm:"type:char(36);not null;uniqueIndex:uniq_set_source,priority:1"`
	Source     string `gorm:"size:64;not null;uniqueIndex:uniq_set_source,priority:2"`
	PriceCents int64  `gorm:"not null"`
	Currency   string `gorm:"size:8;not null"`
	Volume     sql.NullInt64
	FetchedAt  time.Time `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Snapshot) TableName() string { return "snapshots" }

// ContentHash identifies the observable content of a snapshot. Two
// snapshots with the same hash represent the same market state, so only
// the first of them earns a history row.
func (s Snapshot) ContentHash() string {
	vol := "null"
	if s.Volume.Valid {
		vol = fmt.Sprintf("%d", s.Volume.Int64)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s", s.SetID, s.Source, s.PriceCents, s.Currency, vol)))
	return hex.EncodeToString(sum[:])
}

// HistoryEntry is an append-only record of a snapshot whose content changed.
type HistoryEntry struct {
	ID          string `gorm:"type:char(36);primaryKey"`
	SetID       string `gorm:"type:char(36);not null;index:idx_hist_set_source,priority:1"`
	Source      string `gorm:"size:64;not null;index:idx_hist_set_source,priority:2"`
	PriceCents  int64  `gorm:"not null"`
	Currency    string `gorm:"size:8;not null"`
	Volume      sql.NullInt64
	ContentHash string    `gorm:"size:64;not null"`
	RecordedAt  time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

func (HistoryEntry) TableName() string { return "snapshot_history" }
