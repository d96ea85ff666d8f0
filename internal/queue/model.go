package queue

import "time"

const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// Priority values: lower is claimed first.
const (
	PriorityHigh   = 1
	PriorityMedium = 5
	PriorityNormal = 10
	PriorityLow    = 20
)

type Job struct {
	ID          string  `gorm:"primaryKey;type:char(36)" json:"id"`
	Type        string  `gorm:"type:varchar(64);not null;index" json:"type"`
	Source      string  `gorm:"type:varchar(64);not null;index" json:"source"`
	Target      string  `gorm:"type:varchar(128);not null" json:"target"`
	Payload     []byte  `gorm:"type:json;not null" json:"payload"`
	Status      string  `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Priority    int     `gorm:"type:int;not null;default:10;index" json:"priority"`
	Attempt     int     `gorm:"type:int;not null;default:0" json:"attempt"`
	MaxAttempts int     `gorm:"type:int;not null;default:5" json:"max_attempts"`
	LastError   *string `gorm:"type:text" json:"last_error,omitempty"`
	// DedupeKey is derived from (type, target). The unique index refuses a
	// second live job for the same target; the key is cleared on terminal
	// transitions so finished targets can be enqueued again.
	DedupeKey      *string    `gorm:"type:varchar(200);uniqueIndex" json:"dedupe_key,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"type:datetime(6);index" json:"lease_expires_at,omitempty"`
	NextRunAt      time.Time  `gorm:"type:datetime(6);not null;index" json:"next_run_at"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// DedupeKeyFor derives the deduplication key from a job's identity.
func DedupeKeyFor(jobType, target string) string { return jobType + ":" + target }

// control is a single-row table used as the cross-process intake gate.
// Enqueue refuses work while Paused is set; DrainAndClear sets it before
// purging so no new jobs land mid-purge.
type control struct {
	Name      string    `gorm:"primaryKey;type:varchar(32)"`
	Paused    bool      `gorm:"not null;default:false"`
	UpdatedAt time.Time `gorm:"type:datetime(6);not null"`
}

func (control) TableName() string { return "queue_control" }

const controlRow = "default"

// Counts is a point-in-time census of the queue, keyed by job status.
type Counts struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}
