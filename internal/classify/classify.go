// Package classify maps scrape failures onto reschedule policy.
//
// Classification happens before the broker's generic retry logic: a
// rate-limited or under-maintenance source is an expected, cyclical condition
// and is converted into a delayed re-enqueue, never into a job failure. Only
// Transient falls through to the broker's attempt counter.
package classify

import (
	"errors"
	"fmt"
	"time"

	"github.com/settrack/settrack/internal/queue"
)

type Class int

const (
	Transient Class = iota
	RateLimited
	UnderMaintenance
	NotFound
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case UnderMaintenance:
		return "under_maintenance"
	case NotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// RateLimitedError signals an HTTP 403/429-equivalent response from a source.
// Consecutive carries the per-domain consecutive-block counter maintained in
// the shared store; it keys the progressive backoff.
type RateLimitedError struct {
	Domain      string
	StatusCode  int
	RetryAfter  time.Duration
	Consecutive int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s (http %d, consecutive %d)", e.Domain, e.StatusCode, e.Consecutive)
}

// MaintenanceError signals a recognized maintenance-page signature.
// EstimatedDown is the source-announced outage length, zero when unknown.
type MaintenanceError struct {
	Source        string
	EstimatedDown time.Duration
}

func (e *MaintenanceError) Error() string {
	return fmt.Sprintf("source %s under maintenance", e.Source)
}

// NotFoundError signals a well-formed empty result: HTTP 200 with zero
// matches. The target is legitimately absent right now, which is different
// from a scrape defect.
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no listings for %s", e.Target)
}

const (
	maintenanceDefaultWindow = 2 * time.Hour
	notFoundHorizon          = 90 * 24 * time.Hour
)

// Outcome is the policy verdict for one failure.
type Outcome struct {
	Class    Class
	Requeue  bool          // re-enqueue a replacement job and complete the original
	Delay    time.Duration // replacement job delay, when Requeue
	Priority int           // replacement job priority, when Requeue
}

// Classify maps err to its failure class and reschedule policy.
func Classify(err error) Outcome {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return Outcome{
			Class:    RateLimited,
			Requeue:  true,
			Delay:    rateLimitDelay(rl.Consecutive),
			Priority: queue.PriorityMedium,
		}
	}

	var mt *MaintenanceError
	if errors.As(err, &mt) {
		delay := mt.EstimatedDown
		if delay <= 0 {
			delay = maintenanceDefaultWindow
		}
		// High priority: resume quickly once the outage ends.
		return Outcome{
			Class:    UnderMaintenance,
			Requeue:  true,
			Delay:    delay,
			Priority: queue.PriorityHigh,
		}
	}

	var nf *NotFoundError
	if errors.As(err, &nf) {
		// Sources occasionally backfill old entries; one far-future retry.
		return Outcome{
			Class:    NotFound,
			Requeue:  true,
			Delay:    notFoundHorizon,
			Priority: queue.PriorityLow,
		}
	}

	return Outcome{Class: Transient}
}

// rateLimitDelay is progressive per the consecutive-block counter for the
// domain: first block waits an hour, persistent blocking backs off to a day.
func rateLimitDelay(consecutive int) time.Duration {
	switch {
	case consecutive <= 1:
		return 1 * time.Hour
	case consecutive == 2:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}
