package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a neutral envelope for job lifecycle events: claims, completions,
// reschedules, lock waits. Data can be any JSON payload from the producer.
type Event struct {
	JobID   string          `json:"job_id"`
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"` // info | warn | error | debug
	Kind    string          `json:"kind"`  // claimed | completed | rescheduled | failed | ...
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hub is an in-memory pub/sub broker for job events. Not process-safe;
// intended for the API process that serves the SSE streams.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Event]struct{} // jobID -> set of subscriber channels
	bufSize int
}

func NewHub(bufSize int) *Hub {
	return &Hub{
		subs:    make(map[string]map[chan Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel and an unsubscribe function.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, h.bufSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[jobID]
	if set == nil {
		set = make(map[chan Event]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[jobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		close(ch)
	}
}

// Publish sends an Event to all subscribers of its JobID.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	set := h.subs[ev.JobID]
	// copy keys to avoid holding lock while sending
	chs := make([]chan Event, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- ev:
		default:
			// drop if subscriber is slow
		}
	}
}
