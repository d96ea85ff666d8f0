// Package api exposes the administrative HTTP surface: enqueueing, queue
// inspection, queue reset, and scheduler triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/settrack/settrack/internal/events"
	"github.com/settrack/settrack/internal/queue"
	"github.com/settrack/settrack/internal/scheduler"
)

// broker is the queue surface the API drives.
type broker interface {
	Enqueue(ctx context.Context, jobType, source, target string, payload any, opts ...queue.EnqueueOption) (*queue.Job, error)
	EnqueueBulk(ctx context.Context, items []queue.BulkItem) queue.BulkResult
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, status string, limit int) ([]queue.Job, error)
	CountsByStatus(ctx context.Context) (queue.Counts, error)
	DrainAndClear(ctx context.Context, waitTimeout time.Duration) (queue.DrainResult, error)
}

// scheduling is the trigger surface the API exposes for the scheduler.
type scheduling interface {
	RunNow(ctx context.Context) scheduler.Summary
	PreviewDueWork(ctx context.Context) ([]scheduler.Candidate, error)
}

type Server struct {
	broker    broker
	sched     scheduling
	hub       *events.Hub
	log       *zap.Logger
	drainWait time.Duration
}

func NewServer(b broker, sched scheduling, hub *events.Hub, drainWait time.Duration, log *zap.Logger) *Server {
	if drainWait <= 0 {
		drainWait = 30 * time.Second
	}
	return &Server{broker: b, sched: sched, hub: hub, log: log, drainWait: drainWait}
}

// Router builds the chi handler with CORS for the given origins.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Post("/jobs/bulk", s.handleEnqueueBulk)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/events", s.handlePublishEvent)
		r.Get("/jobs/{id}/events/stream", s.handleStreamEvents)
		r.Get("/queue/counts", s.handleCounts)
		r.Post("/queue/reset", s.handleReset)
		r.Post("/scheduler/run", s.handleRunScheduler)
		r.Get("/scheduler/preview", s.handlePreview)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps broker unavailability to 503 so callers can tell "the store
// is down" apart from "your request is wrong".
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case queue.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "errors": []string{err.Error()}})
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "errors": []string{"not found"}})
	case errors.Is(err, queue.ErrIntakePaused):
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "errors": []string{err.Error()}})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "errors": []string{err.Error()}})
	}
}

type enqueueRequest struct {
	Type     string          `json:"type"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	DelaySec int             `json:"delay_seconds"`
}

func (r enqueueRequest) validate() error {
	if r.Type == "" || r.Source == "" || r.Target == "" {
		return fmt.Errorf("type, source and target are required")
	}
	return nil
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": []string{"invalid json"}})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": []string{err.Error()}})
		return
	}

	var opts []queue.EnqueueOption
	if req.Priority > 0 {
		opts = append(opts, queue.WithPriority(req.Priority))
	}
	if req.DelaySec > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySec)*time.Second))
	}
	job, err := s.broker.Enqueue(r.Context(), req.Type, req.Source, req.Target, req.Payload, opts...)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "job": job})
}

func (s *Server) handleEnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": []string{"invalid json"}})
		return
	}

	items := make([]queue.BulkItem, 0, len(reqs))
	errs := []string{}
	for i, req := range reqs {
		if err := req.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("item %d: %s", i, err))
			continue
		}
		items = append(items, queue.BulkItem{
			Type:     req.Type,
			Source:   req.Source,
			Target:   req.Target,
			Payload:  req.Payload,
			Priority: req.Priority,
			Delay:    time.Duration(req.DelaySec) * time.Second,
		})
	}

	res := s.broker.EnqueueBulk(r.Context(), items)
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	// Bulk operations partially fail by design; the summary carries both
	// sides rather than picking a single status for everything.
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  len(errs) == 0,
		"errors":   errs,
		"enqueued": len(res.Jobs),
		"jobs":     res.Jobs,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}
	jobs, err := s.broker.List(r.Context(), status, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "job": job})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.broker.CountsByStatus(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "counts": counts})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := s.broker.DrainAndClear(r.Context(), s.drainWait)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.log.Info("queue reset",
		zap.Int64("purged", res.Purged),
		zap.Int64("active_remaining", res.ActiveRemaining),
		zap.Bool("timed_out", res.TimedOut))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "result": res})
}

func (s *Server) handleRunScheduler(w http.ResponseWriter, r *http.Request) {
	sum := s.sched.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": len(sum.Errors) == 0,
		"errors":  sum.Errors,
		"summary": sum,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.sched.PreviewDueWork(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}, "candidates": candidates})
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level   string          `json:"level"`
		Kind    string          `json:"kind"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": []string{"invalid json"}})
		return
	}
	s.hub.Publish(events.Event{
		JobID:   chi.URLParam(r, "id"),
		TS:      time.Now().UTC(),
		Level:   body.Level,
		Kind:    body.Kind,
		Message: body.Message,
		Data:    body.Data,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "errors": []string{}})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := s.hub.Subscribe(id)
	defer unsub()
	enc := json.NewEncoder(w)
	fmt.Fprintf(w, ": subscribed to %s\n\n", id)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if ev.Kind != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Kind)
			}
			fmt.Fprintf(w, "data: ")
			_ = enc.Encode(ev)
			fmt.Fprintf(w, "\n")
			flusher.Flush()
		}
	}
}
