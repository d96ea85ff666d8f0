package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/events"
	"github.com/settrack/settrack/internal/queue"
	"github.com/settrack/settrack/internal/scheduler"
)

type fakeBroker struct {
	jobs        map[string]*queue.Job
	enqueueErr  error
	drainCalled bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{jobs: map[string]*queue.Job{}}
}

func (b *fakeBroker) Enqueue(_ context.Context, jobType, source, target string, _ any, _ ...queue.EnqueueOption) (*queue.Job, error) {
	if b.enqueueErr != nil {
		return nil, b.enqueueErr
	}
	j := &queue.Job{ID: fmt.Sprintf("j-%d", len(b.jobs)+1), Type: jobType, Source: source, Target: target, Status: queue.StatusPending}
	b.jobs[j.ID] = j
	return j, nil
}

func (b *fakeBroker) EnqueueBulk(ctx context.Context, items []queue.BulkItem) queue.BulkResult {
	var res queue.BulkResult
	for _, it := range items {
		j, err := b.Enqueue(ctx, it.Type, it.Source, it.Target, it.Payload)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Jobs = append(res.Jobs, j)
	}
	return res
}

func (b *fakeBroker) Get(_ context.Context, id string) (*queue.Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: no job", queue.ErrUnavailable)
	}
	return j, nil
}

func (b *fakeBroker) List(_ context.Context, _ string, _ int) ([]queue.Job, error) {
	var out []queue.Job
	for _, j := range b.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (b *fakeBroker) CountsByStatus(context.Context) (queue.Counts, error) {
	return queue.Counts{Pending: int64(len(b.jobs))}, nil
}

func (b *fakeBroker) DrainAndClear(context.Context, time.Duration) (queue.DrainResult, error) {
	b.drainCalled = true
	n := int64(len(b.jobs))
	b.jobs = map[string]*queue.Job{}
	return queue.DrainResult{Purged: n}, nil
}

type fakeScheduler struct {
	summary scheduler.Summary
	preview []scheduler.Candidate
}

func (s *fakeScheduler) RunNow(context.Context) scheduler.Summary { return s.summary }
func (s *fakeScheduler) PreviewDueWork(context.Context) ([]scheduler.Candidate, error) {
	return s.preview, nil
}

func newTestServer(b *fakeBroker, sched *fakeScheduler) *httptest.Server {
	srv := NewServer(b, sched, events.NewHub(8), time.Second, zap.NewNop())
	return httptest.NewServer(srv.Router([]string{"*"}))
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestEnqueueEndpoint(t *testing.T) {
	b := newFakeBroker()
	ts := newTestServer(b, &fakeScheduler{})
	defer ts.Close()

	resp, out := postJSON(t, ts.URL+"/api/jobs", map[string]any{
		"type": "scrape.marketlist", "source": "marketlist", "target": "31113-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["success"] != true {
		t.Fatalf("body = %v", out)
	}
	if len(b.jobs) != 1 {
		t.Fatalf("broker has %d jobs", len(b.jobs))
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts := newTestServer(newFakeBroker(), &fakeScheduler{})
	defer ts.Close()

	resp, out := postJSON(t, ts.URL+"/api/jobs", map[string]any{"type": "scrape.marketlist"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out["success"] != false {
		t.Fatalf("body = %v", out)
	}
}

func TestEnqueueUnavailableBrokerIs503(t *testing.T) {
	b := newFakeBroker()
	b.enqueueErr = fmt.Errorf("dial tcp: %w", queue.ErrUnavailable)
	ts := newTestServer(b, &fakeScheduler{})
	defer ts.Close()

	resp, _ := postJSON(t, ts.URL+"/api/jobs", map[string]any{
		"type": "scrape.marketlist", "source": "marketlist", "target": "31113-1",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestBulkEnqueueReportsPartialFailures(t *testing.T) {
	ts := newTestServer(newFakeBroker(), &fakeScheduler{})
	defer ts.Close()

	resp, out := postJSON(t, ts.URL+"/api/jobs/bulk", []map[string]any{
		{"type": "scrape.marketlist", "source": "marketlist", "target": "31113-1"},
		{"type": "scrape.marketlist"}, // missing target
		{"type": "scrape.priceguide", "source": "priceguide", "target": "75192-1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, partial failure should still be 200", resp.StatusCode)
	}
	if out["success"] != false {
		t.Fatalf("success = %v with a failing item", out["success"])
	}
	if got := out["enqueued"].(float64); got != 2 {
		t.Fatalf("enqueued = %v, want 2", got)
	}
	if errs := out["errors"].([]any); len(errs) != 1 {
		t.Fatalf("errors = %v, want 1", errs)
	}
}

func TestCountsAndReset(t *testing.T) {
	b := newFakeBroker()
	ts := newTestServer(b, &fakeScheduler{})
	defer ts.Close()

	postJSON(t, ts.URL+"/api/jobs", map[string]any{
		"type": "scrape.marketlist", "source": "marketlist", "target": "31113-1",
	})

	_, out := getJSON(t, ts.URL+"/api/queue/counts")
	counts := out["counts"].(map[string]any)
	if counts["pending"].(float64) != 1 {
		t.Fatalf("counts = %v", counts)
	}

	resp, out := postJSON(t, ts.URL+"/api/queue/reset", map[string]any{})
	if resp.StatusCode != http.StatusOK || !b.drainCalled {
		t.Fatalf("reset: status=%d drained=%v", resp.StatusCode, b.drainCalled)
	}
	result := out["result"].(map[string]any)
	if result["purged"].(float64) != 1 {
		t.Fatalf("result = %v", result)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	sched := &fakeScheduler{
		summary: scheduler.Summary{Found: 10, Enqueued: 10, Errors: []string{}},
		preview: []scheduler.Candidate{
			{Category: "missing", Source: "marketlist", Target: "31113-1", Priority: queue.PriorityHigh},
		},
	}
	ts := newTestServer(newFakeBroker(), sched)
	defer ts.Close()

	resp, out := postJSON(t, ts.URL+"/api/scheduler/run", map[string]any{})
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("run: status=%d body=%v", resp.StatusCode, out)
	}
	sum := out["summary"].(map[string]any)
	if sum["found"].(float64) != 10 || sum["enqueued"].(float64) != 10 {
		t.Fatalf("summary = %v", sum)
	}

	_, out = getJSON(t, ts.URL+"/api/scheduler/preview")
	cands := out["candidates"].([]any)
	if len(cands) != 1 {
		t.Fatalf("candidates = %v", cands)
	}
}
