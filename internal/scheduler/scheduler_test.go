package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/catalog"
	"github.com/settrack/settrack/internal/queue"
)

type fakeRepo struct {
	missing    []catalog.Set
	incomplete []catalog.Set
	due        []catalog.Set
	missingErr error
}

func (r *fakeRepo) FindMissingSnapshot(_ context.Context, _ string, _ int) ([]catalog.Set, error) {
	if r.missingErr != nil {
		return nil, r.missingErr
	}
	return r.missing, nil
}

func (r *fakeRepo) FindIncomplete(_ context.Context, _ string, _ int) ([]catalog.Set, error) {
	return r.incomplete, nil
}

func (r *fakeRepo) FindDue(_ context.Context, _ int) ([]catalog.Set, error) {
	return r.due, nil
}

type fakeQueue struct {
	items []queue.BulkItem
}

func (q *fakeQueue) EnqueueBulk(_ context.Context, items []queue.BulkItem) queue.BulkResult {
	q.items = append(q.items, items...)
	res := queue.BulkResult{}
	for range items {
		res.Jobs = append(res.Jobs, &queue.Job{})
	}
	return res
}

func sets(ids ...string) []catalog.Set {
	out := make([]catalog.Set, len(ids))
	for i, id := range ids {
		out[i] = catalog.Set{ID: "id-" + id, ExternalID: id}
	}
	return out
}

func TestRunNowEnqueuesAllCategoriesWithPriorities(t *testing.T) {
	repo := &fakeRepo{
		missing:    sets("31113-1", "75192-1", "10276-1"),
		incomplete: sets("21318-1", "42115-1"),
		due:        sets("10295-1", "71043-1", "60198-1", "31120-1", "76139-1"),
	}
	q := &fakeQueue{}
	s := New(Config{Sources: []string{"marketlist"}}, repo, q, zap.NewNop())

	sum := s.RunNow(context.Background())

	if sum.Found != 10 || sum.Enqueued != 10 {
		t.Fatalf("summary = found:%d enqueued:%d, want 10/10", sum.Found, sum.Enqueued)
	}
	if len(sum.Errors) != 0 {
		t.Fatalf("errors = %v, want none", sum.Errors)
	}

	byPriority := map[int]int{}
	for _, it := range q.items {
		byPriority[it.Priority]++
	}
	if byPriority[queue.PriorityHigh] != 3 {
		t.Fatalf("high priority jobs = %d, want 3", byPriority[queue.PriorityHigh])
	}
	if byPriority[queue.PriorityMedium] != 2 {
		t.Fatalf("medium priority jobs = %d, want 2", byPriority[queue.PriorityMedium])
	}
	if byPriority[queue.PriorityNormal] != 5 {
		t.Fatalf("normal priority jobs = %d, want 5", byPriority[queue.PriorityNormal])
	}
}

func TestCategoryErrorDoesNotAbortOthers(t *testing.T) {
	repo := &fakeRepo{
		missingErr: errors.New("db timeout"),
		incomplete: sets("21318-1"),
		due:        sets("10295-1"),
	}
	q := &fakeQueue{}
	s := New(Config{Sources: []string{"marketlist"}}, repo, q, zap.NewNop())

	sum := s.RunNow(context.Background())

	if len(sum.Errors) == 0 {
		t.Fatalf("missing-category failure not reported")
	}
	// incomplete and due still ran.
	if sum.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want the 2 jobs from surviving categories", sum.Enqueued)
	}
}

func TestCadenceGatesSlowCategories(t *testing.T) {
	repo := &fakeRepo{
		missing: sets("31113-1"),
		due:     sets("10295-1"),
	}
	q := &fakeQueue{}
	s := New(Config{
		Sources:         []string{"marketlist"},
		IncompleteEvery: 6 * time.Hour,
		DueSweepEvery:   24 * time.Hour,
	}, repo, q, zap.NewNop())

	now := time.Now()
	first := s.pass(context.Background(), now)
	if len(first.Categories) != 3 {
		t.Fatalf("first pass ran %d categories, want all 3", len(first.Categories))
	}

	// An hour later only the missing category is due again.
	second := s.pass(context.Background(), now.Add(time.Hour))
	if len(second.Categories) != 1 || second.Categories[0].Category != "missing" {
		t.Fatalf("second pass categories = %+v, want just missing", second.Categories)
	}

	// Past the 6h mark the incomplete sweep joins in, the daily one not yet.
	third := s.pass(context.Background(), now.Add(7*time.Hour))
	if len(third.Categories) != 2 {
		t.Fatalf("third pass categories = %+v, want missing+incomplete", third.Categories)
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	repo := &fakeRepo{
		missing: sets("31113-1"),
		due:     sets("10295-1"),
	}
	q := &fakeQueue{}
	s := New(Config{Sources: []string{"marketlist"}}, repo, q, zap.NewNop())

	got, err := s.PreviewDueWork(context.Background())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("preview = %+v, want 2 candidates", got)
	}
	if len(q.items) != 0 {
		t.Fatalf("preview enqueued work: %+v", q.items)
	}
}
