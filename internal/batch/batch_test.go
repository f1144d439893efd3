package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
)

type fakeAnalyzer struct {
	calls int
}

func (f *fakeAnalyzer) ExtractAndAnalyze(ctx context.Context, record analyzer.RecordInput) ([]vectorstore.Concept, error) {
	f.calls++
	return []vectorstore.Concept{
		{Title: "concept for " + record.Topic, AnalyzedType: "erlebnisse", Confidence: 0.8, Mood: "neutral"},
	}, nil
}

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewQueue(s), s
}

func TestEnqueueAndClaimTransitionsStatus(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Enqueue("reanalyze", []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected pending, got %q", job.Status)
	}
	if job.ProgressTotal != 3 {
		t.Fatalf("expected progress_total 3, got %d", job.ProgressTotal)
	}

	claimed, err := q.ClaimNext()
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim job %s, got %+v", job.ID, claimed)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("expected running after claim, got %q", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Fatal("expected started_at set after claim")
	}

	// Nothing else pending.
	second, err := q.ClaimNext()
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if second != nil {
		t.Fatalf("expected empty queue, claimed %+v", second)
	}
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	q, _ := newTestQueue(t)

	first, _ := q.Enqueue("reanalyze", []int64{1})
	time.Sleep(5 * time.Millisecond)
	q.Enqueue("reanalyze", []int64{2})

	claimed, err := q.ClaimNext()
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("expected oldest job first, got %s want %s", claimed.ID, first.ID)
	}
}

func TestRunnerWorksJobToCompletion(t *testing.T) {
	q, s := newTestQueue(t)

	id1, _ := s.Insert("erlebnisse", "topic one", "content one", "2026-07-01")
	id2, _ := s.Insert("erlebnisse", "topic two", "content two", "2026-07-01")

	fa := &fakeAnalyzer{}
	r := NewRunner(q, s, fa, 10*time.Millisecond)

	job, err := q.Enqueue("reanalyze", []int64{id1, id2, 9999})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := q.Get(job.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Status == StatusCompleted {
			if got.ProgressCurrent != 3 {
				t.Fatalf("expected progress 3, got %d", got.ProgressCurrent)
			}
			results, err := q.ResultsForJob(job.ID)
			if err != nil {
				t.Fatalf("results failed: %v", err)
			}
			// The deleted/unknown record 9999 contributes no result.
			if len(results) != 2 {
				t.Fatalf("expected 2 results, got %d", len(results))
			}
			if results[0].AnalyzedType != "erlebnisse" {
				t.Fatalf("unexpected analyzed type %q", results[0].AnalyzedType)
			}
			if fa.calls != 2 {
				t.Fatalf("expected 2 analyzer calls, got %d", fa.calls)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not complete in time")
}

func TestListFiltersByStatus(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Enqueue("reanalyze", []int64{1})
	job2, _ := q.Enqueue("reanalyze", []int64{2})
	q.ClaimNext()
	q.Complete(job2.ID)

	pending, err := q.List(StatusPending, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	all, err := q.List("", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs total, got %d", len(all))
	}
	for _, j := range pending {
		if j.Status != StatusPending {
			t.Fatalf("status filter leaked %q", j.Status)
		}
	}
}
