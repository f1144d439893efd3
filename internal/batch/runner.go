package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyphae-dev/hyphae/internal/analyzer"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/internal/vectorstore"
)

// Analyzer is the slice of the analyzer gateway the runner needs.
// *analyzer.Client satisfies it; tests substitute fakes.
type Analyzer interface {
	ExtractAndAnalyze(ctx context.Context, record analyzer.RecordInput) ([]vectorstore.Concept, error)
}

// Runner polls the queue and works claimed jobs one at a time. A single
// runner per process is enough: jobs are batches, not latency-sensitive
// requests, and one-at-a-time keeps analyzer pressure predictable.
type Runner struct {
	queue    *Queue
	store    *store.Store
	analyzer Analyzer
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewRunner builds a Runner polling at the given interval.
func NewRunner(q *Queue, s *store.Store, a Analyzer, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{queue: q, store: s, analyzer: a, interval: interval}
}

// Start launches the polling goroutine. Calling Start on a running
// Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop(ctx)
	log.Info("batch runner started", "interval", r.interval)
}

// Stop signals the polling goroutine and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	done := r.done
	r.mu.Unlock()

	<-done
	log.Info("batch runner stopped")
}

// IsRunning reports whether the polling goroutine is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain works every claimable job before going back to sleep.
func (r *Runner) drain(ctx context.Context) {
	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.queue.ClaimNext()
		if err != nil {
			log.Error("failed to claim next job", "error", err)
			return
		}
		if job == nil {
			return
		}
		r.runJob(ctx, job)
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	log.Info("running analysis job", "job_id", job.ID, "records", len(job.RecordIDs))

	for i, recordID := range job.RecordIDs {
		select {
		case <-r.stopChan:
			r.queue.Fail(job.ID, "runner stopped mid-job")
			return
		case <-ctx.Done():
			r.queue.Fail(job.ID, "context cancelled mid-job")
			return
		default:
		}

		if err := r.analyzeRecord(ctx, job.ID, recordID); err != nil {
			log.Warn("record analysis failed, continuing job", "job_id", job.ID, "record_id", recordID, "error", err)
		}
		r.queue.Progress(job.ID, i+1)
	}

	if err := r.queue.Complete(job.ID); err != nil {
		log.Error("failed to mark job completed", "job_id", job.ID, "error", err)
	}
	log.Info("analysis job completed", "job_id", job.ID)
}

func (r *Runner) analyzeRecord(ctx context.Context, jobID string, recordID int64) error {
	record, err := r.store.Get(recordID)
	if err != nil {
		return fmt.Errorf("failed to load record %d: %w", recordID, err)
	}
	if record == nil {
		// The record may have been deleted since the job was enqueued;
		// that is not a job failure.
		return nil
	}

	concepts, err := r.analyzer.ExtractAndAnalyze(ctx, analyzer.RecordInput{
		Category:  record.Category,
		Topic:     record.Topic,
		Content:   record.Content,
		Date:      record.Date,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		return err
	}
	if len(concepts) == 0 {
		return nil
	}

	titles := make([]string, 0, len(concepts))
	for _, c := range concepts {
		titles = append(titles, c.Title)
	}

	return r.queue.AddResult(&Result{
		JobID:             jobID,
		RecordID:          recordID,
		AnalyzedType:      concepts[0].AnalyzedType,
		Confidence:        concepts[0].Confidence,
		ExtractedConcepts: titles,
		Metadata: map[string]interface{}{
			"concept_count": len(concepts),
			"mood":          concepts[0].Mood,
		},
	})
}
