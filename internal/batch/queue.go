// Package batch implements the background analysis-job queue: a durable
// job table in the relational store's database file, a results table,
// and a single polling runner that claims pending jobs and feeds their
// records through the analyzer.
package batch

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/store"
)

var log = logging.GetLogger("batch")

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one queued analysis request over a set of record ids.
type Job struct {
	ID              string
	Status          string
	JobType         string
	RecordIDs       []int64
	ProgressCurrent int
	ProgressTotal   int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
}

// Result is one per-record analysis outcome attached to a job.
type Result struct {
	ID                string
	JobID             string
	RecordID          int64
	AnalyzedType      string
	Confidence        float64
	ExtractedConcepts []string
	Metadata          map[string]interface{}
	CreatedAt         time.Time
}

// Queue persists jobs and results in the same database file as the
// memories table, so a job and the records it references live or die
// together.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue builds a Queue over the relational store's connection. The
// schema is created by store.Open.
func NewQueue(s *store.Store) *Queue {
	return &Queue{db: s.DB()}
}

// Enqueue creates a pending job for the given record ids.
func (q *Queue) Enqueue(jobType string, recordIDs []int64) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idsJSON, err := json.Marshal(recordIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record ids: %w", err)
	}

	job := &Job{
		ID:            uuid.New().String(),
		Status:        StatusPending,
		JobType:       jobType,
		RecordIDs:     recordIDs,
		ProgressTotal: len(recordIDs),
		CreatedAt:     time.Now(),
	}

	_, err = q.db.Exec(`
		INSERT INTO analysis_jobs (id, status, job_type, record_ids_json, progress_current, progress_total, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, job.ID, job.Status, job.JobType, string(idsJSON), job.ProgressTotal, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info("enqueued analysis job", "job_id", job.ID, "type", jobType, "records", len(recordIDs))
	return job, nil
}

// Get retrieves a job by id, nil if it doesn't exist.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, status, job_type, record_ids_json, progress_current, progress_total,
		       created_at, started_at, completed_at, error_message
		FROM analysis_jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// List returns jobs newest-first, optionally filtered by status.
func (q *Queue) List(status string, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, status, job_type, record_ids_json, progress_current, progress_total,
		       created_at, started_at, completed_at, error_message
		FROM analysis_jobs
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically flips the oldest pending job to running and
// returns it, or nil when the queue is empty.
func (q *Queue) ClaimNext() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, status, job_type, record_ids_json, progress_current, progress_total,
		       created_at, started_at, completed_at, error_message
		FROM analysis_jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`, StatusPending)
	job, err := scanJob(row)
	if err != nil || job == nil {
		return nil, err
	}

	now := time.Now()
	res, err := q.db.Exec(`
		UPDATE analysis_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusRunning, now, job.ID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	job.Status = StatusRunning
	job.StartedAt = &now
	return job, nil
}

// Progress updates a running job's progress counter.
func (q *Queue) Progress(jobID string, current int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`UPDATE analysis_jobs SET progress_current = ? WHERE id = ?`, current, jobID)
	return err
}

// Complete marks a job completed.
func (q *Queue) Complete(jobID string) error {
	return q.finish(jobID, StatusCompleted, "")
}

// Fail marks a job failed with a message.
func (q *Queue) Fail(jobID, message string) error {
	return q.finish(jobID, StatusFailed, message)
}

func (q *Queue) finish(jobID, status, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
		UPDATE analysis_jobs SET status = ?, completed_at = ?, error_message = ? WHERE id = ?
	`, status, time.Now(), nullIfEmpty(message), jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	return nil
}

// AddResult attaches one per-record analysis outcome to a job.
func (q *Queue) AddResult(r *Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	conceptsJSON, err := json.Marshal(r.ExtractedConcepts)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted concepts: %w", err)
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal result metadata: %w", err)
	}

	_, err = q.db.Exec(`
		INSERT INTO analysis_results (id, job_id, record_id, analyzed_type, confidence, extracted_concepts_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.JobID, r.RecordID, r.AnalyzedType, r.Confidence, string(conceptsJSON), string(metadataJSON), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store analysis result: %w", err)
	}
	return nil
}

// ResultsForJob returns a job's results in insertion order.
func (q *Queue) ResultsForJob(jobID string) ([]*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT id, job_id, record_id, analyzed_type, confidence, extracted_concepts_json, metadata_json, created_at
		FROM analysis_results WHERE job_id = ? ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		var r Result
		var conceptsJSON, metadataJSON string
		if err := rows.Scan(&r.ID, &r.JobID, &r.RecordID, &r.AnalyzedType, &r.Confidence, &conceptsJSON, &metadataJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		json.Unmarshal([]byte(conceptsJSON), &r.ExtractedConcepts)
		json.Unmarshal([]byte(metadataJSON), &r.Metadata)
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var idsJSON string
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&j.ID, &j.Status, &j.JobType, &idsJSON, &j.ProgressCurrent, &j.ProgressTotal,
		&j.CreatedAt, &startedAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &j.RecordIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record ids for job %s: %w", j.ID, err)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	return &j, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
