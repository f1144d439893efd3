// Package store implements the relational store adapter. It owns the
// durable `memories` table and is the only component that ever assigns a
// monotone integer record id.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyphae-dev/hyphae/internal/logging"
)

var log = logging.GetLogger("store")

// SchemaVersion is the current schema version for the relational store.
const SchemaVersion = 1

// Record is the durable unit of memory.
type Record struct {
	ID        int64
	Category  string
	Topic     string
	Content   string
	Date      string // ISO calendar day, local
	CreatedAt time.Time
}

// Store wraps a SQLite connection holding the memories table plus the
// analysis_jobs/analysis_results tables. Only one writer connection is
// ever opened, matching SQLite's single-writer model.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens (creating if necessary) the relational store at path and
// initializes its schema.
func Open(path string) (*Store, error) {
	log.Info("opening relational store", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("relational store ready", "path", path)
	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(coreSchema); err != nil {
		return fmt.Errorf("failed to create core schema: %w", err)
	}
	if _, err := s.db.Exec(batchSchema); err != nil {
		return fmt.Errorf("failed to create batch schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB returns the underlying *sql.DB so sibling packages (internal/batch) can
// use the tables Open creates in the same file without reaching into internals.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert persists a tentative record and returns its newly assigned id.
func (s *Store) Insert(category, topic, content, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO memories (category, topic, content, date, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, category, topic, content, date, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new record id: %w", err)
	}
	return id, nil
}

// Get retrieves a record by id, returning nil if it doesn't exist.
func (s *Store) Get(id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Record
	err := s.db.QueryRow(`
		SELECT id, category, topic, content, date, created_at
		FROM memories WHERE id = ?
	`, id).Scan(&r.ID, &r.Category, &r.Topic, &r.Content, &r.Date, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %d: %w", id, err)
	}
	return &r, nil
}

// Delete removes a record. Returns false if no row matched.
func (s *Store) Delete(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Relocate rewrites a record's category. Returns false if no row matched.
func (s *Store) Relocate(id int64, newCategory string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE memories SET category = ? WHERE id = ?`, newCategory, id)
	if err != nil {
		return false, fmt.Errorf("failed to relocate record %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// maxSearchResults is the adapter-defined ceiling for SearchBasic.
const maxSearchResults = 50

// SearchBasic performs a case-insensitive substring match over topic and
// content, optionally restricted to categories, newest first.
func (s *Store) SearchBasic(query string, categories []string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + query + "%"
	args := []interface{}{like, like}
	q := `
		SELECT id, category, topic, content, date, created_at
		FROM memories
		WHERE (topic LIKE ? COLLATE NOCASE OR content LIKE ? COLLATE NOCASE)
	`
	if len(categories) > 0 {
		placeholders, catArgs := inClause(categories)
		q += " AND category IN (" + placeholders + ")"
		args = append(args, catArgs...)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, maxSearchResults)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search_basic failed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByCategory returns the most recent records for a single category.
func (s *Store) ByCategory(category string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = maxSearchResults
	}
	rows, err := s.db.Query(`
		SELECT id, category, topic, content, date, created_at
		FROM memories WHERE category = ?
		ORDER BY created_at DESC LIMIT ?
	`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("by_category failed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recently created records across all categories.
func (s *Store) Recent(limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = maxSearchResults
	}
	rows, err := s.db.Query(`
		SELECT id, category, topic, content, date, created_at
		FROM memories ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Stats summarizes record counts per category.
type Stats struct {
	PerCategory map[string]int
	Total       int
}

// Stats returns the current record counts.
func (s *Store) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM memories GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}
	defer rows.Close()

	stats := &Stats{PerCategory: make(map[string]int)}
	for rows.Next() {
		var cat string
		var count int
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, fmt.Errorf("stats scan failed: %w", err)
		}
		stats.PerCategory[cat] = count
		stats.Total += count
	}
	return stats, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Category, &r.Topic, &r.Content, &r.Date, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func inClause(values []string) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}
