package store

// coreSchema is the memories table plus its indexes: category, date,
// created_at, and case-insensitive indexes to back SearchBasic. FTS5 is
// deliberately not used here: it matches whole tokens, and SearchBasic
// promises literal substring matching over topic and content, which a
// tokenizer cannot express for partial words. A plain LIKE scan keeps
// the contract honest.
const coreSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	topic TEXT NOT NULL,
	content TEXT NOT NULL,
	date TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
CREATE INDEX IF NOT EXISTS idx_memories_date ON memories(date);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_topic_nocase ON memories(topic COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_memories_content_nocase ON memories(content COLLATE NOCASE);
`

// batchSchema backs the background analysis-job queue (internal/batch).
// It lives in the same database file as memories so job rows and their
// record references share one transaction boundary.
const batchSchema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	job_type TEXT NOT NULL,
	record_ids_json TEXT NOT NULL,
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);

CREATE TABLE IF NOT EXISTS analysis_results (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES analysis_jobs(id) ON DELETE CASCADE,
	record_id INTEGER NOT NULL,
	analyzed_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	extracted_concepts_json TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_job ON analysis_results(job_id);
CREATE INDEX IF NOT EXISTS idx_analysis_results_record ON analysis_results(record_id);
`
