package graph

const schema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id             TEXT PRIMARY KEY,
	record_id      INTEGER NOT NULL UNIQUE,
	category       TEXT NOT NULL,
	topic          TEXT NOT NULL,
	content_digest TEXT NOT NULL,
	concepts       TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_edges (
	id         TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
	target_id  TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	strength   REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_type ON graph_edges(type);
`
