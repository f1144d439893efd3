// Package graph implements the graph store adapter: one node per record
// plus typed edges between them. It is a second, independent
// SQLite-backed store (its own file) so that deleting a tentative row
// from the relational store never touches graph state.
package graph

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyphae-dev/hyphae/internal/logging"
)

var log = logging.GetLogger("graph")

// Edge type constants.
const (
	EdgeSameCategory     = "SAME_CATEGORY"
	EdgeConceptSimilar   = "CONCEPT_SIMILAR"
	EdgeHighlySimilar    = "HIGHLY_SIMILAR"
	EdgeTemporalAdjacent = "TEMPORAL_ADJACENT"
	EdgeRelatedTo        = "RELATED_TO"
)

// Node is the graph-side representation of a record.
type Node struct {
	ID            string
	RecordID      int64
	Category      string
	Topic         string
	ContentDigest string
	Concepts      []string
	CreatedAt     time.Time
}

// RecordRef is the lightweight record identity a graph node remembers;
// concept and neighborhood searches surface these rather than full
// Record bodies, since the graph only ever stores a digest of content.
// NodeID lets callers correlate a record with the edges returned from
// the same traversal.
type RecordRef struct {
	NodeID   string
	RecordID int64
	Category string
	Topic    string
}

// RelatedCandidate is a scored candidate neighbor from FindRelated.
type RelatedCandidate struct {
	Node         Node
	OverlapScore float64
}

// Relationship describes one traversed edge in a Neighborhood result.
type Relationship struct {
	SourceNodeID string
	TargetNodeID string
	Type         string
	Strength     float64
}

// Neighborhood is the result of an N-hop traversal.
type Neighborhood struct {
	Nodes          []RecordRef
	Relationships  []Relationship
	NodesTraversed int
}

// Stats summarizes graph size.
type Stats struct {
	NodeCount     int
	EdgeCount     int
	EdgesByType   map[string]int
	TopConnected  []RecordRef
}

// Graph is the SQLite-backed graph store.
type Graph struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens (creating if necessary) the graph store at path.
func Open(path string) (*Graph, error) {
	log.Info("opening graph store", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create graph store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping graph store: %w", err)
	}

	g := &Graph{db: db, path: path}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return g, nil
}

// Close closes the underlying connection.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Close()
}

// UpsertNode creates or replaces a record's node. A node is keyed by
// record_id, so ingesting the same record id again updates the existing
// node rather than creating a second one.
func (g *Graph) UpsertNode(recordID int64, category, topic, contentDigest string, concepts []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id string
	err := g.db.QueryRow(`SELECT id FROM graph_nodes WHERE record_id = ?`, recordID).Scan(&id)
	if err == sql.ErrNoRows {
		id = uuid.New().String()
	} else if err != nil {
		return "", fmt.Errorf("failed to look up node for record %d: %w", recordID, err)
	}

	_, err = g.db.Exec(`
		INSERT INTO graph_nodes (id, record_id, category, topic, content_digest, concepts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			topic = excluded.topic,
			content_digest = excluded.content_digest,
			concepts = excluded.concepts
	`, id, recordID, category, topic, contentDigest, strings.Join(concepts, "\x1f"), time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to upsert node for record %d: %w", recordID, err)
	}
	return id, nil
}

// Link creates a typed edge between two nodes. Edges are stored as a
// single directed row; semantics are undirected, so lookups always
// query both directions.
func (g *Graph) Link(nodeA, nodeB, edgeType string, strength float64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.Exec(`
		INSERT INTO graph_edges (id, source_id, target_id, type, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), nodeA, nodeB, edgeType, strength, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to create edge %s->%s: %w", nodeA, nodeB, err)
	}
	return true, nil
}

// FindRelated scores candidate neighbors for edge creation by keyword
// overlap with a node's own concept list: plain Jaccard over the
// concept/keyword sets.
func (g *Graph) FindRelated(recordID int64, seedConcepts []string) ([]RelatedCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rows, err := g.db.Query(`
		SELECT id, record_id, category, topic, content_digest, concepts, created_at
		FROM graph_nodes WHERE record_id != ?
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("find_related query failed: %w", err)
	}
	defer rows.Close()

	seedSet := toSet(seedConcepts)
	var candidates []RelatedCandidate
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		score := jaccard(seedSet, n.Concepts)
		if score > 0 {
			candidates = append(candidates, RelatedCandidate{Node: n, OverlapScore: score})
		}
	}
	return candidates, rows.Err()
}

// SearchByConcepts returns record references whose node carries any of the
// given concepts/keywords.
func (g *Graph) SearchByConcepts(concepts []string, limit int) ([]RecordRef, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	seedSet := toSet(concepts)

	rows, err := g.db.Query(`SELECT id, record_id, category, topic, content_digest, concepts, created_at FROM graph_nodes`)
	if err != nil {
		return nil, fmt.Errorf("search_by_concepts query failed: %w", err)
	}
	defer rows.Close()

	var out []RecordRef
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		if hasAny(seedSet, n.Concepts) {
			out = append(out, RecordRef{NodeID: n.ID, RecordID: n.RecordID, Category: n.Category, Topic: n.Topic})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, rows.Err()
}

// Neighborhood performs a bounded BFS traversal from a node, depth
// clamped to [1,3]. Edges are deduped by source-target-type so a cycle
// never reports the same relationship twice.
func (g *Graph) Neighborhood(nodeID string, depth int, types []string) (*Neighborhood, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	typeFilter := toSet(types)
	visited := map[string]int{nodeID: 0}
	queue := []string{nodeID}
	edgeSeen := map[string]bool{}
	var rels []Relationship

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		dist := visited[current]
		if dist >= depth {
			continue
		}

		rows, err := g.db.Query(`
			SELECT source_id, target_id, type, strength FROM graph_edges
			WHERE source_id = ? OR target_id = ?
		`, current, current)
		if err != nil {
			return nil, fmt.Errorf("neighborhood query failed: %w", err)
		}

		for rows.Next() {
			var sourceID, targetID, edgeType string
			var strength float64
			if err := rows.Scan(&sourceID, &targetID, &edgeType, &strength); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan edge: %w", err)
			}
			if len(typeFilter) > 0 && !typeFilter[edgeType] {
				continue
			}

			key := sourceID + "->" + targetID + ":" + edgeType
			if !edgeSeen[key] {
				rels = append(rels, Relationship{SourceNodeID: sourceID, TargetNodeID: targetID, Type: edgeType, Strength: strength})
				edgeSeen[key] = true
			}

			other := targetID
			if targetID == current {
				other = sourceID
			}
			if _, seen := visited[other]; !seen {
				visited[other] = dist + 1
				queue = append(queue, other)
			}
		}
		rows.Close()
	}

	var nodes []RecordRef
	for id := range visited {
		n, err := g.getNode(id)
		if err != nil || n == nil {
			continue
		}
		nodes = append(nodes, RecordRef{NodeID: n.ID, RecordID: n.RecordID, Category: n.Category, Topic: n.Topic})
	}

	return &Neighborhood{Nodes: nodes, Relationships: rels, NodesTraversed: len(visited)}, nil
}

// NodeIDForRecord looks up the node id for a record, used when resolving
// caller-asserted relationship targets by record id.
func (g *Graph) NodeIDForRecord(recordID int64) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var id string
	err := g.db.QueryRow(`SELECT id FROM graph_nodes WHERE record_id = ?`, recordID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up node for record %d: %w", recordID, err)
	}
	return id, nil
}

func (g *Graph) getNode(id string) (*Node, error) {
	row := g.db.QueryRow(`SELECT id, record_id, category, topic, content_digest, concepts, created_at FROM graph_nodes WHERE id = ?`, id)
	var n Node
	var conceptsRaw string
	if err := row.Scan(&n.ID, &n.RecordID, &n.Category, &n.Topic, &n.ContentDigest, &conceptsRaw, &n.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	n.Concepts = splitConcepts(conceptsRaw)
	return &n, nil
}

// Stats reports node/edge counts by type and the most-connected nodes.
func (g *Graph) Stats() (*Stats, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := &Stats{EdgesByType: make(map[string]int)}
	g.db.QueryRow(`SELECT COUNT(*) FROM graph_nodes`).Scan(&stats.NodeCount)
	g.db.QueryRow(`SELECT COUNT(*) FROM graph_edges`).Scan(&stats.EdgeCount)

	rows, err := g.db.Query(`SELECT type, COUNT(*) FROM graph_edges GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("stats edge-type query failed: %w", err)
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EdgesByType[t] = n
	}
	rows.Close()

	topRows, err := g.db.Query(`
		SELECT n.id, n.record_id, n.category, n.topic, COUNT(e.id) as degree
		FROM graph_nodes n
		LEFT JOIN graph_edges e ON e.source_id = n.id OR e.target_id = n.id
		GROUP BY n.id ORDER BY degree DESC LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("stats top-connected query failed: %w", err)
	}
	defer topRows.Close()
	for topRows.Next() {
		var ref RecordRef
		var degree int
		if err := topRows.Scan(&ref.NodeID, &ref.RecordID, &ref.Category, &ref.Topic, &degree); err != nil {
			return nil, err
		}
		stats.TopConnected = append(stats.TopConnected, ref)
	}
	return stats, nil
}

func scanNode(rows *sql.Rows) (Node, error) {
	var n Node
	var conceptsRaw string
	if err := rows.Scan(&n.ID, &n.RecordID, &n.Category, &n.Topic, &n.ContentDigest, &conceptsRaw, &n.CreatedAt); err != nil {
		return Node{}, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Concepts = splitConcepts(conceptsRaw)
	return n, nil
}

func splitConcepts(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\x1f")
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[strings.ToLower(v)] = true
	}
	return set
}

func hasAny(set map[string]bool, vals []string) bool {
	for _, v := range vals {
		if set[strings.ToLower(v)] {
			return true
		}
	}
	return false
}

func jaccard(a map[string]bool, bVals []string) float64 {
	if len(a) == 0 || len(bVals) == 0 {
		return 0
	}
	b := toSet(bVals)
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
