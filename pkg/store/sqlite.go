package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/zcsabbagh/knowledge-graph-mcp/pkg/sm2"
)

// SQLiteGraphStore implements GraphStore using SQLite as the backend.
type SQLiteGraphStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLiteGraphStore.
type Option func(*SQLiteGraphStore)

// WithClock overrides the time source, for testing.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteGraphStore) {
		s.now = now
	}
}

// NewSQLiteGraphStore creates a new SQLite-backed graph store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Parent directories are created as needed and the schema is applied
// idempotently.
func NewSQLiteGraphStore(dbPath string, opts ...Option) (*SQLiteGraphStore, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: operations are serialized per the single-writer
	// discipline, and an in-memory database stays shared across calls.
	db.SetMaxOpenConns(1)

	store := &SQLiteGraphStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteGraphStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		concept TEXT NOT NULL,
		description TEXT,
		domain TEXT,

		mastery_level REAL DEFAULT 0.0,
		mastery_recall REAL DEFAULT 0.0,
		mastery_application REAL DEFAULT 0.0,
		mastery_explanation REAL DEFAULT 0.0,

		difficulty REAL DEFAULT 0.5,
		ease_factor REAL DEFAULT 2.5,
		interval_days INTEGER DEFAULT 0,
		repetitions INTEGER DEFAULT 0,
		last_reviewed_at DATETIME,
		next_review_at DATETIME,
		review_count INTEGER DEFAULT 0,

		tags TEXT,
		misconceptions TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS edges (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		strength REAL DEFAULT 1.0,
		reasoning TEXT,
		created_at DATETIME,
		PRIMARY KEY (source_id, target_id, relation_type),
		FOREIGN KEY (source_id) REFERENCES nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (target_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS review_history (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		reviewed_at DATETIME,
		quality INTEGER,
		mastery_before REAL,
		mastery_after REAL,
		notes TEXT,
		misconception_detected TEXT,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_domain ON nodes(domain);
	CREATE INDEX IF NOT EXISTS idx_nodes_mastery ON nodes(mastery_level);
	CREATE INDEX IF NOT EXISTS idx_nodes_next_review ON nodes(next_review_at);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(relation_type);
	CREATE INDEX IF NOT EXISTS idx_review_node ON review_history(node_id);
	CREATE INDEX IF NOT EXISTS idx_review_date ON review_history(reviewed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so read helpers work inside and
// outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const nodeColumns = `id, concept, description, domain,
	mastery_level, mastery_recall, mastery_application, mastery_explanation,
	difficulty, ease_factor, interval_days, repetitions,
	last_reviewed_at, next_review_at, review_count,
	tags, misconceptions, created_at, updated_at`

// AddNode inserts a new node with mastery and scheduling defaults.
func (s *SQLiteGraphStore) AddNode(ctx context.Context, nc *NodeCreate) (*Node, error) {
	if strings.TrimSpace(nc.Concept) == "" {
		return nil, fmt.Errorf("%w: concept cannot be empty", ErrInvalidInput)
	}
	if err := validateUnit("difficulty", nc.Difficulty); err != nil {
		return nil, err
	}

	id := nc.NodeID
	if id == "" {
		id = NormalizeID(nc.Concept)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check node existence: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: id %q", ErrDuplicateNode, id)
	}

	now := s.now()
	tags, err := json.Marshal(nonNilList(nc.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, concept, description, domain, difficulty,
			mastery_level, ease_factor, tags, misconceptions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0.0, 2.5, ?, '[]', ?, ?)`,
		id, nc.Concept, nullableString(nc.Description), nullableString(nc.Domain),
		nc.Difficulty, string(tags), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add node: %w", err)
	}

	node, err := getNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return node, nil
}

// GetNode retrieves a node by its ID. Returns (nil, nil) if not found.
func (s *SQLiteGraphStore) GetNode(ctx context.Context, id string) (*Node, error) {
	return getNode(ctx, s.db, id)
}

// GetNodeByConcept retrieves a node by exact concept name.
// Returns (nil, nil) if not found.
func (s *SQLiteGraphStore) GetNodeByConcept(ctx context.Context, concept string) (*Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE concept = ? ORDER BY created_at, id LIMIT 1"
	node, err := scanNode(s.db.QueryRowContext(ctx, query, concept))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node by concept: %w", err)
	}
	return node, nil
}

// UpdateNode applies a partial update inside a single transaction.
//
// Effects apply in a fixed order: scalar overwrites, mastery-dimension
// recomputation, explicit mastery override, scheduler invocation for a
// quality rating (with a review-history append), misconception tracking, and
// finally the updated_at stamp - written only when something changed.
func (s *SQLiteGraphStore) UpdateNode(ctx context.Context, id string, u *NodeUpdate) (*Node, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	node := *current
	now := s.now()
	changed := false

	// 1. Scalar field overwrites.
	if u.Concept != nil {
		node.Concept = *u.Concept
		changed = true
	}
	if u.Description != nil {
		node.Description = *u.Description
		changed = true
	}
	if u.Domain != nil {
		node.Domain = *u.Domain
		changed = true
	}
	if u.Difficulty != nil {
		node.Difficulty = *u.Difficulty
		changed = true
	}

	// 2. Mastery dimensions: recompute the overall level from the merged
	// (patched-or-current) dimensions.
	if u.MasteryRecall != nil || u.MasteryApplication != nil || u.MasteryExplanation != nil {
		if u.MasteryRecall != nil {
			node.MasteryRecall = *u.MasteryRecall
		}
		if u.MasteryApplication != nil {
			node.MasteryApplication = *u.MasteryApplication
		}
		if u.MasteryExplanation != nil {
			node.MasteryExplanation = *u.MasteryExplanation
		}
		node.MasteryLevel = sm2.OverallMastery(node.MasteryRecall, node.MasteryApplication, node.MasteryExplanation)
		changed = true
	}

	// 3. Explicit mastery level overrides the derived value.
	if u.MasteryLevel != nil {
		node.MasteryLevel = *u.MasteryLevel
		changed = true
	}

	// 4. Quality rating: run the scheduler against the node's pre-update
	// scheduling state and log the review.
	if u.Quality != nil {
		masteryBefore := current.MasteryLevel

		res, err := sm2.CalculateNextReview(
			*u.Quality,
			current.Difficulty,
			current.EaseFactor,
			current.IntervalDays,
			current.Repetitions,
			current.MasteryLevel,
			now,
		)
		if err != nil {
			return nil, err
		}

		node.EaseFactor = res.EaseFactor
		node.IntervalDays = res.IntervalDays
		node.Repetitions = res.Repetitions
		next := res.NextReviewAt
		node.NextReviewAt = &next
		last := now
		node.LastReviewedAt = &last
		node.ReviewCount = current.ReviewCount + 1
		if res.SuggestedMastery != nil {
			node.MasteryLevel = *res.SuggestedMastery
		}
		changed = true

		_, err = tx.ExecContext(ctx, `
			INSERT INTO review_history
				(id, node_id, reviewed_at, quality, mastery_before, mastery_after, notes, misconception_detected)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), id, now, *u.Quality, masteryBefore, node.MasteryLevel,
			nullableStringPtr(u.Notes), nullableStringPtr(u.MisconceptionDetected),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record review history: %w", err)
		}
	}

	// 5. Misconception tracking: append-only, deduplicated.
	if u.MisconceptionDetected != nil && *u.MisconceptionDetected != "" {
		if !contains(node.Misconceptions, *u.MisconceptionDetected) {
			node.Misconceptions = append(node.Misconceptions, *u.MisconceptionDetected)
			changed = true
		}
	}

	// 6. Persist only when a field changed.
	if changed {
		node.UpdatedAt = now

		tags, err := json.Marshal(nonNilList(node.Tags))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		misconceptions, err := json.Marshal(nonNilList(node.Misconceptions))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal misconceptions: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE nodes SET
				concept = ?, description = ?, domain = ?, difficulty = ?,
				mastery_level = ?, mastery_recall = ?, mastery_application = ?, mastery_explanation = ?,
				ease_factor = ?, interval_days = ?, repetitions = ?,
				last_reviewed_at = ?, next_review_at = ?, review_count = ?,
				tags = ?, misconceptions = ?, updated_at = ?
			WHERE id = ?`,
			node.Concept, nullableString(node.Description), nullableString(node.Domain), node.Difficulty,
			node.MasteryLevel, node.MasteryRecall, node.MasteryApplication, node.MasteryExplanation,
			node.EaseFactor, node.IntervalDays, node.Repetitions,
			nullableTime(node.LastReviewedAt), nullableTime(node.NextReviewAt), node.ReviewCount,
			string(tags), string(misconceptions), node.UpdatedAt,
			id,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update node: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &node, nil
}

// DeleteNode removes a node, its edges, and its review history.
// Reports whether a node row was removed.
func (s *SQLiteGraphStore) DeleteNode(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Cascades are declared in the schema; deleting explicitly keeps the
	// behavior independent of the foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, "DELETE FROM review_history WHERE node_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to delete review history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return false, fmt.Errorf("failed to delete edges: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return affected > 0, nil
}

// AddEdge inserts a new edge. Both endpoints must exist, the (source, target,
// relation) triple must be new, and a prerequisite edge must not close a
// cycle. All checks run inside the insert transaction.
func (s *SQLiteGraphStore) AddEdge(ctx context.Context, ec *EdgeCreate) (*Edge, error) {
	if _, err := ParseRelationType(string(ec.RelationType)); err != nil {
		return nil, err
	}
	if err := validateUnit("strength", ec.Strength); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, endpoint := range []struct{ role, id string }{
		{"source", ec.SourceID},
		{"target", ec.TargetID},
	} {
		var count int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE id = ?", endpoint.id).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s node: %w", endpoint.role, err)
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: %s node %q", ErrNodeNotFound, endpoint.role, endpoint.id)
		}
	}

	if ec.RelationType == RelationPrerequisite {
		cycle, err := wouldCreateCycle(ctx, tx, ec.SourceID, ec.TargetID)
		if err != nil {
			return nil, err
		}
		if cycle {
			return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, ec.SourceID, ec.TargetID)
		}
	}

	var dup int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM edges WHERE source_id = ? AND target_id = ? AND relation_type = ?",
		ec.SourceID, ec.TargetID, string(ec.RelationType)).Scan(&dup)
	if err != nil {
		return nil, fmt.Errorf("failed to check edge existence: %w", err)
	}
	if dup > 0 {
		return nil, fmt.Errorf("%w: %s --%s--> %s", ErrDuplicateEdge, ec.SourceID, ec.RelationType, ec.TargetID)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (source_id, target_id, relation_type, strength, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ec.SourceID, ec.TargetID, string(ec.RelationType), ec.Strength,
		nullableString(ec.Reasoning), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add edge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &Edge{
		SourceID:     ec.SourceID,
		TargetID:     ec.TargetID,
		RelationType: ec.RelationType,
		Strength:     ec.Strength,
		Reasoning:    ec.Reasoning,
		CreatedAt:    now,
	}, nil
}

// wouldCreateCycle reports whether adding a prerequisite edge source->target
// would close a cycle: BFS from target following prerequisite edges backward
// (toward prerequisites); a cycle exists if source is reachable.
func wouldCreateCycle(ctx context.Context, q dbtx, sourceID, targetID string) (bool, error) {
	visited := make(map[string]bool)
	queue := []string{targetID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == sourceID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := q.QueryContext(ctx,
			"SELECT source_id FROM edges WHERE target_id = ? AND relation_type = ?",
			current, string(RelationPrerequisite))
		if err != nil {
			return false, fmt.Errorf("failed to query prerequisites: %w", err)
		}
		for rows.Next() {
			var prereqID string
			if err := rows.Scan(&prereqID); err != nil {
				rows.Close()
				return false, fmt.Errorf("failed to scan prerequisite: %w", err)
			}
			queue = append(queue, prereqID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, fmt.Errorf("error iterating prerequisites: %w", err)
		}
		rows.Close()
	}

	return false, nil
}

// GetEdges returns edges matching the filter; zero fields act as wildcards.
func (s *SQLiteGraphStore) GetEdges(ctx context.Context, f EdgeFilter) ([]*Edge, error) {
	query := "SELECT source_id, target_id, relation_type, strength, reasoning, created_at FROM edges WHERE 1=1"
	var args []any

	if f.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	if f.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, f.TargetID)
	}
	if f.RelationType != "" {
		query += " AND relation_type = ?"
		args = append(args, string(f.RelationType))
	}
	query += " ORDER BY created_at, source_id, target_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// DeleteEdge removes the edge with the exact composite key.
func (s *SQLiteGraphStore) DeleteEdge(ctx context.Context, sourceID, targetID string, rt RelationType) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM edges WHERE source_id = ? AND target_id = ? AND relation_type = ?",
		sourceID, targetID, string(rt))
	if err != nil {
		return false, fmt.Errorf("failed to delete edge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResolveNodeID maps a human identifier to a canonical node ID, trying exact
// ID match, exact concept-name match, then ID normalization of the text.
// Returns "" with a nil error when nothing matches.
func (s *SQLiteGraphStore) ResolveNodeID(ctx context.Context, identifier string) (string, error) {
	node, err := s.GetNode(ctx, identifier)
	if err != nil {
		return "", err
	}
	if node != nil {
		return node.ID, nil
	}

	node, err = s.GetNodeByConcept(ctx, identifier)
	if err != nil {
		return "", err
	}
	if node != nil {
		return node.ID, nil
	}

	node, err = s.GetNode(ctx, NormalizeID(identifier))
	if err != nil {
		return "", err
	}
	if node != nil {
		return node.ID, nil
	}
	return "", nil
}

// ListNodes returns nodes matching the filter.
func (s *SQLiteGraphStore) ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE 1=1"
	var args []any

	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}
	if f.MasteryBelow != nil {
		query += " AND mastery_level < ?"
		args = append(args, *f.MasteryBelow)
	}
	if f.DifficultyAbove != nil {
		query += " AND difficulty > ?"
		args = append(args, *f.DifficultyAbove)
	}
	if f.DueBefore != nil {
		query += " AND next_review_at IS NOT NULL AND next_review_at <= ?"
		args = append(args, *f.DueBefore)
	}
	if f.MinReviewCount > 0 {
		query += " AND review_count >= ?"
		args = append(args, f.MinReviewCount)
	}
	if f.WithMisconceptions {
		query += " AND misconceptions IS NOT NULL AND misconceptions != '[]' AND misconceptions != ''"
	}

	switch f.OrderBy {
	case OrderByConcept:
		query += " ORDER BY concept ASC"
	case OrderByNextReview:
		query += " ORDER BY next_review_at ASC"
	case OrderByStrugglingScore:
		query += " ORDER BY (difficulty - mastery_level) DESC"
	case OrderByReviewCount:
		query += " ORDER BY review_count DESC"
	default:
		query += " ORDER BY created_at, id"
	}

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// KnowledgeGaps returns nodes below the mastery threshold that block at
// least one other concept via a prerequisite edge, most-blocking first.
func (s *SQLiteGraphStore) KnowledgeGaps(ctx context.Context, domain string, masteryBelow float64, limit int) ([]*Node, error) {
	query := `SELECT ` + prefixColumns("n") + `
		FROM nodes n
		JOIN edges e ON n.id = e.source_id
		WHERE e.relation_type = ? AND n.mastery_level < ?`
	args := []any{string(RelationPrerequisite), masteryBelow}

	if domain != "" {
		query += " AND n.domain = ?"
		args = append(args, domain)
	}
	query += " GROUP BY n.id ORDER BY COUNT(e.target_id) DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge gaps: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// GetReviewHistory returns the review log for a node, oldest first.
func (s *SQLiteGraphStore) GetReviewHistory(ctx context.Context, nodeID string) ([]*ReviewHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, reviewed_at, quality, mastery_before, mastery_after, notes, misconception_detected
		FROM review_history WHERE node_id = ? ORDER BY reviewed_at, id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get review history: %w", err)
	}
	defer rows.Close()

	var entries []*ReviewHistory
	for rows.Next() {
		var (
			entry         ReviewHistory
			reviewedAt    sql.NullTime
			notes         sql.NullString
			misconception sql.NullString
		)
		err := rows.Scan(&entry.ID, &entry.NodeID, &reviewedAt, &entry.Quality,
			&entry.MasteryBefore, &entry.MasteryAfter, &notes, &misconception)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review history: %w", err)
		}
		if reviewedAt.Valid {
			entry.ReviewedAt = reviewedAt.Time
		}
		entry.Notes = notes.String
		entry.MisconceptionDetected = misconception.String
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review history: %w", err)
	}
	return entries, nil
}

// Statistics aggregates learning progress, optionally restricted to a domain.
func (s *SQLiteGraphStore) Statistics(ctx context.Context, domain string) (*Statistics, error) {
	stats := &Statistics{
		MasteryDistribution:    make(map[string]int),
		AverageMasteryByDomain: make(map[string]float64),
		StrugglingConcepts:     []StrugglingConcept{},
	}

	domainClause := ""
	var domainArgs []any
	if domain != "" {
		domainClause = " AND domain = ?"
		domainArgs = []any{domain}
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE 1=1"+domainClause, domainArgs...,
	).Scan(&stats.TotalConcepts)
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}

	bands := []struct {
		low, high float64
		label     string
	}{
		{0.0, 0.2, "not_started"},
		{0.2, 0.4, "beginning"},
		{0.4, 0.6, "learning"},
		{0.6, 0.8, "proficient"},
		{0.8, 1.01, "mastered"},
	}
	for _, band := range bands {
		args := append([]any{band.low, band.high}, domainArgs...)
		var count int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM nodes WHERE mastery_level >= ? AND mastery_level < ?"+domainClause,
			args...,
		).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count mastery band %s: %w", band.label, err)
		}
		stats.MasteryDistribution[band.label] = count
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT domain, AVG(mastery_level) FROM nodes WHERE domain IS NOT NULL"+domainClause+" GROUP BY domain",
		domainArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to average mastery by domain: %w", err)
	}
	for rows.Next() {
		var d string
		var avg float64
		if err := rows.Scan(&d, &avg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan domain average: %w", err)
		}
		stats.AverageMasteryByDomain[d] = round2(avg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating domain averages: %w", err)
	}
	rows.Close()

	args := append([]any{s.now()}, domainArgs...)
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE next_review_at IS NOT NULL AND next_review_at <= ?"+domainClause,
		args...,
	).Scan(&stats.ConceptsDueForReview)
	if err != nil {
		return nil, fmt.Errorf("failed to count due reviews: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE misconceptions IS NOT NULL AND misconceptions != '[]' AND misconceptions != ''"+domainClause,
		domainArgs...,
	).Scan(&stats.MisconceptionsCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count misconceptions: %w", err)
	}

	strugglingRows, err := s.db.QueryContext(ctx,
		`SELECT id, concept, mastery_level, difficulty FROM nodes
		WHERE difficulty > 0.5 AND mastery_level < 0.4`+domainClause+`
		ORDER BY (difficulty - mastery_level) DESC LIMIT 5`,
		domainArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query struggling concepts: %w", err)
	}
	for strugglingRows.Next() {
		var sc StrugglingConcept
		if err := strugglingRows.Scan(&sc.ID, &sc.Concept, &sc.Mastery, &sc.Difficulty); err != nil {
			strugglingRows.Close()
			return nil, fmt.Errorf("failed to scan struggling concept: %w", err)
		}
		stats.StrugglingConcepts = append(stats.StrugglingConcepts, sc)
	}
	if err := strugglingRows.Err(); err != nil {
		strugglingRows.Close()
		return nil, fmt.Errorf("error iterating struggling concepts: %w", err)
	}
	strugglingRows.Close()

	var overall sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(mastery_level) FROM nodes WHERE 1=1"+domainClause, domainArgs...,
	).Scan(&overall)
	if err != nil {
		return nil, fmt.Errorf("failed to average mastery: %w", err)
	}
	stats.OverallMastery = round2(overall.Float64)

	return stats, nil
}

// NodeCount returns the total number of nodes in the graph.
func (s *SQLiteGraphStore) NodeCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// EdgeCount returns the total number of edges in the graph.
func (s *SQLiteGraphStore) EdgeCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

// Close releases database resources.
func (s *SQLiteGraphStore) Close() error {
	return s.db.Close()
}

// Compile-time interface check
var _ GraphStore = (*SQLiteGraphStore)(nil)

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getNode(ctx context.Context, q dbtx, id string) (*Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE id = ?"
	node, err := scanNode(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func scanNode(row scanner) (*Node, error) {
	var (
		node                     Node
		description, domain      sql.NullString
		lastReviewed, nextReview sql.NullTime
		createdAt, updatedAt     sql.NullTime
		tagsJSON                 sql.NullString
		misconceptionsJSON       sql.NullString
	)

	err := row.Scan(
		&node.ID, &node.Concept, &description, &domain,
		&node.MasteryLevel, &node.MasteryRecall, &node.MasteryApplication, &node.MasteryExplanation,
		&node.Difficulty, &node.EaseFactor, &node.IntervalDays, &node.Repetitions,
		&lastReviewed, &nextReview, &node.ReviewCount,
		&tagsJSON, &misconceptionsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Description = description.String
	node.Domain = domain.String
	if lastReviewed.Valid {
		node.LastReviewedAt = &lastReviewed.Time
	}
	if nextReview.Valid {
		node.NextReviewAt = &nextReview.Time
	}
	if createdAt.Valid {
		node.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		node.UpdatedAt = updatedAt.Time
	}
	node.Tags = decodeStringList(tagsJSON.String)
	node.Misconceptions = decodeStringList(misconceptionsJSON.String)

	return &node, nil
}

func collectNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func scanEdge(row scanner) (*Edge, error) {
	var (
		edge      Edge
		relation  string
		reasoning sql.NullString
		createdAt sql.NullTime
	)
	err := row.Scan(&edge.SourceID, &edge.TargetID, &relation, &edge.Strength, &reasoning, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan edge: %w", err)
	}
	edge.RelationType = RelationType(relation)
	edge.Reasoning = reasoning.String
	if createdAt.Valid {
		edge.CreatedAt = createdAt.Time
	}
	return &edge, nil
}

// decodeStringList hydrates a JSON-encoded string list, decoding malformed
// input to an empty list rather than failing past the boundary.
func decodeStringList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil || list == nil {
		return []string{}
	}
	return list
}

func validateUpdate(u *NodeUpdate) error {
	checks := []struct {
		name  string
		value *float64
	}{
		{"difficulty", u.Difficulty},
		{"mastery_level", u.MasteryLevel},
		{"mastery_recall", u.MasteryRecall},
		{"mastery_application", u.MasteryApplication},
		{"mastery_explanation", u.MasteryExplanation},
	}
	for _, c := range checks {
		if c.value != nil {
			if err := validateUnit(c.name, *c.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %s %.2f out of range [0, 1]", ErrInvalidInput, name, v)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nonNilList(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func prefixColumns(alias string) string {
	cols := strings.Split(nodeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
